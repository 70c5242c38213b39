package buildinfo

import (
	"testing"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

func TestCurrent_isStableAndValid(t *testing.T) {
	a, b := Current(), Current()
	if a != b {
		t.Error("Current built a second Build")
	}
	if a.CodeVersionHash() != b.CodeVersionHash() {
		t.Errorf("fingerprint changed between reads: %s vs %s", a.CodeVersionHash(), b.CodeVersionHash())
	}
	if !hashing.Valid(string(a.CodeVersionHash())) {
		t.Errorf("fingerprint %q is not a canonical hash", a.CodeVersionHash())
	}
}

func TestNewBuild_orderIndependent(t *testing.T) {
	x := newBuild([]string{"version=1", "vcs.revision=abc"})
	y := newBuild([]string{"vcs.revision=abc", "version=1"})
	if x.CodeVersionHash() != y.CodeVersionHash() {
		t.Error("fingerprint depends on input order")
	}
	z := newBuild([]string{"version=2", "vcs.revision=abc"})
	if x.CodeVersionHash() == z.CodeVersionHash() {
		t.Error("different versions produced the same fingerprint")
	}
}

func TestStatic(t *testing.T) {
	h := hashing.SumString("build")
	var p CodeVersionProvider = Static(h)
	if p.CodeVersionHash() != h {
		t.Errorf("got %s, want %s", p.CodeVersionHash(), h)
	}
}

func TestReadBuild_matchesCurrent(t *testing.T) {
	if got, want := readBuild().CodeVersionHash(), Current().CodeVersionHash(); got != want {
		t.Errorf("readBuild %s, Current %s", got, want)
	}
}
