// Package buildinfo fingerprints the running build. Entries and bundles
// record the fingerprint so audits can tell which build produced them.
package buildinfo

import (
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

// Version is stamped at release time via -ldflags "-X .../buildinfo.Version=...".
var Version = "dev"

// CodeVersionProvider returns the fingerprint of the current build.
type CodeVersionProvider interface {
	CodeVersionHash() hashing.EntryHash
}

// Static is a CodeVersionProvider with a fixed fingerprint.
type Static hashing.EntryHash

// CodeVersionHash implements CodeVersionProvider.
func (s Static) CodeVersionHash() hashing.EntryHash { return hashing.EntryHash(s) }

// Build fingerprints the running binary from its version and the VCS
// settings embedded by the Go toolchain.
type Build struct {
	hash        hashing.EntryHash
	description string
}

var (
	currentOnce sync.Once
	current     *Build
)

// Current reads the build information of the running binary on first use
// and returns the same Build afterwards.
func Current() *Build {
	currentOnce.Do(func() { current = readBuild() })
	return current
}

func readBuild() *Build {
	parts := []string{"version=" + Version}
	if info, ok := debug.ReadBuildInfo(); ok {
		parts = append(parts, "module="+info.Main.Path, "go="+info.GoVersion)
		for _, s := range info.Settings {
			if strings.HasPrefix(s.Key, "vcs.") {
				parts = append(parts, s.Key+"="+s.Value)
			}
		}
	}
	return newBuild(parts)
}

func newBuild(parts []string) *Build {
	sort.Strings(parts)
	desc := strings.Join(parts, ";")
	return &Build{
		hash:        hashing.SumString(hashing.BuildPayload("code", hashing.SumString(desc))),
		description: desc,
	}
}

// CodeVersionHash implements CodeVersionProvider.
func (b *Build) CodeVersionHash() hashing.EntryHash { return b.hash }

// String returns the inputs of the fingerprint.
func (b *Build) String() string { return b.description }
