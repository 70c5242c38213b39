package logbook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
	"go.uber.org/zap"
)

var ctx = context.Background()

var testBuild = buildinfo.Static(hashing.SumString("test-build"))

func newService(t *testing.T) (*logbook.Service, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemory()
	stores := chain.NewManager(chain.NewFilePersistence(t.TempDir()), chain.NewMemoryContentStore(), zap.NewNop())
	return logbook.NewService(stores, l, testBuild, zap.NewNop()), l
}

func TestAddEntry_anchorsAndAppends(t *testing.T) {
	svc, l := newService(t)

	e1, err := svc.AddEntry(ctx, "journal", "first", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := svc.AddEntry(ctx, "journal", "second", []byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	if e1.EntryHash != hashing.SumString("hello") {
		t.Errorf("entry hash: got %s", e1.EntryHash)
	}
	if e1.PreviousHash != hashing.Genesis || e2.PreviousHash != e1.EntryHash {
		t.Error("entries are not linked")
	}
	if e2.CodeVersionHash != testBuild.CodeVersionHash() {
		t.Errorf("code version: got %s", e2.CodeVersionHash)
	}
	if !hashing.Valid(e2.ExternalRef) {
		t.Errorf("external ref %q is not a ledger reference", e2.ExternalRef)
	}

	recs, err := l.GetAllEntries(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].EntryHash != e2.EntryHash {
		t.Errorf("ledger: got %+v", recs)
	}
	if e2.BlockNumber != recs[1].SequenceNumber {
		t.Errorf("block number: got %d, want %d", e2.BlockNumber, recs[1].SequenceNumber)
	}

	got, data, err := svc.ReadEntry("journal", "second")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "world" || got != e2 {
		t.Errorf("ReadEntry: got %+v %q", got, data)
	}

	store, _ := svc.Stores().Open("journal")
	if r := store.ValidateChain(); !r.Valid {
		t.Errorf("chain invalid after adds: %v", r.Errors)
	}
}

func TestAddEntry_rejects(t *testing.T) {
	svc, l := newService(t)
	if _, err := svc.AddEntry(ctx, "journal", "taken", []byte("x")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		logbook string
		entry   string
		content string
		want    error
	}{
		{"bad entry name", "journal", "has space", "x", chain.ErrInvalidName},
		{"bad logbook name", "a/b", "ok", "x", chain.ErrInvalidName},
		{"empty content", "journal", "empty", "", chain.ErrInvalidValue},
		{"duplicate", "journal", "taken", "y", chain.ErrDuplicateEntry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AddEntry(ctx, tc.logbook, tc.entry, []byte(tc.content))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	if n, _ := l.GetEntryCount(ctx, "journal"); n != 1 {
		t.Errorf("rejected entries reached the ledger: %d records", n)
	}
}

func TestAddEntry_ledgerUnavailableLeavesStateUntouched(t *testing.T) {
	svc, l := newService(t)
	l.SetUnavailable(errors.New("rpc timeout"))

	_, err := svc.AddEntry(ctx, "journal", "first", []byte("hello"))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}

	store, _ := svc.Stores().Open("journal")
	if store.Len() != 0 {
		t.Errorf("local chain changed: %d entries", store.Len())
	}
	if ok, _ := store.Content().Exists("journal", "first"); ok {
		t.Error("content written despite ledger failure")
	}
}

func TestAddEntry_conflictWhenLedgerIsAhead(t *testing.T) {
	svc, l := newService(t)
	// Another client anchored first.
	if _, err := l.Anchor(ctx, "journal", "elsewhere", hashing.SumString("elsewhere"), hashing.Genesis); err != nil {
		t.Fatal(err)
	}

	_, err := svc.AddEntry(ctx, "journal", "mine", []byte("mine"))
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	// Reconciliation brings the local chain level with the ledger.
	engine := reconcile.NewEngine(svc.Stores(), l, zap.NewNop())
	res, err := engine.Reconcile(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != reconcile.StateRebuilt {
		t.Fatalf("state: got %s", res.State)
	}
	if _, err := svc.AddEntry(ctx, "journal", "mine", []byte("mine")); err != nil {
		t.Errorf("add after reconcile: %v", err)
	}
}

func TestReadEntry_notFound(t *testing.T) {
	svc, _ := newService(t)
	if _, _, err := svc.ReadEntry("journal", "ghost"); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLogbooks_unionOfLocalAndLedger(t *testing.T) {
	svc, l := newService(t)
	if _, err := svc.AddEntry(ctx, "work", "a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Stores().Open("drafts"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Anchor(ctx, "remote", "r", hashing.SumString("r"), hashing.Genesis); err != nil {
		t.Fatal(err)
	}

	names, err := svc.Logbooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"drafts", "remote", "work"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d]: got %q, want %q", i, names[i], want[i])
		}
	}

	l.SetUnavailable(errors.New("down"))
	names, err = svc.Logbooks(ctx)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
	if len(names) != 2 {
		t.Errorf("local names: got %v", names)
	}
}

func TestDescribe(t *testing.T) {
	svc, _ := newService(t)

	sum, err := svc.Describe(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Exists || sum.Entries != 0 || sum.MerkleRoot != string(hashing.Zero) {
		t.Errorf("absent logbook: got %+v", sum)
	}
	if ok, _ := svc.Stores().Exists("journal"); ok {
		t.Error("Describe must not create the logbook")
	}

	e, err := svc.AddEntry(ctx, "journal", "first", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	sum, err = svc.Describe(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Exists || sum.Entries != 1 || sum.LedgerEntries == nil || *sum.LedgerEntries != 1 {
		t.Errorf("got %+v", sum)
	}
	if sum.MerkleRoot != string(e.MerkleRoot) {
		t.Errorf("merkle root: got %s, want %s", sum.MerkleRoot, e.MerkleRoot)
	}
}
