package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

func anchorN(t *testing.T, l ledger.Ledger, logbook string, n int) []hashing.EntryHash {
	t.Helper()
	prev := hashing.Genesis
	hashes := make([]hashing.EntryHash, 0, n)
	for i := 0; i < n; i++ {
		h := hashing.SumString(logbook + string(rune('a'+i)))
		if _, err := l.Anchor(ctx, logbook, "note-"+string(rune('a'+i)), h, prev); err != nil {
			t.Fatalf("anchor %d: %v", i, err)
		}
		hashes = append(hashes, h)
		prev = h
	}
	return hashes
}

func TestNewMemory_empty(t *testing.T) {
	l := ledger.NewMemory()

	n, err := l.GetEntryCount(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}

	recs, err := l.GetAllEntries(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if recs == nil || len(recs) != 0 {
		t.Errorf("GetAllEntries: got %v, want empty non-nil slice", recs)
	}

	names, err := l.GetLogbookNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("GetLogbookNames: got %v, want none", names)
	}
}

func TestAnchor_chainsCorrectly(t *testing.T) {
	l := ledger.NewMemory()
	l.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	h1 := hashing.SumString("one")
	r1, err := l.Anchor(ctx, "journal", "one", h1, hashing.Genesis)
	if err != nil {
		t.Fatal(err)
	}
	h2 := hashing.SumString("two")
	r2, err := l.Anchor(ctx, "journal", "two", h2, h1)
	if err != nil {
		t.Fatal(err)
	}

	if r2.ConfirmedSequenceNumber <= r1.ConfirmedSequenceNumber {
		t.Errorf("sequence not increasing: %d then %d", r1.ConfirmedSequenceNumber, r2.ConfirmedSequenceNumber)
	}
	if r1.Timestamp != 1700000000 {
		t.Errorf("timestamp: got %d, want 1700000000", r1.Timestamp)
	}
	if !hashing.Valid(r1.ExternalRef) || r1.ExternalRef == r2.ExternalRef {
		t.Errorf("external refs: got %q and %q, want distinct 64-hex strings", r1.ExternalRef, r2.ExternalRef)
	}

	recs, err := l.GetAllEntries(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].PreviousHash != recs[0].EntryHash {
		t.Errorf("chain broken: recs[1].PreviousHash=%q, want %q", recs[1].PreviousHash, recs[0].EntryHash)
	}
	if recs[0].Name != "one" || recs[1].Name != "two" {
		t.Errorf("order: got %q, %q", recs[0].Name, recs[1].Name)
	}
}

func TestAnchor_conflicts(t *testing.T) {
	l := ledger.NewMemory()
	hashes := anchorN(t, l, "journal", 2)

	tests := []struct {
		name      string
		entryName string
		prev      hashing.EntryHash
	}{
		{"stale tail", "fresh", hashes[0]},
		{"genesis on non-empty", "fresh", hashing.Genesis},
		{"duplicate name", "note-a", hashes[1]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Anchor(ctx, "journal", tc.entryName, hashing.SumString(tc.name), tc.prev)
			if !errors.Is(err, ledger.ErrConflict) {
				t.Errorf("got %v, want ErrConflict", err)
			}
		})
	}

	n, _ := l.GetEntryCount(ctx, "journal")
	if n != 2 {
		t.Errorf("rejected anchors must not append: got %d records", n)
	}
}

func TestAnchor_logbooksAreIndependent(t *testing.T) {
	l := ledger.NewMemory()
	anchorN(t, l, "work", 3)
	anchorN(t, l, "home", 1)

	names, err := l.GetLogbookNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "home" || names[1] != "work" {
		t.Errorf("GetLogbookNames: got %v, want [home work]", names)
	}
	if n, _ := l.GetEntryCount(ctx, "work"); n != 3 {
		t.Errorf("work count: got %d, want 3", n)
	}
}

func TestAnchor_concurrentSingleWinner(t *testing.T) {
	l := ledger.NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "racer-" + string(rune('a'+i))
			if _, err := l.Anchor(ctx, "journal", name, hashing.SumString(name), hashing.Genesis); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one genesis anchor to succeed, got %d", wins)
	}
}

func TestValidateChain(t *testing.T) {
	l := ledger.NewMemory()
	hashes := anchorN(t, l, "journal", 3)

	st, err := l.ValidateChain(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Valid || st.BrokenAtIndex != -1 {
		t.Errorf("valid chain: got %+v", st)
	}

	l.Import("journal", ledger.Record{
		Name:         "rogue",
		EntryHash:    hashing.SumString("rogue"),
		PreviousHash: hashes[0],
	})
	st, err = l.ValidateChain(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if st.Valid || st.BrokenAtIndex != 3 {
		t.Errorf("broken chain: got %+v, want broken at 3", st)
	}
}

func TestUnavailable(t *testing.T) {
	l := ledger.NewMemory()
	anchorN(t, l, "journal", 1)
	l.SetUnavailable(errors.New("rpc timeout"))

	if _, err := l.Anchor(ctx, "journal", "x", hashing.SumString("x"), hashing.Genesis); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("Anchor: got %v, want ErrUnavailable", err)
	}
	if _, err := l.GetAllEntries(ctx, "journal"); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("GetAllEntries: got %v, want ErrUnavailable", err)
	}
	if _, err := l.ValidateChain(ctx, "journal"); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("ValidateChain: got %v, want ErrUnavailable", err)
	}
	if _, err := l.GetLogbookNames(ctx); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("GetLogbookNames: got %v, want ErrUnavailable", err)
	}
	if _, err := l.GetEntryCount(ctx, "journal"); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("GetEntryCount: got %v, want ErrUnavailable", err)
	}

	l.SetUnavailable(nil)
	if n, err := l.GetEntryCount(ctx, "journal"); err != nil || n != 1 {
		t.Errorf("after recovery: got %d, %v", n, err)
	}
}

func TestOpen_drivers(t *testing.T) {
	l, closeFn, err := ledger.Open(ctx, ledger.Options{Driver: ledger.DriverMemory}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := l.(*ledger.MemoryLedger); !ok {
		t.Errorf("memory driver: got %T", l)
	}

	b, closeB, err := ledger.Open(ctx, ledger.Options{Driver: ledger.DriverBadger, Dir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeB()
	if _, ok := b.(*ledger.BadgerLedger); !ok {
		t.Errorf("badger driver: got %T", b)
	}

	for _, opts := range []ledger.Options{
		{Driver: "ethereum"},
		{Driver: ledger.DriverBadger},
	} {
		if _, _, err := ledger.Open(ctx, opts, zap.NewNop()); err == nil {
			t.Errorf("%+v: expected error", opts)
		}
	}
}

func openBadger(t *testing.T, dir string) *ledger.BadgerLedger {
	t.Helper()
	l, err := ledger.OpenBadger(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestBadgerLedger_matchesMemory(t *testing.T) {
	mem := ledger.NewMemory()
	disk := openBadger(t, "")
	defer disk.Close()

	clock := func() time.Time { return time.Unix(1700000000, 0) }
	mem.SetClock(clock)
	disk.SetClock(clock)

	for _, l := range []ledger.Ledger{mem, disk} {
		anchorN(t, l, "work", 3)
		anchorN(t, l, "home", 2)
	}

	for _, logbook := range []string{"work", "home", "absent"} {
		want, err := mem.GetAllEntries(ctx, logbook)
		if err != nil {
			t.Fatal(err)
		}
		got, err := disk.GetAllEntries(ctx, logbook)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s: got %d records, want %d", logbook, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s[%d]: got %+v, want %+v", logbook, i, got[i], want[i])
			}
		}
	}

	names, err := disk.GetLogbookNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "home" || names[1] != "work" {
		t.Errorf("GetLogbookNames: got %v", names)
	}
	if n, _ := disk.GetEntryCount(ctx, "work"); n != 3 {
		t.Errorf("work count: got %d, want 3", n)
	}
	if st, _ := disk.ValidateChain(ctx, "work"); !st.Valid {
		t.Errorf("ValidateChain: got %+v", st)
	}
}

func TestBadgerLedger_conflicts(t *testing.T) {
	l := openBadger(t, "")
	defer l.Close()
	hashes := anchorN(t, l, "journal", 2)

	if _, err := l.Anchor(ctx, "journal", "fresh", hashing.SumString("x"), hashes[0]); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("stale tail: got %v, want ErrConflict", err)
	}
	if _, err := l.Anchor(ctx, "journal", "note-a", hashing.SumString("y"), hashes[1]); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("duplicate name: got %v, want ErrConflict", err)
	}
	if n, _ := l.GetEntryCount(ctx, "journal"); n != 2 {
		t.Errorf("rejected anchors must not append: got %d", n)
	}
}

func TestBadgerLedger_survivesReopen(t *testing.T) {
	dir := t.TempDir()
	l := openBadger(t, dir)
	hashes := anchorN(t, l, "journal", 2)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l = openBadger(t, dir)
	defer l.Close()
	recs, err := l.GetAllEntries(ctx, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].EntryHash != hashes[1] {
		t.Fatalf("after reopen: got %+v", recs)
	}

	r, err := l.Anchor(ctx, "journal", "next", hashing.SumString("next"), hashes[1])
	if err != nil {
		t.Fatal(err)
	}
	if r.ConfirmedSequenceNumber != 3 {
		t.Errorf("sequence after reopen: got %d, want 3", r.ConfirmedSequenceNumber)
	}
}

func TestBadgerLedger_closedIsUnavailable(t *testing.T) {
	l := openBadger(t, "")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.GetAllEntries(ctx, "journal"); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}
