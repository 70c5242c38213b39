package chain_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

func openInMemoryBadger(t *testing.T) *chain.BadgerPersistence {
	t.Helper()
	p, err := chain.OpenBadger(chain.BadgerConfig{InMemory: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// corruptBadger returns a persistence whose "journal" value is not JSON.
func corruptBadger(t *testing.T) (*badger.DB, *chain.BadgerPersistence) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("chain/journal"), []byte("not json"))
	}); err != nil {
		t.Fatal(err)
	}
	return db, chain.NewBadgerPersistence(db, zap.NewNop())
}

// TestBadgerPersistence_roundTrip verifies a chain survives save and load.
func TestBadgerPersistence_roundTrip(t *testing.T) {
	p := openInMemoryBadger(t)

	if _, err := p.Load("journal"); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("Load before save: expected ErrNotFound, got %v", err)
	}
	if ok, err := p.Exists("journal"); err != nil || ok {
		t.Errorf("Exists before save = %v, %v", ok, err)
	}

	mgr := chain.NewManager(p, chain.NewMemoryContentStore(), zap.NewNop())
	s, err := mgr.Open("journal")
	if err != nil {
		t.Fatal(err)
	}

	e, err := s.Append(chain.AppendRequest{
		Name:        "first",
		EntryHash:   hashing.SumString("hello"),
		ExternalRef: string(hashing.SumString("tx")),
		Timestamp:   42,
		BlockNumber: 7,
	})
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := p.Load("journal")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Entries) != 1 || loaded.Entries[0] != e {
		t.Errorf("loaded %+v, want [%+v]", loaded.Entries, e)
	}

	names, err := p.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "journal" {
		t.Errorf("Names = %v", names)
	}
}

// TestBadgerPersistence_corruptDocument verifies unparsable values surface
// ErrCorruptStore instead of an empty chain.
func TestBadgerPersistence_corruptDocument(t *testing.T) {
	_, p := corruptBadger(t)

	if _, err := p.Load("journal"); !errors.Is(err, chain.ErrCorruptStore) {
		t.Errorf("Load: expected ErrCorruptStore, got %v", err)
	}
	mgr := chain.NewManager(p, chain.NewMemoryContentStore(), zap.NewNop())
	if _, err := mgr.Open("journal"); !errors.Is(err, chain.ErrCorruptStore) {
		t.Errorf("Open: expected ErrCorruptStore, got %v", err)
	}
}

// TestBadgerPersistence_wrongLogbook verifies a document filed under another
// name is treated as corrupt.
func TestBadgerPersistence_wrongLogbook(t *testing.T) {
	p := openInMemoryBadger(t)
	if err := p.Save(&chain.Chain{LogbookName: "other"}); err != nil {
		t.Fatal(err)
	}

	data, err := chain.EncodeChain(&chain.Chain{LogbookName: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chain.DecodeChain("journal", data); !errors.Is(err, chain.ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore, got %v", err)
	}
}

func TestBadgerPersistence_quarantine(t *testing.T) {
	db, p := corruptBadger(t)

	moved, err := p.Quarantine("journal", "1700000000")
	if err != nil {
		t.Fatal(err)
	}
	if moved != "corrupt/journal/1700000000" {
		t.Errorf("moved to %q", moved)
	}
	if err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(moved))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if string(v) != "not json" {
				t.Errorf("quarantined value = %q", v)
			}
			return nil
		})
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Load("journal"); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("Load after quarantine: expected ErrNotFound, got %v", err)
	}
	names, err := p.Names()
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if strings.Contains(n, "journal") {
			t.Errorf("quarantined document still listed: %v", names)
		}
	}

	if _, err := p.Quarantine("journal", "1700000001"); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("second quarantine: expected ErrNotFound, got %v", err)
	}
}
