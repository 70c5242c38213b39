// cmd/seed fills the configured storage and ledger with demo logbooks for
// development. Entries that already exist are skipped, so running it twice
// is safe.
//
// Usage:
//
//	go run ./cmd/seed
//	HODL_STORAGE_ROOT=/tmp/hodl go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/config"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	v := config.New()
	if err := config.Read(v, logger); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, closeStorage, err := cfg.OpenStorage(logger)
	if err != nil {
		return err
	}
	defer closeStorage()
	l, closeLedger, err := cfg.OpenLedger(ctx, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	svc := logbook.NewService(stores, l, buildinfo.Current(), logger)
	total, err := seed(ctx, svc, demoLogbooks)
	if err != nil {
		return err
	}
	fmt.Printf("\nseed complete: %d entries added under %s\n", total, cfg.Storage.Root)
	return nil
}

// ── Demo data ────────────────────────────────────────────────────────────────

type seedEntry struct {
	Name string
	Body string
}

type seedLogbook struct {
	Name    string
	Entries []seedEntry
}

var demoLogbooks = []seedLogbook{
	{
		Name: "work",
		Entries: []seedEntry{
			{"kickoff", "# Kickoff\n\n- scope agreed\n- weekly sync on Thursdays\n"},
			{"design-review", "# Design review\n\nLedger anchoring accepted. Open point: bundle retention.\n"},
			{"retro-q2", "# Retro Q2\n\nKeep: small PRs. Drop: late deploys.\n"},
		},
	},
	{
		Name: "research",
		Entries: []seedEntry{
			{"merkle-notes", "Sorted-pair Merkle trees make proofs order-free.\n"},
			{"ledger-costs", "Anchoring one hash per entry; batching is a later optimisation.\n"},
		},
	},
	{
		Name: "journal",
		Entries: []seedEntry{
			{"day-1", "Started keeping a tamper-evident journal.\n"},
		},
	},
}

// seed adds every entry that is not already in its logbook and returns how
// many were added.
func seed(ctx context.Context, svc *logbook.Service, books []seedLogbook) (int, error) {
	added := 0
	for _, b := range books {
		fmt.Printf("── %s\n", b.Name)
		for _, e := range b.Entries {
			entry, err := svc.AddEntry(ctx, b.Name, e.Name, []byte(e.Body))
			if errors.Is(err, chain.ErrDuplicateEntry) {
				fmt.Printf("  skip  %s (already present)\n", e.Name)
				continue
			}
			if err != nil {
				return added, fmt.Errorf("add %s/%s: %w", b.Name, e.Name, err)
			}
			fmt.Printf("  add   %s %s\n", e.Name, entry.EntryHash.Short())
			added++
		}
	}
	return added, nil
}
