package ledger

import (
	"context"
	"errors"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

var (
	// ErrUnavailable wraps transient failures reaching the ledger. The core
	// never retries; callers decide on retry and backoff.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrConflict is returned by Anchor when previousHash is not the hash of
	// the logbook's last anchored entry, or the entry name is already taken.
	ErrConflict = errors.New("ledger conflict")
)

// Ledger is the interface for the authoritative append-only record.
// MemoryLedger, BadgerLedger and PostgresLedger implement it.
type Ledger interface {
	// Anchor records a new entry for logbook and returns its receipt.
	Anchor(ctx context.Context, logbook, entryName string, entryHash, previousHash hashing.EntryHash) (Receipt, error)

	// GetAllEntries returns every record of logbook in anchoring order.
	// An unknown logbook yields an empty slice.
	GetAllEntries(ctx context.Context, logbook string) ([]Record, error)

	// ValidateChain walks the records of logbook and checks their linkage.
	ValidateChain(ctx context.Context, logbook string) (ChainStatus, error)

	// GetLogbookNames returns every logbook with at least one record, sorted.
	GetLogbookNames(ctx context.Context) ([]string, error)

	// GetEntryCount returns the number of records for logbook.
	GetEntryCount(ctx context.Context, logbook string) (int, error)
}
