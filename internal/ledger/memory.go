package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable anchoring across restarts.
type MemoryLedger struct {
	mu       sync.RWMutex
	records  map[string][]Record
	sequence int64
	now      func() time.Time
	down     error
}

// NewMemory creates an empty MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string][]Record),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetUnavailable makes every call fail with ErrUnavailable wrapping cause.
// Pass nil to restore service.
func (l *MemoryLedger) SetUnavailable(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = cause
}

// Import appends records verbatim, without linkage checks. It stands in for
// ledger history written by other clients.
func (l *MemoryLedger) Import(logbook string, records ...Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		if r.SequenceNumber > l.sequence {
			l.sequence = r.SequenceNumber
		}
		l.records[logbook] = append(l.records[logbook], r)
	}
}

func (l *MemoryLedger) available() error {
	if l.down != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, l.down)
	}
	return nil
}

// Anchor implements Ledger.
func (l *MemoryLedger) Anchor(_ context.Context, logbook, entryName string, entryHash, previousHash hashing.EntryHash) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.available(); err != nil {
		return Receipt{}, err
	}

	records := l.records[logbook]
	tail := hashing.Genesis
	if n := len(records); n > 0 {
		tail = records[n-1].EntryHash
	}
	if !previousHash.Equal(tail) {
		return Receipt{}, fmt.Errorf("%w: logbook %q: previous hash %s is not the ledger tail %s",
			ErrConflict, logbook, previousHash.Short(), tail.Short())
	}
	for _, r := range records {
		if r.Name == entryName {
			return Receipt{}, fmt.Errorf("%w: logbook %q already has entry %q", ErrConflict, logbook, entryName)
		}
	}

	l.sequence++
	rec := Record{
		Name:           entryName,
		EntryHash:      entryHash,
		PreviousHash:   previousHash,
		Timestamp:      l.now().Unix(),
		SequenceNumber: l.sequence,
	}
	ref := transactionRef(logbook, entryName, entryHash, rec.SequenceNumber)
	l.records[logbook] = append(records, rec)

	return Receipt{
		ExternalRef:             ref,
		ConfirmedSequenceNumber: rec.SequenceNumber,
		Timestamp:               rec.Timestamp,
	}, nil
}

// GetAllEntries implements Ledger.
func (l *MemoryLedger) GetAllEntries(_ context.Context, logbook string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.available(); err != nil {
		return nil, err
	}
	return append([]Record{}, l.records[logbook]...), nil
}

// ValidateChain implements Ledger.
func (l *MemoryLedger) ValidateChain(_ context.Context, logbook string) (ChainStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.available(); err != nil {
		return ChainStatus{}, err
	}
	return validateRecords(l.records[logbook]), nil
}

// GetLogbookNames implements Ledger.
func (l *MemoryLedger) GetLogbookNames(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.available(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(l.records))
	for name, recs := range l.records {
		if len(recs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetEntryCount implements Ledger.
func (l *MemoryLedger) GetEntryCount(_ context.Context, logbook string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.available(); err != nil {
		return 0, err
	}
	return len(l.records[logbook]), nil
}
