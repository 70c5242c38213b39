package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/badgerlog"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerRecordPrefix = "rec/"
	badgerSeqKey       = "seq"
)

// BadgerLedger is a durable single-host ledger kept in a BadgerDB
// directory. Badger's directory lock keeps a second process out while one
// holds it open. It gives the CLI a ledger that survives between
// invocations without a database server.
type BadgerLedger struct {
	mu     sync.Mutex
	db     *badger.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenBadger opens the ledger stored at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerLedger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerlog.New(logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger ledger: %v", ErrUnavailable, err)
	}
	return &BadgerLedger{db: db, now: time.Now, logger: logger}, nil
}

// Close closes the database.
func (l *BadgerLedger) Close() error { return l.db.Close() }

// SetClock overrides the timestamp source.
func (l *BadgerLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func recordPrefix(logbook string) []byte {
	return []byte(badgerRecordPrefix + logbook + "/")
}

func recordKey(logbook string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", badgerRecordPrefix, logbook, idx))
}

func readRecords(txn *badger.Txn, logbook string) ([]Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = recordPrefix(logbook)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Record
	for it.Rewind(); it.Valid(); it.Next() {
		var r Record
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
			return nil, fmt.Errorf("decode ledger record %s: %w", it.Item().Key(), err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *BadgerLedger) view(op string, fn func(txn *badger.Txn) error) error {
	if err := l.db.View(fn); err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Anchor implements Ledger.
func (l *BadgerLedger) Anchor(_ context.Context, logbook, entryName string, entryHash, previousHash hashing.EntryHash) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rec Record
	err := l.db.Update(func(txn *badger.Txn) error {
		records, err := readRecords(txn, logbook)
		if err != nil {
			return err
		}
		tail := hashing.Genesis
		if n := len(records); n > 0 {
			tail = records[n-1].EntryHash
		}
		if !previousHash.Equal(tail) {
			return fmt.Errorf("%w: logbook %q: previous hash %s is not the ledger tail %s",
				ErrConflict, logbook, previousHash.Short(), tail.Short())
		}
		for _, r := range records {
			if r.Name == entryName {
				return fmt.Errorf("%w: logbook %q already has entry %q", ErrConflict, logbook, entryName)
			}
		}

		var seq int64
		item, err := txn.Get([]byte(badgerSeqKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				seq = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}
		seq++

		rec = Record{
			Name:           entryName,
			EntryHash:      entryHash,
			PreviousHash:   previousHash,
			Timestamp:      l.now().Unix(),
			SequenceNumber: seq,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(seq))
		if err := txn.Set([]byte(badgerSeqKey), buf[:]); err != nil {
			return err
		}
		return txn.Set(recordKey(logbook, len(records)), data)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: anchor %q/%q: %v", ErrUnavailable, logbook, entryName, err)
	}

	l.logger.Debug("entry anchored",
		zap.String("logbook", logbook),
		zap.String("entry", entryName),
		zap.Int64("seq", rec.SequenceNumber),
	)
	return Receipt{
		ExternalRef:             transactionRef(logbook, entryName, entryHash, rec.SequenceNumber),
		ConfirmedSequenceNumber: rec.SequenceNumber,
		Timestamp:               rec.Timestamp,
	}, nil
}

// GetAllEntries implements Ledger.
func (l *BadgerLedger) GetAllEntries(_ context.Context, logbook string) ([]Record, error) {
	var out []Record
	err := l.view("read ledger", func(txn *badger.Txn) error {
		var err error
		out, err = readRecords(txn, logbook)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// ValidateChain implements Ledger.
func (l *BadgerLedger) ValidateChain(ctx context.Context, logbook string) (ChainStatus, error) {
	records, err := l.GetAllEntries(ctx, logbook)
	if err != nil {
		return ChainStatus{}, err
	}
	return validateRecords(records), nil
}

// GetLogbookNames implements Ledger.
func (l *BadgerLedger) GetLogbookNames(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := l.view("list ledger logbooks", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerRecordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), badgerRecordPrefix)
			if name, _, ok := strings.Cut(rest, "/"); ok {
				seen[name] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// GetEntryCount implements Ledger.
func (l *BadgerLedger) GetEntryCount(_ context.Context, logbook string) (int, error) {
	n := 0
	err := l.view("count ledger entries", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix(logbook)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
