package chain

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/damienh972/hodl-my-notes/internal/badgerlog"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerKeyPrefix     = "chain/"
	badgerCorruptPrefix = "corrupt/"
)

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps all data in memory; useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Defaults to true via DefaultBadgerConfig.
	SyncWrites bool
}

// DefaultBadgerConfig returns a durable configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// BadgerPersistence stores chain documents under "chain/<logbook>" keys.
// Each Save is a single transaction, so a document is replaced atomically.
type BadgerPersistence struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) a BadgerDB and wraps it.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerPersistence, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerlog.New(logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerPersistence{db: db, logger: logger}, nil
}

// NewBadgerPersistence wraps an already opened database.
func NewBadgerPersistence(db *badger.DB, logger *zap.Logger) *BadgerPersistence {
	return &BadgerPersistence{db: db, logger: logger}
}

// Close closes the underlying database.
func (p *BadgerPersistence) Close() error {
	return p.db.Close()
}

// Load implements Persistence.
func (p *BadgerPersistence) Load(logbook string) (*Chain, error) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + logbook))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", logbook, err)
	}
	return DecodeChain(logbook, data)
}

// Save implements Persistence.
func (p *BadgerPersistence) Save(c *Chain) error {
	data, err := EncodeChain(c)
	if err != nil {
		return err
	}
	if err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+c.LogbookName), data)
	}); err != nil {
		return fmt.Errorf("badger set %q: %w", c.LogbookName, err)
	}
	p.logger.Debug("chain saved",
		zap.String("logbook", c.LogbookName),
		zap.Int("entries", len(c.Entries)),
	)
	return nil
}

// Exists implements Persistence.
func (p *BadgerPersistence) Exists(logbook string) (bool, error) {
	err := p.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerKeyPrefix + logbook))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger get %q: %w", logbook, err)
	}
	return true, nil
}

// Names implements Persistence.
func (p *BadgerPersistence) Names() ([]string, error) {
	var names []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Quarantine implements Persistence. The document moves to
// "corrupt/<logbook>/<stamp>" in the same transaction that deletes it.
func (p *BadgerPersistence) Quarantine(logbook, stamp string) (string, error) {
	dst := badgerCorruptPrefix + logbook + "/" + stamp
	err := p.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerKeyPrefix + logbook)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(dst), data); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("badger quarantine %q: %w", logbook, err)
	}
	return dst, nil
}
