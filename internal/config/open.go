package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"go.uber.org/zap"
)

// OpenStorage builds the chain manager for the configured backend. Notes are
// always kept as files under storage.root. The returned close function is
// never nil.
func (c Config) OpenStorage(logger *zap.Logger) (*chain.Manager, func(), error) {
	content := chain.NewFileContentStore(c.Storage.Root)

	switch c.Storage.Driver {
	case StorageBadger:
		p, err := chain.OpenBadger(chain.DefaultBadgerConfig(filepath.Join(c.Storage.Root, ".badger")), logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := p.Close(); err != nil {
				logger.Warn("close badger", zap.Error(err))
			}
		}
		return chain.NewManager(p, content, logger), closeFn, nil

	case StorageFile, "":
		return chain.NewManager(chain.NewFilePersistence(c.Storage.Root), content, logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
}

// LedgerDir is the badger ledger directory.
func (c Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return filepath.Join(c.Storage.Root, ".ledger")
}

// OpenLedger connects to the configured ledger.
func (c Config) OpenLedger(ctx context.Context, logger *zap.Logger) (ledger.Ledger, func(), error) {
	return ledger.Open(ctx, ledger.Options{
		Driver:      c.Ledger.Driver,
		DatabaseURL: c.Ledger.DatabaseURL,
		Dir:         c.LedgerDir(),
	}, logger)
}
