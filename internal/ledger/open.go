package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Options selects and locates a ledger backend.
type Options struct {
	Driver string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// Dir is the BadgerDB directory.
	Dir string
}

// Open builds the ledger selected by opts.Driver. The returned close
// function releases the backend and is never nil.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Ledger, func(), error) {
	switch opts.Driver {
	case DriverMemory, "":
		logger.Warn("using in-memory ledger; anchors are lost when the process exits")
		return NewMemory(), func() {}, nil

	case DriverBadger:
		if opts.Dir == "" {
			return nil, nil, fmt.Errorf("badger ledger requires a directory")
		}
		l, err := OpenBadger(opts.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := l.Close(); err != nil {
				logger.Warn("close badger ledger", zap.Error(err))
			}
		}
		logger.Debug("opened badger ledger", zap.String("dir", opts.Dir))
		return l, closeFn, nil

	case DriverPostgres:
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w: %v", ErrUnavailable, err)
		}
		l := NewPostgresLedger(pool, logger)
		if err := l.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres ledger")
		return l, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q (want %q, %q or %q)",
			opts.Driver, DriverMemory, DriverBadger, DriverPostgres)
	}
}
