package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Schema creates the ledger table. cmd/migrate applies the same statement
// from migrations/.
const Schema = `
CREATE TABLE IF NOT EXISTS logbook_ledger (
	logbook       TEXT        NOT NULL,
	idx           INTEGER     NOT NULL,
	name          TEXT        NOT NULL,
	entry_hash    TEXT        NOT NULL,
	prev_hash     TEXT        NOT NULL,
	external_ref  TEXT        NOT NULL,
	anchored_at   TIMESTAMPTZ NOT NULL,
	seq           BIGSERIAL,
	PRIMARY KEY (logbook, idx),
	UNIQUE (logbook, name)
)`

// PostgresLedger persists anchored records to PostgreSQL.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// EnsureSchema creates the ledger table if it does not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return wrapPG("create ledger schema", err)
	}
	return nil
}

// wrapPG marks connection-level failures as ErrUnavailable. Constraint and
// query errors are returned as they are.
func wrapPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Anchor implements Ledger.
// It acquires a transaction-scoped advisory lock for the logbook, checks the
// chain tail, and inserts the record within a single transaction.
func (l *PostgresLedger) Anchor(ctx context.Context, logbook, entryName string, entryHash, previousHash hashing.EntryHash) (Receipt, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, wrapPG("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent anchors per logbook. The lock is released when the
	// transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", logbook); err != nil {
		return Receipt{}, wrapPG("acquire advisory lock", err)
	}

	tailIdx := -1
	tail := hashing.Genesis
	var tailHash string
	err = tx.QueryRow(ctx,
		"SELECT idx, entry_hash FROM logbook_ledger WHERE logbook = $1 ORDER BY idx DESC LIMIT 1",
		logbook,
	).Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tailIdx = -1
	case err != nil:
		return Receipt{}, wrapPG("read ledger tail", err)
	default:
		tail = hashing.EntryHash(tailHash)
	}
	if !previousHash.Equal(tail) {
		return Receipt{}, fmt.Errorf("%w: logbook %q: previous hash %s is not the ledger tail %s",
			ErrConflict, logbook, previousHash.Short(), tail.Short())
	}

	now := time.Now().UTC()
	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO logbook_ledger (logbook, idx, name, entry_hash, prev_hash, external_ref, anchored_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6)
		 RETURNING seq`,
		logbook, tailIdx+1, entryName, string(entryHash), string(previousHash), now,
	).Scan(&seq); err != nil {
		return Receipt{}, wrapPG("insert ledger record", err)
	}

	ref := transactionRef(logbook, entryName, entryHash, seq)
	if _, err := tx.Exec(ctx,
		"UPDATE logbook_ledger SET external_ref = $1 WHERE logbook = $2 AND idx = $3",
		ref, logbook, tailIdx+1,
	); err != nil {
		return Receipt{}, wrapPG("store external ref", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, wrapPG("commit ledger tx", err)
	}

	l.logger.Debug("ledger record anchored",
		zap.String("logbook", logbook),
		zap.Int("idx", tailIdx+1),
		zap.String("name", entryName),
		zap.Int64("seq", seq),
	)
	return Receipt{ExternalRef: ref, ConfirmedSequenceNumber: seq, Timestamp: now.Unix()}, nil
}

// GetAllEntries implements Ledger. Rows are streamed in index order.
func (l *PostgresLedger) GetAllEntries(ctx context.Context, logbook string) ([]Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT name, entry_hash, prev_hash, anchored_at, seq
		 FROM logbook_ledger WHERE logbook = $1 ORDER BY idx ASC`,
		logbook,
	)
	if err != nil {
		return nil, wrapPG("query ledger", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r          Record
			entryHash  string
			prevHash   string
			anchoredAt time.Time
		)
		if err := rows.Scan(&r.Name, &entryHash, &prevHash, &anchoredAt, &r.SequenceNumber); err != nil {
			return nil, wrapPG("scan ledger row", err)
		}
		r.EntryHash = hashing.EntryHash(entryHash)
		r.PreviousHash = hashing.EntryHash(prevHash)
		r.Timestamp = anchoredAt.Unix()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate ledger rows", err)
	}
	return records, nil
}

// ValidateChain implements Ledger. O(n) in the logbook's record count.
func (l *PostgresLedger) ValidateChain(ctx context.Context, logbook string) (ChainStatus, error) {
	records, err := l.GetAllEntries(ctx, logbook)
	if err != nil {
		return ChainStatus{}, err
	}
	return validateRecords(records), nil
}

// GetLogbookNames implements Ledger.
func (l *PostgresLedger) GetLogbookNames(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, "SELECT DISTINCT logbook FROM logbook_ledger ORDER BY logbook")
	if err != nil {
		return nil, wrapPG("list logbooks", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapPG("scan logbook name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate logbook names", err)
	}
	return names, nil
}

// GetEntryCount implements Ledger.
func (l *PostgresLedger) GetEntryCount(ctx context.Context, logbook string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM logbook_ledger WHERE logbook = $1", logbook,
	).Scan(&n); err != nil {
		return 0, wrapPG("count ledger records", err)
	}
	return n, nil
}
