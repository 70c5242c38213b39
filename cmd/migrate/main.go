// cmd/migrate brings the PostgreSQL ledger schema up to date from the
// *.up.sql files in migrations/. Progress is kept in golang-migrate's
// schema_migrations layout (a single row holding the last version and a
// dirty flag), so the two tools can be swapped.
//
// Usage:
//
//	go run ./cmd/migrate
//	HODL_LEDGER_DATABASE_URL=postgres://... go run ./cmd/migrate -dir migrations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/damienh972/hodl-my-notes/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// noVersion is golang-migrate's marker for a database with nothing applied.
const noVersion int64 = -1

func main() {
	dir := flag.String("dir", "migrations", "directory holding NNN_name.up.sql files")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), *dir, logger); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir string, logger *zap.Logger) error {
	v := config.New()
	if err := config.Read(v, logger); err != nil {
		return err
	}

	steps, err := plan(dir)
	if err != nil {
		return err
	}

	db, err := pgxpool.New(ctx, v.GetString("ledger.database_url"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint  NOT NULL PRIMARY KEY,
			dirty   boolean NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, dirty, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d: repair it by hand, then clear the flag", current)
	}

	todo := pending(steps, current)
	logger.Info("schema status",
		zap.Int64("version", current),
		zap.Int("available", len(steps)),
		zap.Int("pending", len(todo)),
	)
	for _, m := range todo {
		if err := apply(ctx, db, dir, m); err != nil {
			return err
		}
		logger.Info("migration applied", zap.Int64("version", m.version), zap.String("file", m.file))
	}
	return nil
}

// ── Planning ─────────────────────────────────────────────────────────────────

type migration struct {
	version int64
	file    string
}

// plan lists the forward migrations in dir ordered by version. Two files
// with the same version are an error.
func plan(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var steps []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ver, err := parseVersion(e.Name())
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		steps = append(steps, migration{version: ver, file: e.Name()})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", steps[i-1].file, steps[i].file, steps[i].version)
		}
	}
	return steps, nil
}

// parseVersion reads the numeric prefix of "001_logbook_ledger.up.sql".
func parseVersion(name string) (int64, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, errors.New("name must look like NNN_description.up.sql")
	}
	ver, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || ver < 0 {
		return 0, fmt.Errorf("bad version prefix %q", prefix)
	}
	return ver, nil
}

// pending returns the steps newer than current.
func pending(steps []migration, current int64) []migration {
	i := sort.Search(len(steps), func(i int) bool { return steps[i].version > current })
	return steps[i:]
}

// ── Database ─────────────────────────────────────────────────────────────────

func currentVersion(ctx context.Context, db *pgxpool.Pool) (int64, bool, error) {
	var (
		ver   int64
		dirty bool
	)
	err := db.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&ver, &dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return noVersion, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return ver, dirty, nil
}

// apply runs one migration and records its version in the same
// transaction, so a failed step leaves the previous version in place.
func apply(ctx context.Context, db *pgxpool.Pool, dir string, m migration) error {
	body, err := os.ReadFile(filepath.Join(dir, m.file))
	if err != nil {
		return fmt.Errorf("read %s: %w", m.file, err)
	}
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", m.file, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schema_migrations`); err != nil {
			return fmt.Errorf("record version %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)`, m.version,
		); err != nil {
			return fmt.Errorf("record version %d: %w", m.version, err)
		}
		return nil
	})
}
