// Package reconcile compares local logbook chains with the ledger's
// authoritative record and rebuilds local state when they diverge.
//
// The policy is conservative: any detectable divergence triggers a full
// rebuild from ledger truth. Rebuilding is idempotent, so running it on an
// already consistent logbook is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/merkle"
	"github.com/damienh972/hodl-my-notes/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a step of the reconciliation state machine:
// UNKNOWN → {EMPTY, UP_TO_DATE, DIVERGENT} → REBUILDING → REBUILT.
type State string

const (
	StateUnknown    State = "UNKNOWN"
	StateEmpty      State = "EMPTY"
	StateUpToDate   State = "UP_TO_DATE"
	StateDivergent  State = "DIVERGENT"
	StateRebuilding State = "REBUILDING"
	StateRebuilt    State = "REBUILT"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateEmpty || s == StateUpToDate || s == StateRebuilt
}

// Integrity is the outcome of CheckIntegrity.
type Integrity struct {
	Logbook             string          `json:"logbook"`
	State               State           `json:"state"`
	NeedsReconstruction bool            `json:"needs_reconstruction"`
	Reason              string          `json:"reason,omitempty"`
	LocalEntries        int             `json:"local_entries"`
	LedgerEntries       []ledger.Record `json:"ledger_entries"`
}

// ErrLedgerEmpty is returned by Rebuild when the ledger holds nothing for the
// logbook.
var ErrLedgerEmpty = errors.New("ledger has no entries for this logbook")

// Result is the outcome of a reconciliation. Report is set only when the
// logbook was rebuilt. Error is set only by ReconcileAll, for a logbook that
// could not be reconciled.
type Result struct {
	Logbook             string        `json:"logbook"`
	State               State         `json:"state"`
	Reason              string        `json:"reason,omitempty"`
	Entries             int           `json:"entries"`
	PlaceholdersWritten int           `json:"placeholders_written"`
	Report              *chain.Report `json:"report,omitempty"`
	Error               string        `json:"error,omitempty"`
}

// Engine reconciles logbooks opened through a chain.Manager.
type Engine struct {
	stores      *chain.Manager
	ledger      ledger.Ledger
	logger      *zap.Logger
	concurrency int
}

// NewEngine creates an Engine.
func NewEngine(stores *chain.Manager, l ledger.Ledger, logger *zap.Logger) *Engine {
	return &Engine{stores: stores, ledger: l, logger: logger, concurrency: 4}
}

// SetConcurrency bounds how many logbooks ReconcileAll processes at once.
func (e *Engine) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	e.concurrency = n
}

// CheckIntegrity queries the ledger for logbook and decides whether the local
// chain must be rebuilt. It does not create a local chain when none exists.
func (e *Engine) CheckIntegrity(ctx context.Context, logbook string) (*Integrity, error) {
	if err := chain.ValidateName("logbook name", logbook); err != nil {
		return nil, err
	}

	records, err := e.ledger.GetAllEntries(ctx, logbook)
	if err != nil {
		return nil, fmt.Errorf("query ledger for %q: %w", logbook, err)
	}

	out := &Integrity{Logbook: logbook, State: StateUnknown, LedgerEntries: records}
	if len(records) == 0 {
		out.State = StateEmpty
		return out, nil
	}

	divergent := func(reason string) (*Integrity, error) {
		out.State = StateDivergent
		out.NeedsReconstruction = true
		out.Reason = reason
		return out, nil
	}

	exists, err := e.stores.Exists(logbook)
	if err != nil {
		return nil, err
	}
	if !exists {
		return divergent("local chain missing")
	}

	store, err := e.stores.Open(logbook)
	if err != nil {
		return nil, err
	}
	local := store.Entries()
	out.LocalEntries = len(local)

	if len(local) == 0 {
		return divergent("local chain empty")
	}
	placeholders, err := store.PlaceholderCount()
	if err != nil {
		return nil, fmt.Errorf("scan content of %q: %w", logbook, err)
	}
	if placeholders > 0 {
		return divergent(fmt.Sprintf("%d placeholder entries", placeholders))
	}
	if len(local) != len(records) {
		return divergent(fmt.Sprintf("local has %d entries, ledger has %d", len(local), len(records)))
	}
	last, tail := local[len(local)-1], records[len(records)-1]
	if !last.EntryHash.Equal(tail.EntryHash) {
		return divergent(fmt.Sprintf("last entry hash %s differs from ledger %s", last.EntryHash.Short(), tail.EntryHash.Short()))
	}

	out.State = StateUpToDate
	return out, nil
}

// Reconstruct rebuilds the local chain of logbook from ledger records, in
// ledger order. Previous hashes are taken from the ledger as reported,
// external refs are set to chain.PlaceholderRef and Merkle roots are
// recomputed over each prefix. Placeholder content is written only where no
// content exists yet.
//
// Placeholders go in first and the chain document is replaced last, so a
// cancelled run leaves the previous chain in place and the next
// reconciliation still sees the divergence. A chain document that cannot be
// parsed is quarantined before the rebuild.
//
// The rebuilt chain is always validated. An INVALID report is returned in
// the result and logged, not turned into an error.
func (e *Engine) Reconstruct(ctx context.Context, logbook string, records []ledger.Record) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := e.open(logbook)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("logbook", logbook))
	log.Info("reconstructing chain from ledger",
		zap.String("state", string(StateRebuilding)),
		zap.Int("ledger_entries", len(records)),
	)

	entries := BuildEntries(records)
	content := store.Content()
	written := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			metrics.AddPlaceholders(written)
			return nil, err
		}
		ok, err := content.Exists(logbook, entry.Name)
		if err != nil {
			return nil, fmt.Errorf("check content of %q: %w", entry.Name, err)
		}
		if ok {
			continue
		}
		if err := content.Write(logbook, entry.Name, chain.PlaceholderContent(logbook, entry)); err != nil {
			return nil, fmt.Errorf("write placeholder for %q: %w", entry.Name, err)
		}
		written++
	}
	metrics.AddPlaceholders(written)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.Reconstruct(entries); err != nil {
		return nil, fmt.Errorf("reconstruct %q: %w", logbook, err)
	}

	report := store.ValidateChain()
	metrics.RecordValidation(report.Verdict())
	if report.Valid {
		log.Info("chain validation: VALID",
			zap.Int("entries", len(entries)),
			zap.Int("placeholders_written", written),
		)
	} else {
		log.Warn("chain validation: INVALID",
			zap.Int("entries", len(entries)),
			zap.Strings("errors", report.Errors),
		)
	}

	return &Result{
		Logbook:             logbook,
		State:               StateRebuilt,
		Entries:             len(entries),
		PlaceholdersWritten: written,
		Report:              &report,
	}, nil
}

// open returns the store for logbook, moving an unparsable chain document
// aside first.
func (e *Engine) open(logbook string) (*chain.Store, error) {
	store, err := e.stores.Open(logbook)
	if !errors.Is(err, chain.ErrCorruptStore) {
		return store, err
	}
	moved, qerr := e.stores.Quarantine(logbook)
	if qerr != nil {
		return nil, fmt.Errorf("quarantine %q: %w", logbook, qerr)
	}
	e.logger.Warn("corrupt chain moved aside before rebuild",
		zap.String("logbook", logbook),
		zap.String("moved_to", moved),
		zap.Error(err),
	)
	return e.stores.Open(logbook)
}

// Rebuild reconstructs logbook from the ledger whatever its local state,
// including a chain document that no longer parses. It returns
// ErrLedgerEmpty when there is nothing to rebuild from.
func (e *Engine) Rebuild(ctx context.Context, logbook string) (*Result, error) {
	if err := chain.ValidateName("logbook name", logbook); err != nil {
		return nil, err
	}
	records, err := e.ledger.GetAllEntries(ctx, logbook)
	if err != nil {
		return nil, fmt.Errorf("query ledger for %q: %w", logbook, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("rebuild %q: %w", logbook, ErrLedgerEmpty)
	}
	res, err := e.Reconstruct(ctx, logbook, records)
	if err != nil {
		return nil, err
	}
	res.Reason = "forced rebuild"
	metrics.RecordReconciliation(string(res.State))
	return res, nil
}

// BuildEntries derives the reconstructed entry sequence for records. The
// output depends only on records.
func BuildEntries(records []ledger.Record) []chain.Entry {
	acc := merkle.NewAccumulator()
	entries := make([]chain.Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, chain.Entry{
			Name:         r.Name,
			EntryHash:    r.EntryHash,
			PreviousHash: r.PreviousHash,
			ExternalRef:  chain.PlaceholderRef,
			Timestamp:    r.Timestamp,
			BlockNumber:  r.SequenceNumber,
			MerkleRoot:   acc.Add(r.EntryHash),
		})
	}
	return entries
}

// Reconcile runs CheckIntegrity and, when the logbook diverges, Reconstruct.
func (e *Engine) Reconcile(ctx context.Context, logbook string) (*Result, error) {
	integrity, err := e.CheckIntegrity(ctx, logbook)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("integrity checked",
		zap.String("logbook", logbook),
		zap.String("state", string(integrity.State)),
		zap.String("reason", integrity.Reason),
	)

	if !integrity.NeedsReconstruction {
		metrics.RecordReconciliation(string(integrity.State))
		return &Result{
			Logbook: logbook,
			State:   integrity.State,
			Entries: integrity.LocalEntries,
		}, nil
	}

	res, err := e.Reconstruct(ctx, logbook, integrity.LedgerEntries)
	if err != nil {
		return nil, err
	}
	res.Reason = integrity.Reason
	metrics.RecordReconciliation(string(res.State))
	return res, nil
}

// ReconcileAll reconciles every logbook the ledger knows about. Logbooks are
// processed concurrently; each one is still written by a single goroutine.
// A failing logbook does not stop the others: its result carries the error
// with State UNKNOWN, and the returned error joins every failure. Results
// are always returned in ledger order once the names are known.
func (e *Engine) ReconcileAll(ctx context.Context) ([]*Result, error) {
	names, err := e.ledger.GetLogbookNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger logbooks: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	results := make([]*Result, len(names))
	g.SetLimit(e.concurrency)
	for i, name := range names {
		g.Go(func() error {
			res, err := e.Reconcile(ctx, name)
			if err != nil {
				err = fmt.Errorf("reconcile %q: %w", name, err)
				res = &Result{Logbook: name, State: StateUnknown, Error: err.Error()}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// IsUnavailable reports whether err came from an unreachable ledger.
func IsUnavailable(err error) bool {
	return errors.Is(err, ledger.ErrUnavailable)
}
