// Package logbook implements the entry creation flow on top of the chain
// store and the ledger: hash, anchor, save content, append.
package logbook

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/metrics"
	"go.uber.org/zap"
)

// Service creates and reads logbook entries.
type Service struct {
	stores  *chain.Manager
	ledger  ledger.Ledger
	version buildinfo.CodeVersionProvider
	logger  *zap.Logger
}

// NewService creates a Service.
func NewService(stores *chain.Manager, l ledger.Ledger, version buildinfo.CodeVersionProvider, logger *zap.Logger) *Service {
	return &Service{stores: stores, ledger: l, version: version, logger: logger}
}

// Stores returns the chain manager backing the service.
func (s *Service) Stores() *chain.Manager { return s.stores }

// AddEntry hashes content, anchors it on the ledger and appends it to the
// local chain. A ledger failure aborts before any local change.
//
// Content is written before the chain is appended. If the append fails
// after a successful anchor, the ledger is ahead of the local chain and the
// next reconciliation rebuilds it, keeping the content written here.
func (s *Service) AddEntry(ctx context.Context, logbook, name string, content []byte) (chain.Entry, error) {
	if err := chain.ValidateName("entry name", name); err != nil {
		return chain.Entry{}, err
	}
	if len(content) == 0 {
		return chain.Entry{}, fmt.Errorf("%w: entry %q has no content", chain.ErrInvalidValue, name)
	}

	store, err := s.stores.Open(logbook)
	if err != nil {
		return chain.Entry{}, err
	}
	for _, e := range store.Entries() {
		if e.Name == name {
			return chain.Entry{}, fmt.Errorf("%w: %q in logbook %q", chain.ErrDuplicateEntry, name, logbook)
		}
	}

	entryHash := hashing.Sum(content)
	prev := hashing.Genesis
	if last, ok := store.LastEntry(); ok {
		prev = last.EntryHash
	}

	log := s.logger.With(zap.String("logbook", logbook), zap.String("entry", name))
	rcpt, err := s.ledger.Anchor(ctx, logbook, name, entryHash, prev)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrConflict):
			metrics.RecordAnchorFailure("conflict")
		case errors.Is(err, ledger.ErrUnavailable):
			metrics.RecordAnchorFailure("unavailable")
		default:
			metrics.RecordAnchorFailure("error")
		}
		return chain.Entry{}, fmt.Errorf("anchor %q: %w", name, err)
	}
	log.Debug("entry anchored",
		zap.String("external_ref", rcpt.ExternalRef),
		zap.Int64("sequence", rcpt.ConfirmedSequenceNumber),
	)

	if err := store.Content().Write(logbook, name, content); err != nil {
		log.Error("entry anchored but content not saved; reconcile to recover", zap.Error(err))
		return chain.Entry{}, fmt.Errorf("save content of %q: %w", name, err)
	}

	req := chain.AppendRequest{
		Name:        name,
		EntryHash:   entryHash,
		ExternalRef: rcpt.ExternalRef,
		Timestamp:   rcpt.Timestamp,
		BlockNumber: rcpt.ConfirmedSequenceNumber,
	}
	if s.version != nil {
		req.CodeVersionHash = s.version.CodeVersionHash()
	}
	entry, err := store.Append(req)
	if err != nil {
		log.Error("entry anchored but not appended; reconcile to recover", zap.Error(err))
		return chain.Entry{}, fmt.Errorf("append %q: %w", name, err)
	}

	metrics.RecordAppend(logbook)
	log.Info("entry added",
		zap.String("entry_hash", string(entry.EntryHash)),
		zap.String("merkle_root", string(entry.MerkleRoot)),
	)
	return entry, nil
}

// ReadEntry returns the chain entry and content of name in logbook.
func (s *Service) ReadEntry(logbook, name string) (chain.Entry, []byte, error) {
	store, err := s.stores.Open(logbook)
	if err != nil {
		return chain.Entry{}, nil, err
	}
	for _, e := range store.Entries() {
		if e.Name != name {
			continue
		}
		data, err := store.Content().Read(logbook, name)
		if err != nil {
			return e, nil, fmt.Errorf("read content of %q: %w", name, err)
		}
		return e, data, nil
	}
	return chain.Entry{}, nil, fmt.Errorf("%w: entry %q in logbook %q", chain.ErrNotFound, name, logbook)
}

// Logbooks returns the union of local and ledger logbook names, sorted.
// When the ledger cannot be reached the local names are returned together
// with the ledger error.
func (s *Service) Logbooks(ctx context.Context) ([]string, error) {
	local, err := s.stores.Names()
	if err != nil {
		return nil, fmt.Errorf("list local logbooks: %w", err)
	}
	set := make(map[string]struct{}, len(local))
	for _, n := range local {
		set[n] = struct{}{}
	}

	remote, ledgerErr := s.ledger.GetLogbookNames(ctx)
	for _, n := range remote {
		set[n] = struct{}{}
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	if ledgerErr != nil {
		return names, fmt.Errorf("list ledger logbooks: %w", ledgerErr)
	}
	return names, nil
}

// Summary describes one logbook.
type Summary struct {
	Name          string       `json:"name"`
	Exists        bool         `json:"exists"`
	Entries       int          `json:"entries"`
	Placeholders  int          `json:"placeholders"`
	LedgerEntries *int         `json:"ledger_entries,omitempty"`
	LastEntry     *chain.Entry `json:"last_entry,omitempty"`
	MerkleRoot    string       `json:"merkle_root"`
}

// Describe summarises logbook without creating it. LedgerEntries is nil when
// the ledger cannot be reached.
func (s *Service) Describe(ctx context.Context, logbook string) (*Summary, error) {
	exists, err := s.stores.Exists(logbook)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Name: logbook, Exists: exists, MerkleRoot: string(hashing.Zero)}

	if n, err := s.ledger.GetEntryCount(ctx, logbook); err == nil {
		sum.LedgerEntries = &n
	} else {
		s.logger.Warn("ledger entry count unavailable", zap.String("logbook", logbook), zap.Error(err))
	}
	if !exists {
		return sum, nil
	}

	store, err := s.stores.Open(logbook)
	if err != nil {
		return nil, err
	}
	sum.Entries = store.Len()
	if last, ok := store.LastEntry(); ok {
		sum.LastEntry = &last
		sum.MerkleRoot = string(last.MerkleRoot)
	}
	if sum.Placeholders, err = store.PlaceholderCount(); err != nil {
		return nil, err
	}
	return sum, nil
}
