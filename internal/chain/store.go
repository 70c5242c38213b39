package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/merkle"
	"go.uber.org/zap"
)

// AppendRequest carries the fields of a new entry. PreviousHash and
// MerkleRoot are derived by the store.
type AppendRequest struct {
	Name            string
	EntryHash       hashing.EntryHash
	ExternalRef     string
	Timestamp       int64
	BlockNumber     int64
	CodeVersionHash hashing.EntryHash
}

func (r AppendRequest) validate() (AppendRequest, error) {
	if err := ValidateName("entry name", r.Name); err != nil {
		return r, err
	}
	h, err := hashing.Parse(string(r.EntryHash))
	if err != nil {
		return r, fmt.Errorf("%w: entry %q: %v", ErrInvalidFormat, r.Name, err)
	}
	r.EntryHash = h
	if err := ValidateExternalRef(r.ExternalRef); err != nil {
		return r, fmt.Errorf("entry %q: %w", r.Name, err)
	}
	if r.CodeVersionHash != "" {
		cv, err := hashing.Parse(string(r.CodeVersionHash))
		if err != nil {
			return r, fmt.Errorf("%w: entry %q code version: %v", ErrInvalidFormat, r.Name, err)
		}
		r.CodeVersionHash = cv
	}
	if r.Timestamp < 0 {
		return r, fmt.Errorf("%w: entry %q: timestamp %d is negative", ErrInvalidValue, r.Name, r.Timestamp)
	}
	if r.BlockNumber < 0 {
		return r, fmt.Errorf("%w: entry %q: block number %d is negative", ErrInvalidValue, r.Name, r.BlockNumber)
	}
	return r, nil
}

// Store is the authoritative local mirror of one logbook. Writes (Append,
// Clear, Reconstruct) are serialised; reads observe a consistent snapshot.
type Store struct {
	name    string
	mu      sync.RWMutex
	chain   Chain
	acc     *merkle.Accumulator
	persist Persistence
	content ContentStore
	logger  *zap.Logger
}

func newStore(c *Chain, persist Persistence, content ContentStore, logger *zap.Logger) *Store {
	return &Store{
		name:    c.LogbookName,
		chain:   c.clone(),
		acc:     merkle.NewAccumulator(c.EntryHashes()...),
		persist: persist,
		content: content,
		logger:  logger.With(zap.String("logbook", c.LogbookName)),
	}
}

// Name returns the logbook name.
func (s *Store) Name() string { return s.name }

// Content returns the content store backing this logbook.
func (s *Store) Content() ContentStore { return s.content }

// Append validates req, links it to the chain tail, computes the running
// Merkle root, persists the new chain and returns the finished entry. On any
// error the store is left unchanged.
func (s *Store) Append(req AppendRequest) (Entry, error) {
	req, err := req.validate()
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.chain.Entries {
		if e.Name == req.Name {
			return Entry{}, fmt.Errorf("%w: %q in logbook %q", ErrDuplicateEntry, req.Name, s.name)
		}
	}

	prev := hashing.Genesis
	if n := len(s.chain.Entries); n > 0 {
		prev = s.chain.Entries[n-1].EntryHash
	}

	acc := s.acc.Clone()
	entry := Entry{
		Name:            req.Name,
		EntryHash:       req.EntryHash,
		PreviousHash:    prev,
		ExternalRef:     req.ExternalRef,
		Timestamp:       req.Timestamp,
		BlockNumber:     req.BlockNumber,
		MerkleRoot:      acc.Add(req.EntryHash),
		CodeVersionHash: req.CodeVersionHash,
	}

	// Full slice expression forces a copy so a failed save leaves s.chain intact.
	n := len(s.chain.Entries)
	next := Chain{
		LogbookName: s.name,
		Entries:     append(s.chain.Entries[:n:n], entry),
	}
	if err := s.persist.Save(&next); err != nil {
		return Entry{}, fmt.Errorf("persist chain: %w", err)
	}

	s.chain = next
	s.acc = acc
	s.logger.Debug("entry appended",
		zap.Int("index", n),
		zap.String("name", entry.Name),
		zap.String("entry_hash", entry.EntryHash.Short()),
		zap.String("merkle_root", entry.MerkleRoot.Short()),
	)
	return entry, nil
}

// Entries returns a copy of all entries in chain order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Entry, 0, len(s.chain.Entries)), s.chain.Entries...)
}

// Snapshot returns a copy of the whole chain document.
func (s *Store) Snapshot() Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain.clone()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chain.Entries)
}

// Entry returns the entry at index.
func (s *Store) Entry(index int) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.chain.Entries) {
		return Entry{}, false
	}
	return s.chain.Entries[index], true
}

// LastEntry returns the chain tail, or false for an empty chain.
func (s *Store) LastEntry() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain.Entries) == 0 {
		return Entry{}, false
	}
	return s.chain.Entries[len(s.chain.Entries)-1], true
}

// Clear atomically replaces the chain with an empty one. Content is kept.
func (s *Store) Clear() error {
	return s.replace(nil, "chain cleared")
}

// Reconstruct atomically replaces all entries. PreviousHash and MerkleRoot
// are stored as given; the caller supplies a self-consistent sequence.
// Formats are still checked so that a malformed document is never persisted.
func (s *Store) Reconstruct(entries []Entry) error {
	for i, e := range entries {
		if err := ValidateName("entry name", e.Name); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		for field, h := range map[string]hashing.EntryHash{
			"entry hash":    e.EntryHash,
			"previous hash": e.PreviousHash,
			"merkle root":   e.MerkleRoot,
		} {
			if !hashing.Valid(string(h)) {
				return fmt.Errorf("%w: entry %d (%s): %s %q", ErrInvalidFormat, i, e.Name, field, h)
			}
		}
		if err := ValidateExternalRef(e.ExternalRef); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Timestamp < 0 || e.BlockNumber < 0 {
			return fmt.Errorf("%w: entry %d (%s): negative timestamp or block number", ErrInvalidValue, i, e.Name)
		}
	}
	return s.replace(entries, "chain reconstructed")
}

func (s *Store) replace(entries []Entry, msg string) error {
	next := Chain{
		LogbookName: s.name,
		Entries:     append(make([]Entry, 0, len(entries)), entries...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist.Save(&next); err != nil {
		return fmt.Errorf("persist chain: %w", err)
	}
	s.chain = next
	s.acc = merkle.NewAccumulator(next.EntryHashes()...)
	s.logger.Info(msg, zap.Int("entries", len(next.Entries)))
	return nil
}

// PlaceholderCount returns how many entries currently have placeholder content.
func (s *Store) PlaceholderCount() (int, error) {
	n := 0
	for _, e := range s.Entries() {
		data, err := s.content.Read(s.Name(), e.Name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		if IsPlaceholderContent(data) {
			n++
		}
	}
	return n, nil
}

// InclusionProof proves that an entry hash is committed by the entry's own
// Merkle root.
type InclusionProof struct {
	Index    int                 `json:"index"`
	Name     string              `json:"name"`
	Leaf     hashing.EntryHash   `json:"leaf"`
	Root     hashing.EntryHash   `json:"root"`
	Proof    []hashing.EntryHash `json:"proof"`
	Verified bool                `json:"verified"`
}

// Proof builds the inclusion proof of entry index against its stored root.
func (s *Store) Proof(index int) (*InclusionProof, error) {
	entries := s.Entries()
	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("%w: entry index %d", ErrNotFound, index)
	}
	prefix := Chain{Entries: entries[:index+1]}
	tree := merkle.Build(prefix.EntryHashes())
	proof, err := tree.ProofAt(index)
	if err != nil {
		return nil, err
	}
	e := entries[index]
	return &InclusionProof{
		Index:    index,
		Name:     e.Name,
		Leaf:     e.EntryHash,
		Root:     e.MerkleRoot,
		Proof:    proof,
		Verified: merkle.Verify(proof, e.EntryHash, e.MerkleRoot),
	}, nil
}
