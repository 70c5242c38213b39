// Package bundle exports a logbook as a portable archive and verifies such
// archives against their own content and against the ledger.
//
// An archive holds metadata.json (the Manifest, canonicalized with JCS) and
// one entries/<name>.md file per entry.
package bundle

import (
	"errors"
	"fmt"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

var (
	// ErrContentNotFound is returned by Reader.ReadEntryContent when the
	// bundle has no content for the entry.
	ErrContentNotFound = errors.New("entry content not found in bundle")

	// ErrInvalidBundle is returned when the archive or its metadata is malformed.
	ErrInvalidBundle = errors.New("invalid bundle")
)

// Metadata describes the exported logbook.
type Metadata struct {
	BundleID         string            `json:"bundle_id"`
	LogbookName      string            `json:"logbook_name"`
	LogbookNameHash  hashing.EntryHash `json:"logbook_name_hash"`
	WalletOrIdentity string            `json:"wallet_or_identity"`
	ChainID          int64             `json:"chain_id"`
	TotalEntries     int               `json:"total_entries"`
	ExportDate       time.Time         `json:"export_date"`
	CodeVersionHash  hashing.EntryHash `json:"code_version_hash,omitempty"`
}

// Entry is one chain entry as carried by a bundle, without its content.
type Entry struct {
	Index           int               `json:"index"`
	Name            string            `json:"name"`
	EntryHash       hashing.EntryHash `json:"entry_hash"`
	PreviousHash    hashing.EntryHash `json:"previous_hash"`
	ExternalRef     string            `json:"external_ref"`
	Timestamp       int64             `json:"timestamp"`
	BlockNumber     int64             `json:"block_number"`
	MerkleRoot      hashing.EntryHash `json:"merkle_root"`
	CodeVersionHash hashing.EntryHash `json:"code_version_hash,omitempty"`
}

// Manifest is the content of metadata.json.
type Manifest struct {
	Metadata Metadata `json:"metadata"`
	Entries  []Entry  `json:"entries"`
}

// Reader gives access to a bundle.
type Reader interface {
	ReadMetadata() (*Manifest, error)
	ReadEntryContent(name string) ([]byte, error)
}

// Bundle is a fully loaded bundle. It implements Reader.
type Bundle struct {
	Manifest Manifest
	Content  map[string][]byte
}

// ReadMetadata implements Reader.
func (b *Bundle) ReadMetadata() (*Manifest, error) {
	m := b.Manifest
	m.Entries = append([]Entry(nil), b.Manifest.Entries...)
	return &m, nil
}

// ReadEntryContent implements Reader.
func (b *Bundle) ReadEntryContent(name string) ([]byte, error) {
	data, ok := b.Content[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContentNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

// check enforces the invariants the schema cannot express.
func (m *Manifest) check() error {
	if m.Metadata.TotalEntries != len(m.Entries) {
		return fmt.Errorf("%w: total_entries is %d but %d entries are listed",
			ErrInvalidBundle, m.Metadata.TotalEntries, len(m.Entries))
	}
	if want := hashing.SumString(m.Metadata.LogbookName); !m.Metadata.LogbookNameHash.Equal(want) {
		return fmt.Errorf("%w: logbook_name_hash does not match logbook_name", ErrInvalidBundle)
	}
	seen := make(map[string]bool, len(m.Entries))
	for i, e := range m.Entries {
		if e.Index != i {
			return fmt.Errorf("%w: entry at position %d has index %d", ErrInvalidBundle, i, e.Index)
		}
		if err := chain.ValidateName("entry name", e.Name); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidBundle, i, err)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: entry name %q appears twice", ErrInvalidBundle, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func entryFromChain(i int, e chain.Entry) Entry {
	return Entry{
		Index:           i,
		Name:            e.Name,
		EntryHash:       e.EntryHash,
		PreviousHash:    e.PreviousHash,
		ExternalRef:     e.ExternalRef,
		Timestamp:       e.Timestamp,
		BlockNumber:     e.BlockNumber,
		MerkleRoot:      e.MerkleRoot,
		CodeVersionHash: e.CodeVersionHash,
	}
}
