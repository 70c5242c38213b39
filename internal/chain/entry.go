package chain

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

// PlaceholderRef is the ExternalRef of entries rebuilt from ledger metadata
// rather than anchored by this process.
const PlaceholderRef = "reconstructed"

// PlaceholderMarker opens the body of every synthesized placeholder note.
const PlaceholderMarker = "<!-- hodl:placeholder -->"

const maxNameLen = 128

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is one link of the chain.
type Entry struct {
	Name         string            `json:"name"`
	EntryHash    hashing.EntryHash `json:"entry_hash"`
	PreviousHash hashing.EntryHash `json:"previous_hash"`
	ExternalRef  string            `json:"external_ref"`
	Timestamp    int64             `json:"timestamp"`
	BlockNumber  int64             `json:"block_number"`
	MerkleRoot   hashing.EntryHash `json:"merkle_root"`

	// CodeVersionHash fingerprints the build that created the entry.
	CodeVersionHash hashing.EntryHash `json:"code_version_hash,omitempty"`
}

// Reconstructed reports whether the entry was rebuilt from ledger metadata.
func (e Entry) Reconstructed() bool { return e.ExternalRef == PlaceholderRef }

// Chain is the persisted document of one logbook.
type Chain struct {
	LogbookName string  `json:"logbook_name"`
	Entries     []Entry `json:"entries"`
}

// EntryHashes returns the entry hashes in chain order.
func (c *Chain) EntryHashes() []hashing.EntryHash {
	out := make([]hashing.EntryHash, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = e.EntryHash
	}
	return out
}

func (c *Chain) clone() Chain {
	return Chain{
		LogbookName: c.LogbookName,
		Entries:     append(make([]Entry, 0, len(c.Entries)), c.Entries...),
	}
}

// ValidateName checks a logbook or entry name against [A-Za-z0-9_-]+.
func ValidateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidName, kind)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: %s %q exceeds %d characters", ErrInvalidName, kind, name, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q may only contain letters, digits, '_' and '-'", ErrInvalidName, kind, name)
	}
	return nil
}

// ValidateExternalRef accepts a canonical transaction hash or PlaceholderRef.
func ValidateExternalRef(ref string) error {
	if ref == PlaceholderRef || hashing.Valid(ref) {
		return nil
	}
	return fmt.Errorf("%w: external ref %q must be 0x followed by 64 hex digits", ErrInvalidFormat, ref)
}

// IsPlaceholderContent reports whether content is a synthesized placeholder.
func IsPlaceholderContent(content []byte) bool {
	return bytes.HasPrefix(content, []byte(PlaceholderMarker))
}

// PlaceholderContent renders the note body written for an entry whose
// original content is not available locally.
func PlaceholderContent(logbook string, e Entry) []byte {
	var b strings.Builder
	b.WriteString(PlaceholderMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "# %s (content unavailable)\n\n", e.Name)
	b.WriteString("This entry was rebuilt from ledger metadata. Its original content was not found locally.\n\n")
	fmt.Fprintf(&b, "- Logbook: %s\n", logbook)
	fmt.Fprintf(&b, "- Entry hash: %s\n", e.EntryHash)
	fmt.Fprintf(&b, "- Previous hash: %s\n", e.PreviousHash)
	fmt.Fprintf(&b, "- Timestamp: %d (%s)\n", e.Timestamp, time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Block number: %d\n\n", e.BlockNumber)
	b.WriteString("To restore this entry:\n")
	b.WriteString("1. Locate the original note, for example in an exported bundle or a backup.\n")
	b.WriteString("2. Confirm that its SHA-256 equals the entry hash above.\n")
	fmt.Fprintf(&b, "3. Replace this file with the original content (entry %q).\n", e.Name)
	b.WriteString("4. Run `hodl validate` to confirm the content check passes.\n")
	return []byte(b.String())
}
