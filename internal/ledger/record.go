package ledger

import (
	"fmt"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"golang.org/x/crypto/sha3"
)

// Record is one anchored entry as the ledger reports it.
type Record struct {
	Name           string            `json:"name"`
	EntryHash      hashing.EntryHash `json:"entry_hash"`
	PreviousHash   hashing.EntryHash `json:"previous_hash"`
	Timestamp      int64             `json:"timestamp"`
	SequenceNumber int64             `json:"sequence_number"`
}

// Receipt is returned by Anchor.
type Receipt struct {
	ExternalRef             string `json:"external_ref"`
	ConfirmedSequenceNumber int64  `json:"confirmed_sequence_number"`
	Timestamp               int64  `json:"timestamp"`
}

// ChainStatus is the ledger's own linkage verdict for a logbook.
// BrokenAtIndex is -1 when the chain is valid.
type ChainStatus struct {
	Valid         bool `json:"valid"`
	BrokenAtIndex int  `json:"broken_at_index"`
}

// validateRecords checks that records form a chain starting at genesis.
func validateRecords(records []Record) ChainStatus {
	prev := hashing.Genesis
	for i, r := range records {
		if !r.PreviousHash.Equal(prev) {
			return ChainStatus{Valid: false, BrokenAtIndex: i}
		}
		prev = r.EntryHash
	}
	return ChainStatus{Valid: true, BrokenAtIndex: -1}
}

// transactionRef derives a deterministic Keccak-256 transaction reference
// for an anchoring call, in the style of an EVM transaction hash.
func transactionRef(logbook, entryName string, entryHash hashing.EntryHash, seq int64) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%d", hashing.BuildPayload(logbook, entryHash), seq)
	fmt.Fprintf(h, "|%s", entryName)
	return string(hashing.FromBytes(h.Sum(nil)))
}
