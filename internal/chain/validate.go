package chain

import (
	"errors"
	"fmt"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/merkle"
)

// Check names one invariant verified by ValidateChain.
type Check string

const (
	CheckGenesis    Check = "genesis"
	CheckLinkage    Check = "linkage"
	CheckContent    Check = "content"
	CheckMerkleRoot Check = "merkle_root"
)

// Status is the outcome of one check on one entry.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

// Finding is one check result for one entry.
type Finding struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Check  Check  `json:"check"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates every finding of a validation pass. Errors holds one
// human-readable line per failed finding, in chain order.
type Report struct {
	Logbook  string    `json:"logbook"`
	Valid    bool      `json:"valid"`
	Entries  int       `json:"entries"`
	Errors   []string  `json:"errors"`
	Findings []Finding `json:"findings"`
}

// Count returns the number of findings with the given status.
func (r Report) Count(status Status) int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == status {
			n++
		}
	}
	return n
}

// FindingsAt returns the findings for entry index.
func (r Report) FindingsAt(index int) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Index == index {
			out = append(out, f)
		}
	}
	return out
}

// Verdict is "VALID" or "INVALID".
func (r Report) Verdict() string {
	if r.Valid {
		return "VALID"
	}
	return "INVALID"
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Status == StatusFail {
		r.Valid = false
		r.Errors = append(r.Errors, fmt.Sprintf("entry %d (%s): %s", f.Index, f.Name, f.Detail))
	}
}

// ValidateChain checks genesis linkage, predecessor linkage, content hashes
// and running Merkle roots. It never fails: every problem becomes a finding.
// Content checks are skipped for placeholder or missing content.
func (s *Store) ValidateChain() Report {
	entries := s.Entries()
	return ValidateEntries(s.Name(), entries, s.content)
}

// ValidateEntries runs the ValidateChain checks over an arbitrary entry list.
// content may be nil, in which case every content check is skipped.
func ValidateEntries(logbook string, entries []Entry, content ContentStore) Report {
	r := Report{
		Logbook:  logbook,
		Valid:    true,
		Entries:  len(entries),
		Errors:   []string{},
		Findings: []Finding{},
	}
	acc := merkle.NewAccumulator()

	for i, e := range entries {
		base := Finding{Index: i, Name: e.Name}

		if i == 0 {
			f := base
			f.Check = CheckGenesis
			if e.PreviousHash.Equal(hashing.Genesis) {
				f.Status = StatusPass
			} else {
				f.Status = StatusFail
				f.Detail = "previousHash is not the genesis hash"
			}
			r.add(f)
		} else {
			f := base
			f.Check = CheckLinkage
			if e.PreviousHash.Equal(entries[i-1].EntryHash) {
				f.Status = StatusPass
			} else {
				f.Status = StatusFail
				f.Detail = fmt.Sprintf("previousHash does not match entry %d's entryHash", i-1)
			}
			r.add(f)
		}

		r.add(checkContent(logbook, e, base, content))

		f := base
		f.Check = CheckMerkleRoot
		if root := acc.Add(e.EntryHash); e.MerkleRoot.Equal(root) {
			f.Status = StatusPass
		} else {
			f.Status = StatusFail
			f.Detail = fmt.Sprintf("merkleRoot does not commit to entries 0..%d", i)
		}
		r.add(f)
	}
	return r
}

func checkContent(logbook string, e Entry, base Finding, content ContentStore) Finding {
	f := base
	f.Check = CheckContent
	if content == nil {
		f.Status = StatusSkipped
		f.Detail = "no content store"
		return f
	}
	data, err := content.Read(logbook, e.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		f.Status = StatusSkipped
		f.Detail = "skipped (content unavailable)"
	case err != nil:
		f.Status = StatusFail
		f.Detail = fmt.Sprintf("content unreadable: %v", err)
	case IsPlaceholderContent(data):
		f.Status = StatusSkipped
		f.Detail = "skipped (placeholder)"
	case hashing.Sum(data).Equal(e.EntryHash):
		f.Status = StatusPass
	default:
		f.Status = StatusFail
		f.Detail = fmt.Sprintf("content hash %s does not match entryHash %s", hashing.Sum(data).Short(), e.EntryHash.Short())
	}
	return f
}
