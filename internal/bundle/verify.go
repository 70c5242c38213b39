package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/metrics"
	"go.uber.org/zap"
)

// Verdict is the overall outcome of a verification.
type Verdict string

const (
	VerdictPassed                 Verdict = "PASSED"
	VerdictPassedWithPlaceholders Verdict = "PASSED_WITH_PLACEHOLDERS"
	VerdictFailed                 Verdict = "FAILED"
	VerdictIncomplete             Verdict = "VERIFICATION_INCOMPLETE"
)

// Check names one of the four verification passes.
type Check string

const (
	CheckContentHash Check = "content_hash"
	CheckLinkage     Check = "linkage"
	CheckLedger      Check = "ledger"
	CheckCodeVersion Check = "code_version"
)

// Status is the outcome of one check on one entry.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
	StatusWarning Status = "warning"
)

// Finding is one check result. Index is -1 for bundle-wide findings.
type Finding struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Check  Check  `json:"check"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CheckSummary counts the findings of one check.
type CheckSummary struct {
	Check    Check  `json:"check"`
	Ran      bool   `json:"ran"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	Warnings int    `json:"warnings"`
	Note     string `json:"note,omitempty"`
}

// Report is the result of Verify.
type Report struct {
	BundleID       string            `json:"bundle_id"`
	Logbook        string            `json:"logbook"`
	ManifestDigest hashing.EntryHash `json:"manifest_digest"`
	Entries        int               `json:"entries"`
	Placeholders   int               `json:"placeholders"`
	Verdict        Verdict           `json:"verdict"`
	Incomplete     string            `json:"incomplete,omitempty"`
	Checks         []CheckSummary    `json:"checks"`
	Findings       []Finding         `json:"findings"`
	Errors         []string          `json:"errors"`
	Warnings       []string          `json:"warnings"`
}

// FindingsAt returns the findings of check for entry index.
func (r *Report) FindingsAt(index int, check Check) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Index == index && f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

func (r *Report) summary(check Check) *CheckSummary {
	for i := range r.Checks {
		if r.Checks[i].Check == check {
			return &r.Checks[i]
		}
	}
	r.Checks = append(r.Checks, CheckSummary{Check: check})
	return &r.Checks[len(r.Checks)-1]
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	s := r.summary(f.Check)
	s.Ran = true
	line := fmt.Sprintf("entry %d (%s): %s: %s", f.Index, f.Name, f.Check, f.Detail)
	if f.Index < 0 {
		line = fmt.Sprintf("%s: %s", f.Check, f.Detail)
	}
	switch f.Status {
	case StatusPass:
		s.Passed++
	case StatusFail:
		s.Failed++
		r.Errors = append(r.Errors, line)
	case StatusSkipped:
		s.Skipped++
	case StatusWarning:
		s.Warnings++
		r.Warnings = append(r.Warnings, line)
	}
}

func (r *Report) skip(check Check, note string) {
	s := r.summary(check)
	s.Ran = false
	s.Note = note
}

func (r *Report) failed(checks ...Check) bool {
	for _, c := range checks {
		if r.summary(c).Failed > 0 {
			return true
		}
	}
	return false
}

// Options select which checks run.
type Options struct {
	SkipContentHash bool
	SkipLinkage     bool
	SkipLedger      bool
	SkipCodeVersion bool
}

// Verifier checks bundles.
type Verifier struct {
	ledger  ledger.Ledger
	version buildinfo.CodeVersionProvider
	logger  *zap.Logger
}

// NewVerifier creates a Verifier. A nil ledger makes every verification
// incomplete; a nil version provider skips the code version check.
func NewVerifier(l ledger.Ledger, version buildinfo.CodeVersionProvider, logger *zap.Logger) *Verifier {
	return &Verifier{ledger: l, version: version, logger: logger}
}

// Verify runs the content hash, linkage, ledger and code version checks in
// that order. ctx is checked between checks; a cancelled context aborts the
// verification with ctx.Err(). A malformed bundle yields ErrInvalidBundle.
// Every other problem is reported as a finding.
func (v *Verifier) Verify(ctx context.Context, r Reader, opts Options) (*Report, error) {
	m, err := r.ReadMetadata()
	if err != nil {
		return nil, err
	}
	digest, err := Digest(m)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		BundleID:       m.Metadata.BundleID,
		Logbook:        m.Metadata.LogbookName,
		ManifestDigest: digest,
		Entries:        len(m.Entries),
		Checks: []CheckSummary{
			{Check: CheckContentHash},
			{Check: CheckLinkage},
			{Check: CheckLedger},
			{Check: CheckCodeVersion},
		},
		Findings: []Finding{},
		Errors:   []string{},
		Warnings: []string{},
	}

	// Placeholder status comes from content when it is read, and from the
	// external ref sentinel otherwise.
	placeholder := make([]bool, len(m.Entries))
	for i, e := range m.Entries {
		placeholder[i] = e.ExternalRef == chain.PlaceholderRef
	}

	if opts.SkipContentHash {
		rep.skip(CheckContentHash, "skipped by caller")
	} else if err := v.checkContent(r, m, placeholder, rep); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.SkipLinkage {
		rep.skip(CheckLinkage, "skipped by caller")
	} else {
		checkLinkage(m, placeholder, rep)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case opts.SkipLedger:
		rep.skip(CheckLedger, "skipped by caller")
		rep.Incomplete = "ledger cross-check skipped"
	case v.ledger == nil:
		rep.skip(CheckLedger, "no ledger configured")
		rep.Incomplete = "no ledger configured"
	default:
		if err := v.checkLedger(ctx, m, rep); err != nil {
			if !errors.Is(err, ledger.ErrUnavailable) {
				return nil, err
			}
			rep.skip(CheckLedger, err.Error())
			rep.Incomplete = err.Error()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case opts.SkipCodeVersion:
		rep.skip(CheckCodeVersion, "skipped by caller")
	case v.version == nil:
		rep.skip(CheckCodeVersion, "no code version provider")
	default:
		v.checkCodeVersion(m, rep)
	}

	for _, p := range placeholder {
		if p {
			rep.Placeholders++
		}
	}

	switch {
	case rep.Incomplete != "":
		rep.Verdict = VerdictIncomplete
	case rep.failed(CheckContentHash, CheckLinkage, CheckLedger):
		rep.Verdict = VerdictFailed
	case rep.Placeholders > 0:
		rep.Verdict = VerdictPassedWithPlaceholders
	default:
		rep.Verdict = VerdictPassed
	}
	metrics.RecordBundleVerification(string(rep.Verdict))

	v.logger.Info("bundle verified",
		zap.String("bundle_id", rep.BundleID),
		zap.String("logbook", rep.Logbook),
		zap.String("verdict", string(rep.Verdict)),
		zap.Int("errors", len(rep.Errors)),
		zap.Int("warnings", len(rep.Warnings)),
	)
	return rep, nil
}

// checkContent recomputes the hash of every entry's content. Content is read
// one entry at a time and not retained.
func (v *Verifier) checkContent(r Reader, m *Manifest, placeholder []bool, rep *Report) error {
	for i, e := range m.Entries {
		f := Finding{Index: i, Name: e.Name, Check: CheckContentHash}
		data, err := r.ReadEntryContent(e.Name)
		switch {
		case errors.Is(err, ErrContentNotFound):
			placeholder[i] = false
			f.Status = StatusFail
			f.Detail = "content missing from bundle"
		case err != nil:
			return fmt.Errorf("read entry %d (%s): %w", i, e.Name, err)
		case chain.IsPlaceholderContent(data):
			placeholder[i] = true
			f.Status = StatusSkipped
			f.Detail = "skipped (placeholder)"
		default:
			placeholder[i] = false
			if got := hashing.Sum(data); got.Equal(e.EntryHash) {
				f.Status = StatusPass
			} else {
				f.Status = StatusFail
				f.Detail = fmt.Sprintf("content hash %s does not match entryHash %s", got.Short(), e.EntryHash.Short())
			}
		}
		rep.add(f)
	}
	return nil
}

// checkLinkage verifies the genesis link and each link between two
// non-placeholder neighbours.
func checkLinkage(m *Manifest, placeholder []bool, rep *Report) {
	for i, e := range m.Entries {
		f := Finding{Index: i, Name: e.Name, Check: CheckLinkage}
		switch {
		case i == 0:
			if e.PreviousHash.Equal(hashing.Genesis) {
				f.Status = StatusPass
			} else {
				f.Status = StatusFail
				f.Detail = "previousHash is not the genesis hash"
			}
		case placeholder[i] || placeholder[i-1]:
			f.Status = StatusSkipped
			f.Detail = "skipped (placeholder neighbour)"
		case e.PreviousHash.Equal(m.Entries[i-1].EntryHash):
			f.Status = StatusPass
		default:
			f.Status = StatusFail
			f.Detail = fmt.Sprintf("previousHash does not match entry %d's entryHash", i-1)
		}
		rep.add(f)
	}
}

// checkLedger compares every entry with the ledger's record at the same index.
func (v *Verifier) checkLedger(ctx context.Context, m *Manifest, rep *Report) error {
	records, err := v.ledger.GetAllEntries(ctx, m.Metadata.LogbookName)
	if err != nil {
		return fmt.Errorf("ledger cross-check: %w", err)
	}

	if len(records) != len(m.Entries) {
		rep.add(Finding{
			Index:  -1,
			Check:  CheckLedger,
			Status: StatusFail,
			Detail: fmt.Sprintf("bundle has %d entries, ledger has %d", len(m.Entries), len(records)),
		})
	}

	for i, e := range m.Entries {
		f := Finding{Index: i, Name: e.Name, Check: CheckLedger}
		if i >= len(records) {
			f.Status = StatusFail
			f.Detail = "not anchored on the ledger"
			rep.add(f)
			continue
		}
		rec := records[i]
		switch {
		case rec.Name != e.Name:
			f.Status = StatusFail
			f.Detail = fmt.Sprintf("ledger has entry %q at this index", rec.Name)
		case !rec.EntryHash.Equal(e.EntryHash):
			f.Status = StatusFail
			f.Detail = fmt.Sprintf("entryHash %s differs from ledger %s", e.EntryHash.Short(), rec.EntryHash.Short())
		case !rec.PreviousHash.Equal(e.PreviousHash):
			f.Status = StatusFail
			f.Detail = fmt.Sprintf("previousHash %s differs from ledger %s", e.PreviousHash.Short(), rec.PreviousHash.Short())
		default:
			f.Status = StatusPass
		}
		rep.add(f)
	}
	return nil
}

// checkCodeVersion compares recorded build fingerprints with the current one.
// Mismatches are warnings only.
func (v *Verifier) checkCodeVersion(m *Manifest, rep *Report) {
	current := v.version.CodeVersionHash()
	for i, e := range m.Entries {
		f := Finding{Index: i, Name: e.Name, Check: CheckCodeVersion}
		recorded := e.CodeVersionHash
		if recorded == "" {
			recorded = m.Metadata.CodeVersionHash
		}
		switch {
		case recorded == "":
			f.Status = StatusSkipped
			f.Detail = "no code version recorded"
		case recorded.Equal(current):
			f.Status = StatusPass
		default:
			f.Status = StatusWarning
			f.Detail = fmt.Sprintf("created by build %s, current build is %s", recorded.Short(), current.Short())
		}
		rep.add(f)
	}
}
