package bundle

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity names the account that anchors entries on the ledger.
type Identity struct {
	Wallet  string
	ChainID int64
}

// Exporter builds bundles from local chains.
type Exporter struct {
	stores   *chain.Manager
	identity Identity
	version  buildinfo.CodeVersionProvider
	now      func() time.Time
	logger   *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(stores *chain.Manager, identity Identity, version buildinfo.CodeVersionProvider, logger *zap.Logger) *Exporter {
	return &Exporter{
		stores:   stores,
		identity: identity,
		version:  version,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the export date source.
func (x *Exporter) SetClock(now func() time.Time) { x.now = now }

// Stores returns the manager the exporter reads chains from.
func (x *Exporter) Stores() *chain.Manager { return x.stores }

// Build assembles the bundle of logbook. Every entry must have content,
// otherwise chain.ErrMissingContent is returned.
func (x *Exporter) Build(logbook string) (*Bundle, error) {
	store, err := x.stores.Open(logbook)
	if err != nil {
		return nil, err
	}
	entries := store.Entries()
	content := store.Content()

	b := &Bundle{
		Manifest: Manifest{
			Metadata: Metadata{
				BundleID:         uuid.NewString(),
				LogbookName:      logbook,
				LogbookNameHash:  hashing.SumString(logbook),
				WalletOrIdentity: x.identity.Wallet,
				ChainID:          x.identity.ChainID,
				TotalEntries:     len(entries),
				ExportDate:       x.now().UTC().Truncate(time.Second),
			},
			Entries: make([]Entry, 0, len(entries)),
		},
		Content: make(map[string][]byte, len(entries)),
	}
	if x.version != nil {
		b.Manifest.Metadata.CodeVersionHash = x.version.CodeVersionHash()
	}

	for i, e := range entries {
		data, err := content.Read(logbook, e.Name)
		if err != nil {
			if errors.Is(err, chain.ErrNotFound) {
				return nil, fmt.Errorf("%w: entry %d (%s)", chain.ErrMissingContent, i, e.Name)
			}
			return nil, fmt.Errorf("read entry %d (%s): %w", i, e.Name, err)
		}
		b.Manifest.Entries = append(b.Manifest.Entries, entryFromChain(i, e))
		b.Content[e.Name] = data
	}
	return b, nil
}

// Export writes the bundle of logbook to w as a zip archive and returns its
// metadata.
func (x *Exporter) Export(logbook string, w io.Writer) (*Metadata, error) {
	b, err := x.Build(logbook)
	if err != nil {
		return nil, err
	}
	if err := WriteZip(w, b); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	x.logger.Info("bundle exported",
		zap.String("logbook", logbook),
		zap.String("bundle_id", b.Manifest.Metadata.BundleID),
		zap.Int("entries", b.Manifest.Metadata.TotalEntries),
	)
	return &b.Manifest.Metadata, nil
}
