package bundle_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	ctx          = context.Background()
	buildA       = buildinfo.Static(hashing.SumString("build-a"))
	buildB       = buildinfo.Static(hashing.SumString("build-b"))
	exportMoment = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
)

type fixture struct {
	ledger   *ledger.MemoryLedger
	stores   *chain.Manager
	content  *chain.MemoryContentStore
	exporter *bundle.Exporter
}

func newFixture(t *testing.T, notes ...string) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewMemory(),
		content: chain.NewMemoryContentStore(),
	}
	f.stores = chain.NewManager(chain.NewFilePersistence(t.TempDir()), f.content, zap.NewNop())
	f.exporter = bundle.NewExporter(f.stores, bundle.Identity{Wallet: "0xabc", ChainID: 11155111}, buildA, zap.NewNop())
	f.exporter.SetClock(func() time.Time { return exportMoment })

	store, err := f.stores.Open("journal")
	require.NoError(t, err)
	prev := hashing.Genesis
	for _, body := range notes {
		h := hashing.SumString(body)
		rcpt, err := f.ledger.Anchor(ctx, "journal", body, h, prev)
		require.NoError(t, err)
		_, err = store.Append(chain.AppendRequest{
			Name:            body,
			EntryHash:       h,
			ExternalRef:     rcpt.ExternalRef,
			Timestamp:       rcpt.Timestamp,
			BlockNumber:     rcpt.ConfirmedSequenceNumber,
			CodeVersionHash: buildA.CodeVersionHash(),
		})
		require.NoError(t, err)
		require.NoError(t, f.content.Write("journal", body, []byte(body)))
		prev = h
	}
	return f
}

func (f *fixture) zip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.exporter.Export("journal", &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func (f *fixture) verifier() *bundle.Verifier {
	return bundle.NewVerifier(f.ledger, buildA, zap.NewNop())
}

func TestRoundTrip_passed(t *testing.T) {
	f := newFixture(t, "alpha", "beta", "gamma")
	data := f.zip(t)

	zr, err := bundle.NewZipReader(data)
	require.NoError(t, err)
	defer zr.Close()

	m, err := zr.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "journal", m.Metadata.LogbookName)
	assert.Equal(t, hashing.SumString("journal"), m.Metadata.LogbookNameHash)
	assert.Equal(t, 3, m.Metadata.TotalEntries)
	assert.Equal(t, int64(11155111), m.Metadata.ChainID)
	assert.True(t, m.Metadata.ExportDate.Equal(exportMoment))
	assert.NotEmpty(t, m.Metadata.BundleID)

	rep, err := f.verifier().Verify(ctx, zr, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictPassed, rep.Verdict, "errors: %v", rep.Errors)
	assert.Empty(t, rep.Errors)
	assert.Empty(t, rep.Warnings)
	for _, s := range rep.Checks {
		assert.True(t, s.Ran, "check %s did not run", s.Check)
		assert.Zero(t, s.Failed, "check %s", s.Check)
	}
}

func TestTamperedContent_failedAtIndexOneOnly(t *testing.T) {
	f := newFixture(t, "alpha", "beta", "gamma")
	zr, err := bundle.NewZipReader(f.zip(t))
	require.NoError(t, err)
	b, err := bundle.Load(zr)
	require.NoError(t, err)

	b.Content["beta"] = []byte("beta, edited afterwards")

	rep, err := f.verifier().Verify(ctx, b, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictFailed, rep.Verdict)

	for i, want := range []bundle.Status{bundle.StatusPass, bundle.StatusFail, bundle.StatusPass} {
		got := rep.FindingsAt(i, bundle.CheckContentHash)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].Status, "index %d", i)
	}
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "entry 1 (beta)")
}

func TestLedgerUnavailable_incomplete(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := mustLoad(t, f)
	b.Content["alpha"] = []byte("tampered")
	f.ledger.SetUnavailable(errors.New("dial tcp: connection refused"))

	rep, err := f.verifier().Verify(ctx, b, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictIncomplete, rep.Verdict, "incomplete outranks failed")
	assert.Contains(t, rep.Incomplete, "ledger unavailable")
}

func TestSkipLedger_incomplete(t *testing.T) {
	f := newFixture(t, "alpha")
	rep, err := f.verifier().Verify(ctx, mustLoad(t, f), bundle.Options{SkipLedger: true})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictIncomplete, rep.Verdict)

	rep, err = bundle.NewVerifier(nil, buildA, zap.NewNop()).Verify(ctx, mustLoad(t, f), bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictIncomplete, rep.Verdict)
}

func TestPlaceholders_passedWithPlaceholders(t *testing.T) {
	f := newFixture(t, "alpha", "beta", "gamma")
	store, err := f.stores.Open("journal")
	require.NoError(t, err)
	e, _ := store.Entry(1)
	require.NoError(t, f.content.Write("journal", "beta", chain.PlaceholderContent("journal", e)))

	rep, err := f.verifier().Verify(ctx, mustLoad(t, f), bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictPassedWithPlaceholders, rep.Verdict, "errors: %v", rep.Errors)
	assert.Equal(t, 1, rep.Placeholders)

	assert.Equal(t, bundle.StatusSkipped, rep.FindingsAt(1, bundle.CheckContentHash)[0].Status)
	assert.Equal(t, bundle.StatusSkipped, rep.FindingsAt(1, bundle.CheckLinkage)[0].Status)
	assert.Equal(t, bundle.StatusSkipped, rep.FindingsAt(2, bundle.CheckLinkage)[0].Status)
	assert.Equal(t, bundle.StatusPass, rep.FindingsAt(1, bundle.CheckLedger)[0].Status)
}

func TestBrokenLink_failed(t *testing.T) {
	f := newFixture(t, "alpha", "beta", "gamma")
	b := mustLoad(t, f)
	b.Manifest.Entries[2].PreviousHash = hashing.SumString("unrelated")

	rep, err := f.verifier().Verify(ctx, b, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictFailed, rep.Verdict)
	assert.Equal(t, bundle.StatusFail, rep.FindingsAt(2, bundle.CheckLinkage)[0].Status)
	assert.Equal(t, bundle.StatusFail, rep.FindingsAt(2, bundle.CheckLedger)[0].Status)
	assert.Equal(t, bundle.StatusPass, rep.FindingsAt(1, bundle.CheckLinkage)[0].Status)
}

func TestLedgerCountMismatch_failed(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := mustLoad(t, f)
	_, err := f.ledger.Anchor(ctx, "journal", "later", hashing.SumString("later"), hashing.SumString("beta"))
	require.NoError(t, err)

	rep, err := f.verifier().Verify(ctx, b, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictFailed, rep.Verdict)
	require.NotEmpty(t, rep.FindingsAt(-1, bundle.CheckLedger))
	assert.Contains(t, rep.Errors[0], "bundle has 2 entries, ledger has 3")
}

func TestCodeVersionMismatch_warningOnly(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	rep, err := bundle.NewVerifier(f.ledger, buildB, zap.NewNop()).Verify(ctx, mustLoad(t, f), bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictPassed, rep.Verdict)
	assert.Len(t, rep.Warnings, 2)
}

func TestMissingContentInArchive_failed(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := mustLoad(t, f)
	delete(b.Content, "beta")

	rep, err := f.verifier().Verify(ctx, b, bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, bundle.VerdictFailed, rep.Verdict)
	assert.Equal(t, "content missing from bundle", rep.FindingsAt(1, bundle.CheckContentHash)[0].Detail)
}

func TestVerify_cancelledBetweenChecks(t *testing.T) {
	f := newFixture(t, "alpha")
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := f.verifier().Verify(cctx, mustLoad(t, f), bundle.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteZip_deterministic(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := mustLoad(t, f)

	var first, second bytes.Buffer
	require.NoError(t, bundle.WriteZip(&first, b))
	require.NoError(t, bundle.WriteZip(&second, b))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestExport_missingContent(t *testing.T) {
	stores := chain.NewManager(chain.NewFilePersistence(t.TempDir()), chain.NewMemoryContentStore(), zap.NewNop())
	store, err := stores.Open("journal")
	require.NoError(t, err)
	_, err = store.Append(chain.AppendRequest{
		Name:        "orphan",
		EntryHash:   hashing.SumString("orphan"),
		ExternalRef: string(hashing.SumString("tx")),
	})
	require.NoError(t, err)

	x := bundle.NewExporter(stores, bundle.Identity{}, nil, zap.NewNop())
	_, err = x.Export("journal", &bytes.Buffer{})
	assert.ErrorIs(t, err, chain.ErrMissingContent)
}

func TestReadMetadata_invalidArchives(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"no metadata", map[string]string{"entries/a.md": "a"}},
		{"not json", map[string]string{"metadata.json": "{"}},
		{"schema violation", map[string]string{"metadata.json": `{"metadata":{"bundle_id":"x"},"entries":[]}`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			for name, body := range tc.files {
				w, err := zw.Create(name)
				require.NoError(t, err)
				_, err = w.Write([]byte(body))
				require.NoError(t, err)
			}
			require.NoError(t, zw.Close())

			zr, err := bundle.NewZipReader(buf.Bytes())
			require.NoError(t, err)
			_, err = zr.ReadMetadata()
			assert.ErrorIs(t, err, bundle.ErrInvalidBundle)
		})
	}
}

func TestDecodeManifest_totalEntriesMismatch(t *testing.T) {
	f := newFixture(t, "alpha")
	b := mustLoad(t, f)
	b.Manifest.Metadata.TotalEntries = 5

	data, err := bundle.EncodeManifest(&b.Manifest)
	require.NoError(t, err)
	_, err = bundle.DecodeManifest(data)
	assert.ErrorIs(t, err, bundle.ErrInvalidBundle)
}

func TestZipReader_rejectsTraversal(t *testing.T) {
	f := newFixture(t, "alpha")
	zr, err := bundle.NewZipReader(f.zip(t))
	require.NoError(t, err)

	_, err = zr.ReadEntryContent("../metadata")
	assert.ErrorIs(t, err, chain.ErrInvalidName)
	_, err = zr.ReadEntryContent("absent")
	assert.ErrorIs(t, err, bundle.ErrContentNotFound)
}

func mustLoad(t *testing.T, f *fixture) *bundle.Bundle {
	t.Helper()
	b, err := f.exporter.Build("journal")
	require.NoError(t, err)
	return b
}
