package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/damienh972/hodl-my-notes/internal/auth"
	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/config"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── export ───────────────────────────────────────────────────────────────────

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <logbook>",
	Short: "Write a logbook and its notes to a portable zip bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			if _, err := existing(a, args[0]); err != nil {
				return err
			}
			out := exportOutput
			if out == "" {
				out = args[0] + ".hodl.zip"
			}

			f, err := os.CreateTemp(filepath.Dir(out), ".export-*.zip")
			if err != nil {
				return fmt.Errorf("create bundle: %w", err)
			}
			defer os.Remove(f.Name()) //nolint:errcheck

			meta, err := a.exporter().Export(args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if errors.Is(err, chain.ErrMissingContent) {
				return fmt.Errorf("%w\nrun 'hodl reconstruct %s' to write placeholders for lost notes", err, args[0])
			}
			if err != nil {
				return err
			}
			if err := os.Rename(f.Name(), out); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}

			if jsonOutput {
				return printJSON(map[string]any{"file": out, "metadata": meta})
			}
			fmt.Printf("✓ exported %d entries to %s\n", meta.TotalEntries, out)
			fmt.Printf("  Bundle ID: %s\n", meta.BundleID)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "bundle path (default <logbook>.hodl.zip)")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyOpts bundle.Options

var verifyCmd = &cobra.Command{
	Use:   "verify <bundle.zip>",
	Short: "Verify a bundle against its own hashes and the ledger",
	Long: `verify re-hashes every note in the bundle, checks the chain linkage and
cross-checks each entry with the ledger. The verdict is one of PASSED,
PASSED_WITH_PLACEHOLDERS, FAILED or VERIFICATION_INCOMPLETE.

A bundle that cannot be checked against the ledger is never reported as
PASSED.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zr, err := bundle.OpenZip(args[0])
		if err != nil {
			return err
		}
		defer zr.Close() //nolint:errcheck

		cfg, err := config.FromViper(v)
		if err != nil {
			return err
		}
		var l ledger.Ledger
		if !verifyOpts.SkipLedger {
			opened, closeLedger, err := cfg.OpenLedger(cmd.Context(), logger)
			if err != nil {
				logger.Warn("ledger unavailable; verification will be incomplete", zap.Error(err))
			} else {
				defer closeLedger()
				l = opened
			}
		}

		rep, err := bundle.NewVerifier(l, buildinfo.Current(), logger).Verify(cmd.Context(), zr, verifyOpts)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(rep); err != nil {
				return err
			}
		} else if err := printBundleReport(rep); err != nil {
			return err
		}
		if rep.Verdict == bundle.VerdictFailed {
			return fmt.Errorf("bundle verification: %s", rep.Verdict)
		}
		return nil
	},
}

func init() {
	f := verifyCmd.Flags()
	f.BoolVar(&verifyOpts.SkipContentHash, "skip-content", false, "skip re-hashing notes")
	f.BoolVar(&verifyOpts.SkipLinkage, "skip-linkage", false, "skip the previous-hash linkage check")
	f.BoolVar(&verifyOpts.SkipLedger, "skip-ledger", false, "skip the ledger cross-check (verdict is at best incomplete)")
	f.BoolVar(&verifyOpts.SkipCodeVersion, "skip-code-version", false, "skip comparing the bundle's code version")
}

func printBundleReport(r *bundle.Report) error {
	fmt.Printf("Bundle:  %s\n", r.BundleID)
	fmt.Printf("Logbook: %s (%d entries, %d placeholders)\n", r.Logbook, r.Entries, r.Placeholders)
	fmt.Printf("Digest:  %s\n", r.ManifestDigest)
	fmt.Printf("Verdict: %s\n", r.Verdict)
	if r.Incomplete != "" {
		fmt.Printf("         (%s)\n", r.Incomplete)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tPASS\tFAIL\tSKIPPED\tWARN\tNOTE")
	for _, c := range r.Checks {
		note := c.Note
		if !c.Ran && note == "" {
			note = "not run"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", c.Check, c.Passed, c.Failed, c.Skipped, c.Warnings, note)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Printf("  ! %s\n", warn)
	}
	return nil
}

// ── admin-token ──────────────────────────────────────────────────────────────

var adminSubject string

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin token for the chaind HTTP API",
	Long: `admin-token signs a bearer token with the configured server.admin_secret.
chaind accepts it on admin routes such as POST /api/v1/logbooks/:name/reconstruct.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromViper(v)
		if err != nil {
			return err
		}
		tokens, err := auth.NewTokenIssuer(cfg.Server.AdminSecret, auth.Issuer, cfg.Server.AdminTokenTTL)
		if err != nil {
			return fmt.Errorf("%w (set server.admin_secret or HODL_SERVER_ADMIN_SECRET)", err)
		}
		tok, err := tokens.IssueAdmin(adminSubject)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]string{"token": tok, "expires_in": cfg.Server.AdminTokenTTL.String()})
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&adminSubject, "subject", "", "token subject (default admin)")
}
