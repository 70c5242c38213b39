package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/merkle"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── init ─────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init <logbook>",
	Short: "Create an empty logbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			ok, err := a.stores.Exists(args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("logbook %q already exists\n", args[0])
				return nil
			}
			if _, err := a.stores.Open(args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ logbook %q created in %s\n", args[0], a.cfg.Storage.Root)
			return nil
		})
	},
}

// ── add ──────────────────────────────────────────────────────────────────────

var addFile string

var addCmd = &cobra.Command{
	Use:   "add <logbook> <entry-name>",
	Short: "Anchor a note and append it to a logbook",
	Long: `add hashes the note, anchors the hash on the ledger and appends the
entry to the local chain. The note is read from --file, or from stdin.

  echo "standup notes" | hodl add work standup-2024-05-02`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readNote(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := a.svc.AddEntry(ctx, args[0], args[1], content)
			if errors.Is(err, ledger.ErrConflict) {
				return fmt.Errorf("%w\nthe ledger moved ahead of this logbook; run 'hodl reconstruct %s' first", err, args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(e)
			}
			fmt.Printf("✓ %s/%s anchored\n\n", args[0], e.Name)
			fmt.Printf("  Entry hash:  %s\n", e.EntryHash)
			fmt.Printf("  Merkle root: %s\n", e.MerkleRoot)
			fmt.Printf("  Ledger ref:  %s (seq %d)\n", e.ExternalRef, e.BlockNumber)
			return nil
		})
	},
}

func init() {
	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "read the note from this file instead of stdin")
}

func readNote(stdin io.Reader) ([]byte, error) {
	if addFile != "" {
		data, err := os.ReadFile(addFile)
		if err != nil {
			return nil, fmt.Errorf("read note: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read note from stdin: %w", err)
	}
	return data, nil
}

// ── list ─────────────────────────────────────────────────────────────────────

var listCmd = &cobra.Command{
	Use:   "list <logbook>",
	Short: "List the entries of a logbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			s, err := existing(a, args[0])
			if err != nil {
				return err
			}
			entries := s.Entries()
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("no entries")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tNAME\tENTRY HASH\tANCHORED\tREF")
			for i, e := range entries {
				ref := hashing.EntryHash(e.ExternalRef).Short()
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					i, e.Name, e.EntryHash.Short(),
					time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339), ref)
			}
			return w.Flush()
		})
	},
}

// ── show ─────────────────────────────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <logbook> <entry-name>",
	Short: "Print an entry and its note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			if _, err := existing(a, args[0]); err != nil {
				return err
			}
			e, content, err := a.svc.ReadEntry(args[0], args[1])
			if err != nil && e.Name == "" {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"entry": e, "content": string(content)})
			}
			fmt.Printf("Name:          %s\n", e.Name)
			fmt.Printf("Entry hash:    %s\n", e.EntryHash)
			fmt.Printf("Previous hash: %s\n", e.PreviousHash)
			fmt.Printf("Merkle root:   %s\n", e.MerkleRoot)
			fmt.Printf("Ledger ref:    %s (seq %d)\n", e.ExternalRef, e.BlockNumber)
			fmt.Printf("Anchored:      %s\n", time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339))
			if err != nil {
				fmt.Printf("\n(content unavailable: %v)\n", err)
				return nil
			}
			if chain.IsPlaceholderContent(content) {
				fmt.Println("\n(placeholder: original content was not recovered)")
			}
			fmt.Printf("\n%s", content)
			if n := len(content); n > 0 && content[n-1] != '\n' {
				fmt.Println()
			}
			return nil
		})
	},
}

// ── logbooks ─────────────────────────────────────────────────────────────────

var logbooksCmd = &cobra.Command{
	Use:   "logbooks",
	Short: "List local and ledger logbooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			names, err := a.svc.Logbooks(ctx)
			if err != nil && !errors.Is(err, ledger.ErrUnavailable) {
				return err
			}
			if err != nil {
				logger.Warn("ledger unreachable, listing local logbooks only", zap.Error(err))
			}

			var rows []any
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if !jsonOutput {
				fmt.Fprintln(w, "NAME\tLOCAL\tLEDGER\tPLACEHOLDERS\tMERKLE ROOT")
			}
			for _, name := range names {
				sum, err := a.svc.Describe(ctx, name)
				if err != nil {
					return err
				}
				if jsonOutput {
					rows = append(rows, sum)
					continue
				}
				onLedger := "?"
				if sum.LedgerEntries != nil {
					onLedger = strconv.Itoa(*sum.LedgerEntries)
				}
				local := "-"
				if sum.Exists {
					local = strconv.Itoa(sum.Entries)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, local, onLedger, sum.Placeholders, sum.MerkleRoot)
			}
			if jsonOutput {
				return printJSON(rows)
			}
			return w.Flush()
		})
	},
}

// ── clear ────────────────────────────────────────────────────────────────────

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear <logbook>",
	Short: "Empty the local chain of a logbook (notes and ledger are kept)",
	Long: `clear replaces the local chain with an empty one. Note files and the
ledger are untouched, so 'hodl reconstruct' restores the chain afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return fmt.Errorf("refusing to clear %q without --yes", args[0])
		}
		return withApp(cmd, func(_ context.Context, a *app) error {
			s, err := existing(a, args[0])
			if err != nil {
				return err
			}
			n := s.Len()
			if err := s.Clear(); err != nil {
				return err
			}
			fmt.Printf("✓ cleared %d entries from %q\n", n, args[0])
			return nil
		})
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm clearing the local chain")
}

// ── validate ─────────────────────────────────────────────────────────────────

var validateCmd = &cobra.Command{
	Use:   "validate <logbook>",
	Short: "Check genesis, linkage, content hashes and Merkle roots of a local chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			s, err := existing(a, args[0])
			if err != nil {
				return err
			}
			report := s.ValidateChain()
			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printChainReport(report)
			}
			if !report.Valid {
				return fmt.Errorf("chain validation: %s", report.Verdict())
			}
			return nil
		})
	},
}

func printChainReport(r chain.Report) {
	fmt.Printf("Logbook: %s (%d entries)\n", r.Logbook, r.Entries)
	fmt.Printf("Verdict: %s\n", r.Verdict())
	fmt.Printf("  pass %d, fail %d, skipped %d\n",
		r.Count(chain.StatusPass), r.Count(chain.StatusFail), r.Count(chain.StatusSkipped))
	if len(r.Errors) == 0 {
		return
	}
	fmt.Println()
	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
}

// ── check ────────────────────────────────────────────────────────────────────

var checkAll bool

var checkCmd = &cobra.Command{
	Use:   "check [logbook]",
	Short: "Compare local chains with the ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkAll == (len(args) == 1) {
			return errors.New("give either a logbook name or --all")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			names := args
			if checkAll {
				var err error
				if names, err = a.ledger.GetLogbookNames(ctx); err != nil {
					return err
				}
			}

			var results []*reconcile.Integrity
			for _, name := range names {
				integrity, err := a.engine.CheckIntegrity(ctx, name)
				if err != nil {
					return err
				}
				results = append(results, integrity)
			}
			if jsonOutput {
				return printJSON(results)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LOGBOOK\tSTATE\tLOCAL\tLEDGER\tREASON")
			diverged := 0
			for _, r := range results {
				if r.NeedsReconstruction {
					diverged++
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.Logbook, r.State, r.LocalEntries, len(r.LedgerEntries), r.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if diverged > 0 {
				fmt.Printf("\n%d logbook(s) diverge from the ledger; run 'hodl reconstruct'\n", diverged)
			}
			return nil
		})
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkAll, "all", false, "check every logbook the ledger knows")
}

// ── reconstruct ──────────────────────────────────────────────────────────────

var (
	reconstructAll         bool
	reconstructForce       bool
	reconstructConcurrency int
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct [logbook]",
	Short: "Rebuild diverging local chains from the ledger",
	Long: `reconstruct rebuilds a local chain from ledger records when it diverges.
Entries whose note is missing locally get a placeholder note. With --force the
chain is rebuilt even when it looks up to date, and a chain file that no
longer parses is moved aside to chain.json.corrupt-<unix time> first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reconstructAll == (len(args) == 1) {
			return errors.New("give either a logbook name or --all")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.engine.SetConcurrency(reconstructConcurrency)

			var (
				results []*reconcile.Result
				failed  error
			)
			switch {
			case reconstructAll:
				// Failures are reported per row and returned after the table.
				results, failed = a.engine.ReconcileAll(ctx)
				if results == nil && failed != nil {
					return failed
				}
			case reconstructForce:
				res, err := a.engine.Rebuild(ctx, args[0])
				if errors.Is(err, reconcile.ErrLedgerEmpty) {
					return fmt.Errorf("ledger has no entries for %q; nothing to rebuild from", args[0])
				}
				if err != nil {
					return err
				}
				results = append(results, res)
			default:
				res, err := a.engine.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
				return failed
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LOGBOOK\tSTATE\tENTRIES\tPLACEHOLDERS\tVALIDATION\tREASON")
			for _, r := range results {
				validation := "-"
				if r.Report != nil {
					validation = r.Report.Verdict()
				}
				reason := r.Reason
				if r.Error != "" {
					reason = "error: " + r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.Logbook, r.State, r.Entries, r.PlaceholdersWritten, validation, reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return failed
		})
	},
}

func init() {
	reconstructCmd.Flags().BoolVar(&reconstructAll, "all", false, "reconcile every logbook the ledger knows")
	reconstructCmd.Flags().BoolVar(&reconstructForce, "force", false, "rebuild even when the chain matches the ledger")
	reconstructCmd.Flags().IntVar(&reconstructConcurrency, "concurrency", 4, "logbooks reconciled in parallel with --all")
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <logbook> <index>",
	Short: "Print the Merkle inclusion proof of an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("index %q: %w", args[1], err)
		}
		return withApp(cmd, func(_ context.Context, a *app) error {
			s, err := existing(a, args[0])
			if err != nil {
				return err
			}
			p, err := s.Proof(idx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Entry:  #%d %s\n", p.Index, p.Name)
			fmt.Printf("Leaf:   %s\n", p.Leaf)
			fmt.Printf("Root:   %s\n", p.Root)
			fmt.Printf("Path (%d):\n", len(p.Proof))
			for _, h := range p.Proof {
				fmt.Printf("  %s\n", h)
			}
			if p.Verified && merkle.Verify(p.Proof, p.Leaf, p.Root) {
				fmt.Println("\n✓ proof verifies against the stored root")
				return nil
			}
			return errors.New("proof does not verify against the stored root")
		})
	},
}
