package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/pkg/client"
	"github.com/spf13/cobra"
)

// ── remote ───────────────────────────────────────────────────────────────────

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a chaind server instead of the local storage",
	Long: `Commands under remote use the chaind HTTP API. The server comes from
--server, remote.server in hodl.yaml or HODL_REMOTE_SERVER. Admin commands
take a token from --token / HODL_REMOTE_TOKEN, or exchange
HODL_SERVER_ADMIN_SECRET for one.`,
}

func init() {
	pf := remoteCmd.PersistentFlags()
	pf.String("server", "", "chaind base URL (overrides remote.server)")
	pf.String("token", "", "admin bearer token (overrides remote.token)")
	pf.Duration("timeout", 30*time.Second, "per-request timeout")
	_ = v.BindPFlag("remote.server", pf.Lookup("server"))
	_ = v.BindPFlag("remote.token", pf.Lookup("token"))

	remoteCmd.AddCommand(remoteLogbooksCmd, remoteCheckCmd, remoteProofCmd)
	remoteCmd.AddCommand(remoteReconstructCmd, remoteExportCmd, remoteVerifyCmd)
	rootCmd.AddCommand(remoteCmd)
}

func newRemoteClient(cmd *cobra.Command) (*client.Client, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts := []client.Option{client.WithTimeout(timeout)}
	if tok := v.GetString("remote.token"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	return client.New(v.GetString("remote.server"), opts...)
}

// ensureAdmin logs in with server.admin_secret when no token was given.
func ensureAdmin(ctx context.Context, c *client.Client) error {
	if v.GetString("remote.token") != "" {
		return nil
	}
	secret := v.GetString("server.admin_secret")
	if secret == "" {
		return errors.New("admin call: set --token, HODL_REMOTE_TOKEN or HODL_SERVER_ADMIN_SECRET")
	}
	_, err := c.Login(ctx, secret, "hodl-cli")
	return err
}

// ── remote logbooks ──────────────────────────────────────────────────────────

var remoteLogbooksCmd = &cobra.Command{
	Use:   "logbooks",
	Short: "List the server's logbooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		list, err := c.Logbooks(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list)
		}
		if !list.LedgerReachable {
			fmt.Fprintln(os.Stderr, "warning: server could not reach its ledger; showing local logbooks only")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LOGBOOK\tENTRIES\tLEDGER\tPLACEHOLDERS\tROOT")
		for _, name := range list.Logbooks {
			sum, err := c.Logbook(ctx, name)
			if errors.Is(err, client.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ledgerCol := "?"
			if sum.LedgerEntries != nil {
				ledgerCol = strconv.Itoa(*sum.LedgerEntries)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%.16s\n", sum.Name, sum.Entries, ledgerCol, sum.Placeholders, sum.MerkleRoot)
		}
		return w.Flush()
	},
}

// ── remote check ─────────────────────────────────────────────────────────────

var remoteCheckCmd = &cobra.Command{
	Use:   "check <logbook>",
	Short: "Validate a server logbook and compare it with the server's ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		val, err := c.Validate(ctx, args[0])
		if err != nil {
			return err
		}
		integrity, err := c.Integrity(ctx, args[0])
		if err != nil && !errors.Is(err, client.ErrUnavailable) {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"validation": val, "integrity": integrity})
		}

		fmt.Printf("Chain:     %s (%d entries)\n", val.Verdict, val.Report.Entries)
		for _, e := range val.Report.Errors {
			fmt.Printf("  ✗ %s\n", e)
		}
		if integrity == nil {
			fmt.Println("Integrity: ledger unavailable")
		} else {
			fmt.Printf("Integrity: %s", integrity.State)
			if integrity.Reason != "" {
				fmt.Printf(" (%s)", integrity.Reason)
			}
			fmt.Println()
		}
		if !val.Report.Valid {
			return fmt.Errorf("chain validation: %s", val.Verdict)
		}
		return nil
	},
}

// ── remote proof ─────────────────────────────────────────────────────────────

var remoteProofCmd = &cobra.Command{
	Use:   "proof <logbook> <index>",
	Short: "Fetch an inclusion proof and check it locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("index %q: %w", args[1], err)
		}
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		p, err := c.Proof(cmd.Context(), args[0], idx)
		if p != nil && jsonOutput {
			if perr := printJSON(p); perr != nil {
				return perr
			}
		} else if p != nil {
			fmt.Printf("Entry:  #%d %s\n", p.Index, p.Name)
			fmt.Printf("Leaf:   %s\n", p.Leaf)
			fmt.Printf("Root:   %s\n", p.Root)
			fmt.Printf("Path:   %d hashes\n", len(p.Proof))
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Println("\n✓ proof verified locally")
		}
		return nil
	},
}

// ── remote reconstruct ───────────────────────────────────────────────────────

var remoteReconstructForce bool

var remoteReconstructCmd = &cobra.Command{
	Use:   "reconstruct <logbook>",
	Short: "Ask the server to reconcile a logbook with its ledger (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := ensureAdmin(ctx, c); err != nil {
			return err
		}
		res, err := c.Reconstruct(ctx, args[0], remoteReconstructForce)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("%s: %s", res.Logbook, res.State)
		if res.Reason != "" {
			fmt.Printf(" (%s)", res.Reason)
		}
		fmt.Printf("\n  entries: %d, placeholders written: %d\n", res.Entries, res.PlaceholdersWritten)
		return nil
	},
}

func init() {
	remoteReconstructCmd.Flags().BoolVar(&remoteReconstructForce, "force", false, "rebuild even when the logbook is up to date")
}

// ── remote export ────────────────────────────────────────────────────────────

var remoteExportOut string

var remoteExportCmd = &cobra.Command{
	Use:   "export <logbook>",
	Short: "Download a logbook bundle from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		out := remoteExportOut
		if out == "" {
			out = args[0] + ".zip"
		}
		tmp := out + ".part"
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		n, err := c.ExportBundle(cmd.Context(), args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, out); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d bytes)\n", out, n)
		return nil
	},
}

func init() {
	remoteExportCmd.Flags().StringVarP(&remoteExportOut, "output", "o", "", "output file (default <logbook>.zip)")
}

// ── remote verify ────────────────────────────────────────────────────────────

var remoteVerifyOpts bundle.Options

var remoteVerifyCmd = &cobra.Command{
	Use:   "verify <bundle.zip>",
	Short: "Verify a bundle against the server's ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRemoteClient(cmd)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		rep, err := c.VerifyBundle(cmd.Context(), f, remoteVerifyOpts)
		if err != nil {
			return err
		}
		if jsonOutput {
			err = printJSON(rep)
		} else {
			err = printBundleReport(rep)
		}
		if err != nil {
			return err
		}
		if rep.Verdict == bundle.VerdictFailed {
			return fmt.Errorf("bundle verification: %s", rep.Verdict)
		}
		return nil
	},
}

func init() {
	f := remoteVerifyCmd.Flags()
	f.BoolVar(&remoteVerifyOpts.SkipContentHash, "skip-content", false, "skip re-hashing notes")
	f.BoolVar(&remoteVerifyOpts.SkipLinkage, "skip-linkage", false, "skip the previous-hash linkage check")
	f.BoolVar(&remoteVerifyOpts.SkipLedger, "skip-ledger", false, "skip the ledger cross-check")
	f.BoolVar(&remoteVerifyOpts.SkipCodeVersion, "skip-code-version", false, "skip comparing the bundle's code version")
}
