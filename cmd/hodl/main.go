package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/config"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	v      = config.New()
	logger = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hodl",
	Short: "Tamper-evident logbooks anchored on a ledger",
	Long: `hodl keeps notes in named logbooks. Every entry is hashed, linked to
the previous one, committed to a running Merkle root and anchored on a
ledger, so any later edit of local state is detectable and recoverable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(verbose)
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		return config.Read(v, logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: hodl.yaml in ./configs, . or ~/.hodl)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	pf.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	pf.String("root", "", "storage root (overrides storage.root)")
	pf.String("ledger", "", "ledger driver: memory, badger or postgres (overrides ledger.driver)")
	_ = v.BindPFlag("storage.root", pf.Lookup("root"))
	_ = v.BindPFlag("ledger.driver", pf.Lookup("ledger"))

	rootCmd.AddCommand(initCmd, addCmd, listCmd, showCmd, logbooksCmd, clearCmd)
	rootCmd.AddCommand(validateCmd, checkCmd, reconstructCmd, proofCmd)
	rootCmd.AddCommand(exportCmd, verifyCmd)
	rootCmd.AddCommand(adminTokenCmd, versionCmd)
}

// newLogger builds a console logger on stderr. Warnings and errors only,
// unless verbose.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.DisableStacktrace = true
	cfg.DisableCaller = !verbose
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// ── Composition root ─────────────────────────────────────────────────────────

// app wires the configured backends for one command invocation.
type app struct {
	cfg     config.Config
	build   *buildinfo.Build
	stores  *chain.Manager
	ledger  ledger.Ledger
	svc     *logbook.Service
	engine  *reconcile.Engine
	closers []func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, build: buildinfo.Current()}

	stores, closeStorage, err := cfg.OpenStorage(logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.stores = stores
	a.closers = append(a.closers, closeStorage)

	l, closeLedger, err := cfg.OpenLedger(ctx, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = l
	a.closers = append(a.closers, closeLedger)

	a.svc = logbook.NewService(stores, l, a.build, logger)
	a.engine = reconcile.NewEngine(stores, l, logger)
	logger.Debug("app ready",
		zap.String("storage_root", cfg.Storage.Root),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("ledger_driver", cfg.Ledger.Driver),
	)
	return a, nil
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) exporter() *bundle.Exporter {
	return bundle.NewExporter(a.stores, bundle.Identity{
		Wallet:  a.cfg.Identity.Wallet,
		ChainID: a.cfg.Identity.ChainID,
	}, a.build, logger)
}

// withApp runs fn with a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// existing opens logbook only if it is already persisted.
func existing(a *app, name string) (*chain.Store, error) {
	ok, err := a.stores.Exists(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("logbook %q does not exist (see 'hodl init')", name)
	}
	return a.stores.Open(name)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and code fingerprint",
	Run: func(cmd *cobra.Command, args []string) {
		b := buildinfo.Current()
		if jsonOutput {
			_ = printJSON(map[string]string{
				"version":           buildinfo.Version,
				"code_version_hash": string(b.CodeVersionHash()),
			})
			return
		}
		fmt.Printf("hodl %s\n", buildinfo.Version)
		fmt.Printf("code version: %s\n", b.CodeVersionHash())
		if verbose {
			fmt.Printf("fingerprint:  %s\n", b)
		}
	},
}
