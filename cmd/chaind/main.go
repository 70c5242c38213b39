// Command chaind serves logbook chains over HTTP: read and proof routes,
// local validation, ledger integrity checks, admin-guarded reconstruction and
// bundle verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/api/handler"
	"github.com/damienh972/hodl-my-notes/internal/auth"
	"github.com/damienh972/hodl-my-notes/internal/buildinfo"
	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/config"
	"github.com/damienh972/hodl-my-notes/internal/health"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"github.com/damienh972/hodl-my-notes/internal/metrics"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("chaind exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	v := config.New()
	if err := config.Read(v, logger); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage + Ledger ─────────────────────────────────────────────────────
	stores, closeStorage, err := cfg.OpenStorage(logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeStorage()
	logger.Info("storage ready",
		zap.String("root", cfg.Storage.Root),
		zap.String("driver", cfg.Storage.Driver),
	)

	l, closeLedger, err := cfg.OpenLedger(ctx, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeLedger()

	// ── Wire up layers ───────────────────────────────────────────────────────
	build := buildinfo.Current()
	logger.Info("build fingerprint",
		zap.String("version", buildinfo.Version),
		zap.String("code_version_hash", string(build.CodeVersionHash())),
	)

	svc := logbook.NewService(stores, l, build, logger)
	engine := reconcile.NewEngine(stores, l, logger)
	verifier := bundle.NewVerifier(l, build, logger)
	exporter := bundle.NewExporter(stores, bundle.Identity{
		Wallet:  cfg.Identity.Wallet,
		ChainID: cfg.Identity.ChainID,
	}, build, logger)

	var tokens *auth.TokenIssuer
	if cfg.Server.AdminSecret != "" {
		tokens, err = auth.NewTokenIssuer(cfg.Server.AdminSecret, auth.Issuer, cfg.Server.AdminTokenTTL)
		if err != nil {
			return fmt.Errorf("admin tokens: %w", err)
		}
	} else {
		logger.Warn("server.admin_secret not set; admin routes are disabled")
	}

	checker := health.New([]health.Probe{
		{Name: "ledger", Check: func(ctx context.Context) error {
			_, err := l.GetLogbookNames(ctx)
			return err
		}},
		{Name: "storage", Check: func(context.Context) error {
			_, err := stores.Names()
			return err
		}},
	}, health.Config{CheckInterval: cfg.Server.HealthInterval}, logger)
	checker.SetMetricsRecord(metrics.SetBackendUp)
	checker.CheckAll(ctx)

	logbookHandler := handler.NewLogbookHandler(svc, engine, logger)
	bundleHandler := handler.NewBundleHandler(verifier, exporter, logger)
	adminHandler := handler.NewAdminHandler(cfg.Server.AdminSecret, tokens, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())

	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(metrics.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
	})
	router.GET("/readyz", func(c *gin.Context) {
		rep := checker.Report()
		status := http.StatusOK
		if !rep.Ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, rep)
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	logbookHandler.Register(v1, auth.RequireAdmin(tokens))
	bundleHandler.Register(v1)
	adminHandler.Register(v1)

	// ── Background: backend probes + periodic reconcile ──────────────────────
	go checker.Start(ctx)
	if every := cfg.Server.ReconcileInterval; every > 0 {
		go reconcileLoop(ctx, engine, every, logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chaind HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down chaind...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("chaind stopped")
	return nil
}

// reconcileLoop runs ReconcileAll on every tick until ctx is done. An
// unreachable ledger is logged and retried on the next tick; logbooks that
// fail are logged individually while the rest are still counted.
func reconcileLoop(ctx context.Context, engine *reconcile.Engine, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, every)
			results, err := engine.ReconcileAll(runCtx)
			cancel()
			if results == nil && err != nil {
				logger.Warn("background reconcile failed", zap.Error(err))
				continue
			}
			rebuilt, failed := 0, 0
			for _, r := range results {
				switch {
				case r.Error != "":
					failed++
					logger.Warn("background reconcile: logbook failed",
						zap.String("logbook", r.Logbook),
						zap.String("error", r.Error),
					)
				case r.State == reconcile.StateRebuilt:
					rebuilt++
				}
			}
			logger.Info("background reconcile done",
				zap.Int("logbooks", len(results)),
				zap.Int("rebuilt", rebuilt),
				zap.Int("failed", failed),
			)
		case <-ctx.Done():
			return
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
