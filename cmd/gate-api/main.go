// Package main is the entry point for the gate-api service: the entitlement
// engine and its HTTP surface.
//
// It loads configuration, builds the local entitlement store, the purchase
// source and ledger clients (or their stubs in local mode), the sync
// scheduler, and the reconciliation controller, runs the app-start
// reconciliation, and serves the gate API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"storygate/internal/api"
	"storygate/internal/config"
	"storygate/internal/entitlement"
	"storygate/internal/external"
	"storygate/internal/store"
	syncq "storygate/internal/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("gate-api starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	source, verifier := buildPurchaseSource(cfg, logger)
	usageLedger := buildUsageLedger(cfg, logger)
	entStore := store.NewFileStore(cfg.Store.Path, logger)

	scheduler := syncq.NewScheduler(usageLedger, syncq.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		MinBackoff:  cfg.Sync.MinBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		SettleDelay: cfg.Sync.SettleDelay,
	}, logger)

	engine := entitlement.NewService(entStore, source, scheduler, entitlement.Params{
		InitialGrant:       cfg.Entitlement.InitialGrant,
		UnlimitedProductID: cfg.Entitlement.UnlimitedProductID,
		PurchaseCacheTTL:   cfg.Entitlement.PurchaseCacheTTL,
		QueryTimeout:       cfg.Purchases.QueryTimeout,
	}, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	eff, err := engine.OnAppStart(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("app-start reconciliation: %w", err)
	}
	logger.Info("entitlement reconciled",
		"tier", string(eff.State.Tier),
		"stories_remaining", eff.State.StoriesRemaining,
		"revision", eff.Revision,
	)

	srv := api.NewGateServer(engine, usageLedger, verifier, cfg.Purchases.StripeWebhookSecret.Unmask(), logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gate-api stopped cleanly")
	return nil
}

// buildPurchaseSource returns the real store-backed purchase source when
// credentials are configured, otherwise stubs suitable for local runs.
func buildPurchaseSource(cfg *config.Config, logger *slog.Logger) (entitlement.PurchaseSource, external.PurchaseEventVerifier) {
	secret := cfg.Purchases.StripeSecretKey.Unmask()
	if cfg.IsTestMode || secret == "" || cfg.Purchases.CustomerID == "" {
		logger.Warn("purchase source credentials not configured, using stub source")
		return external.NewStubPurchaseSource(nil, logger), external.StubVerifier{}
	}

	base := external.NewBaseClient(
		&http.Client{Timeout: cfg.Purchases.QueryTimeout},
		"purchase-store",
		external.DefaultRetryPolicy(),
		userAgent(cfg),
	)
	return external.NewStorePurchaseClient(base, secret, cfg.Purchases.CustomerID, logger), external.StripeVerifier{}
}

// buildUsageLedger returns the remote ledger client, or an in-memory stub
// when no ledger endpoint is configured.
func buildUsageLedger(cfg *config.Config, logger *slog.Logger) external.UsageLedger {
	if cfg.IsTestMode || cfg.Ledger.BaseURL == "" {
		logger.Warn("usage ledger not configured, using stub ledger")
		return external.NewStubUsageLedger(logger)
	}

	base := external.NewBaseClient(
		&http.Client{Timeout: cfg.Ledger.Timeout},
		"usage-ledger",
		external.DefaultRetryPolicy(),
		userAgent(cfg),
	)
	return external.NewLedgerClient(base, cfg.Ledger.BaseURL, cfg.Ledger.DeviceID, cfg.Ledger.DeviceKey.Unmask(), logger)
}

func userAgent(cfg *config.Config) string {
	return fmt.Sprintf("%s/%s", cfg.Service, cfg.Build.Version)
}

// newLogger creates the structured logger for the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
