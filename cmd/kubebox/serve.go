package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/config"
	"github.com/michaelbrown/kubebox/internal/metrics"
	"github.com/michaelbrown/kubebox/internal/sandbox"
	"github.com/michaelbrown/kubebox/internal/server"
	"github.com/michaelbrown/kubebox/internal/session"
	"github.com/michaelbrown/kubebox/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kubebox API server",
	Long: `Start the kubebox HTTP server. Sandboxes are created with kind and
deleted by the expiry sweeper once their lifetime has passed.

API endpoints are under /api, Prometheus metrics under /metrics.

Examples:
  kubebox serve
  kubebox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mx := metrics.New()
	manager := newManager(cfg, newDriver(cfg), logger,
		sandbox.WithEvents(store),
		sandbox.WithMetrics(mx),
	)

	// Clusters left by a previous run have no registry entry
	if n, err := manager.Adopt(ctx); err != nil {
		logger.Warn("reconciling existing clusters failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("reconciled existing clusters", slog.Int("count", n), slog.Bool("adopted", cfg.Sandbox.AdoptOrphans))
	}

	sweeper := sandbox.NewSweeper(manager, sandbox.SweeperConfig{
		Interval:    cfg.Sandbox.SweepInterval,
		MaxParallel: cfg.Sandbox.MaxParallel,
	}, mx, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	binder, err := newBinder(cfg, logger)
	if err != nil {
		return err
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(server.Config{Port: port, AdminToken: cfg.Server.AdminToken}, manager, binder, store, mx, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func newBinder(cfg *config.Config, logger *slog.Logger) (*session.Binder, error) {
	hashKey := []byte(cfg.Session.HashKey)
	if len(hashKey) == 0 {
		logger.Warn("session.hash_key not set, using a random key; sessions will not survive a restart")
		hashKey = session.GenerateKey(32)
	}
	return session.New(session.Options{
		CookieName: cfg.Session.CookieName,
		HashKey:    hashKey,
		BlockKey:   []byte(cfg.Session.BlockKey),
		Secure:     cfg.Server.CookieSecure,
		MaxAge:     cfg.Sandbox.Lifetime,
	})
}
