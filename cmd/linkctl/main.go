// linkctl runs one session against a chat server: stdin lines are sent as
// text-input messages and server messages are printed to stdout.
// Usage: go run ./cmd/linkctl --config configs/linkctl.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sessionlink/internal/config"
	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/metrics"
	"github.com/rickgao/sessionlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/linkctl.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "log at debug level and print full envelopes")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, *verbose)
	slog.SetDefault(logger)

	logger.Info("starting linkctl",
		"version", version.String(),
		"config", *configPath,
		"url", cfg.Session.URL,
		"codec", cfg.Session.Codec,
	)

	if err := run(cfg, *verbose, logger); err != nil {
		logger.Error("linkctl stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("linkctl stopped")
}

func run(cfg *config.LinkConfig, verbose bool, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	opts, err := cfg.ManagerOptions()
	if err != nil {
		return err
	}
	mgr := connection.NewManager(append(opts, connection.WithLogger(logger.With("component", "session")))...)
	defer mgr.Destroy()

	states, unsubscribeStates := mgr.SubscribeState(64)
	defer unsubscribeStates()
	messages, unsubscribeMessages := mgr.SubscribeMessages(256)
	defer unsubscribeMessages()

	g, ctx := errgroup.WithContext(ctx)

	transitions := metrics.NewTransitions()
	var healthServer *http.Server
	if cfg.Metrics.Enabled {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           createHealthHandler(mgr, cfg.Metrics.Path, metrics.NewRegistry(mgr, transitions)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		watchStates(ctx, states, transitions, logger)
		return nil
	})

	g.Go(func() error {
		printMessages(ctx, os.Stdout, messages, verbose)
		return nil
	})

	g.Go(func() error {
		err := mgr.Connect(ctx, cfg.SessionConfig())
		if err != nil && !errors.Is(err, context.Canceled) {
			// The reconnect series keeps running in the background.
			logger.Warn("initial connect failed", "error", err)
		}
		return readInput(ctx, os.Stdin, mgr, logger)
	})

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down...")

	if err := mgr.Disconnect(); err != nil && !errors.Is(err, connection.ErrDestroyed) {
		logger.Warn("disconnect failed", "error", err)
	}

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}

	// readInput may still be blocked on stdin; do not wait for the group.
	select {
	case err := <-waitGroup(g):
		return err
	case <-time.After(time.Second):
		return nil
	}
}

func waitGroup(g *errgroup.Group) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- g.Wait() }()
	return ch
}

func newLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	// Log to stderr; stdout carries server messages.
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
