// Package cli holds the start-up steps shared by cmd/chitieu and
// cmd/ledger-worker.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chitieu/internal/backend"
	"chitieu/internal/config"
	"chitieu/internal/ledger"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// makes it the slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: component,
		JSON:      cfg.LogFormat == "json",
		Output:    os.Stdout,
	})
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
func LoadAndValidateConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Runtime is an opened record store with the engine running on top of it.
type Runtime struct {
	Config  backend.Config
	Store   store.Store
	Engine  *ledger.Engine
	Factory *backend.Factory

	cleanups []backend.CleanupFunc
}

// OpenRuntime opens the configured store and inconsistency publisher and
// builds the ledger engine over them.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := bcfg.Validate(); err != nil {
		return nil, err
	}

	factory := backend.NewFactory(logger)
	opened, err := factory.OpenStore(ctx, bcfg)
	if err != nil {
		return nil, err
	}
	publisher := factory.OpenPublisher(bcfg)

	engine := ledger.New(opened.Store, ledger.Options{
		MaxAttempts:    cfg.LedgerMaxAttempts,
		InitialBackoff: cfg.LedgerInitialBackoff,
		MaxBackoff:     cfg.LedgerMaxBackoff,
		LeaseTTL:       cfg.LedgerLeaseTTL,
		Logger:         logger,
		Publisher:      publisher,
	})

	return &Runtime{
		Config:  bcfg,
		Store:   opened.Store,
		Engine:  engine,
		Factory: factory,
		// Publisher first so nothing is announced for a closed store.
		cleanups: []backend.CleanupFunc{publisher.Cleanup, opened.Cleanup},
	}, nil
}

// Close releases everything OpenRuntime opened.
func (r *Runtime) Close() error {
	var errs []error
	for _, cleanup := range r.cleanups {
		if err := cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	r.cleanups = nil
	return errors.Join(errs...)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. The
// signal is logged once received.
func SignalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Fatal logs a start-up failure and exits.
func Fatal(logger *log.Logger, msg string, err error) {
	log.NewStructuredLogger(logger).LogError(context.Background(), msg, err, logger.Component(), log.OpStartup, log.NewFields())
	os.Exit(1)
}
