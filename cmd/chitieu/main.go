package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chitieu/internal/cli"
	apphttp "chitieu/internal/http"
	"chitieu/internal/log"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		cli.Fatal(log.New(log.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	rt, err := cli.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to open record store", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Failed to release backends", log.FieldError, err)
		}
	}()

	srv, err := apphttp.NewServer(rt.Engine, rt.Engine.Directory(), rt.Store, apphttp.Options{
		Addr:               ":" + cfg.Port,
		Logger:             logger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
		CacheTTL:           cfg.LedgerCacheTTL,
	})
	if err != nil {
		cli.Fatal(logger, "Failed to configure HTTP server", err)
	}
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting chitieu server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"events", cfg.EventsBackend,
			"transactional", rt.Engine.Transactional())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", log.FieldError, err)
	}

	m := srv.Metrics()
	logger.Info("Server stopped gracefully",
		"requests", m.TotalRequests,
		"server_errors", m.ServerErrors)
}
