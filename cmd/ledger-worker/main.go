package main

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"chitieu/internal/cli"
	"chitieu/internal/log"
	"chitieu/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		cli.Fatal(log.New(log.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting ledger-worker")

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

	consumer, err := rt.Factory.OpenConsumer(rt.Config)
	if err != nil {
		// The periodic sweep still finds every discrepancy.
		logger.Warn("Inconsistency consumer unavailable, relying on periodic repair", log.FieldError, err)
	}
	if consumer != nil {
		defer consumer.Close()
	}

	repairs := worker.NewRepairWorker(rt.Engine, rt.Store, cfg.RepairBatchSize, logger)

	logger.Info("Performing startup repair check...")
	if err := repairs.StartupCheck(ctx); err != nil {
		// Don't exit, the next sweep retries.
		logger.Error("Failed startup repair check", log.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if consumer != nil {
		g.Go(func() error {
			return consumer.ConsumeInconsistencies(gctx, repairs.HandleInconsistency)
		})
	} else {
		logger.Info("No inconsistency transport configured, skipping consumption")
	}
	g.Go(func() error {
		return repairs.Run(gctx, cfg.RepairInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", log.FieldError, err)
		return
	}
	logger.Info("Worker shutdown complete")
}
