package cli

import (
	"context"
	"testing"
	"time"

	"chitieu/internal/config"
	"chitieu/internal/core"
	"chitieu/internal/log"
)

func memoryConfig() *config.Config {
	return &config.Config{
		DataBackend:          config.BackendMemory,
		EventsBackend:        config.EventsNone,
		LedgerMaxAttempts:    2,
		LedgerInitialBackoff: time.Millisecond,
		LedgerMaxBackoff:     5 * time.Millisecond,
		LedgerLeaseTTL:       time.Second,
		LogLevel:             "debug",
		LogFormat:            "json",
	}
}

func TestOpenRuntime(t *testing.T) {
	ctx := context.Background()
	rt, err := OpenRuntime(ctx, memoryConfig(), log.Discard())
	if err != nil {
		t.Fatalf("OpenRuntime: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	if err := rt.Store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := rt.Engine.Directory().AddMember(ctx, "g1", "u1", core.Money{}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := rt.Engine.RecordExpense(ctx, "g1", "u1", core.VND(120000), "Bún chả"); err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}
	ml, err := rt.Engine.MemberLedger(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("MemberLedger: %v", err)
	}
	if ml.Membership.Balance.Dong != -120000 {
		t.Errorf("balance = %d, want -120000", ml.Membership.Balance.Dong)
	}

	consumer, err := rt.Factory.OpenConsumer(rt.Config)
	if err != nil || consumer != nil {
		t.Errorf("OpenConsumer without events = %v, %v; want nil, nil", consumer, err)
	}
}

func TestOpenRuntimeRejectsBadBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.DataBackend = "sheets"
	if _, err := OpenRuntime(context.Background(), cfg, log.Discard()); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}

	cfg = memoryConfig()
	cfg.DataBackend = config.BackendSQLite
	if _, err := OpenRuntime(context.Background(), cfg, log.Discard()); err == nil {
		t.Fatal("expected an error for sqlite without a path")
	}
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger(memoryConfig(), log.ComponentWorker)
	if logger.Component() != log.ComponentWorker {
		t.Errorf("Component() = %q", logger.Component())
	}
	if !logger.Enabled(context.Background(), -4) {
		t.Error("expected debug level to be enabled")
	}
}

func TestLoadAndValidateConfig(t *testing.T) {
	t.Setenv("DATA_BACKEND", "sheets")
	if _, err := LoadAndValidateConfig(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSignalContextCancel(t *testing.T) {
	ctx, cancel := SignalContext(log.Discard())
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}
