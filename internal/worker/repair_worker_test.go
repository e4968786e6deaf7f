package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/events"
	"chitieu/internal/ledger"
	"chitieu/internal/log"
	"chitieu/internal/store/memory"
)

type fakeRepairer struct {
	mu    sync.Mutex
	calls []*core.Discrepancy
	err   error
}

func (f *fakeRepairer) Repair(_ context.Context, d *core.Discrepancy) (*ledger.Reconciliation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Reconciliation{GroupID: d.GroupID, UserID: d.UserID, MembershipID: d.MembershipID}, nil
}

func (f *fakeRepairer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedDiscrepancies(t *testing.T, s *memory.Store, ds ...*core.Discrepancy) {
	t.Helper()
	for _, d := range ds {
		if err := s.RecordDiscrepancy(context.Background(), d); err != nil {
			t.Fatalf("RecordDiscrepancy: %v", err)
		}
	}
}

func TestProcessPendingRepairsEachPairOnce(t *testing.T) {
	s := memory.New()
	seedDiscrepancies(t, s,
		&core.Discrepancy{ID: "d1", MembershipID: "m1", GroupID: "g1", UserID: "u1", Operation: core.OpRecord},
		&core.Discrepancy{ID: "d2", MembershipID: "m1", GroupID: "g1", UserID: "u1", Operation: core.OpAmend},
		&core.Discrepancy{ID: "d3", MembershipID: "m2", GroupID: "g1", UserID: "u2", Operation: core.OpRetract},
	)
	r := &fakeRepairer{}
	w := NewRepairWorker(r, s, 10, log.Discard())

	if err := w.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if r.count() != 2 {
		t.Fatalf("expected 2 repairs, got %d", r.count())
	}
	if r.calls[0].ID != "d1" || r.calls[1].ID != "d3" {
		t.Fatalf("unexpected repair order: %s, %s", r.calls[0].ID, r.calls[1].ID)
	}
}

func TestProcessPendingHonoursBatchSize(t *testing.T) {
	s := memory.New()
	seedDiscrepancies(t, s,
		&core.Discrepancy{ID: "d1", MembershipID: "m1", GroupID: "g1", UserID: "u1"},
		&core.Discrepancy{ID: "d2", MembershipID: "m2", GroupID: "g1", UserID: "u2"},
		&core.Discrepancy{ID: "d3", MembershipID: "m3", GroupID: "g1", UserID: "u3"},
	)
	r := &fakeRepairer{}
	w := NewRepairWorker(r, s, 2, log.Discard())

	if err := w.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if r.count() != 2 {
		t.Fatalf("expected batch of 2, got %d", r.count())
	}
}

func TestProcessPendingContinuesPastFailures(t *testing.T) {
	s := memory.New()
	seedDiscrepancies(t, s,
		&core.Discrepancy{ID: "d1", MembershipID: "m1", GroupID: "g1", UserID: "u1"},
		&core.Discrepancy{ID: "d2", MembershipID: "m2", GroupID: "g1", UserID: "u2"},
	)
	r := &fakeRepairer{err: core.ErrStoreUnavailable}
	w := NewRepairWorker(r, s, 10, log.Discard())

	if err := w.StartupCheck(context.Background()); err != nil {
		t.Fatalf("StartupCheck: %v", err)
	}
	if r.count() != 2 {
		t.Fatalf("expected both pairs attempted, got %d", r.count())
	}
}

func TestHandleInconsistency(t *testing.T) {
	r := &fakeRepairer{}
	w := NewRepairWorker(r, memory.New(), 10, log.Discard())
	msg := &events.Inconsistency{
		DiscrepancyID: "d1",
		Operation:     core.OpRecord,
		MembershipID:  "m1",
		GroupID:       "g1",
		UserID:        "u1",
		EntryID:       "e1",
	}

	if err := w.HandleInconsistency(context.Background(), msg); err != nil {
		t.Fatalf("HandleInconsistency: %v", err)
	}
	got := r.calls[0]
	if got.MembershipID != "m1" || got.GroupID != "g1" || got.UserID != "u1" || got.EntryID != "e1" {
		t.Fatalf("discrepancy not carried over: %+v", got)
	}

	r.err = errors.New("boom")
	if err := w.HandleInconsistency(context.Background(), msg); err == nil {
		t.Fatal("expected repair error to be returned for redelivery")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s := memory.New()
	seedDiscrepancies(t, s, &core.Discrepancy{ID: "d1", MembershipID: "m1", GroupID: "g1", UserID: "u1"})
	r := &fakeRepairer{}
	w := NewRepairWorker(r, s, 10, log.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if r.count() == 0 {
		t.Fatal("expected at least one periodic sweep")
	}
}

func TestRepairWorkerWithEngine(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	engine := ledger.New(s, ledger.Options{Logger: log.Discard()})
	m, err := engine.Directory().AddMember(ctx, "g1", "u1", core.VND(1000))
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := engine.RecordExpense(ctx, "g1", "u1", core.VND(400), "market"); err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}
	// Knock the balance out of line and leave a record of it.
	if _, err := s.ApplyBalanceDelta(ctx, m.ID, core.VND(400)); err != nil {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}
	seedDiscrepancies(t, s, &core.Discrepancy{ID: "d1", MembershipID: m.ID, GroupID: "g1", UserID: "u1", Operation: core.OpRecord})

	w := NewRepairWorker(engine, s, 10, log.Discard())
	if err := w.ProcessPending(ctx); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, _ := s.GetMembership(ctx, m.ID)
	if got.Balance.Dong != 600 {
		t.Fatalf("expected balance 600 after repair, got %d", got.Balance.Dong)
	}
	if open, _ := s.ListOpenDiscrepancies(ctx, 0); len(open) != 0 {
		t.Fatalf("expected no open discrepancies, got %d", len(open))
	}
}
