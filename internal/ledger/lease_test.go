package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/store"
	"chitieu/internal/store/memory"
)

// stallingStore blocks the first CreateEntry after it was written until
// release is closed. Leases come from the embedded memory store.
type stallingStore struct {
	*memory.Store
	once    sync.Once
	created chan struct{}
	release chan struct{}
}

func newStallingStore(base *memory.Store) *stallingStore {
	return &stallingStore{Store: base, created: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallingStore) CreateEntry(ctx context.Context, e *core.Entry) error {
	if err := s.Store.CreateEntry(ctx, e); err != nil {
		return err
	}
	s.once.Do(func() {
		close(s.created)
		<-s.release
	})
	return nil
}

func TestReconcileFromAnotherEngineWaitsForLease(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	stalled := newStallingStore(base)
	writer := New(stalled, testOptions(nil))
	repairer := New(base, testOptions(nil))
	addMember(t, writer, "g1", "u1", 0)

	recorded := make(chan error, 1)
	go func() {
		_, err := writer.RecordExpense(ctx, "g1", "u1", core.VND(100), "lunch")
		recorded <- err
	}()
	<-stalled.created

	reconciled := make(chan error, 1)
	go func() {
		_, err := repairer.Reconcile(ctx, "g1", "u1")
		reconciled <- err
	}()
	select {
	case err := <-reconciled:
		t.Fatalf("Reconcile ran while the record was half applied: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(stalled.release)
	if err := <-recorded; err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}
	if err := <-reconciled; err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := balanceOf(t, base, "g1", "u1"); got.Dong != -100 {
		t.Fatalf("expected balance -100, got %d", got.Dong)
	}
	assertConsistent(t, base, "g1", "u1")
}

func TestLeaseHeldElsewhereTimesOut(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	opts := testOptions(nil)
	opts.LeaseWait = 20 * time.Millisecond
	e := New(s, opts)
	addMember(t, e, "g1", "u1", 0)

	key := core.MembershipKey("g1", "u1")
	if err := s.AcquireLease(ctx, key, "other-process", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	_, err := e.RecordExpense(ctx, "g1", "u1", core.VND(10), "tea")
	if !errors.Is(err, core.ErrStoreUnavailable) || !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("expected ErrStoreUnavailable wrapping ErrLeaseHeld, got %v", err)
	}
	if got := balanceOf(t, s, "g1", "u1"); !got.IsZero() {
		t.Fatalf("balance changed to %d", got.Dong)
	}
	if n := e.locks.size(); n != 0 {
		t.Fatalf("expected lock table to drain, %d keys left", n)
	}

	if err := s.ReleaseLease(ctx, key, "other-process"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(10), "tea"); err != nil {
		t.Fatalf("RecordExpense after release: %v", err)
	}
	if err := s.AcquireLease(ctx, key, "other-process", time.Minute); err != nil {
		t.Fatalf("engine kept its lease after the call: %v", err)
	}
}

func TestTransactionalStoreSkipsLeases(t *testing.T) {
	e := New(newSQLiteStore(t), testOptions(nil))
	if e.leaser != nil {
		t.Fatal("transactional store must not be leased")
	}
	if New(memory.New(), testOptions(nil)).leaser == nil {
		t.Fatal("memory store grants leases")
	}
}
