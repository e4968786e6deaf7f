package memory

import (
	"context"
	"testing"

	"chitieu/internal/core"
	"chitieu/internal/store"
	"chitieu/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := &core.Membership{ID: "m1", GroupID: "g1", UserID: "u1", Balance: core.VND(100)}
	if err := s.CreateMembership(ctx, m); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}

	got, _ := s.GetMembership(ctx, "m1")
	got.Balance = core.VND(999)
	m.Balance = core.VND(888)

	again, _ := s.GetMembership(ctx, "m1")
	if again.Balance != core.VND(100) {
		t.Errorf("stored balance mutated through pointer: %v", again.Balance)
	}
}
