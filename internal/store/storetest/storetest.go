// Package storetest holds behaviour checks every Record Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/store"
)

// Factory returns a fresh, empty store for one subtest and registers its
// teardown with t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"MembershipCRUD", testMembershipCRUD},
		{"MembershipUniquePair", testMembershipUniquePair},
		{"ApplyBalanceDelta", testApplyBalanceDelta},
		{"ApplyBalanceDeltaConcurrent", testApplyBalanceDeltaConcurrent},
		{"SetBalanceVersioned", testSetBalanceVersioned},
		{"EntryLifecycle", testEntryLifecycle},
		{"EntryOrdering", testEntryOrdering},
		{"DeleteEntries", testDeleteEntries},
		{"DeleteEntriesBatch", testDeleteEntriesBatch},
		{"MembershipsByUser", testMembershipsByUser},
		{"Discrepancies", testDiscrepancies},
		{"Leases", testLeases},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newMembership(id, group, user string, initial int64) *core.Membership {
	return &core.Membership{
		ID:             id,
		GroupID:        group,
		UserID:         user,
		InitialBalance: core.VND(initial),
		Balance:        core.VND(initial),
	}
}

func newEntry(id string, m *core.Membership, amount int64, desc string) *core.Entry {
	return &core.Entry{
		ID:           id,
		GroupID:      m.GroupID,
		UserID:       m.UserID,
		MembershipID: m.ID,
		Amount:       core.VND(amount),
		Description:  desc,
	}
}

func testMembershipCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := newMembership("m1", "g1", "u1", 500000)
	if err := s.CreateMembership(ctx, m); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	if m.JoinedAt.IsZero() {
		t.Error("JoinedAt not assigned")
	}

	got, err := s.GetMembership(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if got.GroupID != "g1" || got.UserID != "u1" || got.Balance != core.VND(500000) || got.InitialBalance != core.VND(500000) {
		t.Errorf("GetMembership = %+v", got)
	}

	found, err := s.FindMembership(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("FindMembership: %v", err)
	}
	if found.ID != "m1" {
		t.Errorf("FindMembership id = %q, want m1", found.ID)
	}

	if _, err := s.FindMembership(ctx, "g1", "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FindMembership missing: err = %v, want ErrNotFound", err)
	}

	if err := s.CreateMembership(ctx, newMembership("m2", "g1", "u2", 0)); err != nil {
		t.Fatalf("CreateMembership m2: %v", err)
	}
	if err := s.CreateMembership(ctx, newMembership("m3", "g2", "u1", 0)); err != nil {
		t.Fatalf("CreateMembership m3: %v", err)
	}
	list, err := s.ListMemberships(ctx, "g1")
	if err != nil {
		t.Fatalf("ListMemberships: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListMemberships len = %d, want 2", len(list))
	}

	if err := s.DeleteMembership(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMembership: %v", err)
	}
	if _, err := s.GetMembership(ctx, "m1"); !store.IsNotFound(err) {
		t.Errorf("GetMembership after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMembership(ctx, "m1"); !store.IsNotFound(err) {
		t.Errorf("second DeleteMembership: err = %v, want ErrNotFound", err)
	}
}

func testMembershipUniquePair(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateMembership(ctx, newMembership("m1", "g1", "u1", 0)); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	err := s.CreateMembership(ctx, newMembership("m2", "g1", "u1", 0))
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate pair: err = %v, want ErrConflict", err)
	}
}

func testApplyBalanceDelta(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateMembership(ctx, newMembership("m1", "g1", "u1", 100000)); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}

	bal, err := s.ApplyBalanceDelta(ctx, "m1", core.VND(-30000))
	if err != nil {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}
	if bal != core.VND(70000) {
		t.Errorf("balance = %v, want 70000", bal)
	}

	bal, err = s.ApplyBalanceDelta(ctx, "m1", core.VND(-100000))
	if err != nil {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}
	if bal != core.VND(-30000) {
		t.Errorf("balance = %v, want -30000 (negative allowed)", bal)
	}

	m, _ := s.GetMembership(ctx, "m1")
	if m.Version != 2 {
		t.Errorf("version = %d, want 2", m.Version)
	}

	if _, err := s.ApplyBalanceDelta(ctx, "missing", core.VND(1)); !store.IsNotFound(err) {
		t.Errorf("missing membership: err = %v, want ErrNotFound", err)
	}
}

func testApplyBalanceDeltaConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateMembership(ctx, newMembership("m1", "g1", "u1", 0)); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyBalanceDelta(ctx, "m1", core.VND(-1000)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}

	m, err := s.GetMembership(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if m.Balance != core.VND(-n*1000) {
		t.Errorf("balance = %v, want %d", m.Balance, -n*1000)
	}
}

func testSetBalanceVersioned(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateMembership(ctx, newMembership("m1", "g1", "u1", 100)); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	m, _ := s.GetMembership(ctx, "m1")

	if err := s.SetBalance(ctx, "m1", m.Version+5, core.VND(1)); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("stale version: err = %v, want ErrVersionConflict", err)
	}
	if err := s.SetBalance(ctx, "m1", m.Version, core.VND(42)); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	got, _ := s.GetMembership(ctx, "m1")
	if got.Balance != core.VND(42) || got.Version != m.Version+1 {
		t.Errorf("after SetBalance = %+v", got)
	}
	if err := s.SetBalance(ctx, "missing", 0, core.VND(1)); !store.IsNotFound(err) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func testEntryLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := newMembership("m1", "g1", "u1", 0)
	if err := s.CreateMembership(ctx, m); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}

	e := newEntry("e1", m, 150000, "Lunch")
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if e.Version != 1 || e.CreatedAt.IsZero() || !e.UpdatedAt.Equal(e.CreatedAt) {
		t.Errorf("CreateEntry did not assign metadata: %+v", e)
	}
	if err := s.CreateEntry(ctx, newEntry("e1", m, 1, "dup")); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate id: err = %v, want ErrConflict", err)
	}

	got, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Amount != core.VND(150000) || got.Description != "Lunch" || got.MembershipID != "m1" {
		t.Errorf("GetEntry = %+v", got)
	}

	stale := *got
	got.Amount = core.VND(200000)
	got.Description = "Lunch + drinks"
	if err := s.UpdateEntry(ctx, got); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version after update = %d, want 2", got.Version)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Error("UpdatedAt before CreatedAt")
	}

	stale.Amount = core.VND(1)
	if err := s.UpdateEntry(ctx, &stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("stale update: err = %v, want ErrVersionConflict", err)
	}

	reread, _ := s.GetEntry(ctx, "e1")
	if reread.Amount != core.VND(200000) || reread.Description != "Lunch + drinks" {
		t.Errorf("after update = %+v", reread)
	}
	if !reread.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", e.CreatedAt, reread.CreatedAt)
	}

	if err := s.DeleteEntry(ctx, "e1", 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("stale delete: err = %v, want ErrVersionConflict", err)
	}
	if err := s.DeleteEntry(ctx, "e1", 2); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, err := s.GetEntry(ctx, "e1"); !store.IsNotFound(err) {
		t.Errorf("GetEntry after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEntry(ctx, "e1", 2); !store.IsNotFound(err) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateEntry(ctx, reread); !store.IsNotFound(err) {
		t.Errorf("update deleted: err = %v, want ErrNotFound", err)
	}
}

func testEntryOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newMembership("ma", "g1", "alice", 0)
	b := newMembership("mb", "g1", "bob", 0)
	other := newMembership("mc", "g2", "alice", 0)
	for _, m := range []*core.Membership{a, b, other} {
		if err := s.CreateMembership(ctx, m); err != nil {
			t.Fatalf("CreateMembership: %v", err)
		}
	}

	order := []*core.Entry{
		newEntry("e1", a, 1000, "first"),
		newEntry("e2", b, 2000, "second"),
		newEntry("e3", a, 3000, "third"),
		newEntry("e4", other, 4000, "elsewhere"),
	}
	for _, e := range order {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry %s: %v", e.ID, err)
		}
	}

	group, err := s.ListEntriesByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListEntriesByGroup: %v", err)
	}
	if ids := entryIDs(group); fmt.Sprint(ids) != "[e3 e2 e1]" {
		t.Errorf("group order = %v, want [e3 e2 e1]", ids)
	}
	for i := 1; i < len(group); i++ {
		if !group[i-1].CreatedAt.After(group[i].CreatedAt) {
			t.Errorf("CreatedAt not strictly decreasing at %d", i)
		}
	}

	mine, err := s.ListEntriesByMember(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("ListEntriesByMember: %v", err)
	}
	if ids := entryIDs(mine); fmt.Sprint(ids) != "[e3 e1]" {
		t.Errorf("member entries = %v, want [e3 e1]", ids)
	}

	empty, err := s.ListEntriesByGroup(ctx, "nope")
	if err != nil {
		t.Fatalf("ListEntriesByGroup empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown group returned %d entries", len(empty))
	}
}

func testDeleteEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := newMembership("m1", "g1", "u1", 0)
	if err := s.CreateMembership(ctx, m); err != nil {
		t.Fatalf("CreateMembership: %v", err)
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		if err := s.CreateEntry(ctx, newEntry(id, m, 1000, id)); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}

	failed, err := s.DeleteEntries(ctx, []string{"e1", "e3", "missing"})
	if err != nil {
		t.Fatalf("DeleteEntries: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want none", failed)
	}
	left, _ := s.ListEntriesByGroup(ctx, "g1")
	if ids := entryIDs(left); fmt.Sprint(ids) != "[e2]" {
		t.Errorf("remaining = %v, want [e2]", ids)
	}

	if failed, err := s.DeleteEntries(ctx, nil); err != nil || len(failed) != 0 {
		t.Errorf("DeleteEntries(nil) = %v, %v", failed, err)
	}
}

func testDeleteEntriesBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := newMembership("m1", "g1", "u1", 0)
	other := newMembership("m2", "g2", "u1", 0)
	for _, mm := range []*core.Membership{m, other} {
		if err := s.CreateMembership(ctx, mm); err != nil {
			t.Fatalf("CreateMembership: %v", err)
		}
	}

	var ids []string
	for i := range 120 {
		id := fmt.Sprintf("e%03d", i)
		if err := s.CreateEntry(ctx, newEntry(id, m, 10, id)); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.CreateEntry(ctx, newEntry("keep", other, 10, "keep")); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	failed, err := s.DeleteEntries(ctx, append(ids, "missing"))
	if err != nil || len(failed) != 0 {
		t.Fatalf("DeleteEntries = %v, %v", failed, err)
	}
	if left, _ := s.ListEntriesByGroup(ctx, "g1"); len(left) != 0 {
		t.Errorf("g1 still has %d entries", len(left))
	}
	if left, _ := s.ListEntriesByGroup(ctx, "g2"); len(left) != 1 {
		t.Errorf("g2 entries = %d, want 1", len(left))
	}
}

func testMembershipsByUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, m := range []*core.Membership{
		newMembership("m1", "trip", "u1", 0),
		newMembership("m2", "trip", "u2", 0),
		newMembership("m3", "home", "u1", 0),
		newMembership("m4", "u1", "u9", 0),
	} {
		if err := s.CreateMembership(ctx, m); err != nil {
			t.Fatalf("CreateMembership %s: %v", m.ID, err)
		}
	}

	got, err := s.ListMembershipsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListMembershipsByUser: %v", err)
	}
	var groups []string
	for _, m := range got {
		groups = append(groups, m.GroupID)
	}
	if fmt.Sprint(groups) != "[trip home]" {
		t.Errorf("groups of u1 = %v, want [trip home]", groups)
	}

	if none, err := s.ListMembershipsByUser(ctx, "nobody"); err != nil || len(none) != 0 {
		t.Errorf("ListMembershipsByUser(nobody) = %v, %v", none, err)
	}
}

func testLeases(t *testing.T, s store.Store) {
	l, ok := s.(store.Leaser)
	if !ok {
		t.Skip("store does not grant leases")
	}
	ctx := context.Background()

	if err := l.AcquireLease(ctx, "k1", "a", time.Minute); err != nil {
		t.Fatalf("AcquireLease a: %v", err)
	}
	if err := l.AcquireLease(ctx, "k1", "a", time.Minute); err != nil {
		t.Errorf("renew by owner: %v", err)
	}
	if err := l.AcquireLease(ctx, "k1", "b", time.Minute); !errors.Is(err, store.ErrLeaseHeld) {
		t.Errorf("AcquireLease b = %v, want ErrLeaseHeld", err)
	}
	if err := l.AcquireLease(ctx, "k2", "b", time.Minute); err != nil {
		t.Errorf("independent key: %v", err)
	}

	if err := l.ReleaseLease(ctx, "k1", "b"); err != nil {
		t.Fatalf("ReleaseLease by stranger: %v", err)
	}
	if err := l.AcquireLease(ctx, "k1", "b", time.Minute); !errors.Is(err, store.ErrLeaseHeld) {
		t.Errorf("stranger release dropped the lease: %v", err)
	}
	if err := l.ReleaseLease(ctx, "k1", "a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := l.AcquireLease(ctx, "k1", "b", time.Minute); err != nil {
		t.Errorf("AcquireLease after release: %v", err)
	}

	if err := l.AcquireLease(ctx, "k3", "a", time.Millisecond); err != nil {
		t.Fatalf("AcquireLease short: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.AcquireLease(ctx, "k3", "b", time.Minute); err != nil {
		t.Errorf("expired lease not taken over: %v", err)
	}
}

func testDiscrepancies(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, mid := range []string{"m1", "m2", "m1"} {
		d := &core.Discrepancy{
			ID:           fmt.Sprintf("d%d", i+1),
			MembershipID: mid,
			GroupID:      "g1",
			UserID:       "u-" + mid,
			EntryID:      fmt.Sprintf("e%d", i+1),
			Operation:    core.OpRecord,
			Reason:       "balance update failed",
		}
		if err := s.RecordDiscrepancy(ctx, d); err != nil {
			t.Fatalf("RecordDiscrepancy: %v", err)
		}
	}

	open, err := s.ListOpenDiscrepancies(ctx, 0)
	if err != nil {
		t.Fatalf("ListOpenDiscrepancies: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open = %d, want 3", len(open))
	}
	if open[0].ID != "d1" || open[0].Operation != core.OpRecord || open[0].EntryID != "e1" {
		t.Errorf("first open = %+v", open[0])
	}

	limited, _ := s.ListOpenDiscrepancies(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	n, err := s.ResolveDiscrepancies(ctx, "m1", time.Now())
	if err != nil {
		t.Fatalf("ResolveDiscrepancies: %v", err)
	}
	if n != 2 {
		t.Errorf("resolved = %d, want 2", n)
	}

	open, _ = s.ListOpenDiscrepancies(ctx, 0)
	if len(open) != 1 || open[0].MembershipID != "m2" {
		t.Errorf("open after resolve = %+v", open)
	}

	if n, _ := s.ResolveDiscrepancies(ctx, "m1", time.Now()); n != 0 {
		t.Errorf("second resolve = %d, want 0", n)
	}
}

func entryIDs(entries []*core.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
