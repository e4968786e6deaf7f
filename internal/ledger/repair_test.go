package ledger

import (
	"context"
	"errors"
	"testing"

	"chitieu/internal/core"
	"chitieu/internal/store"
	"chitieu/internal/store/memory"
)

func TestReconcile(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name+"/consistent ledger is left alone", func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)
			e := New(s, testOptions(nil))
			addMember(t, e, "g1", "u1", 5000)
			if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(2000), "fruit"); err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}
			before, _ := s.FindMembership(ctx, "g1", "u1")

			rec, err := e.Reconcile(ctx, "g1", "u1")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rec.Changed() {
				t.Fatalf("expected no change, got %+v", rec)
			}
			after, _ := s.FindMembership(ctx, "g1", "u1")
			if after.Version != before.Version {
				t.Fatalf("consistent balance was rewritten, version %d -> %d", before.Version, after.Version)
			}
		})

		t.Run(b.name+"/drift is corrected once", func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)
			e := New(s, testOptions(nil))
			m := addMember(t, e, "g1", "u1", 5000)
			if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(2000), "fruit"); err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}
			if _, err := s.ApplyBalanceDelta(ctx, m.ID, core.VND(-123)); err != nil {
				t.Fatalf("ApplyBalanceDelta: %v", err)
			}

			rec, err := e.Reconcile(ctx, "g1", "u1")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rec.Before.Dong != 2877 || rec.After.Dong != 3000 || rec.Drift().Dong != 123 {
				t.Fatalf("unexpected reconciliation: %+v", rec)
			}
			assertConsistent(t, s, "g1", "u1")

			again, err := e.Reconcile(ctx, "g1", "u1")
			if err != nil {
				t.Fatalf("second Reconcile: %v", err)
			}
			if again.Changed() {
				t.Fatalf("second run changed state: %+v", again)
			}
		})

		t.Run(b.name+"/orphans of a removed membership are deleted", func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)
			e := New(s, testOptions(nil))
			old := addMember(t, e, "g1", "u1", 0)
			if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(400), "old"); err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}
			// Simulate a removal that never got to the entries.
			if err := s.DeleteMembership(ctx, old.ID); err != nil {
				t.Fatalf("DeleteMembership: %v", err)
			}
			addMember(t, e, "g1", "u1", 1000)
			kept, err := e.RecordExpense(ctx, "g1", "u1", core.VND(100), "new")
			if err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}

			rec, err := e.Reconcile(ctx, "g1", "u1")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rec.OrphansRemoved != 1 || !rec.Drift().IsZero() {
				t.Fatalf("unexpected reconciliation: %+v", rec)
			}
			entries, _ := s.ListEntriesByMember(ctx, "g1", "u1")
			if len(entries) != 1 || entries[0].ID != kept {
				t.Fatalf("expected only the new entry left, got %+v", entries)
			}
			if got := balanceOf(t, s, "g1", "u1"); got.Dong != 900 {
				t.Fatalf("expected 900, got %d", got.Dong)
			}
		})

		t.Run(b.name+"/unknown pair", func(t *testing.T) {
			s := b.new(t)
			e := New(s, testOptions(nil))
			rec, err := e.Reconcile(context.Background(), "g1", "nobody")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rec.Changed() || rec.MembershipID != "" {
				t.Fatalf("expected empty reconciliation, got %+v", rec)
			}
		})
	}
}

func TestReconcileRetriesBalanceWrite(t *testing.T) {
	ctx := context.Background()
	s := newFaultyStore(memory.New())
	e := New(s, testOptions(nil))
	m := addMember(t, e, "g1", "u1", 0)
	if _, err := s.ApplyBalanceDelta(ctx, m.ID, core.VND(50)); err != nil {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}

	s.failNext("SetBalance", 1)
	if _, err := e.Reconcile(ctx, "g1", "u1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertConsistent(t, s, "g1", "u1")

	s.failNext("SetBalance", 3)
	if _, err := s.ApplyBalanceDelta(ctx, m.ID, core.VND(50)); err != nil {
		t.Fatalf("ApplyBalanceDelta: %v", err)
	}
	if _, err := e.Reconcile(ctx, "g1", "u1"); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)
			e := New(s, testOptions(nil))
			addMember(t, e, "g1", "u1", 0)
			addMember(t, e, "g1", "u2", 0)
			for range 3 {
				if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(10), "snack"); err != nil {
					t.Fatalf("RecordExpense: %v", err)
				}
			}
			other, err := e.RecordExpense(ctx, "g1", "u2", core.VND(10), "snack")
			if err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}

			if err := e.RemoveMember(ctx, "g1", "u1"); err != nil {
				t.Fatalf("RemoveMember: %v", err)
			}
			if _, err := s.FindMembership(ctx, "g1", "u1"); !store.IsNotFound(err) {
				t.Fatalf("expected membership gone, got %v", err)
			}
			entries, _ := s.ListEntriesByGroup(ctx, "g1")
			if len(entries) != 1 || entries[0].ID != other {
				t.Fatalf("expected only u2's entry left, got %+v", entries)
			}
			if err := e.RemoveMember(ctx, "g1", "u1"); !errors.Is(err, core.ErrNotAMember) {
				t.Fatalf("expected ErrNotAMember on second removal, got %v", err)
			}
			if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(10), "late"); !errors.Is(err, core.ErrNotAMember) {
				t.Fatalf("expected ErrNotAMember after removal, got %v", err)
			}
		})
	}
}

func TestRemoveMemberEntryCleanupFails(t *testing.T) {
	ctx := context.Background()
	s := newFaultyStore(memory.New())
	pub := &recordingPublisher{}
	e := New(s, testOptions(pub))
	m := addMember(t, e, "g1", "u1", 0)
	if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(10), "snack"); err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}

	s.failNext("DeleteEntries", 3)
	err := e.RemoveMember(ctx, "g1", "u1")
	var incErr *core.InconsistencyError
	if !errors.As(err, &incErr) || incErr.Op != core.OpRemove || incErr.MembershipID != m.ID {
		t.Fatalf("expected remove inconsistency, got %v", err)
	}
	if _, err := s.FindMembership(ctx, "g1", "u1"); !store.IsNotFound(err) {
		t.Fatalf("membership must be removed first, got %v", err)
	}

	open, _ := s.ListOpenDiscrepancies(ctx, 0)
	if len(open) != 1 || open[0].Operation != core.OpRemove {
		t.Fatalf("expected one remove discrepancy, got %+v", open)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.published()))
	}

	rec, err := e.Repair(ctx, open[0])
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if rec.OrphansRemoved != 1 || rec.Resolved != 1 {
		t.Fatalf("unexpected repair: %+v", rec)
	}
	if entries, _ := s.ListEntriesByGroup(ctx, "g1"); len(entries) != 0 {
		t.Fatalf("expected orphans removed, %d left", len(entries))
	}
	if open, _ := s.ListOpenDiscrepancies(ctx, 0); len(open) != 0 {
		t.Fatalf("expected discrepancy resolved, %d open", len(open))
	}
}

func TestRepairClosesDiscrepancyOfVanishedMembership(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := New(s, testOptions(nil))
	d := &core.Discrepancy{ID: "d1", MembershipID: "gone", GroupID: "g1", UserID: "u1", Operation: core.OpRecord}
	if err := s.RecordDiscrepancy(ctx, d); err != nil {
		t.Fatalf("RecordDiscrepancy: %v", err)
	}

	rec, err := e.Repair(ctx, d)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if rec.Resolved != 1 {
		t.Fatalf("expected the discrepancy resolved, got %+v", rec)
	}
}

func TestPurgeGroup(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)
			e := New(s, testOptions(nil))
			for _, u := range []string{"u1", "u2", "u3"} {
				addMember(t, e, "g1", u, 0)
				if _, err := e.RecordExpense(ctx, "g1", u, core.VND(10), "dues"); err != nil {
					t.Fatalf("RecordExpense: %v", err)
				}
			}
			addMember(t, e, "g2", "u1", 0)
			if _, err := e.RecordExpense(ctx, "g2", "u1", core.VND(10), "dues"); err != nil {
				t.Fatalf("RecordExpense: %v", err)
			}

			removed, err := e.PurgeGroup(ctx, "g1")
			if err != nil {
				t.Fatalf("PurgeGroup: %v", err)
			}
			if removed != 3 {
				t.Fatalf("expected 3 members removed, got %d", removed)
			}
			if ms, _ := s.ListMemberships(ctx, "g1"); len(ms) != 0 {
				t.Fatalf("expected no memberships left, got %d", len(ms))
			}
			if entries, _ := s.ListEntriesByGroup(ctx, "g1"); len(entries) != 0 {
				t.Fatalf("expected no entries left, got %d", len(entries))
			}
			if entries, _ := s.ListEntriesByGroup(ctx, "g2"); len(entries) != 1 {
				t.Fatalf("other group touched, %d entries left", len(entries))
			}
		})
	}
}

func TestPurgeGroupKeepsEntriesOfSurvivingMembers(t *testing.T) {
	ctx := context.Background()
	s := newFaultyStore(memory.New())
	e := New(s, testOptions(nil))
	addMember(t, e, "g1", "u1", 0)
	if _, err := e.RecordExpense(ctx, "g1", "u1", core.VND(100), "rent"); err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}
	stale := &core.Entry{ID: "stale", GroupID: "g1", UserID: "ghost", MembershipID: "gone", Amount: core.VND(40)}
	if err := s.CreateEntry(ctx, stale); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	s.failNext("DeleteMembership", 10)
	removed, err := e.PurgeGroup(ctx, "g1")
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nobody removed, got %d", removed)
	}

	if got := balanceOf(t, s, "g1", "u1"); got.Dong != -100 {
		t.Fatalf("expected balance -100, got %d", got.Dong)
	}
	assertConsistent(t, s, "g1", "u1")
	entries, _ := s.ListEntriesByGroup(ctx, "g1")
	if len(entries) != 1 || entries[0].UserID != "u1" {
		t.Fatalf("expected only u1's entry left, got %+v", entries)
	}
	if _, err := s.GetEntry(ctx, "stale"); !store.IsNotFound(err) {
		t.Fatalf("expected orphaned entry swept, got %v", err)
	}
}

func TestMemberLedger(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := New(s, testOptions(nil))
	addMember(t, e, "g1", "u1", 1000)
	addMember(t, e, "g1", "u2", 0)

	first, _ := e.RecordExpense(ctx, "g1", "u1", core.VND(100), "first")
	second, _ := e.RecordExpense(ctx, "g1", "u1", core.VND(200), "second")
	if _, err := e.RecordExpense(ctx, "g1", "u2", core.VND(50), "other"); err != nil {
		t.Fatalf("RecordExpense: %v", err)
	}

	ledger, err := e.MemberLedger(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("MemberLedger: %v", err)
	}
	if len(ledger.Entries) != 2 || ledger.Entries[0].ID != second || ledger.Entries[1].ID != first {
		t.Fatalf("expected u1's entries newest first, got %+v", ledger.Entries)
	}
	if ledger.Spent().Dong != 300 || ledger.Membership.Balance.Dong != 700 {
		t.Fatalf("unexpected totals: spent %d balance %d", ledger.Spent().Dong, ledger.Membership.Balance.Dong)
	}

	group, err := e.GroupLedger(ctx, "g1")
	if err != nil {
		t.Fatalf("GroupLedger: %v", err)
	}
	if len(group) != 3 {
		t.Fatalf("expected 3 group entries, got %d", len(group))
	}

	if _, err := e.MemberLedger(ctx, "g1", "nobody"); !errors.Is(err, core.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}
