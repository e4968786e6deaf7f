package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

const purgeConcurrency = 4

// Reconciliation reports what Reconcile found and changed.
type Reconciliation struct {
	GroupID      string
	UserID       string
	MembershipID string
	Before       core.Money
	After        core.Money
	// OrphansRemoved counts entries of the pair that no live membership owns.
	OrphansRemoved int
	// Resolved counts discrepancy records closed by this run.
	Resolved int
}

// Drift is the correction applied to the stored balance.
func (r *Reconciliation) Drift() core.Money {
	return r.After.Sub(r.Before)
}

// Changed reports whether the run wrote anything.
func (r *Reconciliation) Changed() bool {
	return !r.Drift().IsZero() || r.OrphansRemoved > 0
}

// Reconcile recomputes the pair's balance from its live entries, overwrites a
// drifted balance, removes entries left behind by a removed membership and
// closes the pair's open discrepancies. Running it again changes nothing.
func (e *Engine) Reconcile(ctx context.Context, groupID, userID string) (rec *Reconciliation, err error) {
	ctx, span := e.startSpan(ctx, "Reconcile", groupID, userID)
	defer func() { endSpan(span, err) }()

	unlock, err := e.lock(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec = &Reconciliation{GroupID: groupID, UserID: userID}
	var (
		m       *core.Membership
		orphans []*core.Entry
	)
	for attempt := 1; ; attempt++ {
		m, orphans, err = e.reconcileOnce(ctx, rec, groupID, userID)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= e.opts.MaxAttempts {
			return nil, unavailable(err)
		}
	}

	owners := map[string]bool{}
	if len(orphans) > 0 {
		ids := make([]string, len(orphans))
		for i, o := range orphans {
			ids[i] = o.ID
			owners[o.MembershipID] = true
		}
		if failed, err := e.deleteEntries(ctx, ids); err != nil {
			return nil, unavailable(fmt.Errorf("remove orphaned entries %s: %w", strings.Join(failed, ","), err))
		}
		rec.OrphansRemoved = len(ids)
	}
	if m != nil {
		owners[m.ID] = true
	}

	now := e.opts.Now()
	for id := range owners {
		n, err := e.store.ResolveDiscrepancies(ctx, id, now)
		if err != nil {
			return nil, unavailable(fmt.Errorf("resolve discrepancies: %w", err))
		}
		rec.Resolved += n
	}

	if rec.Changed() {
		e.logger.WarnContext(ctx, "Membership reconciled",
			log.FieldGroupID, groupID,
			log.FieldUserID, userID,
			log.FieldMembershipID, rec.MembershipID,
			log.FieldDelta, rec.Drift().Dong,
			"orphans_removed", rec.OrphansRemoved)
	}
	return rec, nil
}

// Repair reconciles the pair a discrepancy names and closes it, including
// discrepancies left by a membership that no longer exists.
func (e *Engine) Repair(ctx context.Context, d *core.Discrepancy) (*Reconciliation, error) {
	rec, err := e.Reconcile(ctx, d.GroupID, d.UserID)
	if err != nil {
		return nil, err
	}
	if d.MembershipID != "" && d.MembershipID != rec.MembershipID {
		n, err := e.store.ResolveDiscrepancies(ctx, d.MembershipID, e.opts.Now())
		if err != nil {
			return rec, unavailable(fmt.Errorf("resolve discrepancies: %w", err))
		}
		rec.Resolved += n
	}
	return rec, nil
}

// reconcileOnce fixes the balance with a compare-and-swap on the version it
// read. It returns the membership, nil if the pair has none, and the entries
// of the pair that the membership does not own.
func (e *Engine) reconcileOnce(ctx context.Context, rec *Reconciliation, groupID, userID string) (*core.Membership, []*core.Entry, error) {
	var m *core.Membership
	err := e.retry(ctx, "find_membership", func() error {
		var err error
		m, err = e.store.FindMembership(ctx, groupID, userID)
		return err
	})
	if err != nil && !store.IsNotFound(err) {
		return nil, nil, err
	}
	if store.IsNotFound(err) {
		m = nil
	}

	var entries []*core.Entry
	err = e.retry(ctx, "list_entries", func() error {
		var err error
		entries, err = e.store.ListEntriesByMember(ctx, groupID, userID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, entries, nil
	}

	var live, orphans []*core.Entry
	for _, entry := range entries {
		if entry.MembershipID == m.ID {
			live = append(live, entry)
		} else {
			orphans = append(orphans, entry)
		}
	}

	expected := m.ExpectedBalance(live)
	rec.MembershipID, rec.Before, rec.After = m.ID, m.Balance, expected
	if m.Balance == expected {
		return m, orphans, nil
	}

	err = e.retry(ctx, "set_balance", func() error { return e.store.SetBalance(ctx, m.ID, m.Version, expected) })
	if err != nil {
		return nil, nil, err
	}
	return m, orphans, nil
}

// RemoveMember deletes the membership first, which leaves the balance
// invariant vacuous, then removes its entries. Entries that could not be
// removed are named in the returned error and recorded for repair.
func (e *Engine) RemoveMember(ctx context.Context, groupID, userID string) (err error) {
	ctx, span := e.startSpan(ctx, "RemoveMember", groupID, userID)
	defer func() { endSpan(span, err) }()

	unlock, err := e.lock(ctx, groupID, userID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := e.directory.Resolve(ctx, groupID, userID)
	if err != nil {
		return err
	}

	var removed int
	if e.tx != nil {
		removed, err = e.removeTx(ctx, m)
	} else {
		removed, err = e.removeTwoStep(ctx, m)
	}
	if err != nil {
		return err
	}

	if _, err := e.store.ResolveDiscrepancies(ctx, m.ID, e.opts.Now()); err != nil {
		e.logger.WarnContext(ctx, "Discrepancies of removed member left open", log.FieldMembershipID, m.ID, log.FieldError, err)
	}
	e.logger.InfoContext(ctx, "Member removed",
		log.FieldGroupID, groupID,
		log.FieldUserID, userID,
		log.FieldMembershipID, m.ID,
		"entries_removed", removed)
	return nil
}

func (e *Engine) removeTx(ctx context.Context, m *core.Membership) (int, error) {
	var (
		removed int
		seen    bool
	)
	err := e.retry(ctx, core.OpRemove, func() error {
		return e.tx.InTx(ctx, func(tx store.Store) error {
			if err := tx.DeleteMembership(ctx, m.ID); err != nil {
				if seen && store.IsNotFound(err) {
					return errAlreadyApplied
				}
				return err
			}
			seen = true
			entries, err := tx.ListEntriesByMember(ctx, m.GroupID, m.UserID)
			if err != nil {
				return err
			}
			failed, err := tx.DeleteEntries(ctx, entryIDs(entries))
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("entries not removed: %s", strings.Join(failed, ","))
			}
			removed = len(entries)
			return nil
		})
	})
	switch {
	case err == nil, errors.Is(err, errAlreadyApplied):
		return removed, nil
	case store.IsNotFound(err):
		return 0, core.ErrNotAMember
	default:
		return 0, unavailable(err)
	}
}

func (e *Engine) removeTwoStep(ctx context.Context, m *core.Membership) (int, error) {
	err := e.retry(ctx, "delete_membership", func() error { return e.store.DeleteMembership(ctx, m.ID) })
	if err != nil && !store.IsNotFound(err) {
		checkCtx := context.WithoutCancel(ctx)
		if _, checkErr := e.store.GetMembership(checkCtx, m.ID); !store.IsNotFound(checkErr) {
			return 0, unavailable(err)
		}
	}

	var entries []*core.Entry
	err = e.retry(ctx, "list_entries", func() error {
		var err error
		entries, err = e.store.ListEntriesByMember(ctx, m.GroupID, m.UserID)
		return err
	})
	if err != nil {
		return 0, e.inconsistent(ctx, core.OpRemove, m, "", fmt.Errorf("membership removed, entries not listed: %w", err))
	}

	failed, err := e.deleteEntries(ctx, entryIDs(entries))
	if err != nil {
		return 0, e.inconsistent(ctx, core.OpRemove, m, strings.Join(failed, ","), fmt.Errorf("membership removed, %d entries orphaned: %w", len(failed), err))
	}
	return len(entries), nil
}

// PurgeGroup removes every membership of the group and the entries no
// remaining membership owns. It keeps going past individual failures and
// reports them together.
func (e *Engine) PurgeGroup(ctx context.Context, groupID string) (removed int, err error) {
	ctx, span := e.startSpan(ctx, "PurgeGroup", groupID, "")
	defer func() { endSpan(span, err) }()

	members, err := e.directory.Members(ctx, groupID)
	if err != nil {
		return 0, err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(purgeConcurrency)
	for _, m := range members {
		g.Go(func() error {
			err := e.RemoveMember(ctx, m.GroupID, m.UserID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				removed++
			case errors.Is(err, core.ErrNotAMember):
			default:
				errs = append(errs, fmt.Errorf("remove %s: %w", m.UserID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := e.sweepOrphans(ctx, groupID); err != nil {
		errs = append(errs, err)
	}

	e.logger.InfoContext(ctx, "Group purged",
		log.FieldGroupID, groupID,
		"members_removed", removed,
		"failures", len(errs))
	return removed, errors.Join(errs...)
}

// sweepOrphans deletes group entries whose membership no longer exists.
// Entries are listed before memberships, so a member that joins in between
// still counts as live and keeps its entries.
func (e *Engine) sweepOrphans(ctx context.Context, groupID string) error {
	var (
		entries []*core.Entry
		members []*core.Membership
	)
	err := e.retry(ctx, "list_entries", func() error {
		var err error
		entries, err = e.store.ListEntriesByGroup(ctx, groupID)
		return err
	})
	if err != nil {
		return unavailable(err)
	}
	if len(entries) == 0 {
		return nil
	}
	err = e.retry(ctx, "list_memberships", func() error {
		var err error
		members, err = e.store.ListMemberships(ctx, groupID)
		return err
	})
	if err != nil {
		return unavailable(err)
	}

	live := make(map[string]bool, len(members))
	for _, m := range members {
		live[m.ID] = true
	}
	var orphans []*core.Entry
	for _, entry := range entries {
		if !live[entry.MembershipID] {
			orphans = append(orphans, entry)
		}
	}
	if failed, err := e.deleteEntries(ctx, entryIDs(orphans)); err != nil {
		return unavailable(fmt.Errorf("orphaned entries %s not removed: %w", strings.Join(failed, ","), err))
	}
	return nil
}

// deleteEntries removes ids with retry, shrinking the batch to what is still
// left after each attempt. It returns the ids that survived.
func (e *Engine) deleteEntries(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pending := ids
	err := e.retry(ctx, "delete_entries", func() error {
		failed, err := e.store.DeleteEntries(ctx, pending)
		if len(failed) > 0 {
			pending = failed
		}
		if err == nil && len(failed) > 0 {
			return fmt.Errorf("%d entries not removed", len(failed))
		}
		return err
	})
	if err != nil {
		return pending, err
	}
	return nil, nil
}

func entryIDs(entries []*core.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
