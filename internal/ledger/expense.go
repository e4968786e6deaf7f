package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

var (
	// errAlreadyApplied means an earlier attempt whose result was lost did
	// in fact commit.
	errAlreadyApplied = errors.New("mutation already applied")
	// errTxConflict makes a version conflict inside a transaction retryable
	// as a whole.
	errTxConflict = errors.New("concurrent update inside transaction")
)

// RecordExpense appends an expense for the member and debits their balance.
func (e *Engine) RecordExpense(ctx context.Context, groupID, userID string, amount core.Money, description string) (entryID string, err error) {
	ctx, span := e.startSpan(ctx, "RecordExpense", groupID, userID)
	defer func() { endSpan(span, err) }()

	if err := amount.Validate(); err != nil {
		return "", err
	}
	desc, err := core.ValidateDescription(description)
	if err != nil {
		return "", err
	}

	unlock, err := e.lock(ctx, groupID, userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	m, err := e.directory.Resolve(ctx, groupID, userID)
	if err != nil {
		return "", err
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("ledger.entry_id", id))

	entry := &core.Entry{
		ID:           id,
		GroupID:      groupID,
		UserID:       userID,
		MembershipID: m.ID,
		Amount:       amount,
		Description:  desc,
	}
	if e.tx != nil {
		err = e.recordTx(ctx, entry)
	} else {
		err = e.recordTwoStep(ctx, m, entry)
	}
	if err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "Expense recorded", log.NewFields().
		WithMembership(groupID, userID).
		WithEntry(id, amount.Dong).
		WithOperation(core.OpRecord).ToSlice()...)
	return id, nil
}

func (e *Engine) recordTx(ctx context.Context, entry *core.Entry) error {
	err := e.retry(ctx, core.OpRecord, func() error {
		return e.tx.InTx(ctx, func(tx store.Store) error {
			if err := tx.CreateEntry(ctx, entry); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return errAlreadyApplied
				}
				return err
			}
			_, err := tx.ApplyBalanceDelta(ctx, entry.MembershipID, entry.Amount.Neg())
			return err
		})
	})
	switch {
	case err == nil, errors.Is(err, errAlreadyApplied):
		return nil
	case store.IsNotFound(err):
		return core.ErrNotAMember
	default:
		return unavailable(err)
	}
}

func (e *Engine) recordTwoStep(ctx context.Context, m *core.Membership, entry *core.Entry) error {
	err := e.retry(ctx, "create_entry", func() error {
		if err := e.store.CreateEntry(ctx, entry); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errAlreadyApplied
			}
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyApplied) {
		// The last attempt may have landed even though it reported failure.
		checkCtx := context.WithoutCancel(ctx)
		if _, checkErr := e.store.GetEntry(checkCtx, entry.ID); checkErr != nil {
			if store.IsNotFound(checkErr) {
				return unavailable(err)
			}
			return e.inconsistent(ctx, core.OpRecord, m, entry.ID, fmt.Errorf("entry write outcome unknown: %w", err))
		}
	}

	err = e.retry(ctx, "apply_balance", func() error {
		_, err := e.directory.ApplyBalanceDelta(ctx, m.ID, entry.Amount.Neg())
		return err
	})
	if err != nil {
		return e.inconsistent(ctx, core.OpRecord, m, entry.ID, err)
	}
	return nil
}

// AmendExpense overwrites an entry's amount and description and adjusts the
// balance by the difference to the amount stored right before the call.
func (e *Engine) AmendExpense(ctx context.Context, entryID, userID, groupID string, newAmount core.Money, newDescription string) (err error) {
	ctx, span := e.startSpan(ctx, "AmendExpense", groupID, userID)
	span.SetAttributes(attribute.String("ledger.entry_id", entryID))
	defer func() { endSpan(span, err) }()

	if err := newAmount.Validate(); err != nil {
		return err
	}
	desc, err := core.ValidateDescription(newDescription)
	if err != nil {
		return err
	}

	unlock, err := e.lock(ctx, groupID, userID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := e.directory.Resolve(ctx, groupID, userID)
	if err != nil {
		return err
	}

	var adjustment core.Money
	if e.tx != nil {
		adjustment, err = e.amendTx(ctx, m, entryID, newAmount, desc)
	} else {
		adjustment, err = e.amendTwoStep(ctx, m, entryID, newAmount, desc)
	}
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Expense amended", log.NewFields().
		WithMembership(groupID, userID).
		WithEntry(entryID, newAmount.Dong).
		WithOperation(core.OpAmend).ToSlice()...,
	)
	e.logger.DebugContext(ctx, "Amend adjustment", log.FieldEntryID, entryID, log.FieldDelta, adjustment.Dong)
	return nil
}

func (e *Engine) amendTx(ctx context.Context, m *core.Membership, entryID string, newAmount core.Money, desc string) (core.Money, error) {
	var adjustment core.Money
	err := e.retry(ctx, core.OpAmend, func() error {
		return e.tx.InTx(ctx, func(tx store.Store) error {
			entry, err := ownedEntry(m, entryID)(tx.GetEntry(ctx, entryID))
			if err != nil {
				return err
			}
			adjustment = entry.Amount.Sub(newAmount)
			entry.Amount, entry.Description = newAmount, desc
			if err := tx.UpdateEntry(ctx, entry); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return errTxConflict
				}
				return err
			}
			if adjustment.IsZero() {
				return nil
			}
			_, err = tx.ApplyBalanceDelta(ctx, m.ID, adjustment)
			return err
		})
	})
	return adjustment, unavailable(err)
}

func (e *Engine) amendTwoStep(ctx context.Context, m *core.Membership, entryID string, newAmount core.Money, desc string) (core.Money, error) {
	var adjustment core.Money
	for attempt := 1; ; attempt++ {
		entry, err := e.loadEntry(ctx, m, entryID)
		if err != nil {
			return core.Money{}, err
		}
		expected := entry.Version
		adjustment = entry.Amount.Sub(newAmount)
		entry.Amount, entry.Description = newAmount, desc

		err = e.retry(ctx, "update_entry", func() error { return e.store.UpdateEntry(ctx, entry) })
		if err == nil {
			break
		}
		if store.IsNotFound(err) {
			return core.Money{}, core.ErrEntryNotFound
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return core.Money{}, unavailable(err)
		}
		// A conflict right after a lost reply may be our own write.
		if current, getErr := e.store.GetEntry(ctx, entryID); getErr == nil &&
			current.Version == expected+1 && current.Amount == newAmount && current.Description == desc {
			break
		}
		if attempt >= e.opts.MaxAttempts {
			return core.Money{}, unavailable(fmt.Errorf("entry %s kept changing: %w", entryID, err))
		}
	}

	if adjustment.IsZero() {
		return adjustment, nil
	}
	err := e.retry(ctx, "apply_balance", func() error {
		_, err := e.directory.ApplyBalanceDelta(ctx, m.ID, adjustment)
		return err
	})
	if err != nil {
		return adjustment, e.inconsistent(ctx, core.OpAmend, m, entryID, err)
	}
	return adjustment, nil
}

// RetractExpense restores the entry's amount to the balance and then removes
// the entry. If removal fails the entry stays visible and a discrepancy is
// recorded; the amount is never lost.
func (e *Engine) RetractExpense(ctx context.Context, entryID, userID, groupID string) (err error) {
	ctx, span := e.startSpan(ctx, "RetractExpense", groupID, userID)
	span.SetAttributes(attribute.String("ledger.entry_id", entryID))
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

	var amount core.Money
	if e.tx != nil {
		amount, err = e.retractTx(ctx, m, entryID)
	} else {
		amount, err = e.retractTwoStep(ctx, m, entryID)
	}
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Expense retracted", log.NewFields().
		WithMembership(groupID, userID).
		WithEntry(entryID, amount.Dong).
		WithOperation(core.OpRetract).ToSlice()...)
	return nil
}

func (e *Engine) retractTx(ctx context.Context, m *core.Membership, entryID string) (core.Money, error) {
	var (
		amount core.Money
		seen   bool
	)
	err := e.retry(ctx, core.OpRetract, func() error {
		return e.tx.InTx(ctx, func(tx store.Store) error {
			entry, err := ownedEntry(m, entryID)(tx.GetEntry(ctx, entryID))
			if err != nil {
				if seen && errors.Is(err, core.ErrEntryNotFound) {
					return errAlreadyApplied
				}
				return err
			}
			seen = true
			amount = entry.Amount
			if err := tx.DeleteEntry(ctx, entry.ID, entry.Version); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return errTxConflict
				}
				return err
			}
			_, err = tx.ApplyBalanceDelta(ctx, m.ID, entry.Amount)
			return err
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		return amount, nil
	}
	return amount, unavailable(err)
}

func (e *Engine) retractTwoStep(ctx context.Context, m *core.Membership, entryID string) (core.Money, error) {
	entry, err := e.loadEntry(ctx, m, entryID)
	if err != nil {
		return core.Money{}, err
	}

	err = e.retry(ctx, "restore_balance", func() error {
		_, err := e.directory.ApplyBalanceDelta(ctx, m.ID, entry.Amount)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrNotAMember) {
			return core.Money{}, err
		}
		return core.Money{}, e.inconsistent(ctx, core.OpRetract, m, entry.ID, err)
	}

	err = e.retry(ctx, "delete_entry", func() error { return e.store.DeleteEntry(ctx, entry.ID, entry.Version) })
	if err != nil && !store.IsNotFound(err) {
		return entry.Amount, e.inconsistent(ctx, core.OpRetract, m, entry.ID, fmt.Errorf("balance restored but entry kept: %w", err))
	}
	return entry.Amount, nil
}

// loadEntry reads an entry with retry and checks it belongs to m.
func (e *Engine) loadEntry(ctx context.Context, m *core.Membership, entryID string) (*core.Entry, error) {
	var (
		entry *core.Entry
		err   error
	)
	retryErr := e.retry(ctx, "get_entry", func() error {
		entry, err = e.store.GetEntry(ctx, entryID)
		return err
	})
	return ownedEntry(m, entryID)(entry, retryErr)
}

// ownedEntry classifies a store read of entryID. An entry attributed to a
// different membership is reported as missing.
func ownedEntry(m *core.Membership, entryID string) func(*core.Entry, error) (*core.Entry, error) {
	return func(entry *core.Entry, err error) (*core.Entry, error) {
		if err != nil {
			if store.IsNotFound(err) {
				return nil, core.ErrEntryNotFound
			}
			return nil, unavailable(fmt.Errorf("read entry %s: %w", entryID, err))
		}
		if !entry.BelongsTo(m.GroupID, m.UserID) || entry.MembershipID != m.ID {
			return nil, core.ErrEntryNotFound
		}
		return entry, nil
	}
}
