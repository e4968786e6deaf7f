// Package worker repairs ledger discrepancies in the background.
package worker

import (
	"context"
	"fmt"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/events"
	"chitieu/internal/ledger"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

// Repairer reconciles the pair a discrepancy points at.
type Repairer interface {
	Repair(ctx context.Context, d *core.Discrepancy) (*ledger.Reconciliation, error)
}

// RepairWorker consumes inconsistency notifications and sweeps the durable
// discrepancy records for anything a notification missed.
type RepairWorker struct {
	repairer  Repairer
	store     store.DiscrepancyStore
	batchSize int
	logger    *log.Logger
}

func NewRepairWorker(repairer Repairer, s store.DiscrepancyStore, batchSize int, logger *log.Logger) *RepairWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &RepairWorker{
		repairer:  repairer,
		store:     s,
		batchSize: batchSize,
		logger:    logger.WithComponent(log.ComponentWorker),
	}
}

// HandleInconsistency repairs the membership named by a notification.
func (w *RepairWorker) HandleInconsistency(ctx context.Context, msg *events.Inconsistency) error {
	w.logger.InfoContext(ctx, "Processing inconsistency",
		log.FieldDiscrepancyID, msg.DiscrepancyID,
		log.FieldMembershipID, msg.MembershipID,
		log.FieldOperation, msg.Operation)

	d := &core.Discrepancy{
		ID:           msg.DiscrepancyID,
		MembershipID: msg.MembershipID,
		GroupID:      msg.GroupID,
		UserID:       msg.UserID,
		EntryID:      msg.EntryID,
		Operation:    msg.Operation,
		Reason:       msg.Reason,
	}
	if _, err := w.repair(ctx, d); err != nil {
		return fmt.Errorf("repair %s: %w", msg.MembershipID, err)
	}
	return nil
}

// ProcessPending repairs up to one batch of open discrepancies.
func (w *RepairWorker) ProcessPending(ctx context.Context) error {
	_, _, err := w.sweep(ctx, w.batchSize)
	return err
}

// StartupCheck sweeps a larger batch to catch up after downtime.
func (w *RepairWorker) StartupCheck(ctx context.Context) error {
	repaired, failed, err := w.sweep(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("startup check: %w", err)
	}
	w.logger.InfoContext(ctx, "Startup repair check completed",
		"repaired", repaired,
		"errors", failed)
	return nil
}

// Run sweeps every interval until ctx ends.
func (w *RepairWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessPending(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic repair failed", log.FieldError, err)
			}
		}
	}
}

// sweep repairs each pair with open discrepancies once, since one repair
// closes every record of that pair.
func (w *RepairWorker) sweep(ctx context.Context, limit int) (repaired, failed int, err error) {
	open, err := w.store.ListOpenDiscrepancies(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list open discrepancies: %w", err)
	}
	if len(open) == 0 {
		return 0, 0, nil
	}
	w.logger.InfoContext(ctx, "Processing open discrepancies", "count", len(open))

	done := make(map[string]bool, len(open))
	for _, d := range open {
		if ctx.Err() != nil {
			return repaired, failed, ctx.Err()
		}
		key := d.MembershipID + "|" + core.MembershipKey(d.GroupID, d.UserID)
		if done[key] {
			continue
		}
		done[key] = true

		if _, err := w.repair(ctx, d); err != nil {
			failed++
			continue
		}
		repaired++
	}
	return repaired, failed, nil
}

func (w *RepairWorker) repair(ctx context.Context, d *core.Discrepancy) (*ledger.Reconciliation, error) {
	rec, err := w.repairer.Repair(ctx, d)
	if err != nil {
		w.logger.ErrorContext(ctx, "Repair failed",
			log.FieldDiscrepancyID, d.ID,
			log.FieldGroupID, d.GroupID,
			log.FieldUserID, d.UserID,
			log.FieldError, err)
		return nil, err
	}
	w.logger.InfoContext(ctx, "Membership repaired",
		log.FieldDiscrepancyID, d.ID,
		log.FieldGroupID, d.GroupID,
		log.FieldUserID, d.UserID,
		log.FieldDelta, rec.Drift().Dong,
		"orphans_removed", rec.OrphansRemoved,
		"resolved", rec.Resolved)
	return rec, nil
}
