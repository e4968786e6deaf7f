// Package ledger keeps every membership balance equal to its opening balance
// minus the live expense entries attributed to it.
//
// Stores that implement store.Transactional get both writes of a mutation in
// one transaction. Every other store goes through a two-step protocol: the
// entry write comes first, the balance write second with bounded retry, and
// a failure the protocol cannot heal surfaces core.ErrLedgerInconsistent, is
// recorded as a Discrepancy and is announced to repair workers.
//
// Mutations of one membership are serialized by an in-process lock and, on
// non-transactional stores that implement store.Leaser, by a store lease so
// engines in other processes wait too.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chitieu/internal/core"
	"chitieu/internal/directory"
	"chitieu/internal/events"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

const tracerName = "chitieu/internal/ledger"

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts bounds every retried store write, first try included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *log.Logger
	Publisher      events.Publisher
	Now            func() time.Time
	// LeaseTTL bounds how long a crashed engine can keep a membership
	// leased. It must exceed the longest mutation, retries included.
	LeaseTTL time.Duration
	// LeaseWait bounds how long a mutation waits for another engine's lease.
	LeaseWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Discard()
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = o.LeaseTTL
	}
	return o
}

type Engine struct {
	store     store.Store
	tx        store.Transactional
	leaser    store.Leaser
	owner     string
	directory *directory.Directory
	locks     *keyedMutex
	opts      Options
	logger    *log.Logger
	events    *log.StructuredLogger
	tracer    trace.Tracer
}

func New(s store.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger.WithComponent(log.ComponentLedger)

	e := &Engine{
		store:     s,
		directory: directory.New(s, opts.Logger),
		locks:     newKeyedMutex(),
		owner:     uuid.NewString(),
		opts:      opts,
		logger:    logger,
		events:    log.NewStructuredLogger(logger),
		tracer:    otel.Tracer(tracerName),
	}
	if tx, ok := s.(store.Transactional); ok {
		e.tx = tx
	} else if l, ok := s.(store.Leaser); ok {
		e.leaser = l
	}
	return e
}

// Directory exposes the membership directory the engine resolves through.
func (e *Engine) Directory() *directory.Directory {
	return e.directory
}

// Transactional reports whether mutations run in native transactions.
func (e *Engine) Transactional() bool {
	return e.tx != nil
}

// lock serializes operations on one (group, user) pair, first within the
// process and then, when the store grants leases, across processes.
func (e *Engine) lock(ctx context.Context, groupID, userID string) (func(), error) {
	key := core.MembershipKey(groupID, userID)
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("wait for membership lock: %w", err)
	}
	if e.leaser == nil {
		return unlock, nil
	}

	if err := e.acquireLease(ctx, key); err != nil {
		unlock()
		return nil, err
	}
	return func() {
		if err := e.leaser.ReleaseLease(context.WithoutCancel(ctx), key, e.owner); err != nil {
			// It expires after LeaseTTL.
			e.logger.WarnContext(ctx, "Membership lease not released",
				log.FieldGroupID, groupID,
				log.FieldUserID, userID,
				log.FieldError, err)
		}
		unlock()
	}, nil
}

// acquireLease polls until the lease on key is ours or LeaseWait runs out.
func (e *Engine) acquireLease(ctx context.Context, key string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.leaser.AcquireLease(ctx, key, e.owner, e.opts.LeaseTTL)
		if err != nil && !errors.Is(err, store.ErrLeaseHeld) && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(e.opts.LeaseWait),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for membership lease: %w", ctx.Err())
		}
		return unavailable(fmt.Errorf("wait for membership lease: %w", err))
	}
	return nil
}

// retry runs fn up to MaxAttempts times with exponential backoff. Errors
// that another attempt cannot fix stop it early.
func (e *Engine) retry(ctx context.Context, what string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.WarnContext(ctx, "Store write failed, retrying",
				log.FieldOperation, what,
				log.FieldAttempt, attempt,
				log.FieldError, err,
				"wait", wait)
		}),
	)
	return err
}

func retryable(err error) bool {
	switch {
	case core.IsValidation(err),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, errAlreadyApplied),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// unavailable marks an infrastructure failure as core.ErrStoreUnavailable
// unless it already carries a domain error kind.
func unavailable(err error) error {
	if err == nil ||
		core.IsValidation(err) ||
		errors.Is(err, core.ErrLedgerInconsistent) ||
		errors.Is(err, core.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// inconsistent records a durable Discrepancy for m, announces it and returns
// the error the caller surfaces. It runs detached from ctx cancellation so a
// caller that gave up still leaves a trail for repair.
func (e *Engine) inconsistent(ctx context.Context, op string, m *core.Membership, entryID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	incErr := &core.InconsistencyError{
		Op:           op,
		MembershipID: m.ID,
		EntryID:      entryID,
		Err:          unavailable(cause),
	}
	e.events.LogInconsistency(ctx, op, m.GroupID, m.UserID, entryID, cause)

	id, err := newID()
	if err != nil {
		e.logger.ErrorContext(ctx, "Discrepancy not recorded", log.FieldError, err)
		return incErr
	}
	d := &core.Discrepancy{
		ID:           id,
		MembershipID: m.ID,
		GroupID:      m.GroupID,
		UserID:       m.UserID,
		EntryID:      entryID,
		Operation:    op,
		Reason:       cause.Error(),
	}
	if err := e.retry(ctx, "record_discrepancy", func() error { return e.store.RecordDiscrepancy(ctx, d) }); err != nil {
		e.logger.ErrorContext(ctx, "Discrepancy not recorded",
			log.FieldMembershipID, m.ID,
			log.FieldEntryID, entryID,
			log.FieldError, err)
	}

	if err := e.opts.Publisher.PublishInconsistency(ctx, events.NewInconsistency(d)); err != nil {
		e.logger.WarnContext(ctx, "Inconsistency notification not published",
			log.FieldDiscrepancyID, d.ID,
			log.FieldError, err)
	}
	return incErr
}

func (e *Engine) startSpan(ctx context.Context, name, groupID, userID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(
		attribute.String("ledger.group_id", groupID),
		attribute.String("ledger.user_id", userID),
		attribute.Bool("ledger.transactional", e.tx != nil),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
