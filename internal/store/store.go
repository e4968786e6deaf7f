// Package store defines the Record Store contract the ledger persists through.
//
// Implementations offer single-document atomic writes. Multi-document
// atomicity is optional and advertised by implementing Transactional.
package store

import (
	"context"
	"errors"
	"time"

	"chitieu/internal/core"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("store: conflict")
	// ErrVersionConflict is returned when a conditional write lost a race.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrLeaseHeld is returned when another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("store: lease held")
)

type (
	MembershipStore interface {
		CreateMembership(ctx context.Context, m *core.Membership) error
		GetMembership(ctx context.Context, id string) (*core.Membership, error)
		FindMembership(ctx context.Context, groupID, userID string) (*core.Membership, error)
		ListMemberships(ctx context.Context, groupID string) ([]*core.Membership, error)
		// ListMembershipsByUser filters on user in the store, oldest first.
		ListMembershipsByUser(ctx context.Context, userID string) ([]*core.Membership, error)
		// ApplyBalanceDelta atomically adds delta to the balance, bumps the
		// version and returns the new balance.
		ApplyBalanceDelta(ctx context.Context, id string, delta core.Money) (core.Money, error)
		// SetBalance overwrites the balance if the stored version still
		// equals expectedVersion.
		SetBalance(ctx context.Context, id string, expectedVersion int64, balance core.Money) error
		DeleteMembership(ctx context.Context, id string) error
	}

	EntryStore interface {
		// CreateEntry persists e and assigns CreatedAt, UpdatedAt and Version.
		CreateEntry(ctx context.Context, e *core.Entry) error
		GetEntry(ctx context.Context, id string) (*core.Entry, error)
		// UpdateEntry overwrites amount and description if the stored version
		// equals e.Version. On success e.Version and e.UpdatedAt are advanced.
		UpdateEntry(ctx context.Context, e *core.Entry) error
		DeleteEntry(ctx context.Context, id string, expectedVersion int64) error
		// ListEntriesByGroup returns entries newest first.
		ListEntriesByGroup(ctx context.Context, groupID string) ([]*core.Entry, error)
		// ListEntriesByMember filters on group and user in the store.
		ListEntriesByMember(ctx context.Context, groupID, userID string) ([]*core.Entry, error)
		// DeleteEntries removes the given entries best effort and returns the
		// ids that were not removed.
		DeleteEntries(ctx context.Context, ids []string) ([]string, error)
	}

	DiscrepancyStore interface {
		RecordDiscrepancy(ctx context.Context, d *core.Discrepancy) error
		ListOpenDiscrepancies(ctx context.Context, limit int) ([]*core.Discrepancy, error)
		ResolveDiscrepancies(ctx context.Context, membershipID string, at time.Time) (int, error)
	}

	// Store is the full Record Store.
	Store interface {
		MembershipStore
		EntryStore
		DiscrepancyStore
		Ping(ctx context.Context) error
		Close() error
	}

	// Transactional is implemented by stores that can run several writes as
	// one all-or-nothing unit. fn receives a Store bound to the transaction;
	// returning an error rolls everything back.
	Transactional interface {
		InTx(ctx context.Context, fn func(tx Store) error) error
	}

	// Leaser is implemented by stores that can grant a short exclusive lease
	// on a key to one owner at a time, across every process sharing the
	// store. AcquireLease renews a lease the owner already holds and returns
	// ErrLeaseHeld while another owner's lease has not expired.
	// ReleaseLease only drops a lease held by owner.
	Leaser interface {
		AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) error
		ReleaseLease(ctx context.Context, key, owner string) error
	}
)

// IsNotFound reports whether err means the document is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
