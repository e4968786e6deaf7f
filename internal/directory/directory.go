// Package directory resolves (group, user) pairs to memberships and owns the
// running balance field on them.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/store"
)

type Directory struct {
	store  store.MembershipStore
	logger *log.Logger
}

func New(s store.MembershipStore, logger *log.Logger) *Directory {
	if logger == nil {
		logger = log.Discard()
	}
	return &Directory{store: s, logger: logger.WithComponent(log.ComponentDirectory)}
}

// Resolve returns the membership of userID in groupID, or core.ErrNotAMember.
func (d *Directory) Resolve(ctx context.Context, groupID, userID string) (*core.Membership, error) {
	m, err := d.store.FindMembership(ctx, groupID, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, core.ErrNotAMember
		}
		return nil, fmt.Errorf("resolve membership: %w", errors.Join(core.ErrStoreUnavailable, err))
	}
	return m, nil
}

// Get loads a membership by id.
func (d *Directory) Get(ctx context.Context, membershipID string) (*core.Membership, error) {
	m, err := d.store.GetMembership(ctx, membershipID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, core.ErrNotAMember
		}
		return nil, fmt.Errorf("get membership: %w", errors.Join(core.ErrStoreUnavailable, err))
	}
	return m, nil
}

// ApplyBalanceDelta atomically adds delta to the membership balance and
// returns the new balance.
func (d *Directory) ApplyBalanceDelta(ctx context.Context, membershipID string, delta core.Money) (core.Money, error) {
	balance, err := d.store.ApplyBalanceDelta(ctx, membershipID, delta)
	if err != nil {
		if store.IsNotFound(err) {
			return core.Money{}, core.ErrNotAMember
		}
		return core.Money{}, fmt.Errorf("apply balance delta: %w", errors.Join(core.ErrStoreUnavailable, err))
	}
	return balance, nil
}

// AddMember creates the membership of userID in groupID with the given
// opening balance.
func (d *Directory) AddMember(ctx context.Context, groupID, userID string, initial core.Money) (*core.Membership, error) {
	if groupID == "" || userID == "" {
		return nil, core.ErrInvalidMember
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate membership id: %w", err)
	}
	m := &core.Membership{
		ID:             id.String(),
		GroupID:        groupID,
		UserID:         userID,
		InitialBalance: initial,
		Balance:        initial,
	}
	if err := d.store.CreateMembership(ctx, m); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, core.ErrAlreadyMember
		}
		return nil, fmt.Errorf("add member: %w", errors.Join(core.ErrStoreUnavailable, err))
	}

	d.logger.InfoContext(ctx, "Member added",
		log.FieldGroupID, groupID,
		log.FieldUserID, userID,
		log.FieldMembershipID, m.ID,
		log.FieldAmount, initial.Dong)
	return m, nil
}

// Members lists the memberships of a group in join order.
func (d *Directory) Members(ctx context.Context, groupID string) ([]*core.Membership, error) {
	ms, err := d.store.ListMemberships(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", errors.Join(core.ErrStoreUnavailable, err))
	}
	return ms, nil
}

// GroupsOf lists the memberships of a user across all groups, oldest first.
func (d *Directory) GroupsOf(ctx context.Context, userID string) ([]*core.Membership, error) {
	if userID == "" {
		return nil, core.ErrInvalidMember
	}
	ms, err := d.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups of user: %w", errors.Join(core.ErrStoreUnavailable, err))
	}
	return ms, nil
}
