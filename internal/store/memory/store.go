// Package memory is an in-process Record Store. It behaves like a document
// database without multi-document transactions, which makes it the reference
// backend for the ledger's two-step write protocol.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Leaser = (*Store)(nil)
)

type Store struct {
	mu            sync.Mutex
	clock         *store.Clock
	memberships   map[string]core.Membership
	entries       map[string]core.Entry
	discrepancies []core.Discrepancy
	leases        map[string]lease
	now           func() time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

func New() *Store {
	return NewWithClock(store.NewClock(nil))
}

// NewWithClock lets tests control creation timestamps.
func NewWithClock(clock *store.Clock) *Store {
	return &Store{
		clock:       clock,
		memberships: make(map[string]core.Membership),
		entries:     make(map[string]core.Entry),
		leases:      make(map[string]lease),
		now:         time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateMembership(_ context.Context, m *core.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[m.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range s.memberships {
		if existing.GroupID == m.GroupID && existing.UserID == m.UserID {
			return store.ErrConflict
		}
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.clock.Now()
	}
	s.memberships[m.ID] = *m
	return nil
}

func (s *Store) GetMembership(_ context.Context, id string) (*core.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) FindMembership(_ context.Context, groupID, userID string) (*core.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.memberships {
		if m.GroupID == groupID && m.UserID == userID {
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListMemberships(_ context.Context, groupID string) ([]*core.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Membership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) ListMembershipsByUser(_ context.Context, userID string) ([]*core.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) ApplyBalanceDelta(_ context.Context, id string, delta core.Money) (core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return core.Money{}, store.ErrNotFound
	}
	m.Balance = m.Balance.Add(delta)
	m.Version++
	s.memberships[id] = m
	return m.Balance, nil
}

func (s *Store) SetBalance(_ context.Context, id string, expectedVersion int64, balance core.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	m.Balance = balance
	m.Version++
	s.memberships[id] = m
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.memberships, id)
	return nil
}

func (s *Store) CreateEntry(_ context.Context, e *core.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return store.ErrConflict
	}
	now := s.clock.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1
	s.entries[e.ID] = *e
	return nil
}

func (s *Store) GetEntry(_ context.Context, id string) (*core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (s *Store) UpdateEntry(_ context.Context, e *core.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != e.Version {
		return store.ErrVersionConflict
	}
	cur.Amount = e.Amount
	cur.Description = e.Description
	cur.UpdatedAt = s.clock.Now()
	cur.Version++
	s.entries[e.ID] = cur

	e.UpdatedAt = cur.UpdatedAt
	e.Version = cur.Version
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) ListEntriesByGroup(_ context.Context, groupID string) ([]*core.Entry, error) {
	return s.listEntries(func(e core.Entry) bool { return e.GroupID == groupID }), nil
}

func (s *Store) ListEntriesByMember(_ context.Context, groupID, userID string) ([]*core.Entry, error) {
	return s.listEntries(func(e core.Entry) bool { return e.BelongsTo(groupID, userID) }), nil
}

func (s *Store) listEntries(match func(core.Entry) bool) []*core.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Entry
	for _, e := range s.entries {
		if match(e) {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) DeleteEntries(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil, nil
}

func (s *Store) RecordDiscrepancy(_ context.Context, d *core.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	s.discrepancies = append(s.discrepancies, *d)
	return nil
}

func (s *Store) ListOpenDiscrepancies(_ context.Context, limit int) ([]*core.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Discrepancy
	for _, d := range s.discrepancies {
		if d.IsResolved() {
			continue
		}
		d := d
		out = append(out, &d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ResolveDiscrepancies(_ context.Context, membershipID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.discrepancies {
		d := &s.discrepancies[i]
		if d.MembershipID == membershipID && !d.IsResolved() {
			d.ResolvedAt = at
			n++
		}
	}
	return n, nil
}

func (s *Store) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return store.ErrLeaseHeld
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}
