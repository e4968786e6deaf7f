package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/events"
	"chitieu/internal/log"
	"chitieu/internal/store"
	"chitieu/internal/store/memory"
	"chitieu/internal/store/sqlite"
)

var errInjected = errors.New("injected store failure")

// faultyStore wraps a store and fails chosen methods a set number of times.
// A "lost" failure applies the write and then reports an error, like a reply
// dropped on the way back.
type faultyStore struct {
	store.Store

	mu    sync.Mutex
	fails map[string]int
	lost  map[string]int
	calls map[string]int
}

func newFaultyStore(s store.Store) *faultyStore {
	return &faultyStore{
		Store: s,
		fails: map[string]int{},
		lost:  map[string]int{},
		calls: map[string]int{},
	}
}

func (f *faultyStore) failNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[method] = n
}

func (f *faultyStore) loseNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[method] = n
}

func (f *faultyStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faultyStore) hit(method string) (fail, lost bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.fails[method] > 0 {
		f.fails[method]--
		return true, false
	}
	if f.lost[method] > 0 {
		f.lost[method]--
		return false, true
	}
	return false, false
}

func (f *faultyStore) CreateEntry(ctx context.Context, e *core.Entry) error {
	fail, lost := f.hit("CreateEntry")
	if fail {
		return errInjected
	}
	if err := f.Store.CreateEntry(ctx, e); err != nil || !lost {
		return err
	}
	return errInjected
}

func (f *faultyStore) GetEntry(ctx context.Context, id string) (*core.Entry, error) {
	if fail, _ := f.hit("GetEntry"); fail {
		return nil, errInjected
	}
	return f.Store.GetEntry(ctx, id)
}

func (f *faultyStore) UpdateEntry(ctx context.Context, e *core.Entry) error {
	fail, lost := f.hit("UpdateEntry")
	if fail {
		return errInjected
	}
	if err := f.Store.UpdateEntry(ctx, e); err != nil || !lost {
		return err
	}
	// The caller never saw the new version.
	e.Version--
	return errInjected
}

func (f *faultyStore) DeleteEntry(ctx context.Context, id string, expectedVersion int64) error {
	fail, lost := f.hit("DeleteEntry")
	if fail {
		return errInjected
	}
	if err := f.Store.DeleteEntry(ctx, id, expectedVersion); err != nil || !lost {
		return err
	}
	return errInjected
}

func (f *faultyStore) DeleteEntries(ctx context.Context, ids []string) ([]string, error) {
	if fail, _ := f.hit("DeleteEntries"); fail {
		return ids, errInjected
	}
	return f.Store.DeleteEntries(ctx, ids)
}

func (f *faultyStore) ApplyBalanceDelta(ctx context.Context, id string, delta core.Money) (core.Money, error) {
	fail, lost := f.hit("ApplyBalanceDelta")
	if fail {
		return core.Money{}, errInjected
	}
	b, err := f.Store.ApplyBalanceDelta(ctx, id, delta)
	if err != nil || !lost {
		return b, err
	}
	return core.Money{}, errInjected
}

func (f *faultyStore) SetBalance(ctx context.Context, id string, expectedVersion int64, balance core.Money) error {
	if fail, _ := f.hit("SetBalance"); fail {
		return errInjected
	}
	return f.Store.SetBalance(ctx, id, expectedVersion, balance)
}

func (f *faultyStore) DeleteMembership(ctx context.Context, id string) error {
	if fail, _ := f.hit("DeleteMembership"); fail {
		return errInjected
	}
	return f.Store.DeleteMembership(ctx, id)
}

func (f *faultyStore) ListEntriesByMember(ctx context.Context, groupID, userID string) ([]*core.Entry, error) {
	if fail, _ := f.hit("ListEntriesByMember"); fail {
		return nil, errInjected
	}
	return f.Store.ListEntriesByMember(ctx, groupID, userID)
}

// faultyTx makes a transactional store fail whole transactions.
type faultyTx struct {
	*sqlite.Store

	mu sync.Mutex
	// fails aborts the transaction before fn runs.
	fails int
	// lost commits and then reports an error.
	lost int
}

func (f *faultyTx) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	f.mu.Lock()
	fail, lost := f.fails > 0, false
	if fail {
		f.fails--
	} else if f.lost > 0 {
		f.lost--
		lost = true
	}
	f.mu.Unlock()

	if fail {
		return errInjected
	}
	if err := f.Store.InTx(ctx, fn); err != nil || !lost {
		return err
	}
	return errInjected
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Inconsistency
	err    error
}

func (p *recordingPublisher) PublishInconsistency(_ context.Context, msg *events.Inconsistency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []*events.Inconsistency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.Inconsistency(nil), p.events...)
}

func testOptions(pub events.Publisher) Options {
	return Options{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Logger:         log.Discard(),
		Publisher:      pub,
	}
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs the same test against the two-step and the transactional
// protocol.
var backends = []struct {
	name string
	new  func(t *testing.T) store.Store
}{
	{"memory", func(*testing.T) store.Store { return memory.New() }},
	{"sqlite", func(t *testing.T) store.Store { return newSQLiteStore(t) }},
}

func addMember(t *testing.T, e *Engine, groupID, userID string, initial int64) *core.Membership {
	t.Helper()
	m, err := e.Directory().AddMember(context.Background(), groupID, userID, core.VND(initial))
	if err != nil {
		t.Fatalf("AddMember(%s, %s): %v", groupID, userID, err)
	}
	return m
}

func balanceOf(t *testing.T, s store.Store, groupID, userID string) core.Money {
	t.Helper()
	m, err := s.FindMembership(context.Background(), groupID, userID)
	if err != nil {
		t.Fatalf("FindMembership: %v", err)
	}
	return m.Balance
}

// assertConsistent checks the stored balance against the live entries.
func assertConsistent(t *testing.T, s store.Store, groupID, userID string) {
	t.Helper()
	ctx := context.Background()
	m, err := s.FindMembership(ctx, groupID, userID)
	if err != nil {
		t.Fatalf("FindMembership: %v", err)
	}
	entries, err := s.ListEntriesByMember(ctx, groupID, userID)
	if err != nil {
		t.Fatalf("ListEntriesByMember: %v", err)
	}
	var live []*core.Entry
	for _, e := range entries {
		if e.MembershipID == m.ID {
			live = append(live, e)
		}
	}
	if want := m.ExpectedBalance(live); m.Balance != want {
		t.Fatalf("balance %d does not match entries, expected %d", m.Balance.Dong, want.Dong)
	}
}
