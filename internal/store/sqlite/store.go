// Package sqlite is a Record Store on an embedded SQLite database. It supports
// native transactions, so the ledger runs each mutation as one unit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/store"

	_ "modernc.org/sqlite"
)

var (
	_ store.Store         = (*Store)(nil)
	_ store.Transactional = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db    *sql.DB
	q     querier
	clock *store.Clock
	inTx  bool
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; transactions hold the only connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, q: db, clock: store.NewClock(nil)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.inTx || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx implements store.Transactional.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Store{db: s.db, q: tx, clock: s.clock, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const membershipColumns = `id, group_id, user_id, initial_balance, balance, version, joined_at`

func (s *Store) CreateMembership(ctx context.Context, m *core.Membership) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.clock.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO memberships (`+membershipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.UserID, m.InitialBalance.Dong, m.Balance.Dong, m.Version, m.JoinedAt.UnixMicro())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (*core.Membership, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id)
	m, err := scanMembership(row)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (s *Store) FindMembership(ctx context.Context, groupID, userID string) (*core.Membership, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE group_id = ? AND user_id = ?`, groupID, userID)
	m, err := scanMembership(row)
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return m, nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE group_id = ? ORDER BY joined_at`, groupID)
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE user_id = ? ORDER BY joined_at`, userID)
}

func (s *Store) listMemberships(ctx context.Context, query string, arg any) ([]*core.Membership, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []*core.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, id string, delta core.Money) (core.Money, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx,
		`UPDATE memberships SET balance = balance + ?, version = version + 1 WHERE id = ? RETURNING balance`,
		delta.Dong, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Money{}, store.ErrNotFound
		}
		return core.Money{}, fmt.Errorf("apply balance delta: %w", err)
	}
	return core.Money{Dong: balance}, nil
}

func (s *Store) SetBalance(ctx context.Context, id string, expectedVersion int64, balance core.Money) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE memberships SET balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
		balance.Dong, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return s.checkConditional(ctx, res, `SELECT 1 FROM memberships WHERE id = ?`, id)
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM memberships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const entryColumns = `id, group_id, user_id, membership_id, amount, description, created_at, updated_at, version`

func (s *Store) CreateEntry(ctx context.Context, e *core.Entry) error {
	now := s.clock.Now()
	e.CreatedAt, e.UpdatedAt, e.Version = now, now, 1

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.UserID, e.MembershipID, e.Amount.Dong, e.Description,
		e.CreatedAt.UnixMicro(), e.UpdatedAt.UnixMicro(), e.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*core.Entry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateEntry(ctx context.Context, e *core.Entry) error {
	updatedAt := s.clock.Now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE entries SET amount = ?, description = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		e.Amount.Dong, e.Description, updatedAt.UnixMicro(), e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM entries WHERE id = ?`, e.ID); err != nil {
		return err
	}
	e.UpdatedAt = updatedAt
	e.Version++
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM entries WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return s.checkConditional(ctx, res, `SELECT 1 FROM entries WHERE id = ?`, id)
}

func (s *Store) ListEntriesByGroup(ctx context.Context, groupID string) ([]*core.Entry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE group_id = ? ORDER BY created_at DESC`, groupID)
}

func (s *Store) ListEntriesByMember(ctx context.Context, groupID, userID string) ([]*core.Entry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE group_id = ? AND user_id = ? ORDER BY created_at DESC`,
		groupID, userID)
}

func (s *Store) listEntries(ctx context.Context, query string, args ...any) ([]*core.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntries(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM entries WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return ids, fmt.Errorf("delete entries: %w", err)
	}
	return nil, nil
}

func (s *Store) RecordDiscrepancy(ctx context.Context, d *core.Discrepancy) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO discrepancies (id, membership_id, group_id, user_id, entry_id, operation, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MembershipID, d.GroupID, d.UserID, d.EntryID, d.Operation, d.Reason, d.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	return nil
}

func (s *Store) ListOpenDiscrepancies(ctx context.Context, limit int) ([]*core.Discrepancy, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, membership_id, group_id, user_id, entry_id, operation, reason, created_at
		 FROM discrepancies WHERE resolved_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*core.Discrepancy
	for rows.Next() {
		var (
			d         core.Discrepancy
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.MembershipID, &d.GroupID, &d.UserID, &d.EntryID, &d.Operation, &d.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDiscrepancies(ctx context.Context, membershipID string, at time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE discrepancies SET resolved_at = ? WHERE membership_id = ? AND resolved_at IS NULL`,
		at.UnixMicro(), membershipID)
	if err != nil {
		return 0, fmt.Errorf("resolve discrepancies: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// checkConditional turns a zero-row conditional write into ErrNotFound or
// ErrVersionConflict depending on whether the row exists.
func (s *Store) checkConditional(ctx context.Context, res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := s.q.QueryRowContext(ctx, existsQuery, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("check existence: %w", err)
	}
	return store.ErrVersionConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMembership(row scanner) (*core.Membership, error) {
	var (
		m        core.Membership
		joinedAt int64
	)
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.InitialBalance.Dong, &m.Balance.Dong, &m.Version, &joinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.JoinedAt = time.UnixMicro(joinedAt).UTC()
	return &m, nil
}

func scanEntry(row scanner) (*core.Entry, error) {
	var (
		e                    core.Entry
		createdAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &e.GroupID, &e.UserID, &e.MembershipID, &e.Amount.Dong, &e.Description, &createdAt, &updatedAt, &e.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	e.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &e, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
