// Package postgres is a Record Store on PostgreSQL through a pgx connection
// pool. Like the SQLite backend it runs ledger mutations in native
// transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chitieu/internal/core"
	"chitieu/internal/store"
)

var (
	_ store.Store         = (*Store)(nil)
	_ store.Transactional = (*Store)(nil)
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool  *pgxpool.Pool
	q     querier
	clock *store.Clock
	inTx  bool
}

// New migrates the database at dsn and opens a connection pool to it.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, q: pool, clock: store.NewClock(nil)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if !s.inTx {
		s.pool.Close()
	}
	return nil
}

// InTx implements store.Transactional.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{pool: s.pool, q: tx, clock: s.clock, inTx: true})
	})
}

const membershipColumns = `id, group_id, user_id, initial_balance, balance, version, joined_at`

func (s *Store) CreateMembership(ctx context.Context, m *core.Membership) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.clock.Now()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO memberships (`+membershipColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.GroupID, m.UserID, m.InitialBalance.Dong, m.Balance.Dong, m.Version, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (*core.Membership, error) {
	m, err := scanMembership(s.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (s *Store) FindMembership(ctx context.Context, groupID, userID string) (*core.Membership, error) {
	m, err := scanMembership(s.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID))
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return m, nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE group_id = $1 ORDER BY joined_at`, groupID)
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1 ORDER BY joined_at`, userID)
}

func (s *Store) listMemberships(ctx context.Context, query string, arg any) ([]*core.Membership, error) {
	rows, err := s.q.Query(ctx, query, arg)
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
	err := s.q.QueryRow(ctx,
		`UPDATE memberships SET balance = balance + $1, version = version + 1 WHERE id = $2 RETURNING balance`,
		delta.Dong, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Money{}, store.ErrNotFound
		}
		return core.Money{}, fmt.Errorf("apply balance delta: %w", err)
	}
	return core.Money{Dong: balance}, nil
}

func (s *Store) SetBalance(ctx context.Context, id string, expectedVersion int64, balance core.Money) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE memberships SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		balance.Dong, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return s.checkConditional(ctx, tag, `SELECT 1 FROM memberships WHERE id = $1`, id)
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM memberships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const entryColumns = `id, group_id, user_id, membership_id, amount, description, created_at, updated_at, version`

func (s *Store) CreateEntry(ctx context.Context, e *core.Entry) error {
	now := s.clock.Now()
	e.CreatedAt, e.UpdatedAt, e.Version = now, now, 1

	_, err := s.q.Exec(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.GroupID, e.UserID, e.MembershipID, e.Amount.Dong, e.Description, e.CreatedAt, e.UpdatedAt, e.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*core.Entry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateEntry(ctx context.Context, e *core.Entry) error {
	updatedAt := s.clock.Now()
	tag, err := s.q.Exec(ctx,
		`UPDATE entries SET amount = $1, description = $2, updated_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		e.Amount.Dong, e.Description, updatedAt, e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if err := s.checkConditional(ctx, tag, `SELECT 1 FROM entries WHERE id = $1`, e.ID); err != nil {
		return err
	}
	e.UpdatedAt = updatedAt
	e.Version++
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM entries WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return s.checkConditional(ctx, tag, `SELECT 1 FROM entries WHERE id = $1`, id)
}

func (s *Store) ListEntriesByGroup(ctx context.Context, groupID string) ([]*core.Entry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE group_id = $1 ORDER BY created_at DESC`, groupID)
}

func (s *Store) ListEntriesByMember(ctx context.Context, groupID, userID string) ([]*core.Entry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE group_id = $1 AND user_id = $2 ORDER BY created_at DESC`,
		groupID, userID)
}

func (s *Store) listEntries(ctx context.Context, query string, args ...any) ([]*core.Entry, error) {
	rows, err := s.q.Query(ctx, query, args...)
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
	if _, err := s.q.Exec(ctx, `DELETE FROM entries WHERE id = ANY($1)`, ids); err != nil {
		return ids, fmt.Errorf("delete entries: %w", err)
	}
	return nil, nil
}

func (s *Store) RecordDiscrepancy(ctx context.Context, d *core.Discrepancy) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO discrepancies (id, membership_id, group_id, user_id, entry_id, operation, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.MembershipID, d.GroupID, d.UserID, d.EntryID, d.Operation, d.Reason, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	return nil
}

func (s *Store) ListOpenDiscrepancies(ctx context.Context, limit int) ([]*core.Discrepancy, error) {
	query := `SELECT id, membership_id, group_id, user_id, entry_id, operation, reason, created_at
		FROM discrepancies WHERE resolved_at IS NULL ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*core.Discrepancy
	for rows.Next() {
		var d core.Discrepancy
		if err := rows.Scan(&d.ID, &d.MembershipID, &d.GroupID, &d.UserID, &d.EntryID, &d.Operation, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDiscrepancies(ctx context.Context, membershipID string, at time.Time) (int, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE discrepancies SET resolved_at = $1 WHERE membership_id = $2 AND resolved_at IS NULL`,
		at, membershipID)
	if err != nil {
		return 0, fmt.Errorf("resolve discrepancies: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// checkConditional turns a zero-row conditional write into ErrNotFound or
// ErrVersionConflict depending on whether the row exists.
func (s *Store) checkConditional(ctx context.Context, tag pgconn.CommandTag, existsQuery, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	if err := s.q.QueryRow(ctx, existsQuery, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("check existence: %w", err)
	}
	return store.ErrVersionConflict
}

func scanMembership(row pgx.Row) (*core.Membership, error) {
	var m core.Membership
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.InitialBalance.Dong, &m.Balance.Dong, &m.Version, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.JoinedAt = m.JoinedAt.UTC()
	return &m, nil
}

func scanEntry(row pgx.Row) (*core.Entry, error) {
	var e core.Entry
	err := row.Scan(&e.ID, &e.GroupID, &e.UserID, &e.MembershipID, &e.Amount.Dong, &e.Description, &e.CreatedAt, &e.UpdatedAt, &e.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
