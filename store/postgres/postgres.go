// Package postgres provides a PostgreSQL-backed CounterStore and SetStore.
//
// Counters use a conditional UPSERT so the saturating increment is a single
// statement; device sets use a transaction with a row lock on the set owner.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/neutralgate"
)

// Store is a PostgreSQL-backed CounterStore and SetStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ neutralgate.CounterStore = (*Store)(nil)
	_ neutralgate.SetStore     = (*Store)(nil)
	_ neutralgate.Sweeper      = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "neutralgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "neutralgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) countersTable() string { return s.tablePrefix + "counters" }
func (s *Store) setsTable() string     { return s.tablePrefix + "set_members" }
func (s *Store) ownersTable() string   { return s.tablePrefix + "set_owners" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0,
			expire_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (key, member)
		);
	`, s.countersTable(), s.ownersTable(), s.setsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("neutralgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the counter value, treating expired rows as absent.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expire_at IS NULL OR expire_at > now())`,
			s.countersTable()),
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("neutralgate/postgres: get: %w", err)
	}
	return value, nil
}

// Increment performs a saturating increment. An expired row restarts from 1.
func (s *Store) Increment(ctx context.Context, key string, ceiling int64, expireAt time.Time) (int64, bool, error) {
	var exp *time.Time
	if !expireAt.IsZero() {
		e := expireAt.UTC()
		exp = &e
	}

	if ceiling <= 0 {
		v, err := s.Get(ctx, key)
		return v, false, err
	}

	var value int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS c (key, value, expire_at) VALUES ($1, 1, $3)
			ON CONFLICT (key) DO UPDATE SET
				value = CASE WHEN c.expire_at IS NOT NULL AND c.expire_at <= now() THEN 1 ELSE c.value + 1 END,
				expire_at = COALESCE($3, c.expire_at)
			WHERE (c.expire_at IS NOT NULL AND c.expire_at <= now()) OR c.value < $2
			RETURNING value`, s.countersTable()),
		key, ceiling, exp,
	).Scan(&value)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row exists and is saturated.
		v, err := s.Get(ctx, key)
		return v, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("neutralgate/postgres: increment: %w", err)
	}
	return value, true, nil
}

// ExpireAt sets the expiry of an existing counter.
func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET expire_at = $1 WHERE key = $2`, s.countersTable()),
		at.UTC(), key,
	)
	if err != nil {
		return fmt.Errorf("neutralgate/postgres: expireat: %w", err)
	}
	return nil
}

// AddBounded adds member to the set at key if it is present or the set has room.
func (s *Store) AddBounded(ctx context.Context, key, member string, max int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("neutralgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize writers for the same set on the owner row.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING`, s.ownersTable()),
		key,
	); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: upsert owner: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`SELECT key FROM %s WHERE key = $1 FOR UPDATE`, s.ownersTable()),
		key,
	); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: lock owner: %w", err)
	}

	var present bool
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1 AND member = $2)`, s.setsTable()),
		key, member,
	).Scan(&present); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: check member: %w", err)
	}
	if present {
		return true, nil
	}

	var count int
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = $1`, s.setsTable()),
		key,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: count members: %w", err)
	}
	if count >= max {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, member) VALUES ($1, $2)`, s.setsTable()),
		key, member,
	); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: add member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("neutralgate/postgres: commit: %w", err)
	}
	return true, nil
}

// Members returns the members of the set at key in insertion order.
func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT member FROM %s WHERE key = $1 ORDER BY created_at`, s.setsTable()),
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("neutralgate/postgres: members: %w", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("neutralgate/postgres: members: %w", err)
	}
	return members, nil
}

// Sweep deletes expired counters.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expire_at IS NOT NULL AND expire_at <= $1`, s.countersTable()),
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("neutralgate/postgres: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
