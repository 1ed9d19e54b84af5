// Package postgres provides a Postgres-backed idempotency store for
// multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tkrajewski/undertow/internal/idempotency"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool behind the store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store claims leases via a single atomic upsert, so two concurrent
// acquisitions of the same key can never both succeed.
type Store struct {
	pool  querier
	table string
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// New connects a pool and builds a Store.
func New(ctx context.Context, cfg Config, clock pipeline.Clock, ids pipeline.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("idempotency.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newWithPool(pool, cfg.Table, clock, ids)
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(pool querier, table string, clock pipeline.Clock, ids pipeline.IDGenerator) (*Store, error) {
	return newWithPool(pool, table, clock, ids)
}

func newWithPool(pool querier, table string, clock pipeline.Clock, ids pipeline.IDGenerator) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "idempotency_leases"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAcquire claims the key with one upsert: the insert wins outright, or the
// update reclaims an expired row. No row back means the key is live elsewhere.
// Transport failures surface as ErrStoreUnavailable so callers fail closed.
func (s *Store) TryAcquire(ctx context.Context, key string, ttl time.Duration) (pipeline.Lease, error) {
	if key == "" {
		return pipeline.Lease{}, fmt.Errorf("acquire lease: key is required")
	}
	if ttl <= 0 {
		return pipeline.Lease{}, fmt.Errorf("acquire lease: ttl must be > 0")
	}
	owner, err := s.ids.NewID()
	if err != nil {
		return pipeline.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	now := s.clock.Now()
	expires := now.Add(ttl)

	query := fmt.Sprintf(`
INSERT INTO %s (key, owner, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
WHERE %s.expires_at <= $3
RETURNING owner`, s.table, s.table)

	var got string
	err = s.pool.QueryRow(ctx, query, key, owner, now, expires).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return pipeline.Lease{}, fmt.Errorf("acquire lease %q: %w", key, idempotency.ErrAlreadyHeld)
	case err != nil:
		return pipeline.Lease{}, fmt.Errorf("acquire lease %q: %w: %v", key, idempotency.ErrStoreUnavailable, err)
	}
	return pipeline.Lease{
		Key:        key,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  expires,
	}, nil
}

// Release deletes the row only when the caller still owns it, so a lease that
// expired and was re-acquired elsewhere is left alone. Zero rows affected is
// the idempotent-release case, not an error.
func (s *Store) Release(ctx context.Context, lease pipeline.Lease) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND owner = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, lease.Key, lease.Owner); err != nil {
		return fmt.Errorf("release lease %q: %w: %v", lease.Key, idempotency.ErrStoreUnavailable, err)
	}
	return nil
}
