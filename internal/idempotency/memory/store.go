// Package memory provides an in-process idempotency store for tests and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tkrajewski/undertow/internal/idempotency"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// Store keeps leases in a map guarded by a mutex. Expired entries are
// reclaimed lazily on the next acquisition attempt for the same key.
type Store struct {
	clock pipeline.Clock
	ids   pipeline.IDGenerator

	mu     sync.Mutex
	leases map[string]entry
}

// New builds a Store. Clock and IDGenerator are injected so tests can drive
// expiry deterministically.
func New(clock pipeline.Clock, ids pipeline.IDGenerator) *Store {
	return &Store{
		clock:  clock,
		ids:    ids,
		leases: make(map[string]entry),
	}
}

// TryAcquire claims the key for ttl. A live lease on the same key yields
// ErrAlreadyHeld; an expired one is reclaimed atomically.
func (s *Store) TryAcquire(ctx context.Context, key string, ttl time.Duration) (pipeline.Lease, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.leases[key]; ok && existing.expiresAt.After(now) {
		return pipeline.Lease{}, fmt.Errorf("acquire lease %q: %w", key, idempotency.ErrAlreadyHeld)
	}
	s.leases[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	return pipeline.Lease{
		Key:        key,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Release drops the lease if it is still owned by the caller. Releasing a
// lease that expired and was re-acquired by someone else is a no-op, as is
// releasing twice.
func (s *Store) Release(_ context.Context, lease pipeline.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[lease.Key]
	if !ok || existing.owner != lease.Owner {
		return nil
	}
	delete(s.leases, lease.Key)
	return nil
}
