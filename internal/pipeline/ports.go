package pipeline

import (
	"context"
	"time"
)

// Fetcher retrieves a URL's raw bytes and status. Implementations enforce the
// per-call timeout carried on the request and classify failures as
// *FetchError where possible.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (RawCrawlResult, error)
}

// IdempotencyStore grants at-most-one in-flight lease per key. TryAcquire is
// atomic check-and-set; if the backing store is unreachable it must fail
// closed with a distinguishable error rather than granting the lease.
// Release verifies ownership and is safe to call more than once.
type IdempotencyStore interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// CacheStorage memoizes extraction payloads keyed by content digest. The
// second return value of Get reports a hit; a miss is not an error.
type CacheStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Clock returns the current time; injected so tests control it.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl and event identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
