package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tkrajewski/undertow/internal/breaker"
	cachemem "github.com/tkrajewski/undertow/internal/cache/memory"
	"github.com/tkrajewski/undertow/internal/hash/sha256"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func TestCached_SecondIdenticalBodySkipsStrategy(t *testing.T) {
	t.Parallel()

	inner := &stubStrategy{name: "css", handles: true}
	cache := cachemem.New(&tickClock{now: time.Unix(1000, 0)})
	c := NewCached(inner, cache, sha256.New(), time.Hour, nil)

	ctx := context.Background()
	body := []byte("<html><body>same bytes</body></html>")

	first, err := c.Extract(ctx, pipeline.RawCrawlResult{URL: "https://a.example/1", Body: body})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	// Same body at a different URL hits the cache; SourceURL follows the
	// request, not the cached entry.
	second, err := c.Extract(ctx, pipeline.RawCrawlResult{URL: "https://a.example/2", Body: body})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, "https://a.example/2", second.SourceURL)
	require.Equal(t, first.Payload, second.Payload)
}

func TestCached_DistinctBodiesMiss(t *testing.T) {
	t.Parallel()

	inner := &stubStrategy{name: "css", handles: true}
	c := NewCached(inner, cachemem.New(&tickClock{now: time.Unix(1000, 0)}), sha256.New(), time.Hour, nil)

	ctx := context.Background()
	_, err := c.Extract(ctx, pipeline.RawCrawlResult{URL: "u1", Body: []byte("one")})
	require.NoError(t, err)
	_, err = c.Extract(ctx, pipeline.RawCrawlResult{URL: "u2", Body: []byte("two")})
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestCached_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	boom := pipeline.NewExtractionError("u", "css", pipeline.ExtractParseError, errors.New("boom"))
	inner := &stubStrategy{name: "css", handles: true, err: boom}
	cache := cachemem.New(&tickClock{now: time.Unix(1000, 0)})
	c := NewCached(inner, cache, sha256.New(), time.Hour, nil)

	ctx := context.Background()
	body := []byte("body")
	_, err := c.Extract(ctx, pipeline.RawCrawlResult{URL: "u", Body: body})
	require.Error(t, err)
	require.Zero(t, cache.Len())

	// The strategy recovers; the next call re-runs it instead of replaying
	// the failure.
	inner.err = nil
	res, err := c.Extract(ctx, pipeline.RawCrawlResult{URL: "u", Body: body})
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
	require.Equal(t, pipeline.PayloadMatches, res.Payload.Kind)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}

func TestCached_BrokenCacheDegradesToPassThrough(t *testing.T) {
	t.Parallel()

	inner := &stubStrategy{name: "css", handles: true}
	c := NewCached(inner, failingCache{}, sha256.New(), time.Hour, nil)

	res, err := c.Extract(context.Background(), pipeline.RawCrawlResult{URL: "u", Body: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, "css", res.Strategy)
	require.Equal(t, 1, inner.calls)
}

func TestGuarded_OpenCircuitFailsFastAsDependencyUnavailable(t *testing.T) {
	t.Parallel()

	inner := &stubStrategy{name: "headless", handles: true, err: errors.New("renderer down")}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		OpenBase:         time.Minute,
	}, nil)
	g := NewGuarded(inner, breakers)

	ctx := context.Background()
	raw := pipeline.RawCrawlResult{URL: "https://example.com/x", Body: []byte("b")}

	for i := 0; i < 2; i++ {
		_, err := g.Extract(ctx, raw)
		require.Error(t, err)
	}
	require.Equal(t, 2, inner.calls)

	// Circuit is now open: the strategy is not invoked again.
	_, err := g.Extract(ctx, raw)
	require.Error(t, err)
	require.Equal(t, 2, inner.calls)
	require.True(t, breaker.IsOpen(err))

	xe, ok := pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractDependencyUnavailable, xe.Kind)
}

func TestGuarded_IsolatesStrategies(t *testing.T) {
	t.Parallel()

	failing := &stubStrategy{name: "headless", handles: true, err: errors.New("down")}
	healthy := &stubStrategy{name: "css", handles: true}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		OpenBase:         time.Minute,
	}, nil)

	ctx := context.Background()
	raw := pipeline.RawCrawlResult{URL: "u", Body: []byte("b")}

	_, err := NewGuarded(failing, breakers).Extract(ctx, raw)
	require.Error(t, err)

	res, err := NewGuarded(healthy, breakers).Extract(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "css", res.Strategy)
}
