package facade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/breaker"
	"github.com/tkrajewski/undertow/internal/events"
	eventsmem "github.com/tkrajewski/undertow/internal/events/memory"
	"github.com/tkrajewski/undertow/internal/extract"
	"github.com/tkrajewski/undertow/internal/idempotency"
	idemem "github.com/tkrajewski/undertow/internal/idempotency/memory"
	"github.com/tkrajewski/undertow/internal/pipeline"
	"github.com/tkrajewski/undertow/internal/robots"
	"github.com/tkrajewski/undertow/internal/spider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	failing map[string]error
	slow    map[string]time.Duration // per-URL fetch delay
	gate    chan struct{}            // when set, fetches block until closed
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.RawCrawlResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return pipeline.RawCrawlResult{}, ctx.Err()
		}
	}
	if d, ok := f.slow[req.URL]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return pipeline.RawCrawlResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, req.URL)
	f.mu.Unlock()

	if err, ok := f.failing[req.URL]; ok {
		return pipeline.RawCrawlResult{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return pipeline.RawCrawlResult{}, pipeline.NewFetchError(req.URL, pipeline.FetchNotFound, nil)
	}
	return pipeline.RawCrawlResult{
		URL:        req.URL,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }

type harness struct {
	facade  *Facade
	fetcher *fakeFetcher
	bus     *eventsmem.Bus
	store   *idemem.Store
}

func newHarness(f *fakeFetcher) *harness {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	ids := &seqIDs{}
	bus := eventsmem.New()
	store := idemem.New(clk, ids)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 100}, zap.NewNop())

	sp := spider.New(
		f,
		breakers,
		nil,
		func(bool) robots.Policy { return allowAll{} },
		clk,
		bus,
		spider.Config{FetchTimeout: time.Second},
		zap.NewNop(),
	)
	registry := extract.NewRegistry(extract.JSONLD{}, extract.CSS{})

	fac := New(sp, f, breakers, registry, store, bus, clk, ids,
		Config{FetchTimeout: time.Second}, zap.NewNop())
	return &harness{facade: fac, fetcher: f, bus: bus, store: store}
}

func page(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Page</title></head><body>")
	for _, l := range links {
		fmt.Fprintf(&b, `<a href=%q>link</a>`, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func spiderRequest(seed string) Request {
	return Request{
		Mode: ModeSpider,
		Seed: seed,
		Policy: pipeline.TraversalPolicy{
			MaxDepth:       1,
			MaxPages:       50,
			SameOriginOnly: true,
			Concurrency:    4,
		},
	}
}

func TestRun_SpiderModeYieldsDiscoveredItems(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeFetcher{pages: map[string]string{
		"https://example.com/": page("/a", "/b", "/c"),
	}})

	items, err := h.facade.Collect(context.Background(), spiderRequest("https://example.com/"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		require.Equal(t, pipeline.ItemDiscovered, it.Kind)
		require.NoError(t, it.Err)
		require.Equal(t, 1, it.Discovered.Depth)
	}

	// Sequence numbers cover 0..N-1 so callers can post-sort.
	seen := make(map[uint64]bool)
	for _, it := range items {
		seen[it.Seq] = true
	}
	require.Len(t, seen, 3)

	require.Len(t, h.bus.OfType(events.TypeCrawlStarted), 1)
	require.Eventually(t, func() bool {
		return len(h.bus.OfType(events.TypeCrawlCompleted)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRun_ComposedModePartialSuccess(t *testing.T) {
	t.Parallel()

	// Seed exposes 5 links; two of them fail to fetch during extraction.
	f := &fakeFetcher{
		pages: map[string]string{
			"https://example.com/": page("/p1", "/p2", "/p3", "/p4", "/p5"),
		},
		failing: map[string]error{
			"https://example.com/p2": errors.New("connection reset"),
			"https://example.com/p4": errors.New("connection reset"),
		},
	}
	for _, p := range []string{"p1", "p3", "p5"} {
		f.pages["https://example.com/"+p] = page()
	}
	h := newHarness(f)

	req := spiderRequest("https://example.com/")
	req.Mode = ModeComposed
	req.MaxConcurrency = 2

	items, err := h.facade.Collect(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, items, 5)

	var ok, failed int
	for _, it := range items {
		require.Equal(t, pipeline.ItemExtraction, it.Kind)
		if it.Failed() {
			failed++
			_, isFetch := pipeline.AsFetchError(it.Err)
			require.True(t, isFetch)
			continue
		}
		ok++
		require.NotNil(t, it.Extraction)
		require.Equal(t, "css", it.Extraction.Strategy)
	}
	require.Equal(t, 3, ok)
	require.Equal(t, 2, failed)

	require.Eventually(t, func() bool {
		return len(h.bus.OfType(events.TypeExtractionDone)) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRun_ComposedModeSeqRecoversDiscoveryOrder(t *testing.T) {
	t.Parallel()

	// /a is discovered first but its fetch is the slowest, so it is delivered
	// last. Post-sorting by Seq must still put it first.
	f := &fakeFetcher{
		pages: map[string]string{
			"https://example.com/":  page("/a", "/b", "/c"),
			"https://example.com/a": page(),
			"https://example.com/b": page(),
			"https://example.com/c": page(),
		},
		slow: map[string]time.Duration{"https://example.com/a": 200 * time.Millisecond},
	}
	h := newHarness(f)

	req := spiderRequest("https://example.com/")
	req.Mode = ModeComposed
	req.MaxConcurrency = 3

	items, err := h.facade.Collect(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "https://example.com/a", items[2].Extraction.SourceURL,
		"slow fetch completes last")

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	var ordered []string
	for _, it := range items {
		require.NoError(t, it.Err)
		ordered = append(ordered, it.Extraction.SourceURL)
	}
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}, ordered)
}

func TestRun_ExtractModeSingleResult(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeFetcher{})
	raw := pipeline.RawCrawlResult{
		URL:     "https://example.com/doc",
		Headers: http.Header{"Content-Type": []string{"text/html"}},
		Body:    []byte(page()),
	}

	items, err := h.facade.Collect(context.Background(), Request{Mode: ModeExtract, Raw: &raw})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, pipeline.ItemExtraction, items[0].Kind)
	require.NoError(t, items[0].Err)
	require.Equal(t, "Page", items[0].Extraction.Payload.Document.Title)
	require.Zero(t, h.fetcher.fetchCount())
}

func TestRun_PinnedStrategy(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeFetcher{})
	raw := pipeline.RawCrawlResult{
		URL:  "https://example.com/doc",
		Body: []byte(page()),
	}

	items, err := h.facade.Collect(context.Background(), Request{
		Mode: ModeExtract, Raw: &raw, Strategy: "noop",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "noop", items[0].Extraction.Strategy)
	require.Equal(t, pipeline.PayloadNone, items[0].Extraction.Payload.Kind)
}

func TestRun_UnknownPinnedStrategyIsStructural(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeFetcher{})
	_, err := h.facade.Run(context.Background(), Request{
		Mode: ModeExtract, Raw: &pipeline.RawCrawlResult{}, Strategy: "nope",
	})
	require.Error(t, err)
}

func TestRun_InvalidRequestIsStructural(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeFetcher{})

	_, err := h.facade.Run(context.Background(), Request{Mode: ModeSpider, Seed: "https://x.com"})
	var invalid pipeline.ErrInvalidPolicy
	require.ErrorAs(t, err, &invalid)

	_, err = h.facade.Run(context.Background(), Request{Mode: ModeExtract})
	require.Error(t, err)

	_, err = h.facade.Run(context.Background(), Request{Mode: Mode("bogus")})
	require.Error(t, err)
}

func TestRun_DuplicateIdempotencyKeyFailsFast(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := &fakeFetcher{
		pages: map[string]string{"https://example.com/": page("/a")},
		gate:  gate,
	}
	h := newHarness(f)

	req := spiderRequest("https://example.com/")
	req.IdempotencyKey = "crawl-example"

	first, err := h.facade.Run(context.Background(), req)
	require.NoError(t, err)

	// The first run holds the lease while its fetch is still in flight; the
	// duplicate is rejected without touching the fetcher.
	_, err = h.facade.Run(context.Background(), req)
	require.ErrorIs(t, err, idempotency.ErrAlreadyHeld)
	require.Zero(t, f.fetchCount())

	close(gate)
	for range first {
	}

	// Stream exhaustion released the lease; the key is reusable.
	require.Eventually(t, func() bool {
		stream, err := h.facade.Run(context.Background(), req)
		if err != nil {
			return false
		}
		for range stream {
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestRun_CancellationReleasesLease(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := &fakeFetcher{
		pages: map[string]string{"https://example.com/": page("/a")},
		gate:  gate,
	}
	h := newHarness(f)

	req := spiderRequest("https://example.com/")
	req.IdempotencyKey = "crawl-cancel"

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.facade.Run(ctx, req)
	require.NoError(t, err)

	cancel()
	for range stream {
	}
	close(gate)

	require.Eventually(t, func() bool {
		fresh, err := h.facade.Run(context.Background(), req)
		if err != nil {
			return false
		}
		for range fresh {
		}
		return true
	}, time.Second, 10*time.Millisecond)
	require.NotEmpty(t, h.bus.OfType(events.TypeCrawlFailed))
}

func TestEstimateRun(t *testing.T) {
	t.Parallel()

	policy := pipeline.TraversalPolicy{MaxDepth: 2, MaxPages: 100, Concurrency: 1}
	est, err := EstimateRun(policy, 3)
	require.NoError(t, err)

	// Depth 0: 1 page fetched, 3 discovered; depth 1: 3 pages, 9 discovered.
	require.Equal(t, 4, est.Pages)
	require.Equal(t, 12, est.Discovered)
	require.Equal(t, 16, est.FetchCalls)
	require.Equal(t, 12, est.Extractions)

	// MaxPages caps expansion.
	policy.MaxPages = 2
	est, err = EstimateRun(policy, 3)
	require.NoError(t, err)
	require.Equal(t, 2, est.Pages)

	_, err = EstimateRun(pipeline.TraversalPolicy{}, 3)
	require.Error(t, err)
}
