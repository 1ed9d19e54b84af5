// Package spider turns one seed URL into a lazy breadth-first stream of
// discovered URLs. It performs no content extraction beyond hyperlink
// scanning and can run without any extractor wired.
package spider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tkrajewski/undertow/internal/breaker"
	"github.com/tkrajewski/undertow/internal/events"
	"github.com/tkrajewski/undertow/internal/pipeline"
	"github.com/tkrajewski/undertow/internal/ratelimit"
	"github.com/tkrajewski/undertow/internal/robots"
)

// Item is one slot in the discovery stream: either a DiscoveredURL or a
// per-page error. Errors never halt the traversal.
type Item struct {
	URL *pipeline.DiscoveredURL
	Err error
}

// Config holds per-Spider settings independent of any single crawl.
type Config struct {
	// FetchTimeout is the hard per-fetch deadline (default 15s).
	FetchTimeout time.Duration
	// UserAgent identifies the crawler to robots.txt groups.
	UserAgent string
}

// RobotsFactory builds the robots policy for one crawl, honoring the
// traversal policy's respect toggle.
type RobotsFactory func(respect bool) robots.Policy

// Spider owns no cross-crawl state: the visited-set and frontier live for a
// single Discover invocation.
type Spider struct {
	fetcher   pipeline.Fetcher
	breakers  *breaker.Registry
	limiter   *ratelimit.Limiter
	robotsFor RobotsFactory
	clock     pipeline.Clock
	bus       events.Bus
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Spider. A nil robots factory falls back to the real
// enforcer; a nil bus drops events.
func New(
	fetcher pipeline.Fetcher,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	robotsFor RobotsFactory,
	clock pipeline.Clock,
	bus events.Bus,
	cfg Config,
	logger *zap.Logger,
) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NopBus{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if robotsFor == nil {
		robotsFor = func(respect bool) robots.Policy {
			return robots.New(respect, cfg.UserAgent, logger)
		}
	}
	return &Spider{
		fetcher:   fetcher,
		breakers:  breakers,
		limiter:   limiter,
		robotsFor: robotsFor,
		clock:     clock,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// Discover validates the policy and starts the traversal, returning a stream
// that closes when the frontier is exhausted, a policy bound is hit, or ctx
// is cancelled. Structural errors surface here, before any item is produced.
func (s *Spider) Discover(
	ctx context.Context,
	crawlID string,
	seed string,
	policy pipeline.TraversalPolicy,
) (<-chan Item, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	seedNorm, err := pipeline.NormalizeURL(seed)
	if err != nil {
		return nil, fmt.Errorf("seed url: %w", err)
	}

	out := make(chan Item)
	go s.run(ctx, crawlID, seedNorm, policy, out)
	return out, nil
}

// frontierEntry is one URL awaiting link expansion. Each URL moves through
// pending -> fetching -> fetched/failed -> links-extracted/terminal; failures
// surface as error items and the URL simply never reaches the next level.
type frontierEntry struct {
	url   string
	from  string
	depth int
}

type crawlState struct {
	crawlID string
	policy  pipeline.TraversalPolicy
	robots  robots.Policy
	visited *visitedSet

	mu        sync.Mutex
	remaining int // fetch budget, from policy.MaxPages
}

// claimFetch reserves one page of budget; traversal stops expanding once the
// budget is gone. Only actual fetch attempts claim: a robots-denied URL must
// not burn a page another URL could use.
func (c *crawlState) claimFetch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining <= 0 {
		return false
	}
	c.remaining--
	return true
}

// exhausted reports whether the budget is gone, without claiming.
func (c *crawlState) exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining <= 0
}

func (s *Spider) run(
	ctx context.Context,
	crawlID string,
	seed string,
	policy pipeline.TraversalPolicy,
	out chan<- Item,
) {
	defer close(out)

	state := &crawlState{
		crawlID:   crawlID,
		policy:    policy,
		robots:    s.robotsFor(policy.RespectRobots),
		visited:   newVisitedSet(),
		remaining: policy.MaxPages,
	}
	state.visited.add(seed)

	frontier := []frontierEntry{{url: seed, depth: 0}}
	for len(frontier) > 0 && frontier[0].depth < policy.MaxDepth {
		if ctx.Err() != nil {
			return
		}
		frontier = s.expandLevel(ctx, state, frontier, out)
	}
	s.logger.Debug("traversal finished",
		zap.String("crawl_id", crawlID),
		zap.Int("visited", state.visited.len()))
}

// expandLevel fetches every entry of one depth level with bounded concurrency
// and returns the next level's frontier. Sibling completion order within a
// level is not guaranteed.
func (s *Spider) expandLevel(
	ctx context.Context,
	state *crawlState,
	level []frontierEntry,
	out chan<- Item,
) []frontierEntry {
	var (
		nextMu sync.Mutex
		next   []frontierEntry
	)

	var g errgroup.Group
	g.SetLimit(state.policy.Concurrency)
	for _, entry := range level {
		if ctx.Err() != nil || state.exhausted() {
			break
		}
		g.Go(func() error {
			discovered := s.expandOne(ctx, state, entry, out)
			if len(discovered) > 0 {
				nextMu.Lock()
				next = append(next, discovered...)
				nextMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return next
}

// expandOne fetches a single page and returns its unvisited, policy-approved
// links, emitting each as a DiscoveredURL item.
func (s *Spider) expandOne(
	ctx context.Context,
	state *crawlState,
	entry frontierEntry,
	out chan<- Item,
) []frontierEntry {
	if !state.robots.Allowed(ctx, entry.url) {
		err := pipeline.NewFetchError(entry.url, pipeline.FetchRobotsDisallowed, nil)
		s.emitPageFailed(ctx, state.crawlID, entry, err)
		s.send(ctx, out, Item{Err: err})
		return nil
	}
	if !state.claimFetch() {
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, entry.url); err != nil {
			return nil
		}
	}

	raw, err := s.fetch(ctx, entry)
	if err != nil {
		s.emitPageFailed(ctx, state.crawlID, entry, err)
		s.send(ctx, out, Item{Err: err})
		return nil
	}
	s.emitPageFetched(ctx, state.crawlID, entry, raw)

	links, err := extractLinks(raw.URL, raw.Body)
	if err != nil {
		// The page fetched fine but is not scannable markup; it is a
		// terminal node, not a failure.
		s.logger.Debug("link scan failed",
			zap.String("url", entry.url), zap.Error(err))
		return nil
	}

	var next []frontierEntry
	for _, link := range links {
		if state.policy.SameOriginOnly && !pipeline.SameOrigin(entry.url, link) {
			continue
		}
		if !state.robots.Allowed(ctx, link) {
			continue
		}
		if !state.visited.add(link) {
			continue
		}
		d := &pipeline.DiscoveredURL{
			URL:            link,
			Depth:          entry.depth + 1,
			DiscoveredFrom: entry.url,
			DiscoveredAt:   s.clock.Now(),
		}
		if !s.send(ctx, out, Item{URL: d}) {
			return next
		}
		next = append(next, frontierEntry{url: link, from: entry.url, depth: entry.depth + 1})
	}
	return next
}

// fetch runs the breaker-guarded, deadline-bounded fetch for one URL.
func (s *Spider) fetch(ctx context.Context, entry frontierEntry) (pipeline.RawCrawlResult, error) {
	var raw pipeline.RawCrawlResult
	host := pipeline.Host(entry.url)
	call := func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		var err error
		raw, err = s.fetcher.Fetch(fetchCtx, pipeline.FetchRequest{
			URL:     entry.url,
			Depth:   entry.depth,
			Timeout: s.cfg.FetchTimeout,
		})
		return err
	}

	var err error
	if s.breakers != nil {
		err = s.breakers.Get("fetch:" + host).Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return pipeline.RawCrawlResult{}, ClassifyFetchErr(entry.url, err)
	}
	return raw, nil
}

// send delivers an item unless the caller has gone away.
func (s *Spider) send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Spider) emitPageFetched(ctx context.Context, crawlID string, entry frontierEntry, raw pipeline.RawCrawlResult) {
	evt := events.Event{
		Type:      events.TypePageFetched,
		CrawlID:   crawlID,
		Timestamp: s.clock.Now(),
		Payload: map[string]any{
			"url":         raw.URL,
			"status":      raw.StatusCode,
			"depth":       entry.depth,
			"bytes":       len(raw.Body),
			"duration_ms": raw.Duration.Milliseconds(),
		},
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Debug("publish page fetched event", zap.Error(err))
	}
}

func (s *Spider) emitPageFailed(ctx context.Context, crawlID string, entry frontierEntry, cause error) {
	evt := events.Event{
		Type:      events.TypePageFailed,
		CrawlID:   crawlID,
		Timestamp: s.clock.Now(),
		Payload: map[string]any{
			"url":   entry.url,
			"depth": entry.depth,
			"error": cause.Error(),
		},
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Debug("publish page failed event", zap.Error(err))
	}
}

// ClassifyFetchErr maps an arbitrary fetch failure onto the typed taxonomy.
// Circuit rejections pass through untouched so callers can tell fail-fast
// from a real attempt.
func ClassifyFetchErr(url string, err error) error {
	if err == nil {
		return nil
	}
	if breaker.IsOpen(err) {
		return err
	}
	if _, ok := pipeline.AsFetchError(err); ok {
		return err
	}
	kind := pipeline.FetchConnectionFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = pipeline.FetchTimeout
	}
	return pipeline.NewFetchError(url, kind, err)
}
