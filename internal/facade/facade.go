// Package facade is the single entry point wiring the spider, extraction
// strategies, composition engine, circuit breakers, idempotency store, and
// event bus into one streaming operation.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/breaker"
	"github.com/tkrajewski/undertow/internal/compose"
	"github.com/tkrajewski/undertow/internal/events"
	"github.com/tkrajewski/undertow/internal/extract"
	"github.com/tkrajewski/undertow/internal/pipeline"
	"github.com/tkrajewski/undertow/internal/spider"
)

// Mode selects which pipeline shape a run uses.
type Mode string

// The three addressable run modes.
const (
	// ModeSpider streams DiscoveredURL items without extraction.
	ModeSpider Mode = "spider"
	// ModeExtract runs extraction over one already-fetched result.
	ModeExtract Mode = "extract"
	// ModeComposed pipes spider output through fetch and extraction.
	ModeComposed Mode = "composed"
)

// Request describes one run. IdempotencyKey is optional: an empty key skips
// lease enforcement entirely.
type Request struct {
	Mode           Mode
	IdempotencyKey string

	// Seed and Policy drive spider and composed modes.
	Seed   string
	Policy pipeline.TraversalPolicy

	// Raw is the input for extract mode.
	Raw *pipeline.RawCrawlResult

	// Strategy pins one extraction strategy by name; empty means adaptive
	// selection over the registry.
	Strategy string

	// MaxConcurrency bounds in-flight transforms in composed mode.
	MaxConcurrency int

	// LeaseTTL bounds how long a crashed run can block its key.
	LeaseTTL time.Duration
}

func (r Request) validate() error {
	switch r.Mode {
	case ModeSpider, ModeComposed:
		if err := r.Policy.Validate(); err != nil {
			return err
		}
		if _, err := pipeline.NormalizeURL(r.Seed); err != nil {
			return fmt.Errorf("seed url: %w", err)
		}
	case ModeExtract:
		if r.Raw == nil {
			return errors.New("extract mode requires a raw crawl result")
		}
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	return nil
}

// Config holds facade-level defaults applied to requests that leave them
// unset.
type Config struct {
	FetchTimeout   time.Duration
	MaxConcurrency int
	LeaseTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	return c
}

// Facade owns the wiring for all three run modes. It is safe for concurrent
// use; per-run state (visited-set, sequence counter, lease) is created inside
// Run.
type Facade struct {
	spider     *spider.Spider
	fetcher    pipeline.Fetcher
	breakers   *breaker.Registry
	extractors *extract.Registry
	store      pipeline.IdempotencyStore
	bus        events.Bus
	clock      pipeline.Clock
	ids        pipeline.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New wires a Facade. A nil store disables idempotency enforcement; a nil bus
// drops events.
func New(
	sp *spider.Spider,
	fetcher pipeline.Fetcher,
	breakers *breaker.Registry,
	extractors *extract.Registry,
	store pipeline.IdempotencyStore,
	bus events.Bus,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NopBus{}
	}
	return &Facade{
		spider:     sp,
		fetcher:    fetcher,
		breakers:   breakers,
		extractors: extractors,
		store:      store,
		bus:        bus,
		clock:      clock,
		ids:        ids,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// run carries the per-invocation state threaded through one stream.
type run struct {
	crawlID  string
	req      Request
	lease    pipeline.Lease
	hasLease bool
	release  sync.Once
	seq      atomic.Uint64

	ok     atomic.Uint64
	failed atomic.Uint64
}

func (r *run) next() uint64 { return r.seq.Add(1) - 1 }

// Run validates the request, acquires the idempotency lease, and starts the
// requested pipeline. Structural failures (invalid request, duplicate key,
// unreachable store, unknown pinned strategy) surface here before any item is
// produced; everything after is per-item partial success. The returned
// channel closes when the run is exhausted or ctx is cancelled, and the lease
// is released exactly once either way.
func (f *Facade) Run(ctx context.Context, req Request) (<-chan pipeline.PipelineItem, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = f.cfg.MaxConcurrency
	}
	if req.LeaseTTL <= 0 {
		req.LeaseTTL = f.cfg.LeaseTTL
	}
	if req.Strategy != "" {
		if _, err := f.extractors.Pick(req.Strategy); err != nil {
			return nil, err
		}
	}

	crawlID, err := f.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate crawl id: %w", err)
	}
	r := &run{crawlID: crawlID, req: req}

	if req.IdempotencyKey != "" && f.store != nil {
		lease, err := f.store.TryAcquire(ctx, req.IdempotencyKey, req.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lease %q: %w", req.IdempotencyKey, err)
		}
		r.lease = lease
		r.hasLease = true
	}

	f.emitStarted(ctx, r)

	out := make(chan pipeline.PipelineItem)
	go func() {
		defer close(out)

		switch req.Mode {
		case ModeSpider:
			f.runSpider(ctx, r, out)
		case ModeExtract:
			f.runExtract(ctx, r, out)
		case ModeComposed:
			f.runComposed(ctx, r, out)
		}
		f.finish(r, ctx.Err())
	}()
	return out, nil
}

// Collect is the blocking convenience over Run: it drains the stream into a
// slice. The per-item errors stay on the items; the returned error covers
// structural failures only.
func (f *Facade) Collect(ctx context.Context, req Request) ([]pipeline.PipelineItem, error) {
	stream, err := f.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	var items []pipeline.PipelineItem
	for it := range stream {
		items = append(items, it)
	}
	return items, nil
}

func (f *Facade) runSpider(ctx context.Context, r *run, out chan<- pipeline.PipelineItem) {
	stream, err := f.spider.Discover(ctx, r.crawlID, r.req.Seed, r.req.Policy)
	if err != nil {
		// The request was validated up front; a failure here means the
		// policy raced a mutation, which we surface as one error item.
		f.send(ctx, out, f.item(r, pipeline.PipelineItem{Kind: pipeline.ItemDiscovered, Err: err}))
		return
	}
	for si := range stream {
		it := pipeline.PipelineItem{Kind: pipeline.ItemDiscovered, Discovered: si.URL, Err: si.Err}
		if !f.send(ctx, out, f.item(r, it)) {
			return
		}
	}
}

func (f *Facade) runExtract(ctx context.Context, r *run, out chan<- pipeline.PipelineItem) {
	// A single-item source through the same combinator keeps extract mode on
	// the exact code path composed mode uses.
	src := make(chan pipeline.RawCrawlResult, 1)
	src <- *r.req.Raw
	close(src)

	for _, res := range compose.Collect(compose.Map(ctx, src, f.extractTransform(r), 1)) {
		it := pipeline.PipelineItem{Kind: pipeline.ItemExtraction, Extraction: res.Value, Err: res.Err}
		if !f.send(ctx, out, f.item(r, it)) {
			return
		}
	}
}

// sequenced pins a value to the sequence number its source item claimed when
// it entered the stream, so the final item sorts by discovery order no matter
// when its transform completes.
type sequenced[T any] struct {
	seq uint64
	val T
}

// withSeq lifts a transform over the sequenced carrier. The claimed sequence
// number survives even when the transform fails, so error items stay
// post-sortable too.
func withSeq[In, Out any](t compose.Transform[In, Out]) compose.Transform[sequenced[In], sequenced[Out]] {
	return func(ctx context.Context, in sequenced[In]) (sequenced[Out], error) {
		out, err := t(ctx, in.val)
		return sequenced[Out]{seq: in.seq, val: out}, err
	}
}

func (f *Facade) runComposed(ctx context.Context, r *run, out chan<- pipeline.PipelineItem) {
	stream, err := f.spider.Discover(ctx, r.crawlID, r.req.Seed, r.req.Policy)
	if err != nil {
		f.send(ctx, out, f.item(r, pipeline.PipelineItem{Kind: pipeline.ItemDiscovered, Err: err}))
		return
	}

	// Split the spider stream: discovery failures pass straight through as
	// error items, discovered URLs claim their sequence number here, in
	// discovery order, and feed the transform stage.
	src := make(chan sequenced[pipeline.DiscoveredURL])
	var feed sync.WaitGroup
	feed.Add(1)
	go func() {
		defer feed.Done()
		defer close(src)
		for si := range stream {
			if si.Err != nil {
				f.send(ctx, out, f.item(r, pipeline.PipelineItem{Kind: pipeline.ItemDiscovered, Err: si.Err}))
				continue
			}
			select {
			case src <- sequenced[pipeline.DiscoveredURL]{seq: r.next(), val: *si.URL}:
			case <-ctx.Done():
				// Keep draining so the spider can shut down.
			}
		}
	}()

	transform := withSeq(compose.Then(f.fetchTransform(), f.extractTransform(r)))
	for res := range compose.Map(ctx, src, transform, r.req.MaxConcurrency) {
		it := f.tally(r, pipeline.PipelineItem{
			Seq:        res.Value.seq,
			Kind:       pipeline.ItemExtraction,
			Extraction: res.Value.val,
			Err:        res.Err,
		})
		if !f.send(ctx, out, it) {
			break
		}
	}
	feed.Wait()
}

// fetchTransform is the breaker-guarded fetch stage of composed mode.
func (f *Facade) fetchTransform() compose.Transform[pipeline.DiscoveredURL, pipeline.RawCrawlResult] {
	return func(ctx context.Context, d pipeline.DiscoveredURL) (pipeline.RawCrawlResult, error) {
		var raw pipeline.RawCrawlResult
		call := func(ctx context.Context) error {
			fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
			defer cancel()
			var err error
			raw, err = f.fetcher.Fetch(fetchCtx, pipeline.FetchRequest{
				URL:     d.URL,
				Depth:   d.Depth,
				Timeout: f.cfg.FetchTimeout,
			})
			return err
		}
		var err error
		if f.breakers != nil {
			err = f.breakers.Get("fetch:" + pipeline.Host(d.URL)).Do(ctx, call)
		} else {
			err = call(ctx)
		}
		if err != nil {
			return pipeline.RawCrawlResult{}, spider.ClassifyFetchErr(d.URL, err)
		}
		return raw, nil
	}
}

// extractTransform runs the pinned or adaptively selected strategy under its
// own circuit breaker and emits the per-item domain event.
func (f *Facade) extractTransform(r *run) compose.Transform[pipeline.RawCrawlResult, *pipeline.ExtractionResult] {
	return func(ctx context.Context, raw pipeline.RawCrawlResult) (*pipeline.ExtractionResult, error) {
		var strategy extract.Extractor
		if r.req.Strategy != "" {
			strategy, _ = f.extractors.Pick(r.req.Strategy)
		} else {
			strategy = f.extractors.Select(raw)
		}
		if f.breakers != nil {
			strategy = extract.NewGuarded(strategy, f.breakers)
		}

		res, err := strategy.Extract(ctx, raw)
		if err != nil {
			err = extract.ClassifyExtractErr(raw.URL, strategy.Name(), err)
			f.emitExtraction(ctx, r, raw.URL, strategy.Name(), 0, err)
			return nil, err
		}
		f.emitExtraction(ctx, r, raw.URL, res.Strategy, res.Confidence, nil)
		return &res, nil
	}
}

// item claims the next sequence number at emission. Spider and extract mode
// items are emitted in submission order, so stamping here keeps Seq
// post-sortable; composed mode claims its numbers at submission instead.
func (f *Facade) item(r *run, it pipeline.PipelineItem) pipeline.PipelineItem {
	it.Seq = r.next()
	return f.tally(r, it)
}

// tally counts the outcome for the terminal crawl event.
func (f *Facade) tally(r *run, it pipeline.PipelineItem) pipeline.PipelineItem {
	if it.Err != nil {
		r.failed.Add(1)
	} else {
		r.ok.Add(1)
	}
	return it
}

func (f *Facade) send(ctx context.Context, out chan<- pipeline.PipelineItem, it pipeline.PipelineItem) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish releases the lease exactly once and emits the terminal crawl event.
// It runs on every exit path, including caller cancellation.
func (f *Facade) finish(r *run, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.release.Do(func() {
		if !r.hasLease {
			return
		}
		if err := f.store.Release(ctx, r.lease); err != nil {
			f.logger.Warn("lease release failed",
				zap.String("key", r.lease.Key), zap.Error(err))
		}
	})

	evt := events.Event{
		Type:      events.TypeCrawlCompleted,
		CrawlID:   r.crawlID,
		Timestamp: f.clock.Now(),
		Payload: map[string]any{
			"mode":   string(r.req.Mode),
			"ok":     r.ok.Load(),
			"failed": r.failed.Load(),
		},
	}
	if cause != nil {
		// A cancelled run is the one terminal state that is not a normal
		// stream completion; partial per-item failures still complete.
		evt.Type = events.TypeCrawlFailed
		evt.Payload["reason"] = cause.Error()
	}
	if err := f.bus.Publish(ctx, evt); err != nil {
		f.logger.Debug("publish terminal crawl event", zap.Error(err))
	}
}

func (f *Facade) emitStarted(ctx context.Context, r *run) {
	evt := events.Event{
		Type:      events.TypeCrawlStarted,
		CrawlID:   r.crawlID,
		Timestamp: f.clock.Now(),
		Payload: map[string]any{
			"mode":      string(r.req.Mode),
			"seed":      r.req.Seed,
			"max_depth": r.req.Policy.MaxDepth,
			"max_pages": r.req.Policy.MaxPages,
		},
	}
	if err := f.bus.Publish(ctx, evt); err != nil {
		f.logger.Debug("publish crawl started event", zap.Error(err))
	}
}

func (f *Facade) emitExtraction(ctx context.Context, r *run, url, strategy string, confidence float64, cause error) {
	evt := events.Event{
		CrawlID:   r.crawlID,
		Timestamp: f.clock.Now(),
		Payload: map[string]any{
			"url":      url,
			"strategy": strategy,
		},
	}
	if cause != nil {
		evt.Type = events.TypeExtractionFailed
		evt.Payload["error"] = cause.Error()
	} else {
		evt.Type = events.TypeExtractionDone
		evt.Payload["confidence"] = confidence
	}
	if err := f.bus.Publish(ctx, evt); err != nil {
		f.logger.Debug("publish extraction event", zap.Error(err))
	}
}
