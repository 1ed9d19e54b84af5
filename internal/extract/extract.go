// Package extract maps raw fetched content onto structured payloads through
// pluggable strategies. Strategies are selected either by pin (caller names
// one) or adaptively (first registered strategy that can handle the content),
// with a no-op fallback so "nothing extracted" stays distinct from failure.
package extract

import (
	"context"
	"fmt"
	"sync"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Extractor is one named strategy. CanHandle must be cheap: it is called on
// every candidate during adaptive selection. Extract returns failures as
// typed values, never panics.
type Extractor interface {
	Name() string
	CanHandle(raw pipeline.RawCrawlResult) bool
	Extract(ctx context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error)
}

// Registry holds strategies in registration-priority order.
type Registry struct {
	mu         sync.RWMutex
	strategies []Extractor
	fallback   Extractor
}

// NewRegistry builds a Registry whose adaptive selection falls back to the
// no-op strategy when nothing matches.
func NewRegistry(strategies ...Extractor) *Registry {
	r := &Registry{fallback: Noop{}}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register appends a strategy. Earlier registrations win adaptive selection.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, e)
}

// Pick returns the strategy with the given name for pinned extraction.
func (r *Registry) Pick(name string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.strategies {
		if s.Name() == name {
			return s, nil
		}
	}
	if name == r.fallback.Name() {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("unknown extraction strategy %q", name)
}

// Select returns the first registered strategy that can handle raw, or the
// no-op fallback. It never fails: an unextractable page is a valid terminal
// state.
func (r *Registry) Select(raw pipeline.RawCrawlResult) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.strategies {
		if s.CanHandle(raw) {
			return s
		}
	}
	return r.fallback
}

// Names lists the registered strategies in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Noop is the fallback strategy: it accepts anything and extracts nothing.
type Noop struct{}

// Name implements Extractor.
func (Noop) Name() string { return "noop" }

// CanHandle implements Extractor; the fallback handles everything.
func (Noop) CanHandle(pipeline.RawCrawlResult) bool { return true }

// Extract produces an empty payload with zero confidence. It never errors.
func (Noop) Extract(_ context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	return pipeline.ExtractionResult{
		SourceURL: raw.URL,
		Strategy:  "noop",
		Payload:   pipeline.EmptyPayload(),
	}, nil
}
