package extract

import (
	"context"
	"errors"

	"github.com/tkrajewski/undertow/internal/breaker"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Guarded runs an inner strategy through a strategy-scoped circuit breaker.
// Strategies that call out to external services (headless renderers, model
// endpoints) fail fast once their dependency misbehaves, without opening the
// circuit for the purely local strategies.
type Guarded struct {
	inner    Extractor
	breakers *breaker.Registry
}

// NewGuarded wraps inner; each distinct strategy name gets its own breaker.
func NewGuarded(inner Extractor, breakers *breaker.Registry) *Guarded {
	return &Guarded{inner: inner, breakers: breakers}
}

// Name implements Extractor, delegating to the wrapped strategy.
func (g *Guarded) Name() string { return g.inner.Name() }

// CanHandle implements Extractor, delegating to the wrapped strategy.
func (g *Guarded) CanHandle(raw pipeline.RawCrawlResult) bool { return g.inner.CanHandle(raw) }

// Extract runs the strategy under its breaker. A circuit rejection surfaces
// as a dependency-unavailable extraction error that still unwraps to the
// typed open error.
func (g *Guarded) Extract(ctx context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	var res pipeline.ExtractionResult
	err := g.breakers.Get("extract:"+g.inner.Name()).Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.Extract(ctx, raw)
		return err
	})
	if err != nil {
		return pipeline.ExtractionResult{}, ClassifyExtractErr(raw.URL, g.inner.Name(), err)
	}
	return res, nil
}

// ClassifyExtractErr maps an arbitrary extraction failure onto the typed
// taxonomy. Already-typed errors pass through; circuit rejections become
// dependency-unavailable while staying detectable via breaker.IsOpen.
func ClassifyExtractErr(url, strategy string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := pipeline.AsExtractionError(err); ok {
		return err
	}
	kind := pipeline.ExtractParseError
	switch {
	case breaker.IsOpen(err):
		kind = pipeline.ExtractDependencyUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind = pipeline.ExtractTimeout
	}
	return pipeline.NewExtractionError(url, strategy, kind, err)
}
