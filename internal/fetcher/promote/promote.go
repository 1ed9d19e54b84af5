// Package promote routes fetches through a static fetcher first and promotes
// script-heavy pages to a headless renderer when the static response looks
// like an unrendered single-page app shell.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Detector decides whether a static response needs headless rendering.
type Detector interface {
	ShouldPromote(res pipeline.RawCrawlResult) bool
}

// Fetcher tries the cheap static fetcher and only pays for a browser when the
// detector demands it. A failed promotion falls back to the static response
// rather than failing the page.
type Fetcher struct {
	static   pipeline.Fetcher
	headless pipeline.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires a promoting fetcher. A nil detector uses the default heuristic.
func New(static, headless pipeline.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: detector, logger: logger}
}

// Fetch implements pipeline.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.RawCrawlResult, error) {
	res, err := f.static.Fetch(ctx, request)
	if err != nil {
		return pipeline.RawCrawlResult{}, err
	}
	if f.headless == nil || !f.detector.ShouldPromote(res) {
		return res, nil
	}

	rendered, err := f.headless.Fetch(ctx, request)
	if err != nil {
		f.logger.Warn("headless promotion failed, keeping static response",
			zap.String("url", request.URL), zap.Error(err))
		return res, nil
	}
	return rendered, nil
}
