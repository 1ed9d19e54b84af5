package headless

import (
	"context"
	"errors"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// ErrUnavailable is returned by the Noop fetcher.
var ErrUnavailable = errors.New("headless fetcher not configured")

// Noop implements pipeline.Fetcher but always fails, for deployments built
// without a browser runtime.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch reports headless rendering as an unavailable dependency.
func (Noop) Fetch(_ context.Context, request pipeline.FetchRequest) (pipeline.RawCrawlResult, error) {
	return pipeline.RawCrawlResult{}, pipeline.NewFetchError(
		request.URL, pipeline.FetchConnectionFailed, ErrUnavailable)
}
