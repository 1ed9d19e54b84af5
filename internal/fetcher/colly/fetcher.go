// Package collyfetcher implements the fetch port on the Colly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Config controls collector behavior shared by every fetch.
type Config struct {
	UserAgent string
	// Timeout is the fallback per-fetch deadline when the request carries
	// none.
	Timeout time.Duration
	// MaxBodySize caps the response body in bytes; zero keeps Colly's
	// default (10 MB).
	MaxBodySize int
}

// Fetcher performs single-page HTTP GETs through a cloned Colly collector per
// call. Robots enforcement happens upstream in the spider's policy layer, so
// the collector itself never consults robots.txt.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher with a pooled HTTP transport shared across clones.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch executes one HTTP GET and classifies failures into the typed fetch
// taxonomy.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.RawCrawlResult, error) {
	var (
		result    pipeline.RawCrawlResult
		fetchErr  error
		errStatus int
	)
	start := time.Now()

	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = pipeline.RawCrawlResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			FetchedAt:  start.UTC(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			errStatus = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return pipeline.RawCrawlResult{}, pipeline.NewFetchError(
			request.URL, pipeline.FetchTimeout, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return pipeline.RawCrawlResult{}, classify(request.URL, errStatus, err)
		}
		return result, nil
	}
}

// classify maps Colly and transport failures onto the fetch taxonomy.
func classify(url string, status int, err error) error {
	kind := pipeline.FetchConnectionFailed
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = pipeline.FetchNotFound
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		kind = pipeline.FetchTimeout
	}
	return pipeline.NewFetchError(url, kind, fmt.Errorf("colly visit: %w", err))
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
