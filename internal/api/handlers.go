package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/facade"
	"github.com/tkrajewski/undertow/internal/idempotency"
	"github.com/tkrajewski/undertow/internal/metrics"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

// crawlRequest is the JSON body for POST /v1/crawl.
type crawlRequest struct {
	Mode           string                    `json:"mode"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
	Seed           string                    `json:"seed,omitempty"`
	Policy         *pipeline.TraversalPolicy `json:"policy,omitempty"`
	Raw            *rawInput                 `json:"raw,omitempty"`
	Strategy       string                    `json:"strategy,omitempty"`
	MaxConcurrency int                       `json:"max_concurrency,omitempty"`
}

// rawInput carries an already-fetched page for extract mode.
type rawInput struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       string      `json:"body"`
}

func (req crawlRequest) toFacadeRequest(defaultPolicy pipeline.TraversalPolicy) facade.Request {
	out := facade.Request{
		Mode:           facade.Mode(req.Mode),
		IdempotencyKey: req.IdempotencyKey,
		Seed:           req.Seed,
		Strategy:       req.Strategy,
		MaxConcurrency: req.MaxConcurrency,
		Policy:         defaultPolicy,
	}
	if req.Policy != nil {
		out.Policy = *req.Policy
	}
	if req.Raw != nil {
		out.Raw = &pipeline.RawCrawlResult{
			URL:        req.Raw.URL,
			StatusCode: req.Raw.StatusCode,
			Headers:    req.Raw.Headers,
			Body:       []byte(req.Raw.Body),
		}
	}
	return out
}

// streamItem is the NDJSON wire form of one pipeline item. Err is flattened
// into a structured error object because error values do not marshal.
type streamItem struct {
	Seq        uint64                     `json:"seq"`
	Kind       pipeline.ItemKind          `json:"kind"`
	Discovered *pipeline.DiscoveredURL    `json:"discovered,omitempty"`
	Extraction *pipeline.ExtractionResult `json:"extraction,omitempty"`
	Error      *itemError                 `json:"error,omitempty"`
}

type itemError struct {
	Kind    string `json:"kind,omitempty"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message"`
}

func toStreamItem(it pipeline.PipelineItem) streamItem {
	out := streamItem{
		Seq:        it.Seq,
		Kind:       it.Kind,
		Discovered: it.Discovered,
		Extraction: it.Extraction,
	}
	if it.Err == nil {
		return out
	}
	ie := itemError{Message: it.Err.Error()}
	if fe, ok := pipeline.AsFetchError(it.Err); ok {
		ie.Kind = string(fe.Kind)
		ie.URL = fe.URL
	} else if xe, ok := pipeline.AsExtractionError(it.Err); ok {
		ie.Kind = string(xe.Kind)
		ie.URL = xe.SourceURL
	}
	out.Error = &ie
	return out
}

// crawl starts a run and streams its items as NDJSON. Structural failures
// are reported as a single JSON error before any item is written; once the
// stream starts, per-item failures ride on the items.
func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}

	stream, err := s.facade.Run(r.Context(), req.toFacadeRequest(s.cfg.Crawl.DefaultPolicy))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, idempotency.ErrAlreadyHeld) {
			status = http.StatusConflict
		}
		writeError(s.logger, w, status, err.Error())
		return
	}

	metrics.ObserveCrawl(req.Mode)
	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for it := range stream {
		if err := enc.Encode(toStreamItem(it)); err != nil {
			// Client went away; drain so the run can release its lease.
			s.logger.Debug("stream write failed", zap.Error(err))
			for range stream {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// estimate returns the worst-case cost projection for a policy without
// running anything.
func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	policy := s.cfg.Crawl.DefaultPolicy
	q := r.URL.Query()

	var err error
	if policy.MaxDepth, err = intParam(q.Get("max_depth"), policy.MaxDepth); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid max_depth")
		return
	}
	if policy.MaxPages, err = intParam(q.Get("max_pages"), policy.MaxPages); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid max_pages")
		return
	}
	branching, err := intParam(q.Get("branching"), 0)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid branching")
		return
	}

	est, err := facade.EstimateRun(policy, branching)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, est)
}

// strategies lists the registered extraction strategies in selection order.
func (s *Server) strategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"strategies": s.extractors.Names()})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}
