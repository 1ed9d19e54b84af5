// Package pipeline defines the core data model and port interfaces shared by
// the spider, extraction, and orchestration subsystems.
package pipeline

import (
	"net/http"
	"time"
)

// DiscoveredURL is emitted by the spider for every unvisited, policy-approved
// link. Uniqueness is enforced per crawl against the normalized URL.
type DiscoveredURL struct {
	URL            string    `json:"url"`
	Depth          int       `json:"depth"`
	DiscoveredFrom string    `json:"discovered_from,omitempty"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// RawCrawlResult is the immutable product of one fetch. Ownership transfers
// to the next pipeline stage; it is never mutated after creation.
type RawCrawlResult struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       []byte        `json:"-"`
	Duration   time.Duration `json:"fetch_duration"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// PayloadKind tags which member of Payload is populated.
type PayloadKind string

// Payload kinds produced by the built-in extraction strategies.
const (
	PayloadNone       PayloadKind = "none"
	PayloadDocument   PayloadKind = "document"
	PayloadStructured PayloadKind = "structured"
	PayloadMatches    PayloadKind = "matches"
)

// Document is the payload produced by markup-oriented strategies.
type Document struct {
	Title string   `json:"title,omitempty"`
	Text  string   `json:"text,omitempty"`
	Links []string `json:"links,omitempty"`
}

// Payload is a kind-tagged union of the structured shapes a strategy can
// produce. Exactly one member matching Kind is set; PayloadNone sets none.
type Payload struct {
	Kind       PayloadKind    `json:"kind"`
	Document   *Document      `json:"document,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
	Matches    []string       `json:"matches,omitempty"`
}

// EmptyPayload is what the no-op fallback strategy produces: a valid terminal
// "nothing extracted" value, distinct from an extraction failure.
func EmptyPayload() Payload {
	return Payload{Kind: PayloadNone}
}

// ExtractionResult is the immutable product of one strategy applied to one
// RawCrawlResult. An empty Errors slice implies the payload is present.
type ExtractionResult struct {
	SourceURL  string   `json:"source_url"`
	Strategy   string   `json:"strategy"`
	Payload    Payload  `json:"payload"`
	Confidence float64  `json:"confidence"`
	Errors     []string `json:"errors,omitempty"`
}

// ItemKind identifies which pipeline mode produced a PipelineItem.
type ItemKind string

// Item kinds for the three facade modes.
const (
	ItemDiscovered ItemKind = "discovered"
	ItemRaw        ItemKind = "raw"
	ItemExtraction ItemKind = "extraction"
)

// PipelineItem is the unit flowing out of a run. Items are independent:
// an Err on one item never invalidates or blocks delivery of its siblings.
// Seq is a per-run sequence number callers can post-sort on, since delivery
// order follows completion, not submission.
type PipelineItem struct {
	Seq        uint64            `json:"seq"`
	Kind       ItemKind          `json:"kind"`
	Discovered *DiscoveredURL    `json:"discovered,omitempty"`
	Raw        *RawCrawlResult   `json:"raw,omitempty"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Err        error             `json:"-"`
}

// Failed reports whether the item carries a per-item error.
func (it PipelineItem) Failed() bool { return it.Err != nil }

// TraversalPolicy bounds one crawl. It is immutable for the lifetime of the
// crawl; the zero value is rejected by Validate.
type TraversalPolicy struct {
	MaxDepth       int  `json:"max_depth" mapstructure:"max_depth"`
	MaxPages       int  `json:"max_pages" mapstructure:"max_pages"`
	SameOriginOnly bool `json:"same_origin_only" mapstructure:"same_origin_only"`
	RespectRobots  bool `json:"respect_robots" mapstructure:"respect_robots"`
	Concurrency    int  `json:"concurrency" mapstructure:"concurrency"`
}

// Validate rejects policies that cannot bound a traversal.
func (p TraversalPolicy) Validate() error {
	if p.MaxDepth < 0 {
		return ErrInvalidPolicy("max_depth must be >= 0")
	}
	if p.MaxPages <= 0 {
		return ErrInvalidPolicy("max_pages must be > 0")
	}
	if p.Concurrency <= 0 {
		return ErrInvalidPolicy("concurrency must be > 0")
	}
	return nil
}

// Lease is a time-bounded exclusive claim on an idempotency key. Owner is an
// opaque token the store uses to verify release ordering after TTL expiry.
type Lease struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FetchRequest captures everything a Fetcher needs for one URL.
type FetchRequest struct {
	URL     string
	Depth   int
	Timeout time.Duration
	Headers http.Header
}
