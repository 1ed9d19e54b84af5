package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy marks a structurally invalid traversal policy. It is fatal
// to the whole operation, unlike per-item fetch/extraction errors.
type ErrInvalidPolicy string

func (e ErrInvalidPolicy) Error() string { return "invalid traversal policy: " + string(e) }

// FetchErrorKind classifies fetch failures for caller backoff decisions.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchNotFound         FetchErrorKind = "not_found"
	FetchRobotsDisallowed FetchErrorKind = "robots_disallowed"
)

// FetchError is a per-item fetch failure. It is delivered as a value in the
// failing item's slot and never aborts the surrounding stream.
type FetchError struct {
	URL  string
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a classified fetch failure.
func NewFetchError(url string, kind FetchErrorKind, err error) *FetchError {
	return &FetchError{URL: url, Kind: kind, Err: err}
}

// ExtractionErrorKind classifies extraction failures.
type ExtractionErrorKind string

// Extraction failure classes.
const (
	ExtractParseError            ExtractionErrorKind = "parse_error"
	ExtractSchemaMismatch        ExtractionErrorKind = "schema_mismatch"
	ExtractDependencyUnavailable ExtractionErrorKind = "dependency_unavailable"
	ExtractTimeout               ExtractionErrorKind = "timeout"
)

// ExtractionError is a per-item extraction failure, always returned as a
// value, never raised as a panic.
type ExtractionError struct {
	SourceURL string
	Strategy  string
	Kind      ExtractionErrorKind
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s via %s (%s): %v", e.SourceURL, e.Strategy, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s via %s: %s", e.SourceURL, e.Strategy, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError builds a classified extraction failure.
func NewExtractionError(url, strategy string, kind ExtractionErrorKind, err error) *ExtractionError {
	return &ExtractionError{SourceURL: url, Strategy: strategy, Kind: kind, Err: err}
}

// AsFetchError extracts a *FetchError from an error chain.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// AsExtractionError extracts an *ExtractionError from an error chain.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}
