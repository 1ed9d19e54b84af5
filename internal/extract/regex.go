package extract

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Regex extracts every match of a configured pattern set. It is the pattern
// for structured scraping of pages with stable textual markers (prices,
// product codes, report figures) where full markup parsing is overkill.
type Regex struct {
	name     string
	patterns []*regexp.Regexp
}

// NewRegex compiles the pattern set up front; an invalid pattern is a
// construction error, not a per-page one.
func NewRegex(name string, patterns ...string) (*Regex, error) {
	if name == "" {
		name = "regex"
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("regex strategy %q: at least one pattern required", name)
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("regex strategy %q: compile %q: %w", name, p, err)
		}
		compiled = append(compiled, re)
	}
	return &Regex{name: name, patterns: compiled}, nil
}

// Name implements Extractor.
func (r *Regex) Name() string { return r.name }

// CanHandle reports whether any pattern matches, so adaptive selection only
// routes pages here that will actually produce matches.
func (r *Regex) CanHandle(raw pipeline.RawCrawlResult) bool {
	for _, re := range r.patterns {
		if re.Match(raw.Body) {
			return true
		}
	}
	return false
}

// Extract collects the deduplicated matches of every pattern. Zero matches is
// a valid empty result, not an error.
func (r *Regex) Extract(_ context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	seen := make(map[string]struct{})
	var matches []string
	for _, re := range r.patterns {
		for _, m := range re.FindAllString(string(raw.Body), -1) {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			matches = append(matches, m)
		}
	}

	confidence := 0.0
	if len(matches) > 0 {
		confidence = 1.0
	}
	return pipeline.ExtractionResult{
		SourceURL: raw.URL,
		Strategy:  r.name,
		Payload: pipeline.Payload{
			Kind:    pipeline.PayloadMatches,
			Matches: matches,
		},
		Confidence: confidence,
	}, nil
}
