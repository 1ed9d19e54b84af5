package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

const jsonLDMarker = "application/ld+json"

// JSONLD lifts schema.org structured data out of embedded JSON-LD script
// blocks. Pages that publish structured data get a much richer payload than
// the css strategy can recover, so it registers ahead of css.
type JSONLD struct{}

// Name implements Extractor.
func (JSONLD) Name() string { return "jsonld" }

// CanHandle accepts pages that embed at least one JSON-LD block.
func (JSONLD) CanHandle(raw pipeline.RawCrawlResult) bool {
	return bytes.Contains(raw.Body, []byte(jsonLDMarker))
}

// Extract parses every JSON-LD block and merges them into one structured
// payload. A page whose blocks are all malformed is a parse failure; a page
// with a mix keeps the valid ones.
func (j JSONLD) Extract(_ context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return pipeline.ExtractionResult{}, pipeline.NewExtractionError(
			raw.URL, j.Name(), pipeline.ExtractParseError, err)
	}

	var (
		items    []any
		total    int
		lastErr  error
		warnings []string
	)
	doc.Find(`script[type="` + jsonLDMarker + `"]`).Each(func(_ int, sel *goquery.Selection) {
		total++
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			lastErr = err
			warnings = append(warnings, "skipped malformed json-ld block: "+err.Error())
			return
		}
		switch v := decoded.(type) {
		case []any:
			items = append(items, v...)
		default:
			items = append(items, v)
		}
	})

	if total == 0 {
		return pipeline.ExtractionResult{}, pipeline.NewExtractionError(
			raw.URL, j.Name(), pipeline.ExtractSchemaMismatch, nil)
	}
	if len(items) == 0 {
		return pipeline.ExtractionResult{}, pipeline.NewExtractionError(
			raw.URL, j.Name(), pipeline.ExtractParseError, lastErr)
	}

	structured := map[string]any{"items": items}
	if len(items) == 1 {
		if obj, ok := items[0].(map[string]any); ok {
			structured = obj
		}
	}

	// Every block parsed cleanly scores full confidence; partial parses
	// score proportionally.
	confidence := float64(len(items)) / float64(len(items)+len(warnings))

	return pipeline.ExtractionResult{
		SourceURL: raw.URL,
		Strategy:  j.Name(),
		Payload: pipeline.Payload{
			Kind:       pipeline.PayloadStructured,
			Structured: structured,
		},
		Confidence: confidence,
		Errors:     warnings,
	}, nil
}
