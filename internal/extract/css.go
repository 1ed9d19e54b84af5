package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// CSS extracts a readable document (title, text, links) from HTML markup
// using selector queries. It is the default strategy for ordinary web pages.
type CSS struct {
	// TextSelector narrows where body text is read from; empty means the
	// whole <body>.
	TextSelector string
}

// Name implements Extractor.
func (CSS) Name() string { return "css" }

// CanHandle accepts responses that declare or plausibly contain HTML.
func (CSS) CanHandle(raw pipeline.RawCrawlResult) bool {
	ct := raw.Headers.Get("Content-Type")
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct != "" {
		return false
	}
	head := raw.Body
	if len(head) > 512 {
		head = head[:512]
	}
	lowered := bytes.ToLower(head)
	return bytes.Contains(lowered, []byte("<html")) || bytes.Contains(lowered, []byte("<!doctype html"))
}

// Extract parses the markup and assembles a Document payload. Confidence
// reflects how many of the document's facets were actually populated.
func (c CSS) Extract(_ context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	if len(raw.Body) == 0 {
		return pipeline.ExtractionResult{}, pipeline.NewExtractionError(
			raw.URL, c.Name(), pipeline.ExtractSchemaMismatch, nil)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return pipeline.ExtractionResult{}, pipeline.NewExtractionError(
			raw.URL, c.Name(), pipeline.ExtractParseError, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			title = strings.TrimSpace(og)
		}
	}

	textSel := c.TextSelector
	if textSel == "" {
		textSel = "body"
	}
	body := doc.Find(textSel).First()
	body.Find("script, style, noscript").Remove()
	text := collapseWhitespace(body.Text())

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := pipeline.ResolveLink(raw.URL, href)
		if err != nil {
			return
		}
		links = append(links, resolved)
	})

	confidence := 0.0
	if title != "" {
		confidence += 0.4
	}
	if text != "" {
		confidence += 0.4
	}
	if len(links) > 0 {
		confidence += 0.2
	}

	return pipeline.ExtractionResult{
		SourceURL: raw.URL,
		Strategy:  c.Name(),
		Payload: pipeline.Payload{
			Kind:     pipeline.PayloadDocument,
			Document: &pipeline.Document{Title: title, Text: text, Links: links},
		},
		Confidence: confidence,
	}, nil
}

// collapseWhitespace squeezes runs of whitespace into single spaces so text
// extracted across block elements reads as one stream.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
