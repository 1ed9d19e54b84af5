package extract

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// stubStrategy is a canned extractor for registry tests.
type stubStrategy struct {
	name    string
	handles bool
	err     error
	calls   int
}

func (s *stubStrategy) Name() string                            { return s.name }
func (s *stubStrategy) CanHandle(pipeline.RawCrawlResult) bool  { return s.handles }
func (s *stubStrategy) Extract(_ context.Context, raw pipeline.RawCrawlResult) (pipeline.ExtractionResult, error) {
	s.calls++
	if s.err != nil {
		return pipeline.ExtractionResult{}, s.err
	}
	return pipeline.ExtractionResult{
		SourceURL:  raw.URL,
		Strategy:   s.name,
		Payload:    pipeline.Payload{Kind: pipeline.PayloadMatches, Matches: []string{s.name}},
		Confidence: 1,
	}, nil
}

func htmlResult(url, body string) pipeline.RawCrawlResult {
	return pipeline.RawCrawlResult{
		URL:        url,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestRegistry_AdaptiveSelectionHonorsOrder(t *testing.T) {
	t.Parallel()

	first := &stubStrategy{name: "first", handles: true}
	second := &stubStrategy{name: "second", handles: true}
	r := NewRegistry(first, second)

	picked := r.Select(pipeline.RawCrawlResult{})
	require.Equal(t, "first", picked.Name())
}

func TestRegistry_FallsBackToNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(
		&stubStrategy{name: "a", handles: false},
		&stubStrategy{name: "b", handles: false},
	)

	picked := r.Select(pipeline.RawCrawlResult{URL: "https://example.com/x"})
	require.Equal(t, "noop", picked.Name())

	res, err := picked.Extract(context.Background(), pipeline.RawCrawlResult{URL: "https://example.com/x"})
	require.NoError(t, err)
	require.Equal(t, pipeline.PayloadNone, res.Payload.Kind)
	require.Equal(t, "https://example.com/x", res.SourceURL)
	require.Zero(t, res.Confidence)
}

func TestRegistry_PickPinnedStrategy(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&stubStrategy{name: "css"}, &stubStrategy{name: "regex"})

	s, err := r.Pick("regex")
	require.NoError(t, err)
	require.Equal(t, "regex", s.Name())

	s, err = r.Pick("noop")
	require.NoError(t, err)
	require.Equal(t, "noop", s.Name())

	_, err = r.Pick("nonexistent")
	require.Error(t, err)
}

func TestCSS_ExtractsDocument(t *testing.T) {
	t.Parallel()

	raw := htmlResult("https://example.com/post", `<html>
		<head><title> A Post </title><script>ignored()</script></head>
		<body>
			<p>First paragraph.</p>
			<p>Second   paragraph.</p>
			<a href="/next">next</a>
		</body></html>`)

	res, err := CSS{}.Extract(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "css", res.Strategy)
	require.Equal(t, pipeline.PayloadDocument, res.Payload.Kind)
	doc := res.Payload.Document
	require.Equal(t, "A Post", doc.Title)
	require.Equal(t, "First paragraph. Second paragraph. next", doc.Text)
	require.Equal(t, []string{"https://example.com/next"}, doc.Links)
	require.InDelta(t, 1.0, res.Confidence, 0.001)
}

func TestCSS_CanHandle(t *testing.T) {
	t.Parallel()

	require.True(t, CSS{}.CanHandle(htmlResult("u", "<p></p>")))
	require.True(t, CSS{}.CanHandle(pipeline.RawCrawlResult{Body: []byte("<!DOCTYPE html><html>")}))
	require.False(t, CSS{}.CanHandle(pipeline.RawCrawlResult{
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"a":1}`),
	}))
}

func TestCSS_EmptyBodyIsSchemaMismatch(t *testing.T) {
	t.Parallel()

	_, err := CSS{}.Extract(context.Background(), pipeline.RawCrawlResult{URL: "https://example.com/"})
	xe, ok := pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractSchemaMismatch, xe.Kind)
}

func TestJSONLD_ExtractsStructuredData(t *testing.T) {
	t.Parallel()

	raw := htmlResult("https://example.com/product", `<html><head>
		<script type="application/ld+json">{"@type":"Product","name":"Widget","price":9.99}</script>
	</head><body></body></html>`)

	require.True(t, JSONLD{}.CanHandle(raw))
	res, err := JSONLD{}.Extract(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, pipeline.PayloadStructured, res.Payload.Kind)
	require.Equal(t, "Widget", res.Payload.Structured["name"])
	require.InDelta(t, 1.0, res.Confidence, 0.001)
	require.Empty(t, res.Errors)
}

func TestJSONLD_PartialParseLowersConfidence(t *testing.T) {
	t.Parallel()

	raw := htmlResult("https://example.com/", `<html><head>
		<script type="application/ld+json">{"@type":"Thing"}</script>
		<script type="application/ld+json">{not json</script>
	</head></html>`)

	res, err := JSONLD{}.Extract(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.InDelta(t, 0.5, res.Confidence, 0.001)
}

func TestJSONLD_AllMalformedIsParseError(t *testing.T) {
	t.Parallel()

	raw := htmlResult("https://example.com/", `<html><head>
		<script type="application/ld+json">{broken</script>
	</head></html>`)

	_, err := JSONLD{}.Extract(context.Background(), raw)
	xe, ok := pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractParseError, xe.Kind)
}

func TestJSONLD_NoBlocksIsSchemaMismatch(t *testing.T) {
	t.Parallel()

	_, err := JSONLD{}.Extract(context.Background(), htmlResult("u", "<html></html>"))
	xe, ok := pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractSchemaMismatch, xe.Kind)
}

func TestRegex_ExtractsMatches(t *testing.T) {
	t.Parallel()

	re, err := NewRegex("prices", `\$\d+\.\d{2}`)
	require.NoError(t, err)

	raw := pipeline.RawCrawlResult{
		URL:  "https://example.com/shop",
		Body: []byte("Widget $9.99, Gadget $19.50, Widget again $9.99"),
	}
	require.True(t, re.CanHandle(raw))

	res, err := re.Extract(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, pipeline.PayloadMatches, res.Payload.Kind)
	require.Equal(t, []string{"$9.99", "$19.50"}, res.Payload.Matches)
	require.InDelta(t, 1.0, res.Confidence, 0.001)
}

func TestRegex_NoMatchIsNotHandled(t *testing.T) {
	t.Parallel()

	re, err := NewRegex("prices", `\$\d+`)
	require.NoError(t, err)
	require.False(t, re.CanHandle(pipeline.RawCrawlResult{Body: []byte("no money here")}))
}

func TestNewRegex_RejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewRegex("bad", `[unterminated`)
	require.Error(t, err)
	_, err = NewRegex("empty")
	require.Error(t, err)
}

func TestClassifyExtractErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyExtractErr("u", "s", nil))

	typed := pipeline.NewExtractionError("u", "s", pipeline.ExtractSchemaMismatch, nil)
	require.Same(t, typed, ClassifyExtractErr("u", "s", typed))

	err := ClassifyExtractErr("u", "s", context.DeadlineExceeded)
	xe, ok := pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractTimeout, xe.Kind)

	err = ClassifyExtractErr("u", "s", errors.New("boom"))
	xe, ok = pipeline.AsExtractionError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.ExtractParseError, xe.Kind)
}
