package spider

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// extractLinks pulls hyperlink targets out of fetched markup, resolved
// against the page URL and normalized. It deliberately knows nothing about
// structured content; that is the extraction subsystem's job.
func extractLinks(pageURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := pipeline.ResolveLink(pageURL, href)
		if err != nil {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links, nil
}
