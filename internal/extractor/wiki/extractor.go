// Package wiki extracts article links from MediaWiki HTML.
package wiki

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/wiki-circuit/internal/crawler"
)

const (
	articlePrefix   = "/wiki/"
	contentSelector = "#mw-content-text"
	excludeSelector = "#Authority_control_files, .reflist"
)

var namespaces = []string{
	"User", "Wikipedia", "File", "MediaWiki", "Template", "Help",
	"Category", "Portal", "Book", "Draft", "TimedText", "Module",
}

// Extractor implements crawler.LinkExtractor for Wikipedia articles.
type Extractor struct {
	skipPrefixes []string
}

var _ crawler.LinkExtractor = (*Extractor)(nil)

// New builds an Extractor that ignores administrative namespaces.
func New() *Extractor {
	prefixes := make([]string, 0, len(namespaces)*2+2)
	for _, ns := range namespaces {
		prefixes = append(prefixes, ns+":", ns+"_talk:")
	}
	prefixes = append(prefixes, "Talk:", "Special:")
	return &Extractor{skipPrefixes: prefixes}
}

// ExtractLinks returns every article referenced from the body content with
// its occurrence count.
func (e *Extractor) ExtractLinks(body []byte) (map[string]int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	links := make(map[string]int)
	doc.Find(contentSelector).Find(`a[href^="` + articlePrefix + `"]`).Each(func(_ int, a *goquery.Selection) {
		if a.ParentsFiltered(excludeSelector).Length() > 0 {
			return
		}
		href, _ := a.Attr("href")
		name := strings.TrimPrefix(href, articlePrefix)
		if i := strings.IndexByte(name, '#'); i >= 0 {
			name = name[:i]
		}
		if name == "" || e.skipped(name) {
			return
		}
		links[name]++
	})
	return links, nil
}

func (e *Extractor) skipped(name string) bool {
	for _, prefix := range e.skipPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
