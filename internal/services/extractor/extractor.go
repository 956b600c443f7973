// -----------------------------------------------------------------------
// Extractor - main-content and title extraction from documentation pages
// -----------------------------------------------------------------------

package extractor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// containerSelectors are tried in order; the first non-empty match wins.
// Falls back to body when none match.
var containerSelectors = []string{
	"main",
	"article",
	"#content",
	".content",
	".docs-content",
	".site-content",
	".slds-container",
}

// removeSelectors strip chrome and non-content nodes before text extraction
var removeSelectors = []string{
	"script",
	"style",
	"noscript",
	"nav",
	"header",
	"footer",
	".sidebar",
	".site-sidebar",
	".screen-reader-only",
	".sr-only",
	"[aria-hidden='true']",
}

var whitespace = regexp.MustCompile(`\s+`)

// Page is the extracted content of one documentation page
type Page struct {
	URL   string
	Title string
	Text  string
}

// Extractor pulls the main prose out of documentation HTML
type Extractor struct {
	logger arbor.ILogger
}

// New creates an extractor
func New(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract parses HTML and returns the page title and main text. The title is
// the first non-empty of <title>, <h1>, then the page URL. Text whitespace is
// collapsed to single spaces.
func (e *Extractor) Extract(html, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	for _, sel := range removeSelectors {
		doc.Find(sel).Remove()
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = pageURL
	}

	container := doc.Find("body")
	for _, sel := range containerSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			container = s
			break
		}
	}

	text := strings.TrimSpace(whitespace.ReplaceAllString(container.Text(), " "))

	e.logger.Debug().
		Str("url", pageURL).
		Str("title", title).
		Int("text_length", len(text)).
		Msg("Extracted page content")

	return &Page{URL: pageURL, Title: title, Text: text}, nil
}
