// -----------------------------------------------------------------------
// Sitemap Discoverer - robots.txt and sitemap probing for crawl seeds
// -----------------------------------------------------------------------

package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

// probePaths are tried in order against the seed host
var probePaths = []string{
	"/robots.txt",
	"/sitemap.xml",
	"/docs/sitemap.xml",
	"/sitemap_index.xml",
}

const (
	maxSitemapDepth = 5
	maxSitemapBytes = 10 << 20
)

// Discoverer probes a site for sitemaps and expands them into page URLs
type Discoverer struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger
}

// New creates a sitemap discoverer
func New(timeout time.Duration, userAgent string, logger arbor.ILogger) *Discoverer {
	return &Discoverer{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Discover probes the well-known sitemap locations for the seed's host and
// returns the canonicalized, deduplicated set of same-host page URLs. An
// empty result is not an error; the crawler falls back to the seed alone.
func (d *Discoverer) Discover(ctx context.Context, seedURL string) ([]string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL: %w", err)
	}

	root := seed.Scheme + "://" + seed.Host
	seen := make(map[string]bool)
	var pages []string

	for _, probe := range probePaths {
		body, contentType, err := d.fetch(ctx, root+probe)
		if err != nil {
			d.logger.Debug().
				Str("url", root+probe).
				Err(err).
				Msg("Sitemap probe failed")
			continue
		}

		var found []string
		if probe == "/robots.txt" {
			for _, sm := range parseRobots(body) {
				found = append(found, d.expand(ctx, sm, 0)...)
			}
		} else {
			found = d.parseBody(ctx, body, contentType, 0)
		}

		for _, page := range found {
			canon := common.CanonicalizeURL(page)
			if !seen[canon] && common.SameHost(canon, seedURL) {
				seen[canon] = true
				pages = append(pages, canon)
			}
		}
	}

	d.logger.Info().
		Str("seed", seedURL).
		Int("pages", len(pages)).
		Msg("Sitemap discovery completed")

	return pages, nil
}

// expand fetches one sitemap URL and recursively resolves sitemap-index
// entries down to page URLs
func (d *Discoverer) expand(ctx context.Context, sitemapURL string, depth int) []string {
	if depth >= maxSitemapDepth {
		return nil
	}

	body, contentType, err := d.fetch(ctx, sitemapURL)
	if err != nil {
		d.logger.Debug().Str("url", sitemapURL).Err(err).Msg("Sitemap fetch failed")
		return nil
	}

	return d.parseBody(ctx, body, contentType, depth)
}

func (d *Discoverer) parseBody(ctx context.Context, body []byte, contentType string, depth int) []string {
	trimmed := strings.TrimSpace(string(body))

	if strings.Contains(contentType, "text/plain") && !strings.HasPrefix(trimmed, "<") {
		return parsePlainList(trimmed)
	}

	index, urls := parseXMLLocs(body)

	var pages []string
	for _, child := range index {
		pages = append(pages, d.expand(ctx, child, depth+1)...)
	}
	pages = append(pages, urls...)
	return pages
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, "", err
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// parseRobots extracts Sitemap: directive values from robots.txt content
func parseRobots(body []byte) []string {
	var sitemaps []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		if value := strings.TrimSpace(line[8:]); value != "" {
			sitemaps = append(sitemaps, value)
		}
	}
	return sitemaps
}

// parsePlainList takes each line beginning with http from a text sitemap
func parsePlainList(body string) []string {
	var pages []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http") {
			pages = append(pages, line)
		}
	}
	return pages
}

// sitemapDoc matches both sitemapindex and urlset documents; bare <loc>
// elements are handled by the fallback scan below
type sitemapDoc struct {
	XMLName  xml.Name `xml:""`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
	Locs []string `xml:"loc"`
}

// parseXMLLocs returns child sitemap URLs and page URLs found in an XML body
func parseXMLLocs(body []byte) (index []string, pages []string) {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, nil
	}

	for _, sm := range doc.Sitemaps {
		if loc := strings.TrimSpace(sm.Loc); loc != "" {
			index = append(index, loc)
		}
	}
	for _, u := range doc.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	for _, loc := range doc.Locs {
		if loc = strings.TrimSpace(loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	return index, pages
}
