// -----------------------------------------------------------------------
// Crawler - bounded same-host BFS with a concurrent worker pool
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/services/extractor"
)

const (
	maxRedirects = 5
	maxBodyBytes = 8 << 20
)

// Options configure a single crawl
type Options struct {
	MaxPages          int
	Concurrency       int
	RequestTimeout    time.Duration
	UserAgent         string
	IncludePatterns   []string
	ExcludePatterns   []string
	PathPrefix        string  // restrict enqueued URLs to this path prefix when non-empty
	RequestsPerSecond float64 // per-host politeness, 0 means default
}

// Stats summarize a completed crawl
type Stats struct {
	PagesVisited   int
	PagesDelivered int
	PagesFailed    int
}

// Sink receives each successfully fetched page exactly once
type Sink func(page *extractor.Page) error

// Crawler walks a documentation site breadth-first within a single host
type Crawler struct {
	opts      Options
	client    *http.Client
	extractor *extractor.Extractor
	filter    *LinkFilter
	logger    arbor.ILogger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a crawler. Zero option values fall back to sane defaults.
func New(opts Options, logger arbor.ILogger) *Crawler {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "colligo/" + common.Version
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 8
	}

	return &Crawler{
		opts: opts,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		extractor: extractor.New(logger),
		filter:    NewLinkFilter(opts.IncludePatterns, opts.ExcludePatterns, logger),
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// PathPrefixOf returns the seed's path when it is non-root, for use as a
// crawl path restriction
func PathPrefixOf(seedURL string) string {
	u, err := url.Parse(seedURL)
	if err != nil {
		return ""
	}
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return ""
	}
	return p
}

// Crawl walks the site from seedURL plus extraSeeds, delivering each fetched
// page to the sink. It returns when the frontier drains, the visited bound
// is reached, or the context is cancelled.
func (c *Crawler) Crawl(ctx context.Context, seedURL string, extraSeeds []string, sink Sink) (*Stats, error) {
	seed := common.CanonicalizeURL(seedURL)
	if !common.IsHTTPURL(seed) {
		return nil, fmt.Errorf("seed is not an http(s) URL: %s", seedURL)
	}

	front := newFrontier(c.opts.MaxPages)
	front.enqueue(seed)
	for _, s := range extraSeeds {
		if c.admissible(common.CanonicalizeURL(s), seed) {
			front.enqueue(common.CanonicalizeURL(s))
		}
	}

	var delivered, failed atomic.Int64
	var sinkMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	// unblock workers parked on the frontier when the context dies
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			front.close()
		case <-watchDone:
		}
	}()

	for i := 0; i < c.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				pageURL, ok := front.next()
				if !ok {
					return nil
				}

				page, links, err := c.fetch(gctx, pageURL)
				if err != nil {
					failed.Add(1)
					c.logger.Debug().Str("url", pageURL).Err(err).Msg("Page fetch failed")
					front.release()
					if gctx.Err() != nil {
						return gctx.Err()
					}
					continue
				}

				sinkMu.Lock()
				sinkErr := sink(page)
				sinkMu.Unlock()
				if sinkErr != nil {
					front.release()
					return sinkErr
				}
				delivered.Add(1)

				for _, link := range links {
					canon := common.CanonicalizeURL(link)
					if c.admissible(canon, seed) {
						front.enqueue(canon)
					}
				}
				front.release()
			}
		})
	}

	err := g.Wait()
	close(watchDone)

	stats := &Stats{
		PagesVisited:   front.visitedCount(),
		PagesDelivered: int(delivered.Load()),
		PagesFailed:    int(failed.Load()),
	}

	c.logger.Info().
		Str("seed", seed).
		Int("visited", stats.PagesVisited).
		Int("delivered", stats.PagesDelivered).
		Int("failed", stats.PagesFailed).
		Msg("Crawl completed")

	return stats, err
}

// admissible applies the enqueue rules: http(s), same host as the seed, not
// an asset, within the path prefix, and passing include/exclude patterns
func (c *Crawler) admissible(canonURL, seed string) bool {
	if !common.IsHTTPURL(canonURL) || !common.SameHost(canonURL, seed) || common.IsAssetURL(canonURL) {
		return false
	}
	if c.opts.PathPrefix != "" {
		u, err := url.Parse(canonURL)
		if err != nil || !strings.HasPrefix(u.Path, c.opts.PathPrefix) {
			return false
		}
	}
	return c.filter.Allow(canonURL)
}

// fetch retrieves one page, extracts its content, and collects outbound links
func (c *Crawler) fetch(ctx context.Context, pageURL string) (*extractor.Page, []string, error) {
	if err := c.hostLimiter(pageURL).Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		return nil, nil, fmt.Errorf("unsupported content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, err
	}

	html := string(body)
	page, err := c.extractor.Extract(html, pageURL)
	if err != nil {
		return nil, nil, err
	}

	return page, extractLinks(html, pageURL), nil
}

func (c *Crawler) hostLimiter(pageURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(pageURL); err == nil {
		host = u.Host
	}

	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.opts.RequestsPerSecond), c.opts.Concurrency)
		c.limiters[host] = lim
	}
	return lim
}
