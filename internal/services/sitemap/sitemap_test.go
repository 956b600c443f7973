package sitemap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func newDiscoverer() *Discoverer {
	return New(5*time.Second, "colligo-test", common.GetLogger())
}

func TestDiscover_RobotsDirectivesAndSitemapIndex(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /admin\nSitemap: " + srv.URL + "/deep/sitemap.xml\n"))
	})
	mux.HandleFunc("/deep/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0"?>
			<sitemapindex>
				<sitemap><loc>` + srv.URL + `/deep/pages.xml</loc></sitemap>
			</sitemapindex>`))
	})
	mux.HandleFunc("/deep/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0"?>
			<urlset>
				<url><loc>` + srv.URL + `/docs/a/index.html</loc></url>
				<url><loc>` + srv.URL + `/docs/b?utm_source=x</loc></url>
				<url><loc>https://other.test/external</loc></url>
			</urlset>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	pages, err := newDiscoverer().Discover(context.Background(), srv.URL+"/docs")
	require.NoError(t, err)

	assert.Contains(t, pages, srv.URL+"/docs/a")
	assert.Contains(t, pages, srv.URL+"/docs/b")
	assert.NotContains(t, pages, "https://other.test/external")
}

func TestDiscover_PlainTextSitemap(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("# comment line\n" + srv.URL + "/one\n" + srv.URL + "/two\nnot-a-url\n"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	pages, err := newDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Contains(t, pages, srv.URL+"/one")
	assert.Contains(t, pages, srv.URL+"/two")
	assert.Len(t, pages, 2)
}

func TestDiscover_NoSitemapsIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	pages, err := newDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestDiscover_DeduplicatesAcrossProbes(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	serveURLSet := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<urlset><url><loc>` + srv.URL + `/page</loc></url></urlset>`))
	}
	mux.HandleFunc("/sitemap.xml", serveURLSet)
	mux.HandleFunc("/sitemap_index.xml", serveURLSet)
	srv = httptest.NewServer(mux)
	defer srv.Close()

	pages, err := newDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/page"}, pages)
}

func TestParseRobots(t *testing.T) {
	body := []byte("User-agent: *\nsitemap: https://x.test/a.xml\nSITEMAP:   https://x.test/b.xml\nSitemap:\n")
	assert.Equal(t, []string{"https://x.test/a.xml", "https://x.test/b.xml"}, parseRobots(body))
}
