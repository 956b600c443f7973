package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIndexName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.example.com/docs/getting-started/intro", "example-com"},
		{"http://www.Example-Sub.Domain.co.uk/path", "example-sub-domain-co-uk"},
		{
			"https://hmd-wp.go-vip.net/wp-content/uploads/2025/05/2025-US-FDD-Embassy-Suites-v.2.pdf",
			"hmd-wp-go-vip-net-2025-us-fdd-embassy-suites-v-2",
		},
		{"https://files.example.com/docs/My Report 2024 FINAL.PDF", "files-example-com-my-report-2024-final"},
		{"https://docs.example.io", "docs-example-io"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveIndexName(tt.url), "url %s", tt.url)
	}
}

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://x.test/a/?utm_source=b&keep=1#frag", "https://x.test/a?keep=1"},
		{"https://x.test/a/index.html", "https://x.test/a"},
		{"https://x.test/a?gclid=123&fbclid=456&ref=nav", "https://x.test/a"},
		{"https://x.test/", "https://x.test"},
		{"https://x.test/docs/page", "https://x.test/docs/page"},
	}

	for _, tt := range tests {
		got := CanonicalizeURL(tt.url)
		assert.Equal(t, tt.want, got, "url %s", tt.url)
		assert.Equal(t, got, CanonicalizeURL(got), "not idempotent for %s", tt.url)
	}
}

func TestIsAssetURL(t *testing.T) {
	assert.True(t, IsAssetURL("https://x.test/logo.png"))
	assert.True(t, IsAssetURL("https://x.test/files/report.PDF"))
	assert.True(t, IsAssetURL("https://x.test/dist.tar.gz"))
	assert.False(t, IsAssetURL("https://x.test/docs/page"))
	assert.False(t, IsAssetURL("https://x.test/page.html"))
}

func TestIsHTTPURL(t *testing.T) {
	assert.True(t, IsHTTPURL("https://x.test/a"))
	assert.True(t, IsHTTPURL("http://x.test/a"))
	assert.False(t, IsHTTPURL("ftp://x.test/a"))
	assert.False(t, IsHTTPURL("mailto:a@x.test"))
}

func TestSameHost(t *testing.T) {
	assert.True(t, SameHost("https://x.test/a", "http://x.test/b"))
	assert.True(t, SameHost("https://X.Test/a", "https://x.test/b"))
	assert.False(t, SameHost("https://x.test/a", "https://y.test/a"))
	assert.False(t, SameHost("https://sub.x.test/a", "https://x.test/a"))
}
