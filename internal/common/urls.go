package common

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Tracking query parameters stripped during canonicalization. Any parameter
// whose name starts with "utm_" is stripped as well.
var trackingParams = map[string]bool{
	"icid":   true,
	"gclid":  true,
	"fbclid": true,
	"ref":    true,
	"source": true,
}

var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".tgz": true,
	".mp4": true, ".mp3": true, ".wav": true, ".webm": true, ".ico": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// CanonicalizeURL normalizes a URL for deduplication: drops the fragment,
// strips tracking query parameters, rewrites /index.html to /, and removes
// the trailing slash. Invalid URLs are returned unchanged.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if strings.HasPrefix(name, "utm_") || trackingParams[name] {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}

	if strings.HasSuffix(u.Path, "/index.html") {
		u.Path = strings.TrimSuffix(u.Path, "index.html")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// DeriveIndexName derives a deterministic index name from a source URL:
// the lowercased host with any leading "www." removed and non-alphanumerics
// collapsed to "-". When the URL path ends in a filename with an extension,
// the sanitized filename stem is appended. The result is always safe to
// embed in a table name.
func DeriveIndexName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return sanitizeNamePart(rawURL)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	name := sanitizeNamePart(host)

	base := path.Base(u.Path)
	if ext := path.Ext(base); ext != "" && base != "/" && base != "." {
		stem := strings.TrimSuffix(base, ext)
		if part := sanitizeNamePart(stem); part != "" {
			name = name + "-" + part
		}
	}

	return name
}

func sanitizeNamePart(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// IsAssetURL reports whether the URL path ends in a known non-HTML asset
// extension. Asset URLs are never enqueued by the HTML crawler.
func IsAssetURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return assetExtensions[strings.ToLower(path.Ext(u.Path))]
}

// IsHTTPURL reports whether the URL uses an http or https scheme
func IsHTTPURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// SameHost reports whether two URLs share a host (exact match)
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}
