package crawler

import (
	"regexp"

	"github.com/ternarybob/arbor"
)

// defaultExcludePatterns reject authentication pages, category/tag/feed
// pages, and non-HTML media descriptors regardless of configuration
var defaultExcludePatterns = []string{
	`(?i)/(login|logout|signin|signup|sign-in|sign-up|register|auth|password)(/|$|\?)`,
	`(?i)/(category|categories|tag|tags|feed|rss|atom)(/|$|\?)`,
	`(?i)\.(rss|atom)$`,
	`(?i)[?&](replytocom|share)=`,
}

// LinkFilter applies include/exclude regex patterns to candidate URLs
type LinkFilter struct {
	includeRegexes []*regexp.Regexp
	excludeRegexes []*regexp.Regexp
	logger         arbor.ILogger
}

// NewLinkFilter compiles the configured patterns plus the default excludes.
// Patterns that fail to compile are logged and skipped.
func NewLinkFilter(includePatterns, excludePatterns []string, logger arbor.ILogger) *LinkFilter {
	f := &LinkFilter{logger: logger}

	for _, pattern := range includePatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			f.includeRegexes = append(f.includeRegexes, re)
		} else {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile include pattern")
		}
	}

	for _, pattern := range append(append([]string{}, defaultExcludePatterns...), excludePatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			f.excludeRegexes = append(f.excludeRegexes, re)
		} else {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile exclude pattern")
		}
	}

	return f
}

// Allow reports whether the URL passes all patterns. Excludes reject first;
// when include patterns exist the URL must match at least one.
func (f *LinkFilter) Allow(url string) bool {
	for _, re := range f.excludeRegexes {
		if re.MatchString(url) {
			return false
		}
	}

	if len(f.includeRegexes) == 0 {
		return true
	}
	for _, re := range f.includeRegexes {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
