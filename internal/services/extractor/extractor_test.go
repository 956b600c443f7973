package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func TestExtract_PrefersMainContainer(t *testing.T) {
	html := `<html><head><title>Guide</title></head><body>
		<nav>Navigation links</nav>
		<main><p>Main body text.</p></main>
		<footer>Footer junk</footer>
	</body></html>`

	e := New(common.GetLogger())
	page, err := e.Extract(html, "https://docs.example.com/guide")
	require.NoError(t, err)

	assert.Equal(t, "Guide", page.Title)
	assert.Equal(t, "Main body text.", page.Text)
	assert.NotContains(t, page.Text, "Navigation")
	assert.NotContains(t, page.Text, "Footer")
}

func TestExtract_SelectorPriority(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "article when no main",
			html: `<body><article>From article</article><div class="content">From div</div></body>`,
			want: "From article",
		},
		{
			name: "content id",
			html: `<body><div id="content">From content id</div><div class="content">From class</div></body>`,
			want: "From content id",
		},
		{
			name: "empty main skipped",
			html: `<body><main>  </main><article>Fallback article</article></body>`,
			want: "Fallback article",
		},
		{
			name: "body fallback",
			html: `<body><div>Plain body text</div></body>`,
			want: "Plain body text",
		},
	}

	e := New(common.GetLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.Extract(tt.html, "https://x.test/p")
			require.NoError(t, err)
			assert.Equal(t, tt.want, page.Text)
		})
	}
}

func TestExtract_TitleFallbacks(t *testing.T) {
	e := New(common.GetLogger())

	page, err := e.Extract(`<body><h1>Heading Title</h1><p>text</p></body>`, "https://x.test/p")
	require.NoError(t, err)
	assert.Equal(t, "Heading Title", page.Title)

	page, err = e.Extract(`<body><p>text only</p></body>`, "https://x.test/p")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/p", page.Title)
}

func TestExtract_CollapsesWhitespaceAndStripsScripts(t *testing.T) {
	html := `<body><main>
		<script>var x = 1;</script>
		<style>.a { color: red }</style>
		<p>First   line.</p>
		<p>Second
		line.</p>
	</main></body>`

	e := New(common.GetLogger())
	page, err := e.Extract(html, "https://x.test/p")
	require.NoError(t, err)

	assert.Equal(t, "First line. Second line.", page.Text)
	assert.NotContains(t, page.Text, "var x")
	assert.NotContains(t, page.Text, "color")
}
