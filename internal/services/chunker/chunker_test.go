package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_PacksParagraphsUpToChunkSize(t *testing.T) {
	p1 := strings.Repeat("a", 600)
	p2 := strings.Repeat("b", 600)
	p3 := strings.Repeat("c", 600)
	text := p1 + "\n\n" + p2 + "\n\n" + p3

	c := New(1500, 150)
	chunks := c.Split(text)

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], p1)
	assert.Contains(t, chunks[0], p2)
	assert.Equal(t, p3, chunks[1])
}

func TestSplit_SlicesOversizedParagraphWithOverlap(t *testing.T) {
	para := strings.Repeat("x", 3200)

	c := New(1500, 150)
	chunks := c.Split(para)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1500)
	assert.Len(t, chunks[1], 1500)
	assert.Len(t, chunks[2], 350) // tail window from offset 2850
}

func TestSplit_SentenceGapActsAsParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 1400) + ".  " + strings.Repeat("b", 1400)

	c := New(1500, 150)
	chunks := c.Split(text)

	require.Len(t, chunks, 2)
	assert.True(t, strings.HasSuffix(chunks[0], "."))
	assert.Equal(t, strings.Repeat("b", 1400), chunks[1])
}

func TestSplit_PreservesNonWhitespaceCharacters(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"short paragraphs", "alpha beta\n\ngamma delta\n\nepsilon"},
		{"oversized paragraph", strings.Repeat("q", 4501)},
		{"exact stride multiple", strings.Repeat("q", 3000)},
		{"mixed", strings.Repeat("m", 200) + "\n\n" + strings.Repeat("n", 2000)},
	}

	stripWS := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' {
				return -1
			}
			return r
		}, s)
	}

	c := New(1500, 150)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := c.Split(tt.text)

			var joined strings.Builder
			for _, chunk := range chunks {
				require.NotEmpty(t, chunk)
				require.LessOrEqual(t, len(chunk), c.Size+c.Overlap)
				joined.WriteString(chunk)
			}

			want := stripWS(tt.text)
			got := stripWS(joined.String())

			// Overlap duplicates characters but never drops them
			wantCounts := map[rune]int{}
			for _, r := range want {
				wantCounts[r]++
			}
			gotCounts := map[rune]int{}
			for _, r := range got {
				gotCounts[r]++
			}
			for r, n := range wantCounts {
				assert.GreaterOrEqual(t, gotCounts[r], n, "lost occurrences of %q", r)
			}
		})
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	c := New(0, -1)
	assert.Equal(t, DefaultChunkSize, c.Size)
	assert.Equal(t, DefaultOverlap, c.Overlap)
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\n  \t "))
}
