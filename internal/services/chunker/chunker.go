// -----------------------------------------------------------------------
// Chunker - paragraph-aware text splitting with windowed overflow
// -----------------------------------------------------------------------

package chunker

import (
	"regexp"
	"strings"
)

const (
	// DefaultChunkSize is the target chunk length in characters
	DefaultChunkSize = 1500
	// DefaultOverlap is the window overlap applied when slicing oversized paragraphs
	DefaultOverlap = 150
)

// sentenceGap marks a sentence end followed by two or more spaces, which is
// treated as a paragraph boundary alongside blank lines.
var (
	sentenceGap = regexp.MustCompile(`([.!?])[ \t]{2,}`)
	blankLine   = regexp.MustCompile(`\n[ \t]*\n+`)
)

// Chunker packs paragraphs into chunks of at most Size characters. A single
// paragraph longer than Size is sliced into fixed windows with Overlap
// characters of context carried between them.
type Chunker struct {
	Size    int
	Overlap int
}

// New creates a chunker, substituting defaults for non-positive values
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split breaks text into non-empty chunks preserving source order. Every
// chunk is at most Size+Overlap characters.
func (c *Chunker) Split(text string) []string {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}

	for _, para := range paragraphs {
		if len(para) > c.Size {
			flush()
			chunks = append(chunks, c.slice(para)...)
			continue
		}
		if buf.Len() > 0 && buf.Len()+2+len(para) > c.Size {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
	}
	flush()

	return chunks
}

// slice cuts an oversized paragraph into fixed windows. Each window after the
// first starts Overlap characters before the previous window's end.
func (c *Chunker) slice(para string) []string {
	var chunks []string
	for i := 0; ; i += c.Size {
		start := i - c.Overlap
		if start < 0 {
			start = 0
		}
		end := start + c.Size
		if end >= len(para) {
			chunks = append(chunks, para[start:])
			return chunks
		}
		chunks = append(chunks, para[start:end])
	}
}

// splitParagraphs splits on blank lines or a sentence end followed by two or
// more spaces, dropping empty entries
func splitParagraphs(text string) []string {
	text = sentenceGap.ReplaceAllString(text, "$1\n\n")
	parts := blankLine.Split(text, -1)

	paragraphs := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			paragraphs = append(paragraphs, part)
		}
	}
	return paragraphs
}
