package models

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Source document types stored in chunk metadata
const (
	SourceTypeHTML = "html"
	SourceTypePDF  = "pdf"
)

// DocumentChunk is one stored text window from a source page. The URL is the
// canonical page URL suffixed with "#<md5 of content>" so multiple chunks per
// page coexist deterministically and re-ingestion upserts in place.
type DocumentChunk struct {
	URL       string                 `json:"url"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// ChunkURL builds the stored chunk URL from the canonical page URL and the
// chunk content hash
func ChunkURL(pageURL, content string) string {
	sum := md5.Sum([]byte(content))
	return pageURL + "#" + hex.EncodeToString(sum[:])
}

// ChunkMetadata builds the stored metadata map for a chunk
func ChunkMetadata(source, docType, title string, size int) map[string]interface{} {
	return map[string]interface{}{
		"source": source,
		"type":   docType,
		"title":  title,
		"size":   size,
	}
}

// SearchResult is one ANN hit returned by the semantic query path.
// Score is 1 - cosine distance; Snippet is truncated to 500 characters.
type SearchResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
