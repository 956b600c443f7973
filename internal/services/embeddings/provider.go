// -----------------------------------------------------------------------
// Embeddings - provider-polymorphic batch embedding clients
// -----------------------------------------------------------------------

package embeddings

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

// Provider is the capability set every embedding backend exposes. Dimensions
// may change after the first call when the provider reports a different
// vector size than configured.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// NewProvider constructs the configured embedding backend
func NewProvider(ctx context.Context, cfg common.EmbeddingConfig, logger arbor.ILogger) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg, logger), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
}

// l2Normalize scales the vector to unit length in place. Zero vectors are
// left untouched.
func l2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// parseRetryAfter interprets a Retry-After header as delta seconds or an
// HTTP-date. Zero means absent or unparseable.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
