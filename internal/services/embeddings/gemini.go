package embeddings

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/colligo/internal/common"
)

// GeminiClient embeds through the Google genai API. Gemini vectors below the
// model's native size are not pre-normalized, so every returned vector is
// L2-normalized before use.
type GeminiClient struct {
	client     *genai.Client
	model      string
	dimensions int
	logger     arbor.ILogger
}

// NewGeminiClient creates a Gemini embedding client
func NewGeminiClient(ctx context.Context, cfg common.EmbeddingConfig, logger arbor.ILogger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = 1536
	}

	return &GeminiClient{
		client:     client,
		model:      model,
		dimensions: dimensions,
		logger:     logger,
	}, nil
}

// EmbedBatch embeds all texts in one call, requesting the configured output
// dimensionality. Empty input returns an empty list without a network call.
func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	outputDim := int32(c.dimensions)
	result, err := c.client.Models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		got := 0
		if result != nil {
			got = len(result.Embeddings)
		}
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", got, len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
		vec := emb.Values
		l2Normalize(vec)
		vectors[i] = vec
	}

	if actual := len(vectors[0]); actual != c.dimensions {
		c.logger.Warn().
			Int("configured", c.dimensions).
			Int("actual", actual).
			Msg("Provider returned a different embedding dimension, adopting it")
		c.dimensions = actual
	}

	return vectors, nil
}

func (c *GeminiClient) Dimensions() int { return c.dimensions }
func (c *GeminiClient) Model() string   { return c.model }
