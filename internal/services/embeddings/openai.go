package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls the OpenAI embeddings endpoint. It passes the requested
// dimensions through to the API, which truncates text-embedding-3 vectors
// server-side.
type OpenAIClient struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	logger     arbor.ILogger
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIClient creates an OpenAI embedding client
func NewOpenAIClient(cfg common.EmbeddingConfig, logger arbor.ILogger) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = 1536
	}

	return &OpenAIClient{
		client:     &http.Client{Timeout: 60 * time.Second},
		apiKey:     cfg.APIKey,
		baseURL:    defaultOpenAIBaseURL,
		model:      model,
		dimensions: dimensions,
		logger:     logger,
	}
}

// EmbedBatch embeds all texts in one request, preserving input order. Empty
// input returns an empty list without a network call.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	payload, err := json.Marshal(openAIEmbedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := string(body)
		var parsed openAIEmbedResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
			message = parsed.Error.Message
		}
		return nil, &models.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embed response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}

	c.adoptDimension(len(vectors[0]))
	return vectors, nil
}

// adoptDimension trusts the provider's actual output size over configuration
func (c *OpenAIClient) adoptDimension(actual int) {
	if actual > 0 && actual != c.dimensions {
		c.logger.Warn().
			Int("configured", c.dimensions).
			Int("actual", actual).
			Msg("Provider returned a different embedding dimension, adopting it")
		c.dimensions = actual
	}
}

func (c *OpenAIClient) Dimensions() int { return c.dimensions }
func (c *OpenAIClient) Model() string   { return c.model }
