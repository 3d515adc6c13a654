// Package embed computes transcript embeddings for glossary similarity
// lookups.
package embed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultModel is used when no embeddings model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// defaultHTTPTimeout bounds one embeddings request.
const defaultHTTPTimeout = 10 * time.Second

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Model is the embeddings model. Default text-embedding-3-small.
	Model string

	// Timeout is the per-request HTTP timeout. Default 10s.
	Timeout time.Duration

	// BaseURL overrides the API base URL, for tests.
	BaseURL string
}

// Client produces embeddings over the OpenAI embeddings API.
type Client struct {
	client oai.Client
	model  string
}

// NewClient creates a client.
func NewClient(apiKey string, cfg ClientConfig) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embed: api key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: oai.NewClient(reqOpts...), model: cfg.Model}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: c.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
