// Package embedding calls the Qianfan embedding endpoints.
package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
	"github.com/knoguchi/ernie/pkg/response"
)

const (
	// DefaultBaseURL is the embedding endpoint root; the model name is joined onto it.
	DefaultBaseURL = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/embeddings/"

	// DefaultBatchConcurrency is the number of concurrent requests EmbedBatch issues.
	DefaultBatchConcurrency = 4
)

// ModelConfig describes the limits of an embedding model.
type ModelConfig struct {
	Dimension    int // Embedding dimension
	MaxBatchSize int // Max texts per request
}

// KnownModels maps embedding models to their limits.
var KnownModels = map[models.EmbeddingModel]ModelConfig{
	models.EmbeddingV1: {Dimension: 384, MaxBatchSize: 16},
	models.BgeLargeZh:  {Dimension: 1024, MaxBatchSize: 16},
	models.BgeLargeEn:  {Dimension: 1024, MaxBatchSize: 16},
	models.Tao8K:       {Dimension: 1024, MaxBatchSize: 1},
}

// GetModelConfig returns the limits for model, or conservative defaults.
func GetModelConfig(model models.EmbeddingModel) ModelConfig {
	if cfg, ok := KnownModels[model]; ok {
		return cfg
	}
	return ModelConfig{Dimension: 0, MaxBatchSize: 1}
}

// Config holds configuration for Client.
type Config struct {
	// BaseURL is the endpoint root (default: DefaultBaseURL).
	BaseURL string

	// Model is the embedding model (default: models.DefaultEmbeddingModel).
	Model models.EmbeddingModel

	// BatchConcurrency bounds concurrent requests in EmbedBatch.
	BatchConcurrency int

	// EndpointOptions are passed to the underlying endpoint client.
	EndpointOptions []endpoint.Option
}

// Client calls one embedding model.
type Client struct {
	ep               *endpoint.Client
	model            models.EmbeddingModel
	limits           ModelConfig
	batchConcurrency int
}

// Result is delivered by InvokeAsync.
type Result struct {
	Response *Response
	Err      error
}

// New creates an embedding client that authenticates through tokens.
func New(tokens endpoint.TokenSource, cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = models.DefaultEmbeddingModel
	}

	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}

	ep, err := endpoint.New(baseURL, model.String(), tokens, cfg.EndpointOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding endpoint: %w", err)
	}

	return &Client{
		ep:               ep,
		model:            model,
		limits:           GetModelConfig(model),
		batchConcurrency: batchConcurrency,
	}, nil
}

// Model returns the embedding model.
func (c *Client) Model() models.EmbeddingModel {
	return c.model
}

// Dimension returns the vector size of the model, or 0 when unknown.
func (c *Client) Dimension() int {
	return c.limits.Dimension
}

type request struct {
	Input  []string `json:"input"`
	UserID string   `json:"user_id,omitempty"`
}

// Invoke embeds input in a single request. An empty userID is omitted.
func (c *Client) Invoke(ctx context.Context, input []string, userID string) (*Response, error) {
	batch, err := c.ep.Invoke(ctx, request{Input: input, UserID: userID})
	if err != nil {
		return nil, err
	}
	if batch.Len() != 1 {
		return nil, fmt.Errorf("%w: expected one JSON object, got %d frames", endpoint.ErrTransport, batch.Len())
	}
	return &Response{frame: batch.Frames()[0]}, nil
}

// InvokeAsync is the non-blocking form of Invoke.
func (c *Client) InvokeAsync(ctx context.Context, input []string, userID string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		resp, err := c.Invoke(ctx, input, userID)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// EmbedBatch embeds any number of texts, splitting them into requests the
// model accepts and running those concurrently. Vectors are returned in
// input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, userID string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	size := c.limits.MaxBatchSize
	results := make([][]float64, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchConcurrency)

	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		g.Go(func() error {
			resp, err := c.Invoke(ctx, texts[start:end], userID)
			if err != nil {
				return fmt.Errorf("batch embedding failed at index %d: %w", start, err)
			}
			vectors, err := resp.Embeddings()
			if err != nil {
				return fmt.Errorf("batch embedding failed at index %d: %w", start, err)
			}
			if len(vectors) != end-start {
				return fmt.Errorf("batch embedding at index %d: expected %d vectors, got %d", start, end-start, len(vectors))
			}
			copy(results[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Response is a decoded embedding reply.
type Response struct {
	frame response.Frame
}

// Frame returns the raw reply.
func (r *Response) Frame() response.Frame {
	return r.frame
}

type embeddingData struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Embeddings returns one vector per input text, ordered by index.
func (r *Response) Embeddings() ([][]float64, error) {
	if _, ok := r.frame.Get("data"); !ok {
		return nil, fmt.Errorf("%w: %q", response.ErrMissingField, "data")
	}

	var decoded embeddingData
	if err := r.frame.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", response.ErrWrongType, err)
	}

	vectors := make([][]float64, len(decoded.Data))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(vectors) || vectors[d.Index] != nil {
			// Indices are unusable; keep reply order.
			for i, d := range decoded.Data {
				vectors[i] = d.Embedding
			}
			return vectors, nil
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Usage returns the token usage reported with the reply.
func (r *Response) Usage() (Usage, error) {
	if _, ok := r.frame.Get("usage"); !ok {
		return Usage{}, fmt.Errorf("%w: %q", response.ErrMissingField, "usage")
	}

	var decoded struct {
		Usage Usage `json:"usage"`
	}
	if err := r.frame.Decode(&decoded); err != nil {
		return Usage{}, fmt.Errorf("%w: %v", response.ErrWrongType, err)
	}
	return decoded.Usage, nil
}
