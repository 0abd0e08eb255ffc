// Package openaiembed provides an embedding engine backed by the OpenAI API.
package openaiembed

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"waterlog/internal/services"
)

// modelDims maps supported embedding models to their fixed dimensionality.
var modelDims = map[string]int{
	string(openai.SmallEmbedding3): 1536,
	string(openai.LargeEmbedding3): 3072,
	string(openai.AdaEmbeddingV2):  1536,
}

// embeddingAPI is the slice of the OpenAI client the engine needs.
type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Client is an order-preserving batch embedding engine.
type Client struct {
	api   embeddingAPI
	model string
	dims  int
}

// Option customizes a Client.
type Option func(*Client)

// WithAPI injects a custom API implementation (primarily for tests).
func WithAPI(api embeddingAPI) Option {
	return func(c *Client) {
		if api != nil {
			c.api = api
		}
	}
}

// New returns an engine for the given model. The API key is required unless a
// custom API is injected.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	dims, ok := modelDims[model]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "embed", "setup",
			fmt.Sprintf("unsupported embedding model %q", model), nil)
	}
	c := &Client{model: model, dims: dims}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		if apiKey == "" {
			return nil, services.Wrap(services.ErrConfiguration, "embed", "setup",
				"OPENAI_API_KEY is not set", nil)
		}
		c.api = openai.NewClient(apiKey)
	}
	return c, nil
}

// Identity returns the model identity used for cache keys and index files.
func (c *Client) Identity() string {
	return c.model
}

// Dims returns the embedding dimensionality.
func (c *Client) Dims() int {
	return c.dims
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "embed", "request", c.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, services.Wrap(services.ErrExternalTool, "embed", "request",
			fmt.Sprintf("got %d embeddings for %d inputs", len(resp.Data), len(texts)), nil)
	}

	// The API reports an index per datum; sort rather than trust response
	// order.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, datum := range resp.Data {
		if len(datum.Embedding) != c.dims {
			return nil, services.Wrap(services.ErrExternalTool, "embed", "request",
				fmt.Sprintf("embedding %d has %d dims, model %s promises %d",
					i, len(datum.Embedding), c.model, c.dims), nil)
		}
		out[i] = datum.Embedding
	}
	return out, nil
}
