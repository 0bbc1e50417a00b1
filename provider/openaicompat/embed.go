package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/calderahq/caldera"
)

// Embedder implements caldera.EmbeddingProvider against the /embeddings
// endpoint of an OpenAI-compatible API.
type Embedder struct {
	provider   *Provider
	model      string
	dimensions int
}

// NewEmbedder creates an embedding provider. dimensions is the vector size
// the model produces (and, when the API supports it, is requested
// explicitly).
func NewEmbedder(apiKey, model, baseURL string, dimensions int, opts ...ProviderOption) *Embedder {
	return &Embedder{
		provider:   NewProvider(apiKey, model, baseURL, opts...),
		model:      model,
		dimensions: dimensions,
	}
}

// Model returns the embedding model identifier.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := EmbeddingRequest{Model: e.model, Input: texts, Dimensions: e.dimensions}
	resp, err := e.provider.sendHTTP(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.provider.httpErr(resp)
	}

	var wire EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%s: decode embeddings: %w", e.provider.name, err)
	}
	if len(wire.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", e.provider.name, len(wire.Data), len(texts))
	}

	// The API may return data out of order; the index field is canonical.
	sort.Slice(wire.Data, func(i, j int) bool { return wire.Data[i].Index < wire.Data[j].Index })
	out := make([][]float32, len(wire.Data))
	for i, d := range wire.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Compile-time interface check.
var _ caldera.EmbeddingProvider = (*Embedder)(nil)
