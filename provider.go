package caldera

import "context"

// LLMProvider abstracts a chat-completion backend. Adapters translate the
// uniform request into vendor wire formats; they never retry.
type LLMProvider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream sends a request and delivers delta chunks on ch until the
	// stream ends, then returns. The channel is closed by the provider.
	// Tool-call fragments across chunks follow the merge-by-id contract.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- ChatStreamChunk) error
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Model returns the embedding model identifier stored with vectors.
	Model() string
}

// MergeToolCallDeltas folds streamed tool-call fragments into complete calls.
// A fragment carrying a known id appends to that call's arguments; a fragment
// with a new id appends a new call; fragments without an id extend the call
// at the fragment's index (vendor positional form), falling back to the most
// recently opened call.
func MergeToolCallDeltas(acc []ToolCall, deltas []ToolCallDelta) []ToolCall {
	for _, d := range deltas {
		idx := -1
		switch {
		case d.ID != "":
			for i := range acc {
				if acc[i].ID == d.ID {
					idx = i
					break
				}
			}
			if idx < 0 {
				acc = append(acc, ToolCall{ID: d.ID})
				idx = len(acc) - 1
			}
		case d.Index >= 0 && d.Index < len(acc):
			idx = d.Index
		case len(acc) > 0:
			idx = len(acc) - 1
		default:
			acc = append(acc, ToolCall{})
			idx = 0
		}

		if d.Name != "" {
			acc[idx].Name = d.Name
		}
		if d.Arguments != "" {
			acc[idx].Arguments += d.Arguments
		}
	}
	return acc
}
