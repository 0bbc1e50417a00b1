// Package knowledge provides the knowledge_search tool over the agent's
// ingested documents.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/memory"
)

const defaultTopK = 5

// Tool searches the agent's knowledge base.
type Tool struct {
	store *memory.Store
	topK  int
}

// Option configures a knowledge Tool.
type Option func(*Tool)

// WithTopK sets the number of chunks to return. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) { t.topK = n }
}

// New creates a knowledge_search tool backed by the memory store.
func New(store *memory.Store, opts ...Option) *Tool {
	t := &Tool{store: store, topK: defaultTopK}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "knowledge_search",
		Description: "Search the agent's knowledge base of ingested documents for relevant passages.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Query == "" {
		return caldera.ToolResult{Error: "query is required"}, nil
	}

	tc := caldera.ToolContextFrom(ctx)
	chunks, err := t.store.SearchKnowledge(ctx, tc.AgentID, params.Query, t.topK)
	if err != nil {
		return caldera.ToolResult{Error: "knowledge search: " + err.Error()}, nil
	}
	if len(chunks) == 0 {
		return caldera.ToolResult{Content: fmt.Sprintf("No knowledge found for %q.", params.Query)}, nil
	}

	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, c.Chunk.Content)
	}
	return caldera.ToolResult{Content: b.String()}, nil
}

var _ caldera.Tool = (*Tool)(nil)
