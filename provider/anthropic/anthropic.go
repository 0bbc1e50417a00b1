package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/calderahq/caldera"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"
	// apiVersion is the pinned anthropic-version header value.
	apiVersion = "2023-06-01"
	// defaultMaxTokens applies when a request leaves max_tokens unset; the
	// messages API requires the field.
	defaultMaxTokens = 4096
)

// Provider implements caldera.LLMProvider for the Anthropic messages API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint, e.g. for a proxy.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an Anthropic provider.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Chat sends a non-streaming request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req caldera.ChatRequest) (caldera.ChatResponse, error) {
	body := p.buildBody(req)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return caldera.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return caldera.ChatResponse{}, p.httpErr(resp)
	}

	var wire Response
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return caldera.ChatResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return parseResponse(wire), nil
}

// ChatStream sends a streaming request, forwarding translated chunks to ch.
// The channel is closed when the stream ends, also on error.
func (p *Provider) ChatStream(ctx context.Context, req caldera.ChatRequest, ch chan<- caldera.ChatStreamChunk) error {
	body := p.buildBody(req)
	body.Stream = true

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody translates a uniform request. The system message is lifted out
// of the messages array into the top-level field; when several system
// messages appear, they are joined in order.
func (p *Provider) buildBody(req caldera.ChatRequest) Request {
	body := Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case caldera.RoleSystem:
			system = append(system, m.Content)
		case caldera.RoleTool:
			body.Messages = append(body.Messages, Message{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case caldera.RoleAssistant:
			body.Messages = append(body.Messages, Message{
				Role:    "assistant",
				Content: assistantBlocks(m),
			})
		default:
			body.Messages = append(body.Messages, Message{
				Role:    "user",
				Content: userBlocks(m),
			})
		}
	}
	body.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return body
}

func assistantBlocks(m caldera.ChatMessage) []ContentBlock {
	var blocks []ContentBlock
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) || len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if blocks == nil {
		blocks = []ContentBlock{{Type: "text", Text: ""}}
	}
	return blocks
}

func userBlocks(m caldera.ChatMessage) []ContentBlock {
	if len(m.Parts) == 0 {
		return []ContentBlock{{Type: "text", Text: m.Content}}
	}
	var blocks []ContentBlock
	for _, part := range m.Parts {
		switch part.Type {
		case caldera.ContentPartText:
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		case caldera.ContentPartImageURL:
			if part.ImageURL != nil {
				blocks = append(blocks, ContentBlock{
					Type:   "image",
					Source: &ImageSource{Type: "url", URL: part.ImageURL.URL},
				})
			}
		}
	}
	return blocks
}

// parseResponse translates a wire response into the uniform shape.
func parseResponse(wire Response) caldera.ChatResponse {
	msg := caldera.ChatMessage{Role: caldera.RoleAssistant}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, caldera.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	msg.Content = text.String()

	return caldera.ChatResponse{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []caldera.Choice{{
			Message:      msg,
			FinishReason: finishReason(wire.StopReason),
		}},
		Usage: caldera.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
}

func finishReason(stop string) caldera.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return caldera.FinishStop
	case "max_tokens":
		return caldera.FinishLength
	case "tool_use":
		return caldera.FinishToolCalls
	default:
		return caldera.FinishNone
	}
}

func (p *Provider) sendHTTP(ctx context.Context, body Request) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	return p.client.Do(httpReq)
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &caldera.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: caldera.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ caldera.LLMProvider = (*Provider)(nil)
