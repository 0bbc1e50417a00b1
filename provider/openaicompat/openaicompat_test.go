package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calderahq/caldera"
)

func TestBuildBodyModelFallback(t *testing.T) {
	body := BuildBody(caldera.ChatRequest{Messages: []caldera.ChatMessage{caldera.UserMessage("hi")}}, "gpt-4o-mini")
	if body.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", body.Model)
	}

	body = BuildBody(caldera.ChatRequest{Model: "llama3"}, "gpt-4o-mini")
	if body.Model != "llama3" {
		t.Errorf("explicit model overridden: %q", body.Model)
	}
}

func TestBuildBodyTools(t *testing.T) {
	params := json.RawMessage(`{"type":"object"}`)
	body := BuildBody(caldera.ChatRequest{
		Tools:      []caldera.ToolDefinition{{Name: "calculate", Description: "math", Parameters: params}},
		ToolChoice: "auto",
	}, "m")

	if len(body.Tools) != 1 {
		t.Fatalf("tools = %d", len(body.Tools))
	}
	tool := body.Tools[0]
	if tool.Type != "function" || tool.Function.Name != "calculate" || tool.Function.Description != "math" {
		t.Errorf("tool = %+v", tool)
	}
	if string(tool.Function.Parameters) != string(params) {
		t.Errorf("parameters = %s", tool.Function.Parameters)
	}
	if body.ToolChoice != "auto" {
		t.Errorf("tool choice = %v", body.ToolChoice)
	}
}

func TestBuildBodyResponseFormat(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}}}`)
	body := BuildBody(caldera.ChatRequest{
		ResponseFormat: &caldera.ResponseFormat{Type: "json_schema", Schema: schema},
	}, "m")

	rf := body.ResponseFormat
	if rf == nil || rf.Type != "json_schema" || rf.JSONSchema == nil {
		t.Fatalf("response format = %+v", rf)
	}
	if !rf.JSONSchema.Strict || rf.JSONSchema.Name != "response" {
		t.Errorf("json schema = %+v", rf.JSONSchema)
	}

	body = BuildBody(caldera.ChatRequest{ResponseFormat: &caldera.ResponseFormat{Type: "json_object"}}, "m")
	if body.ResponseFormat == nil || body.ResponseFormat.JSONSchema != nil {
		t.Errorf("json_object format = %+v", body.ResponseFormat)
	}
}

func TestBuildBodyMessages(t *testing.T) {
	req := caldera.ChatRequest{Messages: []caldera.ChatMessage{
		caldera.SystemMessage("be brief"),
		{
			Role: caldera.RoleAssistant,
			ToolCalls: []caldera.ToolCall{
				{ID: "c1", Name: "clock", Arguments: `{"tz":"UTC"}`},
			},
		},
		caldera.ToolResultMessage("c1", "12:00"),
		{
			Role: caldera.RoleUser,
			Parts: []caldera.ContentPart{
				{Type: caldera.ContentPartText, Text: "what is in this image?"},
				{Type: caldera.ContentPartImageURL, ImageURL: &caldera.ImageURL{URL: "https://x/img.png", Detail: "low"}},
			},
		},
	}}

	msgs := BuildBody(req, "m").Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("system = %+v", msgs[0])
	}

	tc := msgs[1].ToolCalls
	if len(tc) != 1 || tc[0].ID != "c1" || tc[0].Type != "function" {
		t.Fatalf("tool calls = %+v", tc)
	}
	if tc[0].Function.Name != "clock" || tc[0].Function.Arguments != `{"tz":"UTC"}` {
		t.Errorf("function = %+v", tc[0].Function)
	}

	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "c1" || msgs[2].Content != "12:00" {
		t.Errorf("tool result = %+v", msgs[2])
	}

	blocks, ok := msgs[3].Content.([]ContentBlock)
	if !ok || len(blocks) != 2 {
		t.Fatalf("content = %#v", msgs[3].Content)
	}
	if blocks[0].Type != "text" || blocks[0].Text != "what is in this image?" {
		t.Errorf("text block = %+v", blocks[0])
	}
	if blocks[1].Type != "image_url" || blocks[1].ImageURL == nil || blocks[1].ImageURL.URL != "https://x/img.png" {
		t.Errorf("image block = %+v", blocks[1])
	}
}

func TestParseResponse(t *testing.T) {
	wire := ChatResponse{
		ID:    "resp-1",
		Model: "gpt-4o",
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Choices: []Choice{{
			Message: &ChoiceMessage{
				Role:    "assistant",
				Content: "checking",
				ToolCalls: []ToolCallRequest{
					{ID: "c1", Function: FunctionCall{Name: "weather", Arguments: `{"city":"Oslo"}`}},
				},
			},
			FinishReason: "tool_calls",
		}},
	}

	resp := ParseResponse(wire)
	if resp.ID != "resp-1" || resp.Usage.TotalTokens != 15 {
		t.Errorf("resp = %+v", resp)
	}
	msg := resp.First()
	if msg.Role != caldera.RoleAssistant || msg.Content != "checking" {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "weather" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
	if resp.Choices[0].FinishReason != caldera.FinishToolCalls {
		t.Errorf("finish reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestParseChunk(t *testing.T) {
	wire := ChatResponse{
		ID: "chunk-1",
		Choices: []Choice{{
			Delta: &ChoiceMessage{
				Content: "par",
				ToolCalls: []ToolCallRequest{
					{Index: 0, ID: "c1", Function: FunctionCall{Name: "calc", Arguments: `{"ex`}},
				},
			},
		}},
		Usage: &Usage{TotalTokens: 9},
	}

	chunk := ParseChunk(wire)
	if chunk.ID != "chunk-1" || chunk.Usage == nil || chunk.Usage.TotalTokens != 9 {
		t.Errorf("chunk = %+v", chunk)
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "par" {
		t.Errorf("delta = %+v", delta)
	}
	if len(delta.ToolCalls) != 1 || delta.ToolCalls[0].ID != "c1" || delta.ToolCalls[0].Arguments != `{"ex` {
		t.Errorf("tool deltas = %+v", delta.ToolCalls)
	}
}

func TestStreamSSE(t *testing.T) {
	transcript := strings.Join([]string{
		`: keepalive comment`,
		`data: {"id":"s1","choices":[{"delta":{"role":"assistant","content":"Hello"}}]}`,
		``,
		`data: {not json`,
		`data: {"id":"s1","choices":[{"delta":{"content":" world"}}]}`,
		`data: {"id":"s1","choices":[],"usage":{"total_tokens":4}}`,
		`data: [DONE]`,
		`data: {"id":"after-done","choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	ch := make(chan caldera.ChatStreamChunk, 16)
	if err := StreamSSE(context.Background(), strings.NewReader(transcript), ch); err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}

	var text strings.Builder
	var usage *caldera.Usage
	n := 0
	for chunk := range ch {
		n++
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if n != 3 {
		t.Errorf("chunks = %d, want 3", n)
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamSSECancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan caldera.ChatStreamChunk) // unbuffered, never read

	errCh := make(chan error, 1)
	go func() {
		errCh <- StreamSSE(ctx, strings.NewReader(`data: {"id":"s1","choices":[{"delta":{"content":"x"}}]}`+"\n"), ch)
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamSSE did not return after cancel")
	}
}

func TestProviderChat(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "resp-1",
			Choices: []Choice{{
				Message:      &ChoiceMessage{Role: "assistant", Content: "pong"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	resp, err := p.Chat(context.Background(), caldera.ChatRequest{
		Messages: []caldera.ChatMessage{caldera.UserMessage("ping")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Model != "gpt-4o-mini" || gotBody.Stream {
		t.Errorf("request body = %+v", gotBody)
	}
	if resp.First().Content != "pong" || resp.Usage.TotalTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProviderChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "m", srv.URL)
	_, err := p.Chat(context.Background(), caldera.ChatRequest{})
	var httpErr *caldera.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v", httpErr.RetryAfter)
	}
	if !strings.Contains(httpErr.Body, "rate limited") {
		t.Errorf("body = %q", httpErr.Body)
	}
}

func TestProviderChatStream(t *testing.T) {
	var gotBody ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"id":"s1","choices":[{"delta":{"role":"assistant","content":"str"}}]}`,
			`data: {"id":"s1","choices":[{"delta":{"content":"eamed"}}]}`,
			`data: {"id":"s1","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	ch := make(chan caldera.ChatStreamChunk, 16)
	if err := p.ChatStream(context.Background(), caldera.ChatRequest{
		Messages: []caldera.ChatMessage{caldera.UserMessage("go")},
	}, ch); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text strings.Builder
	var usage *caldera.Usage
	for chunk := range ch {
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if text.String() != "streamed" {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
	if !gotBody.Stream || gotBody.StreamOptions == nil || !gotBody.StreamOptions.IncludeUsage {
		t.Errorf("stream flags = %+v", gotBody)
	}
}

func TestProviderChatStreamErrorClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	ch := make(chan caldera.ChatStreamChunk, 1)
	err := p.ChatStream(context.Background(), caldera.ChatRequest{}, ch)

	var httpErr *caldera.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if _, open := <-ch; open {
		t.Error("channel left open after error")
	}
}

func TestEmbedder(t *testing.T) {
	var gotBody EmbeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Out of order on purpose; Index is canonical.
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingDatum{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}})
	}))
	defer srv.Close()

	e := NewEmbedder("sk-test", "text-embedding-3-small", srv.URL, 2)
	if e.Model() != "text-embedding-3-small" || e.Dimensions() != 2 {
		t.Errorf("metadata = %q, %d", e.Model(), e.Dimensions())
	}

	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors = %v", vecs)
	}
	if gotBody.Model != "text-embedding-3-small" || gotBody.Dimensions != 2 || len(gotBody.Input) != 2 {
		t.Errorf("request = %+v", gotBody)
	}

	vecs, err = e.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input = %v, %v", vecs, err)
	}
}

func TestEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingDatum{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	e := NewEmbedder("", "m", srv.URL, 1)
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("mismatched count accepted")
	}
}
