package observer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/calderahq/caldera"
)

type fakeProvider struct {
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, req caldera.ChatRequest) (caldera.ChatResponse, error) {
	f.calls++
	return caldera.ChatResponse{
		Model:   req.Model,
		Choices: []caldera.Choice{{Message: caldera.AssistantMessage("hi")}},
		Usage:   caldera.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req caldera.ChatRequest, ch chan<- caldera.ChatStreamChunk) error {
	defer close(ch)
	for _, s := range []string{"he", "llo"} {
		ch <- caldera.ChatStreamChunk{Choices: []caldera.StreamChoice{{Delta: caldera.StreamDelta{Content: s}}}}
	}
	return nil
}

func newTestInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := NewInstruments(nil)
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return inst
}

func TestWrapProviderChat(t *testing.T) {
	inner := &fakeProvider{}
	p := WrapProvider(inner, newTestInstruments(t))

	resp, err := p.Chat(context.Background(), caldera.ChatRequest{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d", inner.calls)
	}
	if resp.First().Content != "hi" {
		t.Errorf("content = %q", resp.First().Content)
	}
	if p.Name() != "fake" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestWrapProviderChatStream(t *testing.T) {
	p := WrapProvider(&fakeProvider{}, newTestInstruments(t))

	ch := make(chan caldera.ChatStreamChunk)
	done := make(chan string)
	go func() {
		var text string
		for chunk := range ch {
			for _, c := range chunk.Choices {
				text += c.Delta.Content
			}
		}
		done <- text
	}()

	if err := p.ChatStream(context.Background(), caldera.ChatRequest{}, ch); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if text := <-done; text != "hello" {
		t.Errorf("streamed text = %q", text)
	}
}

type fakeTool struct{ failed bool }

func (f *fakeTool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{Name: "fake_tool"}
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	if f.failed {
		return caldera.ToolResult{Error: "nope"}, nil
	}
	return caldera.ToolResult{Content: "ok"}, nil
}

func TestWrapTool(t *testing.T) {
	tool := WrapTool(&fakeTool{}, newTestInstruments(t))
	if tool.Definition().Name != "fake_tool" {
		t.Errorf("definition passthrough broken")
	}
	res, err := tool.Execute(context.Background(), nil)
	if err != nil || res.Content != "ok" {
		t.Errorf("Execute = %+v, %v", res, err)
	}

	failing := WrapTool(&fakeTool{failed: true}, newTestInstruments(t))
	res, err = failing.Execute(context.Background(), nil)
	if err != nil || res.Error != "nope" {
		t.Errorf("failing Execute = %+v, %v", res, err)
	}
}

func TestBridgeBus(t *testing.T) {
	bus := caldera.NewEventBus()
	defer bus.Close()

	handle := BridgeBus(bus, newTestInstruments(t))
	bus.Emit(caldera.Event{Type: "chat.started", Meta: caldera.EventMeta{AgentID: "a1"}})
	bus.Unsubscribe(handle)
}

func TestCostCalculator(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{"custom": {1.0, 2.0}})

	if got := c.Calculate("custom", 1_000_000, 500_000); got != 2.0 {
		t.Errorf("custom cost = %v, want 2.0", got)
	}
	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 2.50 {
		t.Errorf("gpt-4o cost = %v, want 2.50", got)
	}
	if got := c.Calculate("unknown-model", 1000, 1000); got != 0 {
		t.Errorf("unknown cost = %v, want 0", got)
	}
}
