package caldera

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedProvider returns canned responses in order and records every
// request it sees.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	requests  []ChatRequest
	err       error
	block     chan struct{} // when set, Chat waits for it before answering
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return ChatResponse{Choices: []Choice{{Message: AssistantMessage("out of script")}}}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- ChatStreamChunk) error {
	defer close(ch)
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return err
	}
	msg := resp.First()
	for _, word := range strings.SplitAfter(msg.Content, " ") {
		if word != "" {
			ch <- ChatStreamChunk{Choices: []StreamChoice{{Delta: StreamDelta{Content: word}}}}
		}
	}
	if len(msg.ToolCalls) > 0 {
		var deltas []ToolCallDelta
		for i, call := range msg.ToolCalls {
			deltas = append(deltas, ToolCallDelta{Index: i, ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		ch <- ChatStreamChunk{Choices: []StreamChoice{{Delta: StreamDelta{ToolCalls: deltas}}}}
	}
	return nil
}

type staticResolver struct{ p LLMProvider }

func (r staticResolver) Resolve(string) (LLMProvider, error) { return r.p, nil }

// fakeMemory records stored turns and replays seeded entries.
type fakeMemory struct {
	mu     sync.Mutex
	recent []MemoryEntry
	stored []ChatMessage
}

func (m *fakeMemory) RecentMemories(_ context.Context, _ string, limit int) ([]MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.recent) {
		limit = len(m.recent)
	}
	return append([]MemoryEntry(nil), m.recent[:limit]...), nil
}

func (m *fakeMemory) StoreMessage(_ context.Context, _, _ string, msg ChatMessage, _ string) (MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, msg)
	return MemoryEntry{ID: NewID(), Content: msg.Content}, nil
}

func toolCallResponse(id, name, args string) ChatResponse {
	return ChatResponse{
		Choices: []Choice{{
			Message:      ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: args}}},
			FinishReason: FinishToolCalls,
		}},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func textResponse(text string) ChatResponse {
	return ChatResponse{
		Choices: []Choice{{Message: AssistantMessage(text), FinishReason: FinishStop}},
		Usage:   Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}
}

func testAgent(tools ...string) Agent {
	return Agent{
		ID:      NewID(),
		OwnerID: "u1",
		Name:    "helper",
		Type:    AgentTypeChat,
		Config: AgentConfig{
			Model:        "test-model",
			SystemPrompt: "You are terse.",
			Tools:        tools,
		},
	}
}

func newTestManager(t *testing.T, p LLMProvider, mem Memory, opts ...ManagerOption) (*RuntimeManager, *ToolRegistry, *EventBus) {
	t.Helper()
	tools := NewToolRegistry()
	if err := tools.Register(&echoTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	bus := NewEventBus()
	m := NewRuntimeManager(staticResolver{p}, tools, NewSkillRegistry(), mem, bus, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		bus.Close()
	})
	return m, tools, bus
}

func TestChatPlain(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{textResponse("hello there")}}
	mem := &fakeMemory{}
	m, _, _ := newTestManager(t, p, mem)

	req := ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}
	resp, err := m.Chat(context.Background(), testAgent(), req, "s1", "u1")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.First().Content != "hello there" {
		t.Errorf("content = %q", resp.First().Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	sent := p.requests[0]
	if sent.Messages[0].Role != RoleSystem || sent.Messages[0].Content != "You are terse." {
		t.Errorf("system prompt missing: %+v", sent.Messages[0])
	}
	if sent.Model != "test-model" {
		t.Errorf("model binding = %q", sent.Model)
	}

	// Both sides of the turn end up in memory.
	if len(mem.stored) != 2 || mem.stored[0].Role != RoleUser || mem.stored[1].Role != RoleAssistant {
		t.Errorf("stored turns = %+v", mem.stored)
	}
}

func TestChatInjectsRecentMemories(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{textResponse("ok")}}
	mem := &fakeMemory{recent: []MemoryEntry{
		{Content: "newest", Metadata: map[string]any{"role": "assistant"}},
		{Content: "oldest"},
	}}
	m, _, _ := newTestManager(t, p, mem)

	_, err := m.Chat(context.Background(), testAgent(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, "s1", "u1")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// system, oldest, newest, user: recall replays oldest first.
	msgs := p.requests[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "oldest" || msgs[1].Role != RoleUser {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if msgs[2].Content != "newest" || msgs[2].Role != RoleAssistant {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
}

func TestChatToolLoop(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"ping"}`),
		textResponse("pong"),
	}}
	m, _, _ := newTestManager(t, p, &fakeMemory{})

	resp, err := m.Chat(context.Background(), testAgent("echo"), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.First().Content != "pong" {
		t.Errorf("content = %q", resp.First().Content)
	}
	if resp.Usage.TotalTokens != 15+6 {
		t.Errorf("accumulated usage = %+v", resp.Usage)
	}

	second := p.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != RoleTool || last.ToolCallID != "c1" || !strings.Contains(last.Content, "ping") {
		t.Errorf("tool reply = %+v", last)
	}
	if prev := second[len(second)-2]; len(prev.ToolCalls) != 1 {
		t.Errorf("assistant tool-call message missing: %+v", prev)
	}
}

func TestChatToolFailureFedBack(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{
		// Violates the echo schema: text must be a string.
		toolCallResponse("c1", "echo", `{"text":42}`),
		textResponse("recovered"),
	}}
	m, _, bus := newTestManager(t, p, &fakeMemory{})

	resp, err := m.Chat(context.Background(), testAgent("echo"), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.First().Content != "recovered" {
		t.Errorf("content = %q", resp.First().Content)
	}

	second := p.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != RoleTool || !strings.HasPrefix(last.Content, "error:") {
		t.Errorf("failure reply = %+v", last)
	}
	if len(bus.History(EventFilter{Type: EventToolFailed}, 0)) != 1 {
		t.Error("tool.failed not emitted")
	}
}

func TestChatToolNotEnabled(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"x"}`),
		textResponse("done"),
	}}
	// Agent has no tools configured, so the model's call is rejected.
	m, _, _ := newTestManager(t, p, &fakeMemory{})

	if _, err := m.Chat(context.Background(), testAgent(), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	second := p.requests[1].Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "not enabled") {
		t.Errorf("reply = %+v", last)
	}
}

func TestChatIterationCap(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"again"}`),
	}}
	m, _, _ := newTestManager(t, p, &fakeMemory{}, WithMaxIterations(3))

	resp, err := m.Chat(context.Background(), testAgent("echo"), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.IterationsExceeded {
		t.Error("IterationsExceeded not set")
	}
	if len(p.requests) != 3 {
		t.Errorf("provider calls = %d, want 3", len(p.requests))
	}
}

func TestChatUpstreamError(t *testing.T) {
	p := &scriptedProvider{err: errors.New("connection refused")}
	m, _, bus := newTestManager(t, p, &fakeMemory{})

	_, err := m.Chat(context.Background(), testAgent(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, "s1", "u1")
	if KindOf(err) != KindLLMUpstream {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}
	if len(bus.History(EventFilter{Type: EventChatError}, 0)) != 1 {
		t.Error("chat.error not emitted")
	}
}

func TestRuntimeUnknownToolFailsInitialization(t *testing.T) {
	p := &scriptedProvider{}
	m, _, _ := newTestManager(t, p, &fakeMemory{})

	_, err := m.Chat(context.Background(), testAgent("ghost"), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, "s1", "u1")
	if KindOf(err) != KindBadRequest {
		t.Fatalf("kind = %s, err = %v", KindOf(err), err)
	}
}

func TestManagerRuntimeLifecycle(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{textResponse("ok")}}
	m, _, _ := newTestManager(t, p, &fakeMemory{})
	agent := testAgent()

	if st := m.RuntimeState(agent.ID); st != StateIdle {
		t.Errorf("state before = %s", st)
	}

	st, err := m.Start(context.Background(), agent)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st != StateReady {
		t.Errorf("state after start = %s", st)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d", m.Count())
	}

	if _, err := m.Chat(context.Background(), agent, ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, "s1", "u1"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if st := m.RuntimeState(agent.ID); st != StateReady {
		t.Errorf("state after chat = %s", st)
	}

	if err := m.Destroy(context.Background(), agent.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("count after destroy = %d", m.Count())
	}
	if st := m.RuntimeState(agent.ID); st != StateIdle {
		t.Errorf("state after destroy = %s", st)
	}
}

func TestManagerBusyRuntime(t *testing.T) {
	block := make(chan struct{})
	p := &scriptedProvider{responses: []ChatResponse{textResponse("slow")}, block: block}
	m, _, _ := newTestManager(t, p, &fakeMemory{}, WithLockTimeout(30*time.Millisecond))
	agent := testAgent()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := m.Chat(context.Background(), agent, ChatRequest{Messages: []ChatMessage{UserMessage("first")}}, "s1", "u1")
		done <- err
	}()
	<-started
	waitFor(t, func() bool { return m.RuntimeState(agent.ID) == StateExecuting })

	_, err := m.Chat(context.Background(), agent, ChatRequest{Messages: []ChatMessage{UserMessage("second")}}, "s1", "u1")
	if KindOf(err) != KindRuntimeBusy {
		t.Errorf("kind = %s, err = %v", KindOf(err), err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first chat: %v", err)
	}
}

func TestManagerSweepEvictsIdleRuntime(t *testing.T) {
	p := &scriptedProvider{}
	m, _, bus := newTestManager(t, p, &fakeMemory{}, WithRuntimeTTL(time.Millisecond))
	agent := testAgent()

	if _, err := m.Start(context.Background(), agent); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.sweepOnce()

	if m.Count() != 0 {
		t.Errorf("count after sweep = %d", m.Count())
	}
	if len(bus.History(EventFilter{Type: EventAgentDestroyed, AgentID: agent.ID}, 0)) != 1 {
		t.Error("agent.destroyed not emitted")
	}
}

func TestChatStream(t *testing.T) {
	p := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"ping"}`),
		textResponse("streamed reply"),
	}}
	m, _, _ := newTestManager(t, p, &fakeMemory{})

	out := make(chan ChatStreamChunk)
	var text strings.Builder
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for chunk := range out {
			for _, c := range chunk.Choices {
				text.WriteString(c.Delta.Content)
			}
		}
	}()

	err := m.ChatStream(context.Background(), testAgent("echo"), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1", out)
	<-collected
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if text.String() != "streamed reply" {
		t.Errorf("streamed text = %q", text.String())
	}
	if len(p.requests) != 2 {
		t.Errorf("provider calls = %d, want 2", len(p.requests))
	}
}

func TestChatStreamClosesChannelOnFailure(t *testing.T) {
	p := &scriptedProvider{}
	m, _, _ := newTestManager(t, p, &fakeMemory{})

	out := make(chan ChatStreamChunk)
	err := m.ChatStream(context.Background(), testAgent("ghost"), ChatRequest{Messages: []ChatMessage{UserMessage("go")}}, "s1", "u1", out)
	if KindOf(err) != KindBadRequest {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if _, open := <-out; open {
		t.Error("channel left open after failure")
	}
}

func TestExecuteSkillThroughRuntime(t *testing.T) {
	p := &scriptedProvider{}
	tools := NewToolRegistry()
	skills := NewSkillRegistry()
	if err := skills.Register(upperSkill{}); err != nil {
		t.Fatalf("register skill: %v", err)
	}
	bus := NewEventBus()
	m := NewRuntimeManager(staticResolver{p}, tools, skills, &fakeMemory{}, bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		bus.Close()
	})

	agent := testAgent()
	agent.Config.Skills = []string{"upper"}

	res, err := m.ExecuteSkill(context.Background(), agent, "upper", json.RawMessage(`{"text":"hi"}`), "s1", "u1")
	if err != nil {
		t.Fatalf("ExecuteSkill: %v", err)
	}
	if !res.Success || !strings.Contains(string(res.Output), "HI") {
		t.Errorf("result = %+v", res)
	}

	res, err = m.ExecuteSkill(context.Background(), agent, "other", nil, "s1", "u1")
	if err != nil {
		t.Fatalf("ExecuteSkill: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "not enabled") {
		t.Errorf("disabled skill result = %+v", res)
	}
}
