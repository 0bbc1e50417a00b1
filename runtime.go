package caldera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// RuntimeState is the in-memory execution state of one runtime.
type RuntimeState string

const (
	StateIdle         RuntimeState = "idle"
	StateInitializing RuntimeState = "initializing"
	StateReady        RuntimeState = "ready"
	StateExecuting    RuntimeState = "executing"
	StateError        RuntimeState = "error"
)

// Memory is the slice of the memory subsystem the runtime consumes: recent
// context in, conversation turns out. The full store lives in the memory
// package; injecting this interface keeps the dependency one-way.
type Memory interface {
	RecentMemories(ctx context.Context, agentID string, limit int) ([]MemoryEntry, error)
	StoreMessage(ctx context.Context, agentID, sessionID string, msg ChatMessage, userID string) (MemoryEntry, error)
}

// ProviderResolver looks up an LLMProvider by name, falling back to a
// default for unknown names.
type ProviderResolver interface {
	Resolve(name string) (LLMProvider, error)
}

// defaultMaxIterations bounds the agentic loop: at most this many rounds of
// tool execution before the last assistant response is returned as-is.
const defaultMaxIterations = 10

// defaultRecentMemories is how many recent memories are injected into
// context when the agent's memory policy does not say otherwise.
const defaultRecentMemories = 10

// Runtime is the live execution object for one Agent. A runtime is owned by
// the RuntimeManager, which serializes all entry points through a
// single-flight lock; the runtime itself therefore never sees concurrent
// calls and guards only its state word.
type Runtime struct {
	id    string
	agent Agent

	mu    sync.Mutex
	state RuntimeState

	provider LLMProvider
	tools    *ToolRegistry
	skills   *SkillRegistry
	memory   Memory
	bus      *EventBus
	logger   *slog.Logger

	toolNames  []string
	toolDefs   []ToolDefinition
	skillIDs   []string
	maxIter    int
	recentMems int
}

// ID returns the runtime id.
func (r *Runtime) ID() string { return r.id }

// AgentID returns the id of the agent this runtime executes.
func (r *Runtime) AgentID() string { return r.agent.ID }

// State returns the current runtime state.
func (r *Runtime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s RuntimeState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// initialize resolves the agent's configured tools and skills and moves the
// runtime from idle to ready. Unknown tool or skill names fail
// initialization: an agent must not silently run with fewer capabilities
// than configured.
func (r *Runtime) initialize() error {
	r.setState(StateInitializing)

	for _, name := range r.agent.Config.Tools {
		if _, ok := r.tools.Get(name); !ok {
			r.setState(StateError)
			return BadRequest("agent %s: unknown tool %q", r.agent.ID, name)
		}
		r.toolNames = append(r.toolNames, name)
	}
	r.toolDefs = r.tools.Definitions(r.toolNames)

	for _, id := range r.agent.Config.Skills {
		if _, ok := r.skills.Get(id); !ok {
			r.setState(StateError)
			return BadRequest("agent %s: unknown skill %q", r.agent.ID, id)
		}
		r.skillIDs = append(r.skillIDs, id)
	}

	r.setState(StateReady)
	return nil
}

// meta builds event metadata for this runtime.
func (r *Runtime) meta(sessionID, userID string) EventMeta {
	return EventMeta{AgentID: r.agent.ID, SessionID: sessionID, UserID: userID}
}

// prepareMessages assembles the provider message list: system prompt, recent
// memories, then the request messages verbatim.
func (r *Runtime) prepareMessages(ctx context.Context, req ChatRequest) []ChatMessage {
	var messages []ChatMessage

	if r.agent.Config.SystemPrompt != "" {
		messages = append(messages, SystemMessage(r.agent.Config.SystemPrompt))
	}

	limit := r.recentMems
	if r.agent.Config.Memory.RecentLimit > 0 {
		limit = r.agent.Config.Memory.RecentLimit
	}
	if r.memory != nil && limit > 0 {
		recent, err := r.memory.RecentMemories(ctx, r.agent.ID, limit)
		if err != nil {
			r.logger.Warn("load recent memories", "agent", r.agent.ID, "error", err)
		}
		// RecentMemories returns newest first; replay oldest first.
		for i := len(recent) - 1; i >= 0; i-- {
			m := recent[i]
			role := RoleUser
			if v, ok := m.Metadata["role"].(string); ok && v != "" {
				role = Role(v)
			}
			messages = append(messages, ChatMessage{Role: role, Content: m.Content})
		}
	}

	return append(messages, req.Messages...)
}

// normalizeRequest applies the agent-config model binding on top of the
// caller's request and attaches the runtime's loaded tool definitions.
func (r *Runtime) normalizeRequest(req ChatRequest, messages []ChatMessage) ChatRequest {
	req.Messages = messages
	if req.Model == "" {
		req.Model = r.agent.Config.Model
	}
	if req.Temperature == nil {
		req.Temperature = r.agent.Config.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = r.agent.Config.MaxTokens
	}
	if len(r.toolDefs) > 0 {
		req.Tools = r.toolDefs
		if req.ToolChoice == nil {
			req.ToolChoice = "auto"
		}
	}
	return req
}

// chat runs one full request: context assembly, the agentic loop, and the
// final response. The caller (RuntimeManager) holds the runtime's lock and
// has verified state == ready.
func (r *Runtime) chat(ctx context.Context, req ChatRequest, sessionID, userID string) (resp ChatResponse, err error) {
	r.setState(StateExecuting)
	meta := r.meta(sessionID, userID)
	r.bus.Emit(Event{Type: EventChatStarted, Meta: meta})

	defer func() {
		r.setState(StateReady)
		if err != nil {
			r.bus.Emit(Event{Type: EventChatError, Payload: err.Error(), Meta: meta})
		} else {
			r.bus.Emit(Event{Type: EventChatCompleted, Payload: resp.Usage, Meta: meta})
		}
	}()

	messages := r.prepareMessages(ctx, req)
	normalized := r.normalizeRequest(req, messages)

	var totalUsage Usage
	for i := 0; i < r.maxIter; i++ {
		resp, err = r.provider.Chat(ctx, normalized)
		if err != nil {
			return ChatResponse{}, UpstreamError(r.provider.Name(), err)
		}
		totalUsage.Add(resp.Usage)

		msg := resp.First()
		if len(msg.ToolCalls) == 0 {
			resp.Usage = totalUsage
			r.persistTurn(ctx, req.Messages, msg.Content, sessionID, userID)
			return resp, nil
		}

		normalized.Messages = append(normalized.Messages, msg)
		normalized.Messages = append(normalized.Messages, r.runToolCalls(ctx, msg.ToolCalls, meta)...)
	}

	// Iteration cap: return the last response, marked, with chat.completed.
	r.logger.Warn("agentic loop hit iteration cap", "agent", r.agent.ID, "iterations", r.maxIter)
	resp.Usage = totalUsage
	resp.IterationsExceeded = true
	r.persistTurn(ctx, req.Messages, resp.First().Content, sessionID, userID)
	return resp, nil
}

// runToolCalls executes each requested tool call and returns the tool-role
// reply messages in call order. Failures never abort the chat: they are fed
// back to the model as error payloads.
func (r *Runtime) runToolCalls(ctx context.Context, calls []ToolCall, meta EventMeta) []ChatMessage {
	tctx := WithToolContext(ctx, ToolContext{
		AgentID:   meta.AgentID,
		SessionID: meta.SessionID,
		UserID:    meta.UserID,
	})

	replies := make([]ChatMessage, 0, len(calls))
	for _, call := range calls {
		r.bus.Emit(Event{Type: EventToolInvoking, Payload: map[string]any{
			"tool": call.Name, "call_id": call.ID,
		}, Meta: meta})

		result := r.execToolCall(tctx, call)
		if result.Success {
			r.bus.Emit(Event{Type: EventToolCompleted, Payload: map[string]any{
				"tool": call.Name, "call_id": call.ID, "output": result.Content,
			}, Meta: meta})
			replies = append(replies, ToolResultMessage(call.ID, result.Content))
		} else {
			r.bus.Emit(Event{Type: EventToolFailed, Payload: map[string]any{
				"tool": call.Name, "call_id": call.ID, "error": result.Error,
			}, Meta: meta})
			replies = append(replies, ToolResultMessage(call.ID, "error: "+result.Error))
		}
	}
	return replies
}

// execToolCall parses the call's JSON argument string and dispatches through
// the registry, which also enforces the tool's parameter schema.
func (r *Runtime) execToolCall(ctx context.Context, call ToolCall) ToolResult {
	args := json.RawMessage(call.Arguments)
	if call.Arguments == "" {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return ToolResult{Error: fmt.Sprintf("tool %s: arguments are not valid JSON", call.Name)}
	}

	if !r.toolEnabled(call.Name) {
		return ToolResult{Error: "tool not enabled for this agent: " + call.Name}
	}

	result, err := r.tools.Execute(ctx, call.Name, args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return result
}

func (r *Runtime) toolEnabled(name string) bool {
	for _, n := range r.toolNames {
		if n == name {
			return true
		}
	}
	return false
}

// persistTurn stores the request's user messages and the final assistant
// reply as episodic memories. Best effort: memory failures are logged, the
// chat result is already decided.
func (r *Runtime) persistTurn(ctx context.Context, reqMessages []ChatMessage, assistantText, sessionID, userID string) {
	if r.memory == nil || sessionID == "" {
		return
	}
	// Detach from request cancellation so the write can finish after the
	// response is returned. Context values (trace ids) survive.
	bg := context.WithoutCancel(ctx)

	for _, m := range reqMessages {
		if m.Role != RoleUser || m.Content == "" {
			continue
		}
		if _, err := r.memory.StoreMessage(bg, r.agent.ID, sessionID, m, userID); err != nil {
			r.logger.Warn("persist user turn", "agent", r.agent.ID, "error", err)
		}
	}
	if assistantText != "" {
		msg := AssistantMessage(assistantText)
		if _, err := r.memory.StoreMessage(bg, r.agent.ID, sessionID, msg, userID); err != nil {
			r.logger.Warn("persist assistant turn", "agent", r.agent.ID, "error", err)
		}
	}
}

// executeSkill runs one skill under this runtime. The manager holds the lock.
func (r *Runtime) executeSkill(ctx context.Context, skillID string, input json.RawMessage, sessionID, userID string) SkillResult {
	r.setState(StateExecuting)
	defer r.setState(StateReady)

	meta := r.meta(sessionID, userID)

	if !r.skillEnabled(skillID) {
		res := SkillResult{Error: "skill not enabled for this agent: " + skillID}
		r.bus.Emit(Event{Type: EventSkillFailed, Payload: res.Error, Meta: meta})
		return res
	}

	r.bus.Emit(Event{Type: EventSkillStarted, Payload: skillID, Meta: meta})
	result := r.skills.Execute(ctx, skillID, input)
	meta.ExecutionID = result.Meta.ExecutionID

	if result.Success {
		r.bus.Emit(Event{Type: EventSkillCompleted, Payload: skillID, Meta: meta})
	} else {
		r.bus.Emit(Event{Type: EventSkillFailed, Payload: result.Error, Meta: meta})
	}
	return result
}

func (r *Runtime) skillEnabled(id string) bool {
	for _, s := range r.skillIDs {
		if s == id {
			return true
		}
	}
	return false
}
