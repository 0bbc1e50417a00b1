package caldera

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// AgentRepository is the persistence port for agents, sessions and messages.
// Implementations live in store/sqlite and store/postgres.
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (Agent, error)
	ListAgents(ctx context.Context, ownerID string) ([]Agent, error)
	ListPublicAgents(ctx context.Context) ([]Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	// DeleteAgent soft-deletes: the row stays, reads stop returning it.
	DeleteAgent(ctx context.Context, id string) error

	CreateSession(ctx context.Context, s *AgentSession) error
	GetSession(ctx context.Context, id string) (AgentSession, error)
	ListSessions(ctx context.Context, agentID, userID string) ([]AgentSession, error)
	TouchSession(ctx context.Context, id string, at int64) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m *AgentMessage) error
	// ListMessages returns the newest messages of a session in
	// chronological order, at most limit of them. limit <= 0 means all.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]AgentMessage, error)
}

// AgentService is the application layer: it owns validation, access checks
// and persistence around the RuntimeManager's execution core.
type AgentService struct {
	repo    AgentRepository
	manager *RuntimeManager
	bus     *EventBus
	logger  *slog.Logger
}

// ServiceOption configures an AgentService.
type ServiceOption func(*AgentService)

// WithServiceLogger sets a structured logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *AgentService) { s.logger = l }
}

// NewAgentService wires the service.
func NewAgentService(repo AgentRepository, manager *RuntimeManager, bus *EventBus, opts ...ServiceOption) *AgentService {
	s := &AgentService{repo: repo, manager: manager, bus: bus, logger: NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateAgent validates, fills defaults and persists a new agent.
func (s *AgentService) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Agent{}, BadRequest("agent name is required")
	}
	if a.Config.Model == "" {
		return Agent{}, BadRequest("agent model is required")
	}
	if a.Type == "" {
		a.Type = AgentTypeChat
	}

	a.ID = NewID()
	a.Status = AgentStatusIdle
	now := NowUnixMilli()
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := s.repo.CreateAgent(ctx, &a); err != nil {
		return Agent{}, err
	}
	s.bus.Emit(Event{Type: EventAgentCreated, Payload: a.Name, Meta: EventMeta{AgentID: a.ID, UserID: a.OwnerID}})
	return a, nil
}

// GetAgent loads an agent visible to userID: its owner sees it always,
// everyone else only when it is public. Invisible agents read as not found.
func (s *AgentService) GetAgent(ctx context.Context, id, userID string) (Agent, error) {
	a, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if a.Deleted || (!a.Public && a.OwnerID != userID) {
		return Agent{}, NotFound("agent %s not found", id)
	}
	return a, nil
}

// ListAgents returns the agents owned by userID.
func (s *AgentService) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	return s.repo.ListAgents(ctx, userID)
}

// ListPublicAgents returns all public agents.
func (s *AgentService) ListPublicAgents(ctx context.Context) ([]Agent, error) {
	return s.repo.ListPublicAgents(ctx)
}

// UpdateAgent persists config changes and destroys the agent's live runtime
// so the next request picks up the new configuration.
func (s *AgentService) UpdateAgent(ctx context.Context, a Agent, userID string) (Agent, error) {
	cur, err := s.GetAgent(ctx, a.ID, userID)
	if err != nil {
		return Agent{}, err
	}
	if cur.OwnerID != userID {
		return Agent{}, NotFound("agent %s not found", a.ID)
	}
	if strings.TrimSpace(a.Name) == "" {
		return Agent{}, BadRequest("agent name is required")
	}
	if a.Config.Model == "" {
		return Agent{}, BadRequest("agent model is required")
	}

	a.OwnerID = cur.OwnerID
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = NowUnixMilli()
	if err := s.repo.UpdateAgent(ctx, &a); err != nil {
		return Agent{}, err
	}

	if err := s.manager.Destroy(ctx, a.ID); err != nil {
		s.logger.Warn("destroy runtime after update", "agent", a.ID, "error", err)
	}
	s.bus.Emit(Event{Type: EventAgentUpdated, Meta: EventMeta{AgentID: a.ID, UserID: userID}})
	return a, nil
}

// DeleteAgent soft-deletes the agent and tears down its runtime.
func (s *AgentService) DeleteAgent(ctx context.Context, id, userID string) error {
	cur, err := s.GetAgent(ctx, id, userID)
	if err != nil {
		return err
	}
	if cur.OwnerID != userID {
		return NotFound("agent %s not found", id)
	}
	if err := s.repo.DeleteAgent(ctx, id); err != nil {
		return err
	}
	if err := s.manager.Destroy(ctx, id); err != nil {
		s.logger.Warn("destroy runtime after delete", "agent", id, "error", err)
	}
	s.bus.Emit(Event{Type: EventAgentDeleted, Meta: EventMeta{AgentID: id, UserID: userID}})
	return nil
}

// CreateSession opens a session between userID and the agent.
func (s *AgentService) CreateSession(ctx context.Context, agentID, userID, title string) (AgentSession, error) {
	if _, err := s.GetAgent(ctx, agentID, userID); err != nil {
		return AgentSession{}, err
	}
	now := NowUnixMilli()
	sess := AgentSession{
		ID:           NewID(),
		AgentID:      agentID,
		UserID:       userID,
		Title:        title,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if err := s.repo.CreateSession(ctx, &sess); err != nil {
		return AgentSession{}, err
	}
	return sess, nil
}

// ListSessions returns userID's sessions with the agent.
func (s *AgentService) ListSessions(ctx context.Context, agentID, userID string) ([]AgentSession, error) {
	if _, err := s.GetAgent(ctx, agentID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, agentID, userID)
}

// ListMessages returns a session's message history, newest limit messages in
// chronological order.
func (s *AgentService) ListMessages(ctx context.Context, sessionID, userID string, limit int) ([]AgentMessage, error) {
	if _, err := s.session(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, limit)
}

// DeleteSession removes a session owned by userID.
func (s *AgentService) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if _, err := s.session(ctx, sessionID, userID); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sessionID)
}

// session loads a session and checks it belongs to userID.
func (s *AgentService) session(ctx context.Context, sessionID, userID string) (AgentSession, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return AgentSession{}, err
	}
	if sess.UserID != userID {
		return AgentSession{}, NotFound("session %s not found", sessionID)
	}
	return sess, nil
}

// GetSession loads a session owned by userID.
func (s *AgentService) GetSession(ctx context.Context, sessionID, userID string) (AgentSession, error) {
	return s.session(ctx, sessionID, userID)
}

// resolveSession returns the session to chat under, creating one when the
// caller did not name one.
func (s *AgentService) resolveSession(ctx context.Context, agentID, sessionID, userID string) (AgentSession, error) {
	if sessionID == "" {
		return s.CreateSession(ctx, agentID, userID, "")
	}
	sess, err := s.session(ctx, sessionID, userID)
	if err != nil {
		return AgentSession{}, err
	}
	if sess.AgentID != agentID {
		return AgentSession{}, BadRequest("session %s does not belong to agent %s", sessionID, agentID)
	}
	return sess, nil
}

// SendMessage is the complete request pipeline: visibility check, session
// resolution, message persistence, runtime chat, response persistence.
func (s *AgentService) SendMessage(ctx context.Context, agentID, sessionID, userID string, req ChatRequest) (ChatResponse, AgentSession, error) {
	agent, sess, err := s.beginChat(ctx, agentID, sessionID, userID, req)
	if err != nil {
		return ChatResponse{}, AgentSession{}, err
	}

	resp, err := s.manager.Chat(ctx, agent, req, sess.ID, userID)
	if err != nil {
		return ChatResponse{}, sess, err
	}

	s.persistAssistant(ctx, sess.ID, resp.First())
	return resp, sess, nil
}

// StreamMessage runs the streaming pipeline. Chunks are forwarded to out; the
// assistant's accumulated content is persisted when the stream completes.
// out is always closed.
func (s *AgentService) StreamMessage(ctx context.Context, agentID, sessionID, userID string, req ChatRequest, out chan<- ChatStreamChunk) (AgentSession, error) {
	agent, sess, err := s.beginChat(ctx, agentID, sessionID, userID, req)
	if err != nil {
		close(out)
		return AgentSession{}, err
	}

	inner := make(chan ChatStreamChunk)
	var text strings.Builder
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		defer close(out)
		for chunk := range inner {
			for _, c := range chunk.Choices {
				text.WriteString(c.Delta.Content)
			}
			out <- chunk
		}
	}()

	err = s.manager.ChatStream(ctx, agent, req, sess.ID, userID, inner)
	<-fwdDone
	if err != nil {
		return sess, err
	}

	s.persistAssistant(ctx, sess.ID, AssistantMessage(text.String()))
	return sess, nil
}

// beginChat validates the request, loads the agent, resolves the session and
// persists the incoming user messages.
func (s *AgentService) beginChat(ctx context.Context, agentID, sessionID, userID string, req ChatRequest) (Agent, AgentSession, error) {
	if len(req.Messages) == 0 {
		return Agent{}, AgentSession{}, BadRequest("messages are required")
	}

	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return Agent{}, AgentSession{}, err
	}
	if agent.Status == AgentStatusDisabled || agent.Status == AgentStatusMaintenance {
		return Agent{}, AgentSession{}, Conflict("agent %s is %s", agentID, agent.Status)
	}

	sess, err := s.resolveSession(ctx, agentID, sessionID, userID)
	if err != nil {
		return Agent{}, AgentSession{}, err
	}

	now := NowUnixMilli()
	for _, m := range req.Messages {
		if m.Role != RoleUser {
			continue
		}
		row := AgentMessage{
			ID:        NewID(),
			SessionID: sess.ID,
			Role:      m.Role,
			Content:   m.Content,
			Parts:     m.Parts,
			Tokens:    EstimateTokens(m.Content),
			CreatedAt: now,
		}
		if err := s.repo.AppendMessage(ctx, &row); err != nil {
			return Agent{}, AgentSession{}, err
		}
	}
	if err := s.repo.TouchSession(ctx, sess.ID, now); err != nil {
		s.logger.Warn("touch session", "session", sess.ID, "error", err)
	}
	return agent, sess, nil
}

// persistAssistant appends the assistant's reply row. Persistence failures
// after a successful chat are logged, not surfaced: the caller already has
// the response.
func (s *AgentService) persistAssistant(ctx context.Context, sessionID string, msg ChatMessage) {
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return
	}
	row := AgentMessage{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		Tokens:    EstimateTokens(msg.Content),
		CreatedAt: NowUnixMilli(),
	}
	if err := s.repo.AppendMessage(context.WithoutCancel(ctx), &row); err != nil {
		s.logger.Warn("persist assistant message", "session", sessionID, "error", err)
	}
}

// AddTool enables a tool on the agent's config. The live runtime is
// destroyed so the next request resolves the updated tool set.
func (s *AgentService) AddTool(ctx context.Context, agentID, userID, toolName string) (Agent, error) {
	if toolName == "" {
		return Agent{}, BadRequest("tool name is required")
	}
	return s.appendCapability(ctx, agentID, userID, func(a *Agent) error {
		for _, t := range a.Config.Tools {
			if t == toolName {
				return Conflict("tool %s already enabled on agent %s", toolName, agentID)
			}
		}
		a.Config.Tools = append(a.Config.Tools, toolName)
		return nil
	})
}

// AddSkill enables a skill on the agent's config.
func (s *AgentService) AddSkill(ctx context.Context, agentID, userID, skillID string) (Agent, error) {
	if skillID == "" {
		return Agent{}, BadRequest("skill id is required")
	}
	return s.appendCapability(ctx, agentID, userID, func(a *Agent) error {
		for _, id := range a.Config.Skills {
			if id == skillID {
				return Conflict("skill %s already enabled on agent %s", skillID, agentID)
			}
		}
		a.Config.Skills = append(a.Config.Skills, skillID)
		return nil
	})
}

func (s *AgentService) appendCapability(ctx context.Context, agentID, userID string, mutate func(*Agent) error) (Agent, error) {
	a, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return Agent{}, err
	}
	if a.OwnerID != userID {
		return Agent{}, NotFound("agent %s not found", agentID)
	}
	if err := mutate(&a); err != nil {
		return Agent{}, err
	}
	a.UpdatedAt = NowUnixMilli()
	if err := s.repo.UpdateAgent(ctx, &a); err != nil {
		return Agent{}, err
	}
	if err := s.manager.Destroy(ctx, a.ID); err != nil {
		s.logger.Warn("destroy runtime after capability change", "agent", a.ID, "error", err)
	}
	s.bus.Emit(Event{Type: EventAgentUpdated, Meta: EventMeta{AgentID: a.ID, UserID: userID}})
	return a, nil
}

// StartRuntime warms up the agent's runtime.
func (s *AgentService) StartRuntime(ctx context.Context, agentID, userID string) (RuntimeState, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return StateIdle, err
	}
	return s.manager.Start(ctx, agent)
}

// StopRuntime tears down the agent's runtime, releasing its resources.
func (s *AgentService) StopRuntime(ctx context.Context, agentID, userID string) error {
	if _, err := s.GetAgent(ctx, agentID, userID); err != nil {
		return err
	}
	return s.manager.Destroy(ctx, agentID)
}

// ResetRuntime recreates the agent's runtime from scratch. This is the
// recovery path for runtimes stuck in the error state.
func (s *AgentService) ResetRuntime(ctx context.Context, agentID, userID string) (RuntimeState, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return StateIdle, err
	}
	if err := s.manager.Destroy(ctx, agentID); err != nil {
		return StateIdle, err
	}
	return s.manager.Start(ctx, agent)
}

// RuntimeState reports the current state of the agent's runtime without
// creating one.
func (s *AgentService) RuntimeState(ctx context.Context, agentID, userID string) (RuntimeState, error) {
	if _, err := s.GetAgent(ctx, agentID, userID); err != nil {
		return StateIdle, err
	}
	return s.manager.RuntimeState(agentID), nil
}

// ExecuteSkill runs a skill of the agent on behalf of userID.
func (s *AgentService) ExecuteSkill(ctx context.Context, agentID, skillID, userID string, input json.RawMessage) (SkillResult, error) {
	agent, err := s.GetAgent(ctx, agentID, userID)
	if err != nil {
		return SkillResult{}, err
	}
	return s.manager.ExecuteSkill(ctx, agent, skillID, input, "", userID)
}
