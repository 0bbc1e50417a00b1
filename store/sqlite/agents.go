package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calderahq/caldera"
)

// CreateAgent inserts a new agent row. The config is stored as JSON.
func (s *Store) CreateAgent(ctx context.Context, a *caldera.Agent) error {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, public, name, description, avatar, type, status, config, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		a.ID, a.OwnerID, boolInt(a.Public), a.Name, a.Description, a.Avatar,
		string(a.Type), string(a.Status), string(cfg), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

const agentCols = `id, owner_id, public, name, description, avatar, type, status, config, deleted, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (caldera.Agent, error) {
	var a caldera.Agent
	var public, deleted int
	var avatar sql.NullString
	var cfg string
	err := row.Scan(&a.ID, &a.OwnerID, &public, &a.Name, &a.Description, &avatar,
		(*string)(&a.Type), (*string)(&a.Status), &cfg, &deleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return caldera.Agent{}, err
	}
	a.Public = public != 0
	a.Deleted = deleted != 0
	a.Avatar = avatar.String
	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return caldera.Agent{}, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return a, nil
}

// GetAgent loads one agent by id, including soft-deleted rows; visibility is
// the service layer's concern.
func (s *Store) GetAgent(ctx context.Context, id string) (caldera.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return caldera.Agent{}, caldera.NotFound("agent %s not found", id)
	}
	if err != nil {
		return caldera.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the owner's non-deleted agents, newest first.
func (s *Store) ListAgents(ctx context.Context, ownerID string) ([]caldera.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE owner_id = ? AND deleted = 0 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []caldera.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListPublicAgents returns all public non-deleted agents, newest first.
func (s *Store) ListPublicAgents(ctx context.Context) ([]caldera.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE public = 1 AND deleted = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list public agents: %w", err)
	}
	defer rows.Close()

	var agents []caldera.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListAgentIDs returns the ids of all non-deleted agents, for maintenance
// loops.
func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAgent rewrites a mutable agent row.
func (s *Store) UpdateAgent(ctx context.Context, a *caldera.Agent) error {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET public = ?, name = ?, description = ?, avatar = ?, type = ?, status = ?, config = ?, updated_at = ?
		 WHERE id = ? AND deleted = 0`,
		boolInt(a.Public), a.Name, a.Description, a.Avatar, string(a.Type),
		string(a.Status), string(cfg), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return caldera.NotFound("agent %s not found", a.ID)
	}
	return nil
}

// DeleteAgent soft-deletes an agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return caldera.NotFound("agent %s not found", id)
	}
	return nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *caldera.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_id, user_id, title, metadata, last_active_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.UserID, sess.Title, marshalJSON(sess.Metadata),
		sess.LastActiveAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (caldera.AgentSession, error) {
	var sess caldera.AgentSession
	var title, meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, user_id, title, metadata, last_active_at, created_at
		 FROM agent_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.AgentID, &sess.UserID, &title, &meta, &sess.LastActiveAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return caldera.AgentSession{}, caldera.NotFound("session %s not found", id)
	}
	if err != nil {
		return caldera.AgentSession{}, fmt.Errorf("get session: %w", err)
	}
	sess.Title = title.String
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &sess.Metadata)
	}
	return sess, nil
}

// ListSessions returns a user's sessions with one agent, most recently
// active first.
func (s *Store) ListSessions(ctx context.Context, agentID, userID string) ([]caldera.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, user_id, title, metadata, last_active_at, created_at
		 FROM agent_sessions WHERE agent_id = ? AND user_id = ?
		 ORDER BY last_active_at DESC`, agentID, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []caldera.AgentSession
	for rows.Next() {
		var sess caldera.AgentSession
		var title, meta sql.NullString
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &title, &meta,
			&sess.LastActiveAt, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Title = title.String
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &sess.Metadata)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps a session's last-active timestamp.
func (s *Store) TouchSession(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET last_active_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage inserts one message row.
func (s *Store) AppendMessage(ctx context.Context, m *caldera.AgentMessage) error {
	var parts, toolCalls *string
	if len(m.Parts) > 0 {
		parts = marshalJSON(m.Parts)
	}
	if len(m.ToolCalls) > 0 {
		toolCalls = marshalJSON(m.ToolCalls)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, role, content, parts, tool_calls, tool_call_id, tokens, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, parts, toolCalls,
		m.ToolCallID, m.Tokens, marshalJSON(m.Metadata), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the newest messages of a session in chronological
// order, at most limit of them; limit <= 0 means all.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]caldera.AgentMessage, error) {
	query := `SELECT id, session_id, role, content, parts, tool_calls, tool_call_id, tokens, metadata, created_at
		 FROM agent_messages WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []caldera.AgentMessage
	for rows.Next() {
		var m caldera.AgentMessage
		var parts, toolCalls, toolCallID, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, (*string)(&m.Role), &m.Content,
			&parts, &toolCalls, &toolCallID, &m.Tokens, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCallID = toolCallID.String
		if parts.Valid {
			_ = json.Unmarshal([]byte(parts.String), &m.Parts)
		}
		if toolCalls.Valid {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip newest-first to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check.
var _ caldera.AgentRepository = (*Store)(nil)
