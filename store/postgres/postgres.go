// Package postgres persists agents, sessions, messages and the memory
// subsystem in PostgreSQL via pgx. Embeddings are stored as float4 arrays
// and scanned in-process, matching the memory engine's retrieval model.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderahq/caldera"
)

// Store implements caldera.AgentRepository and memory.Backend backed by
// PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			avatar TEXT,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			config JSONB NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT,
			metadata JSONB,
			last_active_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parts JSONB,
			tool_calls JSONB,
			tool_call_id TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT,
			user_id TEXT,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			decay_factor DOUBLE PRECISION NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at BIGINT NOT NULL,
			timestamp BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory_vectors (
			memory_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			embedding REAL[] NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory_summaries (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			key_points JSONB,
			entities JSONB,
			topics JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_knowledge_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			source TEXT,
			hash TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_knowledge_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			content TEXT NOT NULL,
			hash TEXT NOT NULL,
			embedding REAL[]
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON agent_messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent ON agent_memories(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_type ON agent_memories(agent_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON agent_memories(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_session ON agent_memories(agent_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON agent_memories(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_agent ON agent_memory_vectors(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session ON agent_memory_summaries(agent_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_agent ON agent_knowledge_documents(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON agent_knowledge_chunks(document_id)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *caldera.Agent) error {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, owner_id, public, name, description, avatar, type, status, config, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11)`,
		a.ID, a.OwnerID, a.Public, a.Name, a.Description, nullable(a.Avatar),
		string(a.Type), string(a.Status), cfg, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

const agentCols = `id, owner_id, public, name, description, avatar, type, status, config, deleted, created_at, updated_at`

func scanAgent(row pgx.Row) (caldera.Agent, error) {
	var a caldera.Agent
	var avatar *string
	var cfg []byte
	err := row.Scan(&a.ID, &a.OwnerID, &a.Public, &a.Name, &a.Description, &avatar,
		(*string)(&a.Type), (*string)(&a.Status), &cfg, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return caldera.Agent{}, err
	}
	if avatar != nil {
		a.Avatar = *avatar
	}
	if err := json.Unmarshal(cfg, &a.Config); err != nil {
		return caldera.Agent{}, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return a, nil
}

// GetAgent loads one agent by id, soft-deleted rows included.
func (s *Store) GetAgent(ctx context.Context, id string) (caldera.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return caldera.Agent{}, caldera.NotFound("agent %s not found", id)
	}
	if err != nil {
		return caldera.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the owner's non-deleted agents, newest first.
func (s *Store) ListAgents(ctx context.Context, ownerID string) ([]caldera.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentCols+` FROM agents WHERE owner_id = $1 AND NOT deleted ORDER BY created_at DESC`, ownerID)
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
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentCols+` FROM agents WHERE public AND NOT deleted ORDER BY created_at DESC`)
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

// ListAgentIDs returns the ids of all non-deleted agents.
func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE NOT deleted`)
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET public = $1, name = $2, description = $3, avatar = $4, type = $5, status = $6, config = $7, updated_at = $8
		 WHERE id = $9 AND NOT deleted`,
		a.Public, a.Name, a.Description, nullable(a.Avatar), string(a.Type),
		string(a.Status), cfg, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return caldera.NotFound("agent %s not found", a.ID)
	}
	return nil
}

// DeleteAgent soft-deletes an agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return caldera.NotFound("agent %s not found", id)
	}
	return nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *caldera.AgentSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, agent_id, user_id, title, metadata, last_active_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.AgentID, sess.UserID, nullable(sess.Title), jsonb(sess.Metadata),
		sess.LastActiveAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (caldera.AgentSession, error) {
	var sess caldera.AgentSession
	var title *string
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, user_id, title, metadata, last_active_at, created_at
		 FROM agent_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.AgentID, &sess.UserID, &title, &meta, &sess.LastActiveAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return caldera.AgentSession{}, caldera.NotFound("session %s not found", id)
	}
	if err != nil {
		return caldera.AgentSession{}, fmt.Errorf("get session: %w", err)
	}
	if title != nil {
		sess.Title = *title
	}
	if meta != nil {
		_ = json.Unmarshal(meta, &sess.Metadata)
	}
	return sess, nil
}

// ListSessions returns a user's sessions with one agent, most recently
// active first.
func (s *Store) ListSessions(ctx context.Context, agentID, userID string) ([]caldera.AgentSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, user_id, title, metadata, last_active_at, created_at
		 FROM agent_sessions WHERE agent_id = $1 AND user_id = $2
		 ORDER BY last_active_at DESC`, agentID, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []caldera.AgentSession
	for rows.Next() {
		var sess caldera.AgentSession
		var title *string
		var meta []byte
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &title, &meta,
			&sess.LastActiveAt, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if title != nil {
			sess.Title = *title
		}
		if meta != nil {
			_ = json.Unmarshal(meta, &sess.Metadata)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps a session's last-active timestamp.
func (s *Store) TouchSession(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_sessions SET last_active_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage inserts one message row.
func (s *Store) AppendMessage(ctx context.Context, m *caldera.AgentMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_messages (id, session_id, role, content, parts, tool_calls, tool_call_id, tokens, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.SessionID, string(m.Role), m.Content, jsonb(m.Parts), jsonb(m.ToolCalls),
		nullable(m.ToolCallID), m.Tokens, jsonb(m.Metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the newest messages of a session in chronological
// order, at most limit of them; limit <= 0 means all.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]caldera.AgentMessage, error) {
	query := `SELECT id, session_id, role, content, parts, tool_calls, tool_call_id, tokens, metadata, created_at
		 FROM agent_messages WHERE session_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []caldera.AgentMessage
	for rows.Next() {
		var m caldera.AgentMessage
		var parts, toolCalls, meta []byte
		var toolCallID *string
		if err := rows.Scan(&m.ID, &m.SessionID, (*string)(&m.Role), &m.Content,
			&parts, &toolCalls, &toolCallID, &m.Tokens, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		if parts != nil {
			_ = json.Unmarshal(parts, &m.Parts)
		}
		if toolCalls != nil {
			_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		}
		if meta != nil {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonb marshals v for a JSONB column, NULL when empty.
func jsonb(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" || string(data) == "{}" || string(data) == "[]" {
		return nil
	}
	return data
}

// Compile-time interface check.
var _ caldera.AgentRepository = (*Store)(nil)
