// Package sqlite persists agents, sessions, messages and the memory
// subsystem in a local SQLite file using the pure-Go driver. Embeddings are
// stored as JSON text; vector search happens in-process. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/calderahq/caldera"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements caldera.AgentRepository and memory.Backend over one
// SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at dbPath. The pool is capped at one
// connection so concurrent writers serialize instead of hitting SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: caldera.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			public INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			avatar TEXT,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT,
			metadata TEXT,
			last_active_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parts TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT,
			user_id TEXT,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			importance REAL NOT NULL,
			decay_factor REAL NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory_vectors (
			memory_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory_summaries (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			key_points TEXT,
			entities TEXT,
			topics TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_knowledge_documents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			source TEXT,
			hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_knowledge_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			content TEXT NOT NULL,
			hash TEXT NOT NULL,
			embedding TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
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
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for ad-hoc queries and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// serializeEmbedding encodes a vector as compact JSON text.
func serializeEmbedding(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// deserializeEmbedding decodes JSON text back into a vector; nil on failure.
func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalJSON(v any) *string {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := string(data)
	return &out
}
