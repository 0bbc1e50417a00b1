// Package memory implements the typed, time-decayed memory subsystem:
// storage, lexical and vector retrieval, conversation context construction
// and periodic consolidation, over a pluggable persistence backend.
package memory

import (
	"context"

	"github.com/calderahq/caldera"
)

// Filter selects memory rows. Zero fields do not constrain. AgentID is
// required by every caller in this package.
type Filter struct {
	AgentID   string
	SessionID string
	Type      caldera.MemoryType
	Source    caldera.MemorySource
	// Since and Until bound Timestamp, inclusive; 0 means unbounded.
	Since int64
	Until int64
	// MinImportance drops rows below the value.
	MinImportance float64
	// Category matches metadata["category"].
	Category string
	// ContentLike is a case-insensitive substring match against content.
	ContentLike string
	// IncludeExpired also returns rows whose expiresAt has passed.
	IncludeExpired bool
	// SortBy is one of "timestamp" (default), "importance", "access_count";
	// always descending.
	SortBy string
	// Limit caps the result; <= 0 means no cap.
	Limit int
}

// VectorRecord is one embedding row, stored alongside its memory.
type VectorRecord struct {
	MemoryID  string
	AgentID   string
	Model     string
	Embedding []float32
}

// Stats is the aggregate shape of an agent's memories, computed by the
// backend with SQL aggregation.
type Stats struct {
	Total          int                             `json:"total"`
	ByType         map[caldera.MemoryType]int      `json:"by_type"`
	BySource       map[caldera.MemorySource]int    `json:"by_source"`
	AvgImportance  float64                         `json:"avg_importance"`
	AvgAccessCount float64                         `json:"avg_access_count"`
	OldestAt       int64                           `json:"oldest_at"`
	NewestAt       int64                           `json:"newest_at"`
}

// Backend is the persistence port for the memory subsystem. Implementations
// live in store/sqlite and store/postgres. All methods are safe for
// concurrent use.
type Backend interface {
	InsertMemory(ctx context.Context, m caldera.MemoryEntry) error
	GetMemory(ctx context.Context, id string) (caldera.MemoryEntry, error)
	// TouchMemory records a read: bumps accessCount and lastAccessedAt.
	TouchMemory(ctx context.Context, id string, accessCount int, lastAccessedAt int64) error
	UpdateImportance(ctx context.Context, id string, importance float64) error
	// PromoteMemory rewrites type and importance in one update.
	PromoteMemory(ctx context.Context, id string, typ caldera.MemoryType, importance float64) error
	DeleteMemory(ctx context.Context, id string) error
	// DeleteBySession removes a session's memories, returning how many.
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
	// ClearMemories removes an agent's memories; sessionID narrows to one
	// session when non-empty. Returns how many rows were removed.
	ClearMemories(ctx context.Context, agentID, sessionID string) (int, error)
	// DeleteExpired removes rows with 0 < expiresAt < now.
	DeleteExpired(ctx context.Context, agentID string, now int64) (int, error)
	ListMemories(ctx context.Context, f Filter) ([]caldera.MemoryEntry, error)
	CountMemories(ctx context.Context, agentID string) (int, error)
	MemoryStats(ctx context.Context, agentID string) (Stats, error)

	InsertVector(ctx context.Context, v VectorRecord) error
	// ListVectors returns up to limit embedding rows for the agent.
	ListVectors(ctx context.Context, agentID string, limit int) ([]VectorRecord, error)

	InsertSummary(ctx context.Context, s caldera.MemorySummary) error
	// LatestSummary returns the newest summary for (agent, session); a
	// not-found error when none exists.
	LatestSummary(ctx context.Context, agentID, sessionID string) (caldera.MemorySummary, error)

	InsertDocument(ctx context.Context, d caldera.KnowledgeDocument) error
	// DocumentByHash finds an agent's document by content hash; ok reports
	// whether one exists.
	DocumentByHash(ctx context.Context, agentID, hash string) (caldera.KnowledgeDocument, bool, error)
	InsertChunk(ctx context.Context, c caldera.KnowledgeChunk) error
	ListChunks(ctx context.Context, documentID string) ([]caldera.KnowledgeChunk, error)
	// SearchChunks is a case-insensitive substring match over an agent's
	// knowledge chunks, newest documents first.
	SearchChunks(ctx context.Context, agentID, contentLike string, limit int) ([]caldera.KnowledgeChunk, error)
}
