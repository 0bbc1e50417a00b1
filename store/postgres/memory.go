package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/memory"
)

const memoryCols = `id, agent_id, session_id, user_id, content, type, source,
	importance, decay_factor, access_count, last_accessed_at, timestamp, expires_at, metadata`

// InsertMemory writes one memory row.
func (s *Store) InsertMemory(ctx context.Context, m caldera.MemoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_memories (`+memoryCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.AgentID, nullable(m.SessionID), nullable(m.UserID), m.Content,
		string(m.Type), string(m.Source), m.Importance, m.DecayFactor,
		m.AccessCount, m.LastAccessedAt, m.Timestamp, m.ExpiresAt, jsonb(m.Metadata))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func scanMemory(row pgx.Row) (caldera.MemoryEntry, error) {
	var m caldera.MemoryEntry
	var sessionID, userID *string
	var meta []byte
	err := row.Scan(&m.ID, &m.AgentID, &sessionID, &userID, &m.Content,
		(*string)(&m.Type), (*string)(&m.Source), &m.Importance, &m.DecayFactor,
		&m.AccessCount, &m.LastAccessedAt, &m.Timestamp, &m.ExpiresAt, &meta)
	if err != nil {
		return caldera.MemoryEntry{}, err
	}
	if sessionID != nil {
		m.SessionID = *sessionID
	}
	if userID != nil {
		m.UserID = *userID
	}
	if meta != nil {
		_ = json.Unmarshal(meta, &m.Metadata)
	}
	return m, nil
}

// GetMemory loads one memory row with its embedding, when present.
func (s *Store) GetMemory(ctx context.Context, id string) (caldera.MemoryEntry, error) {
	m, err := scanMemory(s.pool.QueryRow(ctx,
		`SELECT `+memoryCols+` FROM agent_memories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return caldera.MemoryEntry{}, caldera.NotFound("memory %s not found", id)
	}
	if err != nil {
		return caldera.MemoryEntry{}, fmt.Errorf("get memory: %w", err)
	}

	var emb []float32
	err = s.pool.QueryRow(ctx,
		`SELECT embedding FROM agent_memory_vectors WHERE memory_id = $1`, id).Scan(&emb)
	if err == nil {
		m.Embedding = emb
	}
	return m, nil
}

// TouchMemory records an access.
func (s *Store) TouchMemory(ctx context.Context, id string, accessCount int, lastAccessedAt int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_memories SET access_count = $1, last_accessed_at = $2 WHERE id = $3`,
		accessCount, lastAccessedAt, id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// UpdateImportance overwrites importance.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_memories SET importance = $1 WHERE id = $2`, importance, id)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return caldera.NotFound("memory %s not found", id)
	}
	return nil
}

// PromoteMemory rewrites type and importance together.
func (s *Store) PromoteMemory(ctx context.Context, id string, typ caldera.MemoryType, importance float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_memories SET type = $1, importance = $2 WHERE id = $3`,
		string(typ), importance, id)
	if err != nil {
		return fmt.Errorf("promote memory: %w", err)
	}
	return nil
}

// DeleteMemory removes one memory and its vector.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_memory_vectors WHERE memory_id = $1`, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// DeleteBySession removes a session's memories and vectors.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM agent_memory_vectors WHERE memory_id IN
		 (SELECT id FROM agent_memories WHERE session_id = $1)`, sessionID); err != nil {
		return 0, fmt.Errorf("delete session vectors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_memories WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClearMemories removes an agent's memories, optionally narrowed to one
// session.
func (s *Store) ClearMemories(ctx context.Context, agentID, sessionID string) (int, error) {
	if sessionID != "" {
		return s.DeleteBySession(ctx, sessionID)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_memory_vectors WHERE agent_id = $1`, agentID); err != nil {
		return 0, fmt.Errorf("delete agent vectors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_memories WHERE agent_id = $1`, agentID)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired removes rows with 0 < expires_at < now.
func (s *Store) DeleteExpired(ctx context.Context, agentID string, now int64) (int, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM agent_memory_vectors WHERE memory_id IN
		 (SELECT id FROM agent_memories WHERE agent_id = $1 AND expires_at > 0 AND expires_at < $2)`,
		agentID, now); err != nil {
		return 0, fmt.Errorf("delete expired vectors: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_memories WHERE agent_id = $1 AND expires_at > 0 AND expires_at < $2`,
		agentID, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListMemories runs a filtered query, descending by the chosen sort key.
func (s *Store) ListMemories(ctx context.Context, f memory.Filter) ([]caldera.MemoryEntry, error) {
	query := `SELECT ` + memoryCols + ` FROM agent_memories WHERE agent_id = $1`
	args := []any{f.AgentID}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.SessionID != "" {
		query += ` AND session_id = ` + arg(f.SessionID)
	}
	if f.Type != "" {
		query += ` AND type = ` + arg(string(f.Type))
	}
	if f.Source != "" {
		query += ` AND source = ` + arg(string(f.Source))
	}
	if f.Since > 0 {
		query += ` AND timestamp >= ` + arg(f.Since)
	}
	if f.Until > 0 {
		query += ` AND timestamp <= ` + arg(f.Until)
	}
	if f.MinImportance > 0 {
		query += ` AND importance >= ` + arg(f.MinImportance)
	}
	if f.Category != "" {
		query += ` AND metadata->>'category' = ` + arg(f.Category)
	}
	if f.ContentLike != "" {
		query += ` AND content ILIKE ` + arg("%"+f.ContentLike+"%")
	}
	if !f.IncludeExpired {
		query += ` AND (expires_at = 0 OR expires_at >= ` + arg(caldera.NowUnixMilli()) + `)`
	}

	switch f.SortBy {
	case "importance":
		query += ` ORDER BY importance DESC, timestamp DESC`
	case "access_count":
		query += ` ORDER BY access_count DESC, timestamp DESC`
	default:
		query += ` ORDER BY timestamp DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var entries []caldera.MemoryEntry
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}

// CountMemories counts an agent's rows.
func (s *Store) CountMemories(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_memories WHERE agent_id = $1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// MemoryStats aggregates in SQL rather than loading rows.
func (s *Store) MemoryStats(ctx context.Context, agentID string) (memory.Stats, error) {
	stats := memory.Stats{
		ByType:   make(map[caldera.MemoryType]int),
		BySource: make(map[caldera.MemorySource]int),
	}

	var avgImp, avgAcc *float64
	var oldest, newest *int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), AVG(importance), AVG(access_count), MIN(timestamp), MAX(timestamp)
		 FROM agent_memories WHERE agent_id = $1`, agentID,
	).Scan(&stats.Total, &avgImp, &avgAcc, &oldest, &newest)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	if avgImp != nil {
		stats.AvgImportance = *avgImp
	}
	if avgAcc != nil {
		stats.AvgAccessCount = *avgAcc
	}
	if oldest != nil {
		stats.OldestAt = *oldest
	}
	if newest != nil {
		stats.NewestAt = *newest
	}

	rows, err := s.pool.Query(ctx,
		`SELECT type, source, COUNT(*) FROM agent_memories WHERE agent_id = $1 GROUP BY type, source`, agentID)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("memory stats by group: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, src string
		var n int
		if err := rows.Scan(&typ, &src, &n); err != nil {
			return memory.Stats{}, err
		}
		stats.ByType[caldera.MemoryType(typ)] += n
		stats.BySource[caldera.MemorySource(src)] += n
	}
	return stats, rows.Err()
}

// InsertVector writes one embedding row.
func (s *Store) InsertVector(ctx context.Context, v memory.VectorRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_memory_vectors (memory_id, agent_id, model, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (memory_id) DO UPDATE SET model = EXCLUDED.model, embedding = EXCLUDED.embedding`,
		v.MemoryID, v.AgentID, v.Model, v.Embedding)
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// ListVectors returns up to limit embedding rows for the agent.
func (s *Store) ListVectors(ctx context.Context, agentID string, limit int) ([]memory.VectorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT memory_id, agent_id, model, embedding FROM agent_memory_vectors
		 WHERE agent_id = $1 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var records []memory.VectorRecord
	for rows.Next() {
		var v memory.VectorRecord
		if err := rows.Scan(&v.MemoryID, &v.AgentID, &v.Model, &v.Embedding); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		records = append(records, v)
	}
	return records, rows.Err()
}

// InsertSummary writes one summary row.
func (s *Store) InsertSummary(ctx context.Context, sum caldera.MemorySummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_memory_summaries (id, agent_id, session_id, summary, message_count, key_points, entities, topics, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sum.ID, sum.AgentID, sum.SessionID, sum.Summary, sum.MessageCount,
		jsonb(sum.KeyPoints), jsonb(sum.Entities), jsonb(sum.Topics), sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// LatestSummary returns the newest summary for (agent, session).
func (s *Store) LatestSummary(ctx context.Context, agentID, sessionID string) (caldera.MemorySummary, error) {
	var sum caldera.MemorySummary
	var keyPoints, entities, topics []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, session_id, summary, message_count, key_points, entities, topics, created_at
		 FROM agent_memory_summaries WHERE agent_id = $1 AND session_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, agentID, sessionID,
	).Scan(&sum.ID, &sum.AgentID, &sum.SessionID, &sum.Summary, &sum.MessageCount,
		&keyPoints, &entities, &topics, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return caldera.MemorySummary{}, caldera.NotFound("no summary for session %s", sessionID)
	}
	if err != nil {
		return caldera.MemorySummary{}, fmt.Errorf("latest summary: %w", err)
	}
	if keyPoints != nil {
		_ = json.Unmarshal(keyPoints, &sum.KeyPoints)
	}
	if entities != nil {
		_ = json.Unmarshal(entities, &sum.Entities)
	}
	if topics != nil {
		_ = json.Unmarshal(topics, &sum.Topics)
	}
	return sum, nil
}

// InsertDocument writes one knowledge document row.
func (s *Store) InsertDocument(ctx context.Context, d caldera.KnowledgeDocument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_knowledge_documents (id, agent_id, title, source, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.AgentID, d.Title, nullable(d.Source), d.Hash, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// DocumentByHash finds an agent's document by content hash.
func (s *Store) DocumentByHash(ctx context.Context, agentID, hash string) (caldera.KnowledgeDocument, bool, error) {
	var d caldera.KnowledgeDocument
	var source *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, title, source, hash, created_at
		 FROM agent_knowledge_documents WHERE agent_id = $1 AND hash = $2`, agentID, hash,
	).Scan(&d.ID, &d.AgentID, &d.Title, &source, &d.Hash, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return caldera.KnowledgeDocument{}, false, nil
	}
	if err != nil {
		return caldera.KnowledgeDocument{}, false, fmt.Errorf("document by hash: %w", err)
	}
	if source != nil {
		d.Source = *source
	}
	return d, true, nil
}

// InsertChunk writes one knowledge chunk row.
func (s *Store) InsertChunk(ctx context.Context, c caldera.KnowledgeChunk) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_knowledge_chunks (id, document_id, chunk_index, start_offset, end_offset, content, hash, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.DocumentID, c.ChunkIndex, c.StartOffset, c.EndOffset, c.Content, c.Hash, c.Embedding)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]caldera.KnowledgeChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, chunk_index, start_offset, end_offset, content, hash, embedding
		 FROM agent_knowledge_chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SearchChunks is a substring match over an agent's chunks, newest documents
// first.
func (s *Store) SearchChunks(ctx context.Context, agentID, contentLike string, limit int) ([]caldera.KnowledgeChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.start_offset, c.end_offset, c.content, c.hash, c.embedding
		 FROM agent_knowledge_chunks c
		 JOIN agent_knowledge_documents d ON d.id = c.document_id
		 WHERE d.agent_id = $1 AND c.content ILIKE $2
		 ORDER BY d.created_at DESC, c.chunk_index
		 LIMIT $3`, agentID, "%"+contentLike+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]caldera.KnowledgeChunk, error) {
	var chunks []caldera.KnowledgeChunk
	for rows.Next() {
		var c caldera.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.StartOffset,
			&c.EndOffset, &c.Content, &c.Hash, &c.Embedding); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Compile-time interface check.
var _ memory.Backend = (*Store)(nil)
