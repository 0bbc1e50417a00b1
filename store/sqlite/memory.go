package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/memory"
)

const memoryCols = `id, agent_id, session_id, user_id, content, type, source,
	importance, decay_factor, access_count, last_accessed_at, timestamp, expires_at, metadata`

// InsertMemory writes one memory row.
func (s *Store) InsertMemory(ctx context.Context, m caldera.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memories (`+memoryCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.SessionID, m.UserID, m.Content, string(m.Type), string(m.Source),
		m.Importance, m.DecayFactor, m.AccessCount, m.LastAccessedAt, m.Timestamp,
		m.ExpiresAt, marshalJSON(m.Metadata),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func scanMemory(row interface{ Scan(...any) error }) (caldera.MemoryEntry, error) {
	var m caldera.MemoryEntry
	var sessionID, userID, meta sql.NullString
	err := row.Scan(&m.ID, &m.AgentID, &sessionID, &userID, &m.Content,
		(*string)(&m.Type), (*string)(&m.Source), &m.Importance, &m.DecayFactor,
		&m.AccessCount, &m.LastAccessedAt, &m.Timestamp, &m.ExpiresAt, &meta)
	if err != nil {
		return caldera.MemoryEntry{}, err
	}
	m.SessionID = sessionID.String
	m.UserID = userID.String
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	return m, nil
}

// GetMemory loads one memory row with its embedding, when present.
func (s *Store) GetMemory(ctx context.Context, id string) (caldera.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM agent_memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return caldera.MemoryEntry{}, caldera.NotFound("memory %s not found", id)
	}
	if err != nil {
		return caldera.MemoryEntry{}, fmt.Errorf("get memory: %w", err)
	}

	var emb sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT embedding FROM agent_memory_vectors WHERE memory_id = ?`, id).Scan(&emb)
	if err == nil && emb.Valid {
		m.Embedding = deserializeEmbedding(emb.String)
	}
	return m, nil
}

// TouchMemory records an access.
func (s *Store) TouchMemory(ctx context.Context, id string, accessCount int, lastAccessedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_memories SET access_count = ?, last_accessed_at = ? WHERE id = ?`,
		accessCount, lastAccessedAt, id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// UpdateImportance overwrites importance.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_memories SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return caldera.NotFound("memory %s not found", id)
	}
	return nil
}

// PromoteMemory rewrites type and importance together.
func (s *Store) PromoteMemory(ctx context.Context, id string, typ caldera.MemoryType, importance float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_memories SET type = ?, importance = ? WHERE id = ?`,
		string(typ), importance, id)
	if err != nil {
		return fmt.Errorf("promote memory: %w", err)
	}
	return nil
}

// DeleteMemory removes one memory and its vector.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory_vectors WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// DeleteBySession removes a session's memories and vectors.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory_vectors WHERE memory_id IN
		 (SELECT id FROM agent_memories WHERE session_id = ?)`, sessionID); err != nil {
		return 0, fmt.Errorf("delete session vectors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearMemories removes an agent's memories, optionally narrowed to one
// session.
func (s *Store) ClearMemories(ctx context.Context, agentID, sessionID string) (int, error) {
	if sessionID != "" {
		return s.DeleteBySession(ctx, sessionID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory_vectors WHERE agent_id = ?`, agentID); err != nil {
		return 0, fmt.Errorf("delete agent vectors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpired removes rows with 0 < expires_at < now.
func (s *Store) DeleteExpired(ctx context.Context, agentID string, now int64) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory_vectors WHERE memory_id IN
		 (SELECT id FROM agent_memories WHERE agent_id = ? AND expires_at > 0 AND expires_at < ?)`,
		agentID, now); err != nil {
		return 0, fmt.Errorf("delete expired vectors: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memories WHERE agent_id = ? AND expires_at > 0 AND expires_at < ?`,
		agentID, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListMemories runs a filtered query, newest first by the chosen sort key.
func (s *Store) ListMemories(ctx context.Context, f memory.Filter) ([]caldera.MemoryEntry, error) {
	query := `SELECT ` + memoryCols + ` FROM agent_memories WHERE agent_id = ?`
	args := []any{f.AgentID}

	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(f.Source))
	}
	if f.Since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until)
	}
	if f.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, f.MinImportance)
	}
	if f.Category != "" {
		query += ` AND json_extract(metadata, '$.category') = ?`
		args = append(args, f.Category)
	}
	if f.ContentLike != "" {
		query += ` AND content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.ContentLike)+"%")
	}
	if !f.IncludeExpired {
		query += ` AND (expires_at = 0 OR expires_at >= ?)`
		args = append(args, caldera.NowUnixMilli())
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
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memories WHERE agent_id = ?`, agentID).Scan(&n)
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

	var avgImp, avgAcc sql.NullFloat64
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(importance), AVG(access_count), MIN(timestamp), MAX(timestamp)
		 FROM agent_memories WHERE agent_id = ?`, agentID,
	).Scan(&stats.Total, &avgImp, &avgAcc, &oldest, &newest)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	stats.AvgImportance = avgImp.Float64
	stats.AvgAccessCount = avgAcc.Float64
	stats.OldestAt = oldest.Int64
	stats.NewestAt = newest.Int64

	for _, group := range []struct {
		col string
		add func(key string, n int)
	}{
		{"type", func(k string, n int) { stats.ByType[caldera.MemoryType(k)] = n }},
		{"source", func(k string, n int) { stats.BySource[caldera.MemorySource(k)] = n }},
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+group.col+`, COUNT(*) FROM agent_memories WHERE agent_id = ? GROUP BY `+group.col, agentID)
		if err != nil {
			return memory.Stats{}, fmt.Errorf("memory stats by %s: %w", group.col, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return memory.Stats{}, err
			}
			group.add(key, n)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return memory.Stats{}, err
		}
		rows.Close()
	}
	return stats, nil
}

// InsertVector writes one embedding row.
func (s *Store) InsertVector(ctx context.Context, v memory.VectorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_memory_vectors (memory_id, agent_id, model, embedding)
		 VALUES (?, ?, ?, ?)`,
		v.MemoryID, v.AgentID, v.Model, serializeEmbedding(v.Embedding))
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// ListVectors returns up to limit embedding rows for the agent.
func (s *Store) ListVectors(ctx context.Context, agentID string, limit int) ([]memory.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, agent_id, model, embedding FROM agent_memory_vectors
		 WHERE agent_id = ? LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var records []memory.VectorRecord
	for rows.Next() {
		var v memory.VectorRecord
		var emb string
		if err := rows.Scan(&v.MemoryID, &v.AgentID, &v.Model, &emb); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = deserializeEmbedding(emb)
		records = append(records, v)
	}
	return records, rows.Err()
}

// InsertSummary writes one summary row.
func (s *Store) InsertSummary(ctx context.Context, sum caldera.MemorySummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory_summaries (id, agent_id, session_id, summary, message_count, key_points, entities, topics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.AgentID, sum.SessionID, sum.Summary, sum.MessageCount,
		marshalJSON(sum.KeyPoints), marshalJSON(sum.Entities), marshalJSON(sum.Topics),
		sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// LatestSummary returns the newest summary for (agent, session).
func (s *Store) LatestSummary(ctx context.Context, agentID, sessionID string) (caldera.MemorySummary, error) {
	var sum caldera.MemorySummary
	var keyPoints, entities, topics sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, session_id, summary, message_count, key_points, entities, topics, created_at
		 FROM agent_memory_summaries WHERE agent_id = ? AND session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, agentID, sessionID,
	).Scan(&sum.ID, &sum.AgentID, &sum.SessionID, &sum.Summary, &sum.MessageCount,
		&keyPoints, &entities, &topics, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return caldera.MemorySummary{}, caldera.NotFound("no summary for session %s", sessionID)
	}
	if err != nil {
		return caldera.MemorySummary{}, fmt.Errorf("latest summary: %w", err)
	}
	if keyPoints.Valid {
		_ = json.Unmarshal([]byte(keyPoints.String), &sum.KeyPoints)
	}
	if entities.Valid {
		_ = json.Unmarshal([]byte(entities.String), &sum.Entities)
	}
	if topics.Valid {
		_ = json.Unmarshal([]byte(topics.String), &sum.Topics)
	}
	return sum, nil
}

// InsertDocument writes one knowledge document row.
func (s *Store) InsertDocument(ctx context.Context, d caldera.KnowledgeDocument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_knowledge_documents (id, agent_id, title, source, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.Title, d.Source, d.Hash, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// DocumentByHash finds an agent's document by content hash.
func (s *Store) DocumentByHash(ctx context.Context, agentID, hash string) (caldera.KnowledgeDocument, bool, error) {
	var d caldera.KnowledgeDocument
	var source sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, title, source, hash, created_at
		 FROM agent_knowledge_documents WHERE agent_id = ? AND hash = ?`, agentID, hash,
	).Scan(&d.ID, &d.AgentID, &d.Title, &source, &d.Hash, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return caldera.KnowledgeDocument{}, false, nil
	}
	if err != nil {
		return caldera.KnowledgeDocument{}, false, fmt.Errorf("document by hash: %w", err)
	}
	d.Source = source.String
	return d, true, nil
}

// InsertChunk writes one knowledge chunk row.
func (s *Store) InsertChunk(ctx context.Context, c caldera.KnowledgeChunk) error {
	var emb *string
	if len(c.Embedding) > 0 {
		v := serializeEmbedding(c.Embedding)
		emb = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_knowledge_chunks (id, document_id, chunk_index, start_offset, end_offset, content, hash, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.ChunkIndex, c.StartOffset, c.EndOffset, c.Content, c.Hash, emb)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]caldera.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, start_offset, end_offset, content, hash, embedding
		 FROM agent_knowledge_chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SearchChunks is a substring match over an agent's chunks, joined through
// their documents, newest documents first.
func (s *Store) SearchChunks(ctx context.Context, agentID, contentLike string, limit int) ([]caldera.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.start_offset, c.end_offset, c.content, c.hash, c.embedding
		 FROM agent_knowledge_chunks c
		 JOIN agent_knowledge_documents d ON d.id = c.document_id
		 WHERE d.agent_id = ? AND c.content LIKE ? ESCAPE '\'
		 ORDER BY d.created_at DESC, c.chunk_index
		 LIMIT ?`, agentID, "%"+escapeLike(contentLike)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]caldera.KnowledgeChunk, error) {
	var chunks []caldera.KnowledgeChunk
	for rows.Next() {
		var c caldera.KnowledgeChunk
		var emb sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.StartOffset,
			&c.EndOffset, &c.Content, &c.Hash, &emb); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if emb.Valid {
			c.Embedding = deserializeEmbedding(emb.String)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(s string) string {
	r := ""
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r += `\`
		}
		r += string(c)
	}
	return r
}

// Compile-time interface check.
var _ memory.Backend = (*Store)(nil)
