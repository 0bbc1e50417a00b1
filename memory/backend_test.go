package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/calderahq/caldera"
)

// fakeBackend is an in-memory Backend used across the package tests.
type fakeBackend struct {
	mu        sync.Mutex
	memories  map[string]caldera.MemoryEntry
	vectors   map[string]VectorRecord
	summaries []caldera.MemorySummary
	documents map[string]caldera.KnowledgeDocument
	chunks    map[string][]caldera.KnowledgeChunk

	gets int // GetMemory call count, for cache assertions
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		memories:  make(map[string]caldera.MemoryEntry),
		vectors:   make(map[string]VectorRecord),
		documents: make(map[string]caldera.KnowledgeDocument),
		chunks:    make(map[string][]caldera.KnowledgeChunk),
	}
}

func (b *fakeBackend) InsertMemory(_ context.Context, m caldera.MemoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memories[m.ID] = m
	return nil
}

func (b *fakeBackend) GetMemory(_ context.Context, id string) (caldera.MemoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	m, ok := b.memories[id]
	if !ok {
		return caldera.MemoryEntry{}, caldera.NotFound("memory %s not found", id)
	}
	return m, nil
}

func (b *fakeBackend) TouchMemory(_ context.Context, id string, accessCount int, lastAccessedAt int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return caldera.NotFound("memory %s not found", id)
	}
	m.AccessCount = accessCount
	m.LastAccessedAt = lastAccessedAt
	b.memories[id] = m
	return nil
}

func (b *fakeBackend) UpdateImportance(_ context.Context, id string, importance float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return caldera.NotFound("memory %s not found", id)
	}
	m.Importance = importance
	b.memories[id] = m
	return nil
}

func (b *fakeBackend) PromoteMemory(_ context.Context, id string, typ caldera.MemoryType, importance float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return caldera.NotFound("memory %s not found", id)
	}
	m.Type = typ
	m.Importance = importance
	b.memories[id] = m
	return nil
}

func (b *fakeBackend) DeleteMemory(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.memories, id)
	delete(b.vectors, id)
	return nil
}

func (b *fakeBackend) DeleteBySession(_ context.Context, sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.memories {
		if m.SessionID == sessionID {
			delete(b.memories, id)
			delete(b.vectors, id)
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) ClearMemories(_ context.Context, agentID, sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.memories {
		if m.AgentID != agentID {
			continue
		}
		if sessionID != "" && m.SessionID != sessionID {
			continue
		}
		delete(b.memories, id)
		delete(b.vectors, id)
		n++
	}
	return n, nil
}

func (b *fakeBackend) DeleteExpired(_ context.Context, agentID string, now int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.memories {
		if m.AgentID == agentID && m.ExpiresAt > 0 && m.ExpiresAt < now {
			delete(b.memories, id)
			delete(b.vectors, id)
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) ListMemories(_ context.Context, f Filter) ([]caldera.MemoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := caldera.NowUnixMilli()
	var out []caldera.MemoryEntry
	for _, m := range b.memories {
		if f.AgentID != "" && m.AgentID != f.AgentID {
			continue
		}
		if f.SessionID != "" && m.SessionID != f.SessionID {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Source != "" && m.Source != f.Source {
			continue
		}
		if f.Since > 0 && m.Timestamp < f.Since {
			continue
		}
		if f.Until > 0 && m.Timestamp > f.Until {
			continue
		}
		if f.MinImportance > 0 && m.Importance < f.MinImportance {
			continue
		}
		if f.Category != "" {
			if v, _ := m.Metadata["category"].(string); v != f.Category {
				continue
			}
		}
		if f.ContentLike != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(f.ContentLike)) {
			continue
		}
		if !f.IncludeExpired && m.ExpiresAt > 0 && m.ExpiresAt < now {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		switch f.SortBy {
		case "importance":
			return out[i].Importance > out[j].Importance
		case "access_count":
			return out[i].AccessCount > out[j].AccessCount
		default:
			return out[i].Timestamp > out[j].Timestamp
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *fakeBackend) CountMemories(_ context.Context, agentID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.memories {
		if m.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) MemoryStats(_ context.Context, agentID string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{
		ByType:   make(map[caldera.MemoryType]int),
		BySource: make(map[caldera.MemorySource]int),
	}
	var impSum, accSum float64
	for _, m := range b.memories {
		if m.AgentID != agentID {
			continue
		}
		stats.Total++
		stats.ByType[m.Type]++
		stats.BySource[m.Source]++
		impSum += m.Importance
		accSum += float64(m.AccessCount)
		if stats.OldestAt == 0 || m.Timestamp < stats.OldestAt {
			stats.OldestAt = m.Timestamp
		}
		if m.Timestamp > stats.NewestAt {
			stats.NewestAt = m.Timestamp
		}
	}
	if stats.Total > 0 {
		stats.AvgImportance = impSum / float64(stats.Total)
		stats.AvgAccessCount = accSum / float64(stats.Total)
	}
	return stats, nil
}

func (b *fakeBackend) InsertVector(_ context.Context, v VectorRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[v.MemoryID] = v
	return nil
}

func (b *fakeBackend) ListVectors(_ context.Context, agentID string, limit int) ([]VectorRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []VectorRecord
	for _, v := range b.vectors {
		if v.AgentID == agentID {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *fakeBackend) InsertSummary(_ context.Context, s caldera.MemorySummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries = append(b.summaries, s)
	return nil
}

func (b *fakeBackend) LatestSummary(_ context.Context, agentID, sessionID string) (caldera.MemorySummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.summaries) - 1; i >= 0; i-- {
		s := b.summaries[i]
		if s.AgentID == agentID && s.SessionID == sessionID {
			return s, nil
		}
	}
	return caldera.MemorySummary{}, caldera.NotFound("no summary for session %s", sessionID)
}

func (b *fakeBackend) InsertDocument(_ context.Context, d caldera.KnowledgeDocument) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.documents[d.ID] = d
	return nil
}

func (b *fakeBackend) DocumentByHash(_ context.Context, agentID, hash string) (caldera.KnowledgeDocument, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.documents {
		if d.AgentID == agentID && d.Hash == hash {
			return d, true, nil
		}
	}
	return caldera.KnowledgeDocument{}, false, nil
}

func (b *fakeBackend) InsertChunk(_ context.Context, c caldera.KnowledgeChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks[c.DocumentID] = append(b.chunks[c.DocumentID], c)
	return nil
}

func (b *fakeBackend) ListChunks(_ context.Context, documentID string) ([]caldera.KnowledgeChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]caldera.KnowledgeChunk(nil), b.chunks[documentID]...), nil
}

func (b *fakeBackend) SearchChunks(_ context.Context, agentID, contentLike string, limit int) ([]caldera.KnowledgeChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []caldera.KnowledgeChunk
	for docID, chunks := range b.chunks {
		doc := b.documents[docID]
		if doc.AgentID != agentID {
			continue
		}
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.Content), strings.ToLower(contentLike)) {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Backend = (*fakeBackend)(nil)

// wordEmbedder maps known phrases to fixed unit vectors; unknown text gets a
// default direction. Deterministic, so similarity assertions are exact.
type wordEmbedder struct {
	known map[string][]float32
}

func newWordEmbedder(known map[string][]float32) *wordEmbedder {
	return &wordEmbedder{known: known}
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.known[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return 3 }
func (e *wordEmbedder) Model() string   { return "test-embed" }

var _ caldera.EmbeddingProvider = (*wordEmbedder)(nil)
