package memory

import (
	"context"
	"math"
	"sort"

	"github.com/calderahq/caldera"
)

// Query is a filtered, ranked memory search.
type Query struct {
	AgentID string `json:"agent_id"`
	// Content, when set and an embedder is available, adds semantic
	// similarity to the ranking.
	Content       string               `json:"content,omitempty"`
	Type          caldera.MemoryType   `json:"type,omitempty"`
	Source        caldera.MemorySource `json:"source,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	Since         int64                `json:"since,omitempty"`
	Until         int64                `json:"until,omitempty"`
	MinImportance float64              `json:"min_importance,omitempty"`
	Category      string               `json:"category,omitempty"`
	// Threshold drops results scoring below it; 0 uses the store default.
	Threshold float64 `json:"threshold,omitempty"`
	// Limit caps results; 0 uses the store default.
	Limit int `json:"limit,omitempty"`
}

// Scored pairs a memory with its retrieval relevance.
type Scored struct {
	Entry     caldera.MemoryEntry `json:"entry"`
	Relevance float64             `json:"relevance"`
}

// Cosine returns the cosine similarity of two vectors: dot(a,b)/(|a||b|).
// Mismatched lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Search runs a filtered, ranked search. The score blends semantic
// similarity (when the query has content and the entry a vector) with two
// importance terms, 0.5+0.5*importance and 0.7+0.3*importance*decay, and
// drops entries under the threshold.
func (s *Store) Search(ctx context.Context, q Query) ([]Scored, error) {
	if q.AgentID == "" {
		return nil, caldera.BadRequest("search requires an agent id")
	}
	threshold := q.Threshold
	if threshold == 0 {
		threshold = s.threshold
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.searchLimit
	}

	entries, err := s.backend.ListMemories(ctx, Filter{
		AgentID:       q.AgentID,
		SessionID:     q.SessionID,
		Type:          q.Type,
		Source:        q.Source,
		Since:         q.Since,
		Until:         q.Until,
		MinImportance: q.MinImportance,
		Category:      q.Category,
		Limit:         s.limit,
	})
	if err != nil {
		return nil, caldera.BackendError("list memories", err)
	}

	var queryVec []float32
	if q.Content != "" && s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{q.Content})
		if err != nil {
			s.logger.Warn("embed search query", "agent", q.AgentID, "error", err)
		} else if len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	scored := make([]Scored, 0, len(entries))
	for _, e := range entries {
		score := rankScore(e, queryVec)
		if score < threshold {
			continue
		}
		scored = append(scored, Scored{Entry: e, Relevance: score})
	}
	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}

	s.emit(caldera.EventMemoryRecalled, len(scored), caldera.EventMeta{AgentID: q.AgentID, SessionID: q.SessionID})
	return scored, nil
}

// rankScore averages the applicable ranking components.
func rankScore(e caldera.MemoryEntry, queryVec []float32) float64 {
	components := []float64{
		0.5 + 0.5*e.Importance,
		0.7 + 0.3*e.Importance*e.DecayFactor,
	}
	if queryVec != nil && e.Embedding != nil {
		components = append(components, Cosine(queryVec, e.Embedding))
	}
	var sum float64
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

// SemanticSearch embeds the query and ranks the agent's vectors by cosine
// similarity. The scan is brute force over at most vectorScanCap rows.
func (s *Store) SemanticSearch(ctx context.Context, query, agentID string, limit int) ([]Scored, error) {
	if s.embedder == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.searchLimit
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, caldera.UpstreamError(s.embedder.Model(), err)
	}
	if len(vecs) != 1 {
		return nil, nil
	}
	queryVec := vecs[0]

	records, err := s.backend.ListVectors(ctx, agentID, vectorScanCap)
	if err != nil {
		return nil, caldera.BackendError("list vectors", err)
	}
	if len(records) >= vectorScanCap {
		s.logger.Warn("vector scan cap reached, similarity search is partial",
			"agent", agentID, "cap", vectorScanCap)
	}

	type hit struct {
		id  string
		sim float64
	}
	hits := make([]hit, 0, len(records))
	for _, r := range records {
		if sim := Cosine(queryVec, r.Embedding); sim > 0 {
			hits = append(hits, hit{id: r.MemoryID, sim: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	scored := make([]Scored, 0, len(hits))
	for _, h := range hits {
		e, err := s.backend.GetMemory(ctx, h.id)
		if err != nil {
			s.logger.Warn("load memory for vector hit", "memory", h.id, "error", err)
			continue
		}
		scored = append(scored, Scored{Entry: e, Relevance: h.sim})
	}
	return scored, nil
}

// FullTextSearch is a case-insensitive substring match over the agent's
// memories, newest first.
func (s *Store) FullTextSearch(ctx context.Context, query, agentID string, limit int) ([]caldera.MemoryEntry, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}
	entries, err := s.backend.ListMemories(ctx, Filter{
		AgentID:     agentID,
		ContentLike: query,
		Limit:       limit,
	})
	if err != nil {
		return nil, caldera.BackendError("full-text search", err)
	}
	return entries, nil
}

// Hybrid search blend weights.
const (
	hybridSemanticWeight = 0.7
	hybridLexicalWeight  = 0.3
)

// HybridSearch unions semantic and full-text results, scoring each entry
// semantic*0.7 + lexical*0.3, where lexical is 1 for a substring hit.
func (s *Store) HybridSearch(ctx context.Context, query, agentID string, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}

	semantic, err := s.SemanticSearch(ctx, query, agentID, limit*2)
	if err != nil {
		return nil, err
	}
	lexical, err := s.FullTextSearch(ctx, query, agentID, limit*2)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*Scored, len(semantic)+len(lexical))
	for _, h := range semantic {
		e := h
		e.Relevance = h.Relevance * hybridSemanticWeight
		merged[h.Entry.ID] = &e
	}
	for _, e := range lexical {
		if m, ok := merged[e.ID]; ok {
			m.Relevance += hybridLexicalWeight
			continue
		}
		merged[e.ID] = &Scored{Entry: e, Relevance: hybridLexicalWeight}
	}

	out := make([]Scored, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortScored orders by relevance descending, ties broken by newest first for
// a stable, deterministic order.
func sortScored(scored []Scored) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		return scored[i].Entry.Timestamp > scored[j].Entry.Timestamp
	})
}
