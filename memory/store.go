package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/calderahq/caldera"
)

// Defaults for the store's tunables. Each is overridable by option.
const (
	DefaultMaxTokens       = 8000
	DefaultLimit           = 1000
	DefaultSearchThreshold = 0.7
	DefaultSearchLimit     = 10
	DefaultCacheSize       = 512
)

// vectorScanCap bounds how many embedding rows a brute-force similarity scan
// will load per agent. Past the cap retrieval degrades to the newest rows and
// a warning is logged; plug a real vector index before reaching it.
const vectorScanCap = 10000

// Store is the memory subsystem engine. It layers scoring, caching, events
// and embedding over a persistence Backend. Safe for concurrent use.
type Store struct {
	backend   Backend
	embedder  caldera.EmbeddingProvider
	bus       *caldera.EventBus
	logger    *slog.Logger
	cache     *lruCache
	summarize Summarizer

	maxTokens   int
	limit       int
	threshold   float64
	searchLimit int
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables semantic features. Without one, stores skip
// embeddings and semantic search returns empty results.
func WithEmbedder(e caldera.EmbeddingProvider) Option {
	return func(s *Store) { s.embedder = e }
}

// WithBus publishes memory.* events to the given bus.
func WithBus(b *caldera.EventBus) Option {
	return func(s *Store) { s.bus = b }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCacheSize sets the LRU capacity; 0 disables the cache.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cache = newLRUCache(n)
		} else {
			s.cache = nil
		}
	}
}

// WithSearchThreshold overrides the ranked-search relevance cutoff.
func WithSearchThreshold(t float64) Option {
	return func(s *Store) { s.threshold = t }
}

// WithSearchLimit overrides the default ranked-search result count.
func WithSearchLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.searchLimit = n
		}
	}
}

// WithMaxTokens overrides the conversation-history token budget default.
func WithMaxTokens(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithSummarizer replaces the built-in extractive summarizer.
func WithSummarizer(fn Summarizer) Option {
	return func(s *Store) { s.summarize = fn }
}

// NewStore creates a Store over the backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		logger:      caldera.NopLogger(),
		cache:       newLRUCache(DefaultCacheSize),
		summarize:   ExtractiveSummarizer,
		maxTokens:   DefaultMaxTokens,
		limit:       DefaultLimit,
		threshold:   DefaultSearchThreshold,
		searchLimit: DefaultSearchLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) emit(typ string, payload any, meta caldera.EventMeta) {
	if s.bus != nil {
		s.bus.Emit(caldera.Event{Type: typ, Payload: payload, Meta: meta})
	}
}

// Store persists one memory. Missing fields are filled: id, timestamps,
// decay factor, importance (heuristic) and embedding (best effort).
func (s *Store) Store(ctx context.Context, entry caldera.MemoryEntry) (caldera.MemoryEntry, error) {
	if entry.AgentID == "" {
		return caldera.MemoryEntry{}, caldera.BadRequest("memory requires an agent id")
	}
	if strings.TrimSpace(entry.Content) == "" {
		return caldera.MemoryEntry{}, caldera.BadRequest("memory requires content")
	}

	if entry.ID == "" {
		entry.ID = caldera.NewID()
	}
	if entry.Type == "" {
		entry.Type = caldera.MemoryEpisodic
	}
	if entry.Source == "" {
		entry.Source = caldera.SourceSystem
	}
	now := caldera.NowUnixMilli()
	if entry.Timestamp == 0 {
		entry.Timestamp = now
	}
	if entry.LastAccessedAt == 0 {
		entry.LastAccessedAt = now
	}
	if entry.DecayFactor == 0 {
		entry.DecayFactor = 1.0
	}
	if entry.Importance == 0 {
		entry.Importance = ImportanceOf(entry)
	}

	if entry.Embedding == nil && s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{entry.Content})
		if err != nil {
			s.logger.Warn("embed memory", "agent", entry.AgentID, "error", err)
		} else if len(vecs) == 1 {
			entry.Embedding = vecs[0]
		}
	}

	if err := s.backend.InsertMemory(ctx, entry); err != nil {
		return caldera.MemoryEntry{}, caldera.BackendError("insert memory", err)
	}
	if entry.Embedding != nil {
		model := ""
		if s.embedder != nil {
			model = s.embedder.Model()
		}
		v := VectorRecord{
			MemoryID:  entry.ID,
			AgentID:   entry.AgentID,
			Model:     model,
			Embedding: entry.Embedding,
		}
		if err := s.backend.InsertVector(ctx, v); err != nil {
			return caldera.MemoryEntry{}, caldera.BackendError("insert vector", err)
		}
	}

	s.invalidate(entry.AgentID, entry.SessionID)
	s.emit(caldera.EventMemoryStored, entry.ID, caldera.EventMeta{
		AgentID: entry.AgentID, SessionID: entry.SessionID, UserID: entry.UserID,
	})
	return entry, nil
}

// StoreBatch persists entries in order. Empty input is a no-op. The first
// failure aborts the batch; already-stored entries stay stored.
func (s *Store) StoreBatch(ctx context.Context, entries []caldera.MemoryEntry) ([]caldera.MemoryEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]caldera.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := s.Store(ctx, e)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// StoreMessage records one conversation turn as an episodic memory. The
// message role travels in metadata so context assembly can replay it.
func (s *Store) StoreMessage(ctx context.Context, agentID, sessionID string, msg caldera.ChatMessage, userID string) (caldera.MemoryEntry, error) {
	source := caldera.SourceConversation
	if msg.Role == caldera.RoleUser {
		source = caldera.SourceUser
	}
	return s.Store(ctx, caldera.MemoryEntry{
		AgentID:   agentID,
		SessionID: sessionID,
		UserID:    userID,
		Content:   msg.Content,
		Type:      caldera.MemoryEpisodic,
		Source:    source,
		Metadata:  map[string]any{"role": string(msg.Role)},
	})
}

// Retrieve looks up one memory by id, recording the access.
func (s *Store) Retrieve(ctx context.Context, id string) (caldera.MemoryEntry, error) {
	if e, ok := s.cacheGet(id); ok {
		s.touch(ctx, &e)
		return e, nil
	}

	e, err := s.backend.GetMemory(ctx, id)
	if err != nil {
		return caldera.MemoryEntry{}, err
	}
	s.touch(ctx, &e)
	s.cachePut(e)
	s.emit(caldera.EventMemoryRecalled, e.ID, caldera.EventMeta{AgentID: e.AgentID, SessionID: e.SessionID})
	return e, nil
}

func (s *Store) touch(ctx context.Context, e *caldera.MemoryEntry) {
	e.AccessCount++
	e.LastAccessedAt = caldera.NowUnixMilli()
	if err := s.backend.TouchMemory(ctx, e.ID, e.AccessCount, e.LastAccessedAt); err != nil {
		s.logger.Warn("touch memory", "memory", e.ID, "error", err)
	}
}

// UpdateImportance overwrites a memory's importance, clamped to [0,1].
func (s *Store) UpdateImportance(ctx context.Context, id string, value float64) error {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if err := s.backend.UpdateImportance(ctx, id, value); err != nil {
		return caldera.BackendError("update importance", err)
	}
	s.cacheDrop(id)
	return nil
}

// Delete removes one memory and its vector.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.backend.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteMemory(ctx, id); err != nil {
		return caldera.BackendError("delete memory", err)
	}
	s.invalidate(e.AgentID, e.SessionID)
	s.emit(caldera.EventMemoryDeleted, id, caldera.EventMeta{AgentID: e.AgentID, SessionID: e.SessionID})
	return nil
}

// DeleteBySession removes all memories of one session.
func (s *Store) DeleteBySession(ctx context.Context, agentID, sessionID string) (int, error) {
	n, err := s.backend.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, caldera.BackendError("delete session memories", err)
	}
	s.invalidate(agentID, sessionID)
	s.emit(caldera.EventMemoryDeleted, n, caldera.EventMeta{AgentID: agentID, SessionID: sessionID})
	return n, nil
}

// Clear removes an agent's memories; sessionID narrows to one session when
// non-empty.
func (s *Store) Clear(ctx context.Context, agentID, sessionID string) (int, error) {
	n, err := s.backend.ClearMemories(ctx, agentID, sessionID)
	if err != nil {
		return 0, caldera.BackendError("clear memories", err)
	}
	s.invalidate(agentID, sessionID)
	s.emit(caldera.EventMemoryDeleted, n, caldera.EventMeta{AgentID: agentID, SessionID: sessionID})
	return n, nil
}

// Count returns how many memories the agent has.
func (s *Store) Count(ctx context.Context, agentID string) (int, error) {
	return s.backend.CountMemories(ctx, agentID)
}

// GetStats returns aggregate statistics for the agent's memories.
func (s *Store) GetStats(ctx context.Context, agentID string) (Stats, error) {
	return s.backend.MemoryStats(ctx, agentID)
}

// RecentOptions adjust RecentMemoriesWith.
type RecentOptions struct {
	// SortBy is "timestamp" (default), "importance" or "access_count".
	SortBy string
	// IncludeExpired also returns expired entries.
	IncludeExpired bool
}

// RecentMemories returns the agent's newest non-expired memories.
func (s *Store) RecentMemories(ctx context.Context, agentID string, limit int) ([]caldera.MemoryEntry, error) {
	return s.RecentMemoriesWith(ctx, agentID, limit, RecentOptions{})
}

// RecentMemoriesWith is RecentMemories with sort and expiry control.
func (s *Store) RecentMemoriesWith(ctx context.Context, agentID string, limit int, opts RecentOptions) ([]caldera.MemoryEntry, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}
	entries, err := s.backend.ListMemories(ctx, Filter{
		AgentID:        agentID,
		SortBy:         opts.SortBy,
		IncludeExpired: opts.IncludeExpired,
		Limit:          limit,
	})
	if err != nil {
		return nil, caldera.BackendError("list memories", err)
	}
	return entries, nil
}

// ImportanceOf is the default importance heuristic: 0.5 base, +0.2 for
// semantic type, +0.1 for user source, +0.1 for tagged entries, +0.1 for
// content over 500 bytes, clamped to [0,1].
func ImportanceOf(e caldera.MemoryEntry) float64 {
	v := 0.5
	if e.Type == caldera.MemorySemantic {
		v += 0.2
	}
	if e.Source == caldera.SourceUser {
		v += 0.1
	}
	if tags, ok := e.Metadata["tags"]; ok && hasTags(tags) {
		v += 0.1
	}
	if len(e.Content) > 500 {
		v += 0.1
	}
	if v > 1 {
		v = 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

func hasTags(v any) bool {
	switch t := v.(type) {
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case string:
		return t != ""
	}
	return false
}
