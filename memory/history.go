package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/calderahq/caldera"
)

// ConversationWindow is the token-budgeted context for one session.
type ConversationWindow struct {
	Messages    []caldera.ChatMessage `json:"messages"`
	TotalTokens int                   `json:"total_tokens"`
	Truncated   bool                  `json:"truncated"`
	// Summary is the latest rolling summary, present only when the window
	// was truncated and a summary exists.
	Summary string `json:"summary,omitempty"`
}

// ConversationHistory builds a session's context window: episodic memories
// in chronological order, kept newest-backward until maxTokens would be
// exceeded, returned in original order. When truncated, the latest rolling
// summary rides along.
func (s *Store) ConversationHistory(ctx context.Context, agentID, sessionID string, maxTokens int) (ConversationWindow, error) {
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	entries, err := s.backend.ListMemories(ctx, Filter{
		AgentID:   agentID,
		SessionID: sessionID,
		Type:      caldera.MemoryEpisodic,
		SortBy:    "timestamp",
		Limit:     s.limit,
	})
	if err != nil {
		return ConversationWindow{}, caldera.BackendError("list session memories", err)
	}
	// Backend returns newest first; flip to chronological.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	// Walk backward from the most recent, stopping before the budget bursts.
	total := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		tokens := caldera.EstimateTokens(entries[i].Content)
		if total+tokens > maxTokens {
			break
		}
		total += tokens
		start = i
	}

	window := ConversationWindow{TotalTokens: total, Truncated: start > 0}
	for _, e := range entries[start:] {
		role := caldera.RoleUser
		if v, ok := e.Metadata["role"].(string); ok && v != "" {
			role = caldera.Role(v)
		}
		window.Messages = append(window.Messages, caldera.ChatMessage{Role: role, Content: e.Content})
	}

	if window.Truncated {
		if sum, err := s.backend.LatestSummary(ctx, agentID, sessionID); err == nil {
			window.Summary = sum.Summary
		}
	}
	return window, nil
}

// Summarizer reduces a conversation transcript to a short summary and key
// points. The default is extractive; callers may plug an LLM-backed one.
type Summarizer func(ctx context.Context, messages []caldera.ChatMessage) (summary string, keyPoints []string, err error)

// ExtractiveSummarizer is the built-in heuristic summarizer: the first
// sentence of the earliest and latest turns, with up to five of the longest
// user statements as key points.
func ExtractiveSummarizer(_ context.Context, messages []caldera.ChatMessage) (string, []string, error) {
	if len(messages) == 0 {
		return "", nil, nil
	}

	var b strings.Builder
	b.WriteString(firstSentence(messages[0].Content))
	if len(messages) > 1 {
		b.WriteString(" ... ")
		b.WriteString(firstSentence(messages[len(messages)-1].Content))
	}

	var userTurns []string
	for _, m := range messages {
		if m.Role == caldera.RoleUser && len(m.Content) > 20 {
			userTurns = append(userTurns, firstSentence(m.Content))
		}
	}
	sort.Slice(userTurns, func(i, j int) bool { return len(userTurns[i]) > len(userTurns[j]) })
	if len(userTurns) > 5 {
		userTurns = userTurns[:5]
	}
	return b.String(), userTurns, nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(text, sep); i >= 0 {
			return text[:i+1]
		}
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlRe   = regexp.MustCompile(`https?://[^\s"'<>]+`)
	wordRe  = regexp.MustCompile(`[a-zA-Z]{5,}`)
)

// stopwords excluded from topic extraction. Lowercase, length >= 5 only.
var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "against": {}, "because": {},
	"before": {}, "being": {}, "below": {}, "between": {}, "could": {},
	"doing": {}, "during": {}, "every": {}, "further": {}, "having": {},
	"might": {}, "other": {}, "should": {}, "their": {}, "there": {},
	"these": {}, "thing": {}, "things": {}, "those": {}, "through": {},
	"under": {}, "until": {}, "where": {}, "which": {}, "while": {},
	"would": {}, "really": {}, "please": {}, "thanks": {},
}

// extractEntities pulls emails and URLs from text, deduplicated in order.
func extractEntities(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range append(emailRe.FindAllString(text, -1), urlRe.FindAllString(text, -1)...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// extractTopics returns the five most frequent non-stopword words of length
// five or more, most frequent first.
func extractTopics(text string) []string {
	counts := make(map[string]int)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		counts[w]++
	}

	topics := make([]string, 0, len(counts))
	for w := range counts {
		topics = append(topics, w)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > 5 {
		topics = topics[:5]
	}
	return topics
}

// SummarizeSession materializes the session transcript, summarizes it,
// extracts key points, entities and topics, and persists a new rolling
// summary superseding older ones.
func (s *Store) SummarizeSession(ctx context.Context, agentID, sessionID string) (caldera.MemorySummary, error) {
	window, err := s.ConversationHistory(ctx, agentID, sessionID, 1<<30)
	if err != nil {
		return caldera.MemorySummary{}, err
	}
	if len(window.Messages) == 0 {
		return caldera.MemorySummary{}, caldera.NotFound("session %s has no conversation to summarize", sessionID)
	}

	summary, keyPoints, err := s.summarize(ctx, window.Messages)
	if err != nil {
		return caldera.MemorySummary{}, err
	}

	var transcript strings.Builder
	for _, m := range window.Messages {
		transcript.WriteString(m.Content)
		transcript.WriteByte('\n')
	}

	sum := caldera.MemorySummary{
		ID:           caldera.NewID(),
		AgentID:      agentID,
		SessionID:    sessionID,
		Summary:      summary,
		MessageCount: len(window.Messages),
		KeyPoints:    keyPoints,
		Entities:     extractEntities(transcript.String()),
		Topics:       extractTopics(transcript.String()),
		CreatedAt:    caldera.NowUnixMilli(),
	}
	if err := s.backend.InsertSummary(ctx, sum); err != nil {
		return caldera.MemorySummary{}, caldera.BackendError("insert summary", err)
	}

	s.emit(caldera.EventMemorySummary, sum.ID, caldera.EventMeta{AgentID: agentID, SessionID: sessionID})
	return sum, nil
}
