package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/calderahq/caldera"
)

func storeTurn(t *testing.T, s *Store, agentID, sessionID, role, content string, at int64) {
	t.Helper()
	_, err := s.Store(context.Background(), caldera.MemoryEntry{
		AgentID:   agentID,
		SessionID: sessionID,
		Content:   content,
		Type:      caldera.MemoryEpisodic,
		Timestamp: at,
		Metadata:  map[string]any{"role": role},
	})
	if err != nil {
		t.Fatalf("store turn: %v", err)
	}
}

func TestConversationHistoryChronological(t *testing.T) {
	s := NewStore(newFakeBackend())
	storeTurn(t, s, "a1", "s1", "user", "first question", 1000)
	storeTurn(t, s, "a1", "s1", "assistant", "first answer", 2000)
	storeTurn(t, s, "a1", "s1", "user", "second question", 3000)

	window, err := s.ConversationHistory(context.Background(), "a1", "s1", 0)
	if err != nil {
		t.Fatalf("ConversationHistory: %v", err)
	}
	if window.Truncated {
		t.Error("small history marked truncated")
	}
	if len(window.Messages) != 3 {
		t.Fatalf("messages = %d", len(window.Messages))
	}
	if window.Messages[0].Content != "first question" || window.Messages[0].Role != caldera.RoleUser {
		t.Errorf("messages[0] = %+v", window.Messages[0])
	}
	if window.Messages[1].Role != caldera.RoleAssistant {
		t.Errorf("messages[1] = %+v", window.Messages[1])
	}
	if window.TotalTokens == 0 {
		t.Error("token accounting missing")
	}
}

func TestConversationHistoryTokenBudget(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)
	long := strings.Repeat("word ", 100) // ~125 tokens
	storeTurn(t, s, "a1", "s1", "user", long, 1000)
	storeTurn(t, s, "a1", "s1", "assistant", "short reply", 2000)
	storeTurn(t, s, "a1", "s1", "user", "latest", 3000)

	// Budget fits only the two newest turns.
	window, err := s.ConversationHistory(context.Background(), "a1", "s1", 20)
	if err != nil {
		t.Fatalf("ConversationHistory: %v", err)
	}
	if !window.Truncated {
		t.Error("not marked truncated")
	}
	if len(window.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(window.Messages))
	}
	if window.Messages[0].Content != "short reply" || window.Messages[1].Content != "latest" {
		t.Errorf("kept = %q, %q", window.Messages[0].Content, window.Messages[1].Content)
	}

	// With a rolling summary present, truncation attaches it.
	if err := b.InsertSummary(context.Background(), caldera.MemorySummary{
		AgentID: "a1", SessionID: "s1", Summary: "earlier: a long message",
	}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	window, err = s.ConversationHistory(context.Background(), "a1", "s1", 20)
	if err != nil {
		t.Fatalf("ConversationHistory: %v", err)
	}
	if window.Summary != "earlier: a long message" {
		t.Errorf("summary = %q", window.Summary)
	}
}

func TestExtractiveSummarizer(t *testing.T) {
	summary, keyPoints, err := ExtractiveSummarizer(context.Background(), []caldera.ChatMessage{
		caldera.UserMessage("I want to plan a trip to Lisbon. It should be in May."),
		caldera.AssistantMessage("Lisbon in May is lovely. Book early."),
		caldera.UserMessage("Please find flights departing from Berlin on a weekday."),
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(summary, "Lisbon") || !strings.Contains(summary, "...") {
		t.Errorf("summary = %q", summary)
	}
	if len(keyPoints) != 2 {
		t.Errorf("key points = %v", keyPoints)
	}

	summary, keyPoints, err = ExtractiveSummarizer(context.Background(), nil)
	if err != nil || summary != "" || keyPoints != nil {
		t.Errorf("empty transcript = %q, %v, %v", summary, keyPoints, err)
	}
}

func TestSummarizeSession(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)
	storeTurn(t, s, "a1", "s1", "user", "Reach me at alice@example.com about the database migration.", 1000)
	storeTurn(t, s, "a1", "s1", "assistant", "Will do. See https://status.example.com for migration progress.", 2000)

	sum, err := s.SummarizeSession(context.Background(), "a1", "s1")
	if err != nil {
		t.Fatalf("SummarizeSession: %v", err)
	}
	if sum.MessageCount != 2 || sum.Summary == "" {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Entities) != 2 {
		t.Errorf("entities = %v", sum.Entities)
	}
	if len(sum.Topics) == 0 {
		t.Errorf("topics = %v", sum.Topics)
	}

	latest, err := b.LatestSummary(context.Background(), "a1", "s1")
	if err != nil || latest.ID != sum.ID {
		t.Errorf("persisted summary = %+v, %v", latest, err)
	}

	if _, err := s.SummarizeSession(context.Background(), "a1", "empty"); caldera.KindOf(err) != caldera.KindNotFound {
		t.Errorf("empty session: %v", err)
	}
}
