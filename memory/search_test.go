package memory

import (
	"context"
	"math"
	"testing"

	"github.com/calderahq/caldera"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0}, // mismatched lengths
		{[]float32{0, 0}, []float32{1, 0}, 0},    // zero vector
		{nil, nil, 0},
	}
	for _, c := range cases {
		if got := Cosine(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Cosine(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestRankScoreWithoutVector(t *testing.T) {
	e := caldera.MemoryEntry{Importance: 1, DecayFactor: 1}
	// (0.5+0.5 + 0.7+0.3) / 2
	if got := rankScore(e, nil); math.Abs(got-1) > 1e-9 {
		t.Errorf("full-importance score = %v", got)
	}

	low := caldera.MemoryEntry{Importance: 0, DecayFactor: 1}
	// (0.5 + 0.7) / 2
	if got := rankScore(low, nil); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("zero-importance score = %v", got)
	}
}

func seedEntries(t *testing.T, s *Store, entries ...caldera.MemoryEntry) []caldera.MemoryEntry {
	t.Helper()
	out := make([]caldera.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := s.Store(context.Background(), e)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, stored)
	}
	return out
}

func TestSearchThresholdAndOrder(t *testing.T) {
	s := NewStore(newFakeBackend())
	seedEntries(t, s,
		caldera.MemoryEntry{AgentID: "a1", Content: "low", Importance: 0.1, DecayFactor: 1},
		caldera.MemoryEntry{AgentID: "a1", Content: "high", Importance: 0.9, DecayFactor: 1},
		caldera.MemoryEntry{AgentID: "a1", Content: "mid", Importance: 0.5, DecayFactor: 1},
	)

	results, err := s.Search(context.Background(), Query{AgentID: "a1", Threshold: 0.8})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Entry.Content != "high" || results[1].Entry.Content != "mid" {
		t.Errorf("order = %s, %s", results[0].Entry.Content, results[1].Entry.Content)
	}

	limited, err := s.Search(context.Background(), Query{AgentID: "a1", Threshold: 0.1, Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(limited) != 1 || limited[0].Entry.Content != "high" {
		t.Errorf("limited = %+v", limited)
	}

	if _, err := s.Search(context.Background(), Query{}); caldera.KindOf(err) != caldera.KindBadRequest {
		t.Errorf("missing agent id: %v", err)
	}
}

func TestSearchFilters(t *testing.T) {
	s := NewStore(newFakeBackend())
	seedEntries(t, s,
		caldera.MemoryEntry{AgentID: "a1", SessionID: "s1", Content: "fact", Type: caldera.MemorySemantic, Importance: 0.9},
		caldera.MemoryEntry{AgentID: "a1", SessionID: "s2", Content: "chatter", Type: caldera.MemoryEpisodic, Importance: 0.9},
		caldera.MemoryEntry{AgentID: "a2", Content: "other agent", Importance: 0.9},
	)

	results, err := s.Search(context.Background(), Query{AgentID: "a1", Type: caldera.MemorySemantic, Threshold: 0.1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Content != "fact" {
		t.Errorf("type filter = %+v", results)
	}

	results, err = s.Search(context.Background(), Query{AgentID: "a1", SessionID: "s2", Threshold: 0.1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Content != "chatter" {
		t.Errorf("session filter = %+v", results)
	}
}

func TestSemanticSearch(t *testing.T) {
	emb := newWordEmbedder(map[string][]float32{
		"what pets do I have":  {1, 0, 0},
		"I own a tabby cat":    {0.9, 0.1, 0},
		"the invoice is due":   {0, 1, 0},
		"cats are independent": {0.7, 0.3, 0},
	})
	s := NewStore(newFakeBackend(), WithEmbedder(emb))
	seedEntries(t, s,
		caldera.MemoryEntry{AgentID: "a1", Content: "I own a tabby cat"},
		caldera.MemoryEntry{AgentID: "a1", Content: "the invoice is due"},
		caldera.MemoryEntry{AgentID: "a1", Content: "cats are independent"},
	)

	results, err := s.SemanticSearch(context.Background(), "what pets do I have", "a1", 2)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Entry.Content != "I own a tabby cat" {
		t.Errorf("top hit = %q", results[0].Entry.Content)
	}
	if results[1].Entry.Content != "cats are independent" {
		t.Errorf("second hit = %q", results[1].Entry.Content)
	}
	if results[0].Relevance <= results[1].Relevance {
		t.Errorf("relevance order = %v, %v", results[0].Relevance, results[1].Relevance)
	}
}

func TestSemanticSearchWithoutEmbedder(t *testing.T) {
	s := NewStore(newFakeBackend())
	results, err := s.SemanticSearch(context.Background(), "anything", "a1", 5)
	if err != nil || results != nil {
		t.Errorf("no embedder = %v, %v", results, err)
	}
}

func TestFullTextSearch(t *testing.T) {
	s := NewStore(newFakeBackend())
	seedEntries(t, s,
		caldera.MemoryEntry{AgentID: "a1", Content: "The deployment pipeline is green"},
		caldera.MemoryEntry{AgentID: "a1", Content: "lunch was fine"},
	)

	results, err := s.FullTextSearch(context.Background(), "PIPELINE", "a1", 10)
	if err != nil {
		t.Fatalf("FullTextSearch: %v", err)
	}
	if len(results) != 1 || results[0].Content != "The deployment pipeline is green" {
		t.Errorf("results = %+v", results)
	}
}

func TestHybridSearch(t *testing.T) {
	emb := newWordEmbedder(map[string][]float32{
		"kubernetes":                  {1, 0, 0},
		"the cluster runs kubernetes": {1, 0, 0},
		"sailing trip photos":         {0, 1, 0},
	})
	s := NewStore(newFakeBackend(), WithEmbedder(emb))
	seedEntries(t, s,
		caldera.MemoryEntry{AgentID: "a1", Content: "the cluster runs kubernetes"},
		caldera.MemoryEntry{AgentID: "a1", Content: "sailing trip photos"},
	)

	results, err := s.HybridSearch(context.Background(), "kubernetes", "a1", 5)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	top := results[0]
	if top.Entry.Content != "the cluster runs kubernetes" {
		t.Errorf("top = %q", top.Entry.Content)
	}
	// Semantic (1.0 * 0.7) plus the lexical hit (0.3).
	if math.Abs(top.Relevance-1.0) > 1e-9 {
		t.Errorf("blended relevance = %v", top.Relevance)
	}
}
