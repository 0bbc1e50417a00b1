package memory

import (
	"context"
	"testing"
	"time"

	"github.com/calderahq/caldera"
)

func TestConsolidatePromotesStaleEpisodic(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)
	ctx := context.Background()
	old := caldera.NowUnixMilli() - (8 * 24 * time.Hour).Milliseconds()

	stale, err := s.Store(ctx, caldera.MemoryEntry{
		AgentID: "a1", Content: "weak old memory", Importance: 0.2, Timestamp: old,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	keeper, err := s.Store(ctx, caldera.MemoryEntry{
		AgentID: "a1", Content: "strong old memory", Importance: 0.8, Timestamp: old,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	fresh, err := s.Store(ctx, caldera.MemoryEntry{
		AgentID: "a1", Content: "weak fresh memory", Importance: 0.2,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	report, err := s.Consolidate(ctx, "a1")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Consolidated != 1 {
		t.Errorf("consolidated = %d, want 1", report.Consolidated)
	}

	promoted := b.memories[stale.ID]
	if promoted.Type != caldera.MemorySemantic {
		t.Errorf("promoted type = %s", promoted.Type)
	}
	if diff := promoted.Importance - 0.24; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("boosted importance = %v, want 0.24", promoted.Importance)
	}

	if b.memories[keeper.ID].Type != caldera.MemoryEpisodic {
		t.Error("important memory was promoted")
	}
	if b.memories[fresh.ID].Type != caldera.MemoryEpisodic {
		t.Error("fresh memory was promoted")
	}
}

func TestConsolidateDeletesExpired(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)
	ctx := context.Background()

	expired, err := s.Store(ctx, caldera.MemoryEntry{
		AgentID: "a1", Content: "gone soon", ExpiresAt: caldera.NowUnixMilli() - 1000,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, caldera.MemoryEntry{AgentID: "a1", Content: "stays"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	report, err := s.Consolidate(ctx, "a1")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", report.Deleted)
	}
	if _, ok := b.memories[expired.ID]; ok {
		t.Error("expired memory survived")
	}
	if n, _ := s.Count(ctx, "a1"); n != 1 {
		t.Errorf("remaining = %d", n)
	}
}

type staticLister struct{ ids []string }

func (l staticLister) ListAgentIDs(context.Context) ([]string, error) { return l.ids, nil }

func TestStartConsolidationRuns(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Store(ctx, caldera.MemoryEntry{
		AgentID: "a1", Content: "temp", ExpiresAt: caldera.NowUnixMilli() - 1000,
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	s.StartConsolidation(ctx, staticLister{ids: []string{"a1"}}, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := s.Count(ctx, "a1"); n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("consolidation loop never ran")
}
