package memory

import (
	"testing"

	"github.com/calderahq/caldera"
)

func entry(id, agentID, sessionID string) caldera.MemoryEntry {
	return caldera.MemoryEntry{ID: id, AgentID: agentID, SessionID: sessionID, Content: id}
}

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache(2)
	c.put(entry("m1", "a1", "s1"))
	c.put(entry("m2", "a1", "s1"))

	// Touch m1 so m2 becomes the eviction victim.
	if _, ok := c.get("m1"); !ok {
		t.Fatal("m1 missing")
	}
	c.put(entry("m3", "a1", "s1"))

	if _, ok := c.get("m2"); ok {
		t.Error("m2 not evicted")
	}
	if _, ok := c.get("m1"); !ok {
		t.Error("recently used m1 evicted")
	}
	if c.len() != 2 {
		t.Errorf("len = %d", c.len())
	}
}

func TestLRUCacheUpdateInPlace(t *testing.T) {
	c := newLRUCache(2)
	c.put(entry("m1", "a1", "s1"))

	updated := entry("m1", "a1", "s1")
	updated.Content = "updated"
	c.put(updated)

	got, ok := c.get("m1")
	if !ok || got.Content != "updated" {
		t.Errorf("got = %+v, %v", got, ok)
	}
	if c.len() != 1 {
		t.Errorf("len = %d", c.len())
	}
}

func TestLRUCacheInvalidateByAgent(t *testing.T) {
	c := newLRUCache(10)
	c.put(entry("m1", "a1", "s1"))
	c.put(entry("m2", "a1", "s2"))
	c.put(entry("m3", "a2", "s3"))

	c.invalidate("a1", "")

	if _, ok := c.get("m1"); ok {
		t.Error("m1 survived agent invalidation")
	}
	if _, ok := c.get("m2"); ok {
		t.Error("m2 survived agent invalidation")
	}
	if _, ok := c.get("m3"); !ok {
		t.Error("other agent's entry dropped")
	}
}

func TestLRUCacheInvalidateBySession(t *testing.T) {
	c := newLRUCache(10)
	c.put(entry("m1", "a1", "s1"))
	c.put(entry("m2", "a2", "s1"))
	c.put(entry("m3", "a1", "s2"))

	c.invalidate("", "s1")

	if _, ok := c.get("m1"); ok {
		t.Error("m1 survived session invalidation")
	}
	if _, ok := c.get("m2"); ok {
		t.Error("m2 survived session invalidation")
	}
	if _, ok := c.get("m3"); !ok {
		t.Error("other session's entry dropped")
	}
}

func TestStoreWithCacheDisabled(t *testing.T) {
	s := NewStore(newFakeBackend(), WithCacheSize(0))
	if s.cache != nil {
		t.Fatal("cache not disabled")
	}
	// All cache helpers must be safe no-ops.
	s.cachePut(entry("m1", "a1", "s1"))
	if _, ok := s.cacheGet("m1"); ok {
		t.Error("disabled cache returned a hit")
	}
	s.cacheDrop("m1")
	s.invalidate("a1", "s1")
}
