package memory

import (
	"container/list"
	"sync"

	"github.com/calderahq/caldera"
)

// lruCache is a small id-keyed LRU over memory entries with secondary
// indexes by agent and session so writes can invalidate in bulk.
type lruCache struct {
	mu        sync.Mutex
	cap       int
	order     *list.List // front = most recent
	items     map[string]*list.Element
	byAgent   map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:       capacity,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		byAgent:   make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (c *lruCache) get(id string) (caldera.MemoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return caldera.MemoryEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(caldera.MemoryEntry), true
}

func (c *lruCache) put(e caldera.MemoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[e.ID]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}

	c.items[e.ID] = c.order.PushFront(e)
	c.index(c.byAgent, e.AgentID, e.ID)
	c.index(c.bySession, e.SessionID, e.ID)

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.removeLocked(oldest.Value.(caldera.MemoryEntry).ID)
	}
}

func (c *lruCache) index(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func (c *lruCache) drop(id string) {
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
}

func (c *lruCache) removeLocked(id string) {
	el, ok := c.items[id]
	if !ok {
		return
	}
	e := el.Value.(caldera.MemoryEntry)
	c.order.Remove(el)
	delete(c.items, id)
	if set := c.byAgent[e.AgentID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(c.byAgent, e.AgentID)
		}
	}
	if set := c.bySession[e.SessionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(c.bySession, e.SessionID)
		}
	}
}

// invalidate drops everything cached for the agent and, separately, the
// session. Either key may be empty.
func (c *lruCache) invalidate(agentID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range [2]struct {
		m  map[string]map[string]struct{}
		id string
	}{{c.byAgent, agentID}, {c.bySession, sessionID}} {
		if key.id == "" {
			continue
		}
		for id := range key.m[key.id] {
			c.removeLocked(id)
		}
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Cache helpers on Store; all are no-ops when the cache is disabled.

func (s *Store) cacheGet(id string) (caldera.MemoryEntry, bool) {
	if s.cache == nil {
		return caldera.MemoryEntry{}, false
	}
	return s.cache.get(id)
}

func (s *Store) cachePut(e caldera.MemoryEntry) {
	if s.cache != nil {
		s.cache.put(e)
	}
}

func (s *Store) cacheDrop(id string) {
	if s.cache != nil {
		s.cache.drop(id)
	}
}

func (s *Store) invalidate(agentID, sessionID string) {
	if s.cache != nil {
		s.cache.invalidate(agentID, sessionID)
	}
}
