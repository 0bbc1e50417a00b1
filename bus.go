package caldera

import (
	"log/slog"
	"sync"
)

// Event names emitted by the platform.
const (
	EventAgentCreated   = "agent.created"
	EventAgentUpdated   = "agent.updated"
	EventAgentDeleted   = "agent.deleted"
	EventAgentDestroyed = "agent.destroyed"
	EventChatStarted    = "chat.started"
	EventChatStream     = "chat.stream"
	EventChatCompleted  = "chat.completed"
	EventChatError      = "chat.error"
	EventToolInvoking   = "tool.invoking"
	EventToolCompleted  = "tool.completed"
	EventToolFailed     = "tool.failed"
	EventSkillStarted   = "skill.started"
	EventSkillCompleted = "skill.completed"
	EventSkillFailed    = "skill.failed"
	EventMemoryStored   = "memory.stored"
	EventMemoryRecalled = "memory.retrieved"
	EventMemoryDeleted  = "memory.deleted"
	EventMemorySummary  = "memory.summarized"
)

// EventMeta ties an event to the entities it concerns. Subscribers hold ids,
// never object references.
type EventMeta struct {
	AgentID     string `json:"agent_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Event is a single published value. Timestamp is unix milliseconds.
type Event struct {
	Type      string    `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
	Meta      EventMeta `json:"metadata"`
}

// EventFilter selects events by meta fields; zero values match everything.
type EventFilter struct {
	Type      string
	AgentID   string
	SessionID string
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.Meta.AgentID {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.Meta.SessionID {
		return false
	}
	return true
}

// defaultHistorySize is the bound of the replay ring buffer.
const defaultHistorySize = 1000

// subscriberBuffer is the per-subscriber queue depth. A subscriber that falls
// further behind than this starts losing events (drop-oldest-pending policy
// is FIFO on the channel: new events are dropped, a warning is logged).
const subscriberBuffer = 256

type subscriber struct {
	id     int
	filter EventFilter
	all    bool
	ch     chan Event
	done   chan struct{}
}

// EventBus is an in-process pub/sub with a bounded replay history.
//
// Emit never blocks: each subscriber drains its own buffered channel in its
// own goroutine, so one slow consumer cannot stall the others. Subscriber
// callbacks run in registration order relative to each other only per
// subscriber; across subscribers ordering of a single event follows
// registration order of the channel sends.
type EventBus struct {
	mu      sync.Mutex
	subs    []*subscriber
	nextID  int
	history []Event
	histCap int
	logger  *slog.Logger
	closed  bool
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithHistorySize overrides the default 1000-event replay buffer.
func WithHistorySize(n int) BusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// WithBusLogger sets a structured logger for drop and panic reporting.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus creates an EventBus.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{histCap: defaultHistorySize, logger: NopLogger()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit publishes an event to all matching subscribers and records it in
// history. It fills in the timestamp when the caller left it zero.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = NowUnixMilli()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, e)
	if len(b.history) > b.histCap {
		// FIFO eviction. Copy down to release the backing array's head.
		b.history = append(b.history[:0:0], b.history[len(b.history)-b.histCap:]...)
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.all && !s.filter.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("event bus: subscriber buffer full, dropping event",
				"subscriber", s.id, "event", e.Type)
		}
	}
}

// Subscribe registers cb for every event. Returns an opaque handle for
// Unsubscribe.
func (b *EventBus) Subscribe(cb func(Event)) int {
	return b.subscribe(EventFilter{}, true, cb)
}

// SubscribeFiltered registers cb for events matching the filter.
func (b *EventBus) SubscribeFiltered(filter EventFilter, cb func(Event)) int {
	return b.subscribe(filter, false, cb)
}

func (b *EventBus) subscribe(filter EventFilter, all bool, cb func(Event)) int {
	b.mu.Lock()
	b.nextID++
	s := &subscriber{
		id:     b.nextID,
		filter: filter,
		all:    all,
		ch:     make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		for e := range s.ch {
			b.dispatch(s, cb, e)
		}
		close(s.done)
	}()

	return s.id
}

// dispatch invokes one callback with panic recovery. Subscriber panics are
// logged and never reach the emitter.
func (b *EventBus) dispatch(s *subscriber, cb func(Event), e Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event bus: subscriber panic",
				"subscriber", s.id, "event", e.Type, "panic", p)
		}
	}()
	cb(e)
}

// Unsubscribe removes a subscriber and waits for its pending events to drain.
func (b *EventBus) Unsubscribe(handle int) {
	b.mu.Lock()
	var target *subscriber
	for i, s := range b.subs {
		if s.id == handle {
			target = s
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if target != nil {
		close(target.ch)
		<-target.done
	}
}

// History returns up to limit matching events, oldest first. limit <= 0
// returns all retained matches.
func (b *EventBus) History(filter EventFilter, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.history {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory drops all retained events.
func (b *EventBus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Close tears down all subscribers. Emit becomes a no-op afterwards.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
