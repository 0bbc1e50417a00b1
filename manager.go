package caldera

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRuntimeTTL  = 30 * time.Minute
	defaultSweepEvery  = time.Minute
	defaultLockAcquire = 60 * time.Second
)

// managedRuntime pairs a runtime with its single-flight lock and idle clock.
// The lock is a one-slot semaphore: whoever holds the slot owns the runtime.
type managedRuntime struct {
	rt       *Runtime
	sem      chan struct{}
	lastUsed atomic.Int64
}

func (m *managedRuntime) touch() { m.lastUsed.Store(NowUnixMilli()) }

func (m *managedRuntime) tryLock() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *managedRuntime) unlock() { <-m.sem }

// RuntimeManager creates runtimes on demand, serializes access to each one,
// and evicts runtimes that sit idle past their TTL. All chat, stream and
// skill entry points go through the manager so that a runtime only ever
// executes one request at a time.
type RuntimeManager struct {
	mu       sync.Mutex
	runtimes map[string]*managedRuntime

	resolver ProviderResolver
	tools    *ToolRegistry
	skills   *SkillRegistry
	memory   Memory
	bus      *EventBus
	logger   *slog.Logger

	ttl         time.Duration
	sweepEvery  time.Duration
	lockTimeout time.Duration
	maxIter     int
	recentMems  int

	stop chan struct{}
	done chan struct{}
}

// ManagerOption configures a RuntimeManager.
type ManagerOption func(*RuntimeManager)

// WithRuntimeTTL sets how long a runtime may sit idle before eviction.
func WithRuntimeTTL(d time.Duration) ManagerOption {
	return func(m *RuntimeManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval sets how often the idle sweeper runs.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *RuntimeManager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithLockTimeout bounds how long a request waits for a busy runtime.
func WithLockTimeout(d time.Duration) ManagerOption {
	return func(m *RuntimeManager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithMaxIterations caps the agentic tool loop per request.
func WithMaxIterations(n int) ManagerOption {
	return func(m *RuntimeManager) {
		if n > 0 {
			m.maxIter = n
		}
	}
}

// WithRecentMemories sets the default recent-memory window injected into
// context when the agent's memory policy leaves it unset.
func WithRecentMemories(n int) ManagerOption {
	return func(m *RuntimeManager) {
		if n > 0 {
			m.recentMems = n
		}
	}
}

// WithManagerLogger sets a structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *RuntimeManager) { m.logger = l }
}

// NewRuntimeManager creates a manager and starts its idle sweeper.
func NewRuntimeManager(resolver ProviderResolver, tools *ToolRegistry, skills *SkillRegistry, memory Memory, bus *EventBus, opts ...ManagerOption) *RuntimeManager {
	m := &RuntimeManager{
		runtimes:    make(map[string]*managedRuntime),
		resolver:    resolver,
		tools:       tools,
		skills:      skills,
		memory:      memory,
		bus:         bus,
		logger:      NopLogger(),
		ttl:         defaultRuntimeTTL,
		sweepEvery:  defaultSweepEvery,
		lockTimeout: defaultLockAcquire,
		maxIter:     defaultMaxIterations,
		recentMems:  defaultRecentMemories,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweep()
	return m
}

// ensure returns the managed runtime for the agent, creating and initializing
// one if needed. Creation happens under the manager lock; initialization is
// local registry resolution, so holding the lock across it is fine.
func (m *RuntimeManager) ensure(agent Agent) (*managedRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mr, ok := m.runtimes[agent.ID]; ok {
		return mr, nil
	}

	provider, err := m.resolver.Resolve(agent.Config.Provider)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		id:         NewID(),
		agent:      agent,
		state:      StateIdle,
		provider:   provider,
		tools:      m.tools,
		skills:     m.skills,
		memory:     m.memory,
		bus:        m.bus,
		logger:     m.logger.With("agent", agent.ID),
		maxIter:    m.maxIter,
		recentMems: m.recentMems,
	}
	if err := rt.initialize(); err != nil {
		return nil, err
	}

	mr := &managedRuntime{rt: rt, sem: make(chan struct{}, 1)}
	mr.touch()
	m.runtimes[agent.ID] = mr
	m.logger.Info("runtime created", "agent", agent.ID, "runtime", rt.id)
	return mr, nil
}

// acquire takes the runtime's single-flight slot, waiting up to the lock
// timeout. A runtime that stays busy past the timeout yields a busy error,
// not a queue.
func (m *RuntimeManager) acquire(ctx context.Context, mr *managedRuntime) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case mr.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return RuntimeBusy("agent %s: runtime busy", mr.rt.agent.ID)
	case <-ctx.Done():
		return newError(KindCancelled, "agent %s: %v", mr.rt.agent.ID, ctx.Err())
	}
}

// withRuntime runs fn with exclusive ownership of the agent's runtime.
func (m *RuntimeManager) withRuntime(ctx context.Context, agent Agent, fn func(*Runtime) error) error {
	mr, err := m.ensure(agent)
	if err != nil {
		return err
	}
	if err := m.acquire(ctx, mr); err != nil {
		return err
	}
	defer func() {
		mr.touch()
		mr.unlock()
	}()
	mr.touch()

	if st := mr.rt.State(); st != StateReady {
		return RuntimeNotReady("agent %s: runtime is %s", agent.ID, st)
	}
	return fn(mr.rt)
}

// Chat runs a complete chat request against the agent's runtime.
func (m *RuntimeManager) Chat(ctx context.Context, agent Agent, req ChatRequest, sessionID, userID string) (ChatResponse, error) {
	var resp ChatResponse
	err := m.withRuntime(ctx, agent, func(rt *Runtime) error {
		var cerr error
		resp, cerr = rt.chat(ctx, req, sessionID, userID)
		return cerr
	})
	return resp, err
}

// ChatStream runs a streaming chat request. Chunks arrive on out; out is
// closed when the stream ends. When acquisition or readiness fails, out is
// closed before the error returns so callers can always range over it.
func (m *RuntimeManager) ChatStream(ctx context.Context, agent Agent, req ChatRequest, sessionID, userID string, out chan<- ChatStreamChunk) error {
	ran := false
	err := m.withRuntime(ctx, agent, func(rt *Runtime) error {
		ran = true
		return rt.chatStream(ctx, req, sessionID, userID, out)
	})
	if !ran {
		// The runtime never started, so nothing closed the channel.
		close(out)
	}
	return err
}

// ExecuteSkill runs a skill under the agent's runtime.
func (m *RuntimeManager) ExecuteSkill(ctx context.Context, agent Agent, skillID string, input json.RawMessage, sessionID, userID string) (SkillResult, error) {
	var result SkillResult
	err := m.withRuntime(ctx, agent, func(rt *Runtime) error {
		result = rt.executeSkill(ctx, skillID, input, sessionID, userID)
		return nil
	})
	return result, err
}

// RuntimeState reports the state of the agent's runtime, or idle when no
// runtime exists.
// Start eagerly creates and initializes the agent's runtime so the first
// chat does not pay the initialization cost.
func (m *RuntimeManager) Start(ctx context.Context, agent Agent) (RuntimeState, error) {
	mr, err := m.ensure(agent)
	if err != nil {
		return StateError, err
	}
	mr.touch()
	return mr.rt.State(), nil
}

func (m *RuntimeManager) RuntimeState(agentID string) RuntimeState {
	m.mu.Lock()
	mr, ok := m.runtimes[agentID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return mr.rt.State()
}

// Count returns the number of live runtimes.
func (m *RuntimeManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// Destroy tears down the agent's runtime if one exists. It waits for the
// single-flight slot so an in-flight request finishes first.
func (m *RuntimeManager) Destroy(ctx context.Context, agentID string) error {
	m.mu.Lock()
	mr, ok := m.runtimes[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.acquire(ctx, mr); err != nil {
		return err
	}
	defer mr.unlock()
	m.remove(agentID, mr, "destroy")
	return nil
}

// remove drops a runtime from the table and emits agent.destroyed. The caller
// holds the runtime's slot.
func (m *RuntimeManager) remove(agentID string, mr *managedRuntime, reason string) {
	m.mu.Lock()
	if cur, ok := m.runtimes[agentID]; ok && cur == mr {
		delete(m.runtimes, agentID)
	}
	m.mu.Unlock()

	mr.rt.setState(StateIdle)
	m.logger.Info("runtime destroyed", "agent", agentID, "runtime", mr.rt.id, "reason", reason)
	m.bus.Emit(Event{Type: EventAgentDestroyed, Payload: reason, Meta: EventMeta{AgentID: agentID}})
}

// sweep evicts runtimes idle past the TTL. Locked runtimes are skipped: a
// long-running stream keeps its runtime alive no matter how old the idle
// clock reads.
func (m *RuntimeManager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *RuntimeManager) sweepOnce() {
	cutoff := NowUnixMilli() - m.ttl.Milliseconds()

	m.mu.Lock()
	expired := make(map[string]*managedRuntime)
	for id, mr := range m.runtimes {
		if mr.lastUsed.Load() < cutoff {
			expired[id] = mr
		}
	}
	m.mu.Unlock()

	for id, mr := range expired {
		if !mr.tryLock() {
			continue
		}
		// Re-check under the lock: the runtime may have been used between
		// the scan and the lock.
		if mr.lastUsed.Load() >= cutoff {
			mr.unlock()
			continue
		}
		m.remove(id, mr, "idle")
		mr.unlock()
	}
}

// Shutdown stops the sweeper and destroys all runtimes, waiting for in-flight
// requests up to the context deadline.
func (m *RuntimeManager) Shutdown(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done

	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
