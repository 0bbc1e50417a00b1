package caldera

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Skill is a higher-level typed capability. Compared to tools, skills carry
// versioned metadata and structured input/output schemas, and each execution
// is tracked under its own execution id.
type Skill interface {
	Metadata() SkillMetadata
	Execute(ctx context.Context, sc *SkillContext, input json.RawMessage) (json.RawMessage, error)
}

// SkillMetadata describes a skill.
type SkillMetadata struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Version      string          `json:"version"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// SkillContext is handed to a skill for one execution.
type SkillContext struct {
	ExecutionID string
	Logger      *slog.Logger
	StartedAt   time.Time
	// Cancel mirrors ctx.Done for skills that poll instead of select.
	Cancel <-chan struct{}
}

// SkillResultMeta is the execution accounting attached to every result.
type SkillResultMeta struct {
	ExecutionID string        `json:"execution_id"`
	SkillID     string        `json:"skill_id"`
	SkillName   string        `json:"skill_name"`
	StartTime   int64         `json:"start_time"`
	EndTime     int64         `json:"end_time"`
	Duration    time.Duration `json:"duration"`
}

// SkillResult is the uniform outcome of a skill execution.
type SkillResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Meta    SkillResultMeta `json:"metadata"`
}

// SkillRegistry holds skills by id. Registration is synchronized.
type SkillRegistry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	order  []string
	logger *slog.Logger
}

// SkillRegistryOption configures a SkillRegistry.
type SkillRegistryOption func(*SkillRegistry)

// WithSkillLogger sets the base logger scoped per execution.
func WithSkillLogger(l *slog.Logger) SkillRegistryOption {
	return func(r *SkillRegistry) { r.logger = l }
}

// NewSkillRegistry creates an empty registry.
func NewSkillRegistry(opts ...SkillRegistryOption) *SkillRegistry {
	r := &SkillRegistry{skills: make(map[string]Skill), logger: NopLogger()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a skill keyed by its metadata id.
func (r *SkillRegistry) Register(s Skill) error {
	meta := s.Metadata()
	if meta.ID == "" {
		return BadRequest("skill has empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[meta.ID]; !exists {
		r.order = append(r.order, meta.ID)
	}
	r.skills[meta.ID] = s
	return nil
}

// Get returns the skill registered under id.
func (r *SkillRegistry) Get(id string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	return s, ok
}

// List returns metadata for the named skills; nil ids means all, in
// registration order.
func (r *SkillRegistry) List(ids []string) []SkillMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ids == nil {
		ids = r.order
	}
	metas := make([]SkillMetadata, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.skills[id]; ok {
			metas = append(metas, s.Metadata())
		}
	}
	return metas
}

// Execute runs a skill under a fresh execution id and wraps the outcome with
// timing metadata. Skill failures are values, not errors.
func (r *SkillRegistry) Execute(ctx context.Context, id string, input json.RawMessage) SkillResult {
	r.mu.RLock()
	s, ok := r.skills[id]
	r.mu.RUnlock()

	execID := NewID()
	start := time.Now()
	meta := SkillResultMeta{
		ExecutionID: execID,
		SkillID:     id,
		StartTime:   start.UnixMilli(),
	}

	finish := func(res SkillResult) SkillResult {
		end := time.Now()
		res.Meta.EndTime = end.UnixMilli()
		res.Meta.Duration = end.Sub(start)
		return res
	}

	if !ok {
		return finish(SkillResult{Error: "unknown skill: " + id, Meta: meta})
	}
	meta.SkillName = s.Metadata().Name

	sc := &SkillContext{
		ExecutionID: execID,
		Logger:      r.logger.With("skill", id, "execution", execID),
		StartedAt:   start,
		Cancel:      ctx.Done(),
	}

	output, err := r.execOne(ctx, s, sc, input)
	if err != nil {
		return finish(SkillResult{Error: err.Error(), Meta: meta})
	}
	return finish(SkillResult{Success: true, Output: output, Meta: meta})
}

// execOne isolates skill panics so a misbehaving skill cannot crash the
// runtime that invoked it.
func (r *SkillRegistry) execOne(ctx context.Context, s Skill, sc *SkillContext, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = newError(KindSkillFailed, "skill panic: %v", p)
		}
	}()
	return s.Execute(ctx, sc, input)
}
