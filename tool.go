package caldera

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a callable agent capability with JSON-schema typed parameters.
type Tool interface {
	Definition() ToolDefinition
	// Execute runs the tool. Failures are reported in ToolResult.Error;
	// a non-nil error is reserved for infrastructure faults.
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolContext carries per-invocation identity into tools that need it.
type ToolContext struct {
	AgentID   string
	SessionID string
	UserID    string
}

type toolCtxKey struct{}

// WithToolContext attaches a ToolContext to ctx.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolCtxKey{}, tc)
}

// ToolContextFrom extracts the ToolContext, zero when absent.
func ToolContextFrom(ctx context.Context) ToolContext {
	tc, _ := ctx.Value(toolCtxKey{}).(ToolContext)
	return tc
}

// ToolRegistry holds registered tools by name and dispatches execution.
// Registration is synchronized; lookup and execution are safe for concurrent
// use. Tool arguments are validated against the tool's parameter schema
// before dispatch.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Names are unique; re-registering a name replaces the
// previous tool.
func (r *ToolRegistry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return BadRequest("tool has empty name")
	}

	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", strings.NewReader(string(def.Parameters))); err != nil {
			return BadRequest("tool %s: invalid parameter schema: %v", def.Name, err)
		}
		compiled, err := compiler.Compile(def.Name + ".json")
		if err != nil {
			return BadRequest("tool %s: compile parameter schema: %v", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = t
	r.schemas[def.Name] = schema
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns definitions for the named tools; nil names means all,
// in registration order. Unknown names are skipped.
func (r *ToolRegistry) Definitions(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = r.order
	}
	defs := make([]ToolDefinition, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// Execute validates args against the tool's parameter schema and dispatches.
// Unknown tools and schema violations come back as failed results, never as
// errors: the agentic loop feeds them to the model and continues.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}

	if schema != nil {
		var decoded any
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return ToolResult{Error: fmt.Sprintf("invalid arguments for %s: %v", name, err)}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return ToolResult{Error: fmt.Sprintf("arguments for %s do not match schema: %v", name, err)}, nil
		}
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	result.Success = result.Error == ""
	return result, nil
}
