// Package task provides the create_task tool. Tasks are recorded as
// procedural memories so agents can recall and report on them later.
package task

import (
	"context"
	"encoding/json"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/memory"
)

// Tool records a task for the current agent.
type Tool struct {
	store *memory.Store
}

// New creates a create_task tool backed by the memory store.
func New(store *memory.Store) *Tool { return &Tool{store: store} }

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "create_task",
		Description: "Create a task or reminder for later. The task is stored in agent memory.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","description":"Short task title"},"details":{"type":"string","description":"Optional task details"},"due":{"type":"string","description":"Optional due date, ISO 8601"}},"required":["title"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Title   string `json:"title"`
		Details string `json:"details"`
		Due     string `json:"due"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Title == "" {
		return caldera.ToolResult{Error: "title is required"}, nil
	}

	tc := caldera.ToolContextFrom(ctx)
	content := "Task: " + params.Title
	if params.Details != "" {
		content += "\n" + params.Details
	}
	meta := map[string]any{"kind": "task", "title": params.Title}
	if params.Due != "" {
		meta["due"] = params.Due
	}

	entry, err := t.store.Store(ctx, caldera.MemoryEntry{
		AgentID:   tc.AgentID,
		SessionID: tc.SessionID,
		UserID:    tc.UserID,
		Content:   content,
		Type:      caldera.MemoryProcedural,
		Source:    caldera.SourceUser,
		Metadata:  meta,
	})
	if err != nil {
		return caldera.ToolResult{Error: "store task: " + err.Error()}, nil
	}

	out, _ := json.Marshal(map[string]any{"task_id": entry.ID, "status": "created"})
	return caldera.ToolResult{Content: string(out)}, nil
}

var _ caldera.Tool = (*Tool)(nil)
