// Package code provides the execute_code tool. No sandbox ships with the
// platform, so execution is declined with an explanatory result rather than
// running untrusted code in-process.
package code

import (
	"context"
	"encoding/json"

	"github.com/calderahq/caldera"
)

// Tool is the execute_code placeholder.
type Tool struct{}

// New creates an execute_code tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "execute_code",
		Description: "Execute a code snippet and return its output. Requires a configured execution sandbox.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"language":{"type":"string","description":"Programming language"},"code":{"type":"string","description":"Code to execute"}},"required":["language","code"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	return caldera.ToolResult{Error: "code execution is not available: no sandbox is configured on this deployment"}, nil
}

var _ caldera.Tool = (*Tool)(nil)
