// Package clock provides the get_current_time tool.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/calderahq/caldera"
)

// Tool reports the current time, optionally in a named IANA timezone.
type Tool struct {
	now func() time.Time
}

// New creates a time tool using the system clock.
func New() *Tool { return &Tool{now: time.Now} }

// NewWithClock creates a time tool with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Tool { return &Tool{now: now} }

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "get_current_time",
		Description: "Get the current date and time. Optionally pass an IANA timezone like America/New_York; defaults to UTC.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name"}}}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return caldera.ToolResult{Error: "unknown timezone: " + params.Timezone}, nil
		}
		loc = l
	}

	now := t.now().In(loc)
	out, _ := json.Marshal(map[string]string{
		"iso":      now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
	return caldera.ToolResult{Content: string(out)}, nil
}

var _ caldera.Tool = (*Tool)(nil)
