// Package weather provides the get_weather tool. Without an upstream
// forecast endpoint configured it answers with a deterministic placeholder,
// which keeps agent loops runnable offline.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calderahq/caldera"
)

// Tool reports current weather for a location.
type Tool struct {
	endpoint string
	client   *http.Client
}

// Option configures a weather Tool.
type Option func(*Tool)

// WithEndpoint points the tool at a real forecast API returning JSON for
// GET <endpoint>?location=<name>.
func WithEndpoint(endpoint string) Option {
	return func(t *Tool) { t.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a weather tool.
func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "get_weather",
		Description: "Get current weather conditions for a location.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"location":{"type":"string","description":"City or place name"}},"required":["location"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Location == "" {
		return caldera.ToolResult{Error: "location is required"}, nil
	}

	if t.endpoint == "" {
		out, _ := json.Marshal(map[string]any{
			"location":  params.Location,
			"condition": "unavailable",
			"note":      "no weather provider configured",
		})
		return caldera.ToolResult{Content: string(out)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.endpoint+"?location="+url.QueryEscape(params.Location), nil)
	if err != nil {
		return caldera.ToolResult{Error: "build request: " + err.Error()}, nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return caldera.ToolResult{Error: "weather request: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return caldera.ToolResult{Error: "read response: " + err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return caldera.ToolResult{Error: fmt.Sprintf("weather upstream returned %d", resp.StatusCode)}, nil
	}
	return caldera.ToolResult{Content: string(body)}, nil
}

var _ caldera.Tool = (*Tool)(nil)
