package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calderahq/caldera"
)

// RequestTool performs real HTTP requests on behalf of the agent.
type RequestTool struct {
	client *http.Client
}

// RequestOption configures a RequestTool.
type RequestOption func(*RequestTool)

// WithRequestClient replaces the HTTP client.
func WithRequestClient(c *http.Client) RequestOption {
	return func(t *RequestTool) { t.client = c }
}

// NewRequest creates an http_request tool with a 15-second timeout.
func NewRequest(opts ...RequestOption) *RequestTool {
	t := &RequestTool{client: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *RequestTool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "http_request",
		Description: "Perform an HTTP request and return status, headers and body. Use for calling APIs and fetching raw resources.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"url":{"type":"string","description":"Request URL"},
			"method":{"type":"string","description":"HTTP method, default GET","enum":["GET","POST","PUT","PATCH","DELETE","HEAD"]},
			"headers":{"type":"object","description":"Request headers","additionalProperties":{"type":"string"}},
			"body":{"type":"string","description":"Request body for POST/PUT/PATCH"}
		},"required":["url"]}`),
	}
}

type requestOutput struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Success bool              `json:"success"`
}

func (t *RequestTool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.URL == "" {
		return caldera.ToolResult{Error: "url is required"}, nil
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return caldera.ToolResult{Error: "url must be http or https"}, nil
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
	if err != nil {
		return caldera.ToolResult{Error: "build request: " + err.Error()}, nil
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return caldera.ToolResult{Error: "request failed: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return caldera.ToolResult{Error: "read response: " + err.Error()}, nil
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	text := string(data)
	if len(text) > maxContentChars {
		text = text[:maxContentChars] + "\n... (truncated)"
	}

	out, _ := json.Marshal(requestOutput{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    text,
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
	})
	return caldera.ToolResult{Content: string(out)}, nil
}

var _ caldera.Tool = (*RequestTool)(nil)
