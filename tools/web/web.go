// Package web provides the web-facing built-in tools: web_search and
// http_request. Searches run against the Brave API when a key is configured
// and the top results are fetched and reduced to readable text.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/calderahq/caldera"
)

const (
	maxContentChars = 8000
	maxBodyBytes    = 1 << 20
	userAgent       = "caldera-agent/1.0"
)

// SearchTool performs web searches via the Brave search API.
type SearchTool struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	embedder caldera.EmbeddingProvider
}

// SearchOption configures a SearchTool.
type SearchOption func(*SearchTool)

// WithSearchBaseURL overrides the Brave API endpoint, for tests.
func WithSearchBaseURL(u string) SearchOption {
	return func(t *SearchTool) { t.baseURL = u }
}

// WithSearchClient replaces the HTTP client.
func WithSearchClient(c *http.Client) SearchOption {
	return func(t *SearchTool) { t.client = c }
}

// WithEmbedder enables semantic re-ranking of fetched result text.
func WithEmbedder(e caldera.EmbeddingProvider) SearchOption {
	return func(t *SearchTool) { t.embedder = e }
}

// NewSearch creates a web_search tool. Without an API key the tool reports
// that search is unavailable instead of failing the agent loop.
func NewSearch(apiKey string, opts ...SearchOption) *SearchTool {
	t := &SearchTool{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *SearchTool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web for current information: recent events, news, prices, or anything requiring up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
	}
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Query == "" {
		return caldera.ToolResult{Error: "query is required"}, nil
	}
	if t.apiKey == "" {
		return caldera.ToolResult{Error: "web search is not available: no search API key configured"}, nil
	}

	results, err := t.search(ctx, params.Query, 5)
	if err != nil {
		return caldera.ToolResult{Error: "search: " + err.Error()}, nil
	}
	if len(results) == 0 {
		return caldera.ToolResult{Content: fmt.Sprintf("No results found for %q.", params.Query)}, nil
	}

	t.rank(ctx, params.Query, results)

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s", i+1, r.Title, r.URL, r.Snippet)
		if r.Content != "" {
			b.WriteString("\n")
			b.WriteString(r.Content)
		}
	}
	content := b.String()
	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}
	return caldera.ToolResult{Content: content}, nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
	Content string
	score   float64
}

func (t *SearchTool) search(ctx context.Context, query string, count int) ([]*searchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.baseURL, url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search upstream returned %d", resp.StatusCode)
	}

	var decoded struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]*searchResult, 0, len(decoded.Web.Results))
	for _, r := range decoded.Web.Results {
		results = append(results, &searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}

	// Pull readable text from the top results; failures leave the snippet.
	for i, r := range results {
		if i >= 3 {
			break
		}
		if text, err := fetchReadable(ctx, t.client, r.URL); err == nil {
			if len(text) > 2000 {
				text = text[:2000]
			}
			r.Content = text
		}
	}
	return results, nil
}

// rank re-orders results by cosine similarity against the query when an
// embedder is available. Without one, upstream order stands.
func (t *SearchTool) rank(ctx context.Context, query string, results []*searchResult) {
	if t.embedder == nil || len(results) < 2 {
		return
	}
	texts := make([]string, 0, len(results)+1)
	texts = append(texts, query)
	for _, r := range results {
		text := r.Snippet
		if r.Content != "" {
			text = r.Content
		}
		texts = append(texts, text)
	}
	vecs, err := t.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		return
	}
	for i, r := range results {
		r.score = cosine(vecs[0], vecs[i+1])
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fetchReadable downloads a page and extracts its main text content.
func fetchReadable(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		// Not an article-shaped page; fall back to the raw body.
		return string(body), nil
	}
	return strings.TrimSpace(article.TextContent), nil
}

var _ caldera.Tool = (*SearchTool)(nil)
