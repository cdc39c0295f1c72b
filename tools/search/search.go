// Package search provides web search via the Brave Search API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/palomabot/paloma"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Tool performs web searches via the Brave API.
type Tool struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	maxResults int
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a search Tool. Requires a Brave API key.
func New(apiKey string) *Tool {
	return &Tool{
		apiKey:     apiKey,
		endpoint:   braveEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxResults: 5,
	}
}

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current/real-time information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
		Category:    "search",
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Query == "" {
		return paloma.ToolResult{Error: "query is required"}, nil
	}

	content, err := t.Search(ctx, params.Query)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	return paloma.ToolResult{Content: content}, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs one query and formats the top results as numbered entries.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		t.endpoint+"?q="+url.QueryEscape(query)+"&count=10", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("search HTTP %d: %s", resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	if len(parsed.Web.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= t.maxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String(), nil
}
