package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultSearchEndpoint = "https://html.duckduckgo.com/html/"
	maxSearchResults      = 5
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool scrapes the DuckDuckGo HTML results page.
type WebSearchTool struct {
	endpoint string
	client   *http.Client
}

func NewWebSearch(endpoint string) *WebSearchTool {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	return &WebSearchTool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs and snippets."
}
func (t *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"num_results": {
				"type": "integer",
				"description": "Number of results to return (default 3, max 5)"
			}
		},
		"required": ["query"]
	}`)
}

type webSearchParams struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var p webSearchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Result{}, fmt.Errorf("parsing params: %w", err)
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return Failure("query is required"), nil
	}
	if p.NumResults <= 0 {
		p.NumResults = 3
	}
	p.NumResults = min(p.NumResults, maxSearchResults)

	form := url.Values{"q": {p.Query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Failure("Search failed: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; facto/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return Failure("Search failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Failure("Search failed: HTTP %d", resp.StatusCode), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Failure("Search failed: %v", err), nil
	}

	results := make([]SearchResult, 0, p.NumResults)
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     resolveResultURL(href),
			Snippet: strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
		return len(results) < p.NumResults
	})

	return Success(map[string]any{
		"query":   p.Query,
		"results": results,
	}), nil
}

// resolveResultURL unwraps DuckDuckGo redirect links ("//duckduckgo.com/l/?uddg=...").
func resolveResultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
