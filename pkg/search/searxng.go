package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is one raw hit from the web search backend.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Engine  string  `json:"engine"`
	Score   float64 `json:"score"`
}

// Client queries a SearxNG instance over its JSON API.
type Client struct {
	BaseURL string
	Engines []string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func NewClient(baseURL string, engines []string) *Client {
	if len(engines) == 0 {
		engines = []string{"duckduckgo", "wikipedia"}
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Engines: engines,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Logger:  slog.Default(),
	}
}

// searxResponse mirrors the subset of the SearxNG JSON payload we consume.
type searxResponse struct {
	Results []struct {
		Title   string   `json:"title"`
		URL     string   `json:"url"`
		Content string   `json:"content"`
		Engine  string   `json:"engine"`
		Score   *float64 `json:"score"`
	} `json:"results"`
}

// Search issues a single query to the fixed engine set. An empty result list
// is not an error. A missing score means the engine did not rank the hit;
// those default to 1.0, treating unscored results as fully relevant.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("engines", strings.Join(c.Engines, ","))

	apiURL := c.BaseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.Logger.Error("Web search returned non-200 status", "status", resp.StatusCode, "query", query)
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed searxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		score := 1.0
		if r.Score != nil {
			score = *r.Score
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Engine:  r.Engine,
			Score:   score,
		})
	}

	c.Logger.Debug("Web search complete", "query", query, "count", len(results))
	return results, nil
}
