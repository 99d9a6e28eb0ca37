package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// Aggregator fans queries out to the web search backend and merges the hits.
// Deduplication is by normalized URL, first occurrence wins and keeps its
// originating engine label.
type Aggregator struct {
	Web    WebSearcher
	Logger *slog.Logger

	// MinContentLength drops noise results before merging. Measured in runes.
	MinContentLength int
}

func NewAggregator(web WebSearcher, minContentLength int) *Aggregator {
	if minContentLength <= 0 {
		minContentLength = 50
	}
	return &Aggregator{
		Web:              web,
		Logger:           slog.Default(),
		MinContentLength: minContentLength,
	}
}

// Search issues one query and normalizes the hits. Zero results is not an
// error.
func (a *Aggregator) Search(ctx context.Context, query string) ([]SearchResult, error) {
	raw, err := a.Web.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		if utf8.RuneCountInString(r.Content) < a.MinContentLength {
			continue
		}
		results = append(results, SearchResult{
			ID:      r.URL,
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Source:  r.Engine,
			Score:   r.Score,
			Origin:  OriginWeb,
		})
	}
	return Deduplicate(results), nil
}

// MultiSearch issues independent searches per query in parallel, concatenates
// in query order and deduplicates. A failed query contributes nothing; the
// others still count.
func (a *Aggregator) MultiSearch(ctx context.Context, queries []string) ([]SearchResult, error) {
	perQuery := make([][]SearchResult, len(queries))
	var wg sync.WaitGroup

	for i, q := range queries {
		wg.Add(1)
		go func(idx int, query string) {
			defer wg.Done()
			results, err := a.Search(ctx, query)
			if err != nil {
				a.Logger.Error("Web search failed", "query", query, "error", err)
				return
			}
			perQuery[idx] = results
		}(i, q)
	}
	wg.Wait()

	var all []SearchResult
	for _, results := range perQuery {
		all = append(all, results...)
	}
	return Deduplicate(all), nil
}

// ContextSearch derives up to three additional queries from the
// classification's context fields and runs them alongside the original.
func (a *Aggregator) ContextSearch(ctx context.Context, query string, class Classification) ([]SearchResult, error) {
	queries := []string{query}

	var derived []string
	if len(class.TimePeriods) > 0 && class.TimePeriods[0] != "" {
		derived = append(derived, fmt.Sprintf("%s %s", query, class.TimePeriods[0]))
	}
	if len(class.Locations) > 0 && class.Locations[0] != "" {
		derived = append(derived, fmt.Sprintf("%s history", class.Locations[0]))
	}
	if len(class.Topics) > 0 && class.Topics[0] != "" {
		derived = append(derived, fmt.Sprintf("%s historical context", class.Topics[0]))
	}
	if len(derived) > 3 {
		derived = derived[:3]
	}

	return a.MultiSearch(ctx, append(queries, derived...))
}

// Deduplicate removes duplicate results by case-insensitive URL, keeping the
// first occurrence. URL-less results are keyed by title plus content so
// structured and vector hits survive unharmed. Idempotent.
func Deduplicate(results []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(results))
	unique := make([]SearchResult, 0, len(results))
	for _, r := range results {
		key := strings.ToLower(r.URL)
		if key == "" {
			key = r.Title + "\x00" + r.Content
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, r)
	}
	return unique
}
