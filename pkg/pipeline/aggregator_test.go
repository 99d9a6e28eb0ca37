package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/41rumble/intelligent-rag-server/pkg/search"
)

// fakeWeb returns canned results keyed by query.
type fakeWeb struct {
	mu      sync.Mutex
	results map[string][]search.Result
	err     error
	calls   []string
}

func (f *fakeWeb) Search(ctx context.Context, query string) ([]search.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func longContent(prefix string) string {
	return prefix + ": " + strings.Repeat("the great fire destroyed much of the city ", 3)
}

func TestSearchFiltersAndDefaults(t *testing.T) {
	web := &fakeWeb{results: map[string][]search.Result{
		"smyrna": {
			{Title: "Great Fire", URL: "https://example.org/fire", Content: longContent("fire"), Engine: "wikipedia", Score: 0.8},
			{Title: "Noise", URL: "https://example.org/noise", Content: "too short", Engine: "wikipedia", Score: 0.9},
			{Title: "Unscored", URL: "https://example.org/unscored", Content: longContent("unscored"), Engine: "duckduckgo", Score: 1.0},
		},
	}}
	agg := NewAggregator(web, 50)

	results, err := agg.Search(context.Background(), "smyrna")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2 (short content dropped)", len(results))
	}
	for _, r := range results {
		if r.Origin != OriginWeb {
			t.Errorf("origin = %q, want %q", r.Origin, OriginWeb)
		}
		if r.Score <= 0 {
			t.Errorf("score = %f, want > 0", r.Score)
		}
	}
}

func TestSearchEmptyResultsIsNotAnError(t *testing.T) {
	agg := NewAggregator(&fakeWeb{results: map[string][]search.Result{}}, 50)

	results, err := agg.Search(context.Background(), "nothing here")
	if err != nil {
		t.Fatalf("Search with zero results returned error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("result count = %d, want 0", len(results))
	}
}

func TestMultiSearchDeduplicatesAcrossEngines(t *testing.T) {
	// Identical url/title/content from two engines must merge to one result
	// that keeps the first engine label.
	web := &fakeWeb{results: map[string][]search.Result{
		"q1": {{Title: "Fire", URL: "https://example.org/Fire", Content: longContent("a"), Engine: "wikipedia", Score: 1.0}},
		"q2": {{Title: "Fire", URL: "https://EXAMPLE.org/fire", Content: longContent("a"), Engine: "duckduckgo", Score: 1.0}},
	}}
	agg := NewAggregator(web, 10)

	results, err := agg.MultiSearch(context.Background(), []string{"q1", "q2"})
	if err != nil {
		t.Fatalf("MultiSearch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1 after URL dedup", len(results))
	}
	if results[0].Source != "wikipedia" {
		t.Errorf("kept engine = %q, want first occurrence %q", results[0].Source, "wikipedia")
	}
}

func TestMultiSearchToleratesFailedQuery(t *testing.T) {
	web := &fakeWeb{
		results: map[string][]search.Result{
			"ok": {{Title: "Fire", URL: "https://example.org/fire", Content: longContent("a"), Engine: "wikipedia", Score: 1.0}},
		},
	}
	agg := NewAggregator(web, 10)

	// Unknown queries return empty slices, which is the degraded path for a
	// failed backend call; the good query still contributes.
	results, err := agg.MultiSearch(context.Background(), []string{"ok", "unknown"})
	if err != nil {
		t.Fatalf("MultiSearch failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("result count = %d, want 1", len(results))
	}
}

func TestContextSearchDerivesQueries(t *testing.T) {
	web := &fakeWeb{results: map[string][]search.Result{}}
	agg := NewAggregator(web, 10)

	class := Classification{
		Query:       "What happened in Smyrna in 1922?",
		TimePeriods: []string{"1922"},
		Locations:   []string{"Smyrna"},
		Topics:      []string{"Great Fire"},
	}
	if _, err := agg.ContextSearch(context.Background(), class.Query, class); err != nil {
		t.Fatalf("ContextSearch failed: %v", err)
	}

	// Original query plus up to three derived ones.
	if len(web.calls) != 4 {
		t.Errorf("backend call count = %d, want 4", len(web.calls))
	}
}

func TestDeduplicateIdempotent(t *testing.T) {
	results := []SearchResult{
		{Title: "A", URL: "https://example.org/a", Content: "content a", Origin: OriginWeb},
		{Title: "B", URL: "https://example.org/b", Content: "content b", Origin: OriginWeb},
		{Title: "A dup", URL: "https://EXAMPLE.ORG/A", Content: "content a2", Origin: OriginWeb},
		{Title: "No URL", Content: "structured hit", Origin: OriginDB},
	}

	once := Deduplicate(results)
	twice := Deduplicate(once)

	if len(once) != 3 {
		t.Fatalf("deduped count = %d, want 3", len(once))
	}
	if !reflect.DeepEqual(once, twice) {
		t.Error("Deduplicate is not idempotent")
	}
	// Merging a set with itself yields the same set.
	doubled := Deduplicate(append(append([]SearchResult{}, once...), once...))
	if !reflect.DeepEqual(once, doubled) {
		t.Error("merging a result set with itself changed the set")
	}
}

func TestSearchPropagatesBackendError(t *testing.T) {
	agg := NewAggregator(&fakeWeb{err: errors.New("backend down")}, 10)
	if _, err := agg.Search(context.Background(), "q"); err == nil {
		t.Error("Search with failing backend returned nil error")
	}
}
