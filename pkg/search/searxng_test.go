package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *Client) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, NewClient(srv.URL, nil)
}

func TestSearch(t *testing.T) {
	body := `{
		"results": [
			{"title": "Great Fire of Smyrna", "url": "https://en.wikipedia.org/wiki/Great_fire_of_Smyrna", "content": "The fire destroyed much of the city in September 1922.", "engine": "wikipedia", "score": 4.2},
			{"title": "Unranked hit", "url": "https://example.org/unranked", "content": "An engine that does not score its hits.", "engine": "duckduckgo"}
		]
	}`

	var captured *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	results, err := client.Search(context.Background(), "smyrna 1922")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	if results[0].Score != 4.2 {
		t.Errorf("scored hit score = %f, want 4.2", results[0].Score)
	}
	if results[1].Score != 1.0 {
		t.Errorf("unscored hit score = %f, want default 1.0", results[1].Score)
	}
	if results[0].Engine != "wikipedia" {
		t.Errorf("engine = %q, want wikipedia", results[0].Engine)
	}

	q := captured.URL.Query()
	if q.Get("q") != "smyrna 1922" {
		t.Errorf("query param = %q", q.Get("q"))
	}
	if q.Get("format") != "json" {
		t.Errorf("format param = %q", q.Get("format"))
	}
	if q.Get("engines") != "duckduckgo,wikipedia" {
		t.Errorf("engines param = %q, want default engine set", q.Get("engines"))
	}
}

func TestSearchEmptyResults(t *testing.T) {
	_, client := newTestServer(t, http.StatusOK, `{"results": []}`)

	results, err := client.Search(context.Background(), "nothing matches this")
	if err != nil {
		t.Fatalf("Search with empty results returned error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("result count = %d, want 0", len(results))
	}
}

func TestSearchNon200Status(t *testing.T) {
	_, client := newTestServer(t, http.StatusTooManyRequests, "rate limited")

	if _, err := client.Search(context.Background(), "q"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSearchMalformedBody(t *testing.T) {
	_, client := newTestServer(t, http.StatusOK, "<html>not json</html>")

	if _, err := client.Search(context.Background(), "q"); err == nil {
		t.Error("expected error for malformed response body")
	}
}

func TestSearchUnreachableServer(t *testing.T) {
	srv, client := newTestServer(t, http.StatusOK, "{}")
	srv.Close()

	if _, err := client.Search(context.Background(), "q"); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("http://localhost:8888/", nil)
	if client.BaseURL != "http://localhost:8888" {
		t.Errorf("base url = %q, trailing slash not trimmed", client.BaseURL)
	}
	if len(client.Engines) != 2 {
		t.Errorf("default engines = %v", client.Engines)
	}

	custom := NewClient("http://localhost:8888", []string{"brave"})
	if len(custom.Engines) != 1 || custom.Engines[0] != "brave" {
		t.Errorf("custom engines = %v", custom.Engines)
	}
}
