package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// fakeStore records the filters it saw and returns canned records.
type fakeStore struct {
	records []database.ContentRecord
	err     error
	filters []database.ContentFilter
}

func (f *fakeStore) SearchContent(ctx context.Context, filter database.ContentFilter) ([]database.ContentRecord, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// fakeVector records the params it saw and returns canned hits.
type fakeVector struct {
	hits   []vectorstore.SimilaritySearchResult
	err    error
	params []vectorstore.SearchParams
}

func (f *fakeVector) Search(ctx context.Context, query string, params vectorstore.SearchParams) ([]vectorstore.SimilaritySearchResult, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func vectorHit(id, content string) vectorstore.SimilaritySearchResult {
	return vectorstore.SimilaritySearchResult{
		Document: vectorstore.Document{
			ID:       id,
			Content:  content,
			Metadata: map[string]any{"content_type": "passage"},
		},
		Score: 0.9,
	}
}

func dbRecord(id, contentType, content string) database.ContentRecord {
	return database.ContentRecord{ID: id, ContentType: contentType, Content: content}
}

func newTestRouter(store *fakeStore, vector *fakeVector, web *fakeWeb) *Router {
	var agg *Aggregator
	if web != nil {
		agg = NewAggregator(web, 1)
	}
	return NewRouter(store, vector, agg, DefaultRouterConfig())
}

func TestResultFloorScalesWithComplexity(t *testing.T) {
	r := newTestRouter(&fakeStore{}, &fakeVector{}, nil)

	tests := []struct {
		complexity int
		want       int
	}{
		{1, 5},
		{4, 5},
		{5, 7},
		{7, 7},
		{8, 10},
		{10, 10},
	}
	for _, tt := range tests {
		if got := r.resultFloor(tt.complexity); got != tt.want {
			t.Errorf("resultFloor(%d) = %d, want %d", tt.complexity, got, tt.want)
		}
	}
}

func TestRouteQueryRequiresProject(t *testing.T) {
	r := newTestRouter(&fakeStore{}, &fakeVector{}, nil)

	_, err := r.RouteQuery(context.Background(), Classification{Query: "q"}, RouteOptions{})
	if !errors.Is(err, database.ErrMissingProject) {
		t.Errorf("error = %v, want ErrMissingProject", err)
	}
}

func TestRouteQueryBucketAssignment(t *testing.T) {
	tests := []struct {
		queryType         string
		structuredPrimary bool
	}{
		{QueryTypeFactual, true},
		{QueryTypePlot, true},
		{QueryTypeCharacter, false},
		{QueryTypeTheme, false},
		{QueryTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.queryType, func(t *testing.T) {
			store := &fakeStore{records: []database.ContentRecord{dbRecord("s1", "event", "structured hit")}}
			vector := &fakeVector{hits: []vectorstore.SimilaritySearchResult{vectorHit("v1", "vector hit")}}
			r := newTestRouter(store, vector, nil)

			rs, err := r.RouteQuery(context.Background(), Classification{
				Query:           "q",
				ProjectID:       "p",
				QueryType:       tt.queryType,
				QueryComplexity: 3,
			}, RouteOptions{})
			if err != nil {
				t.Fatalf("RouteQuery failed: %v", err)
			}

			primaryOrigin := OriginVector
			if tt.structuredPrimary {
				primaryOrigin = OriginDB
			}
			if len(rs.Primary) != 1 || rs.Primary[0].Origin != primaryOrigin {
				t.Errorf("primary bucket origin = %+v, want single %s hit", rs.Primary, primaryOrigin)
			}
			if len(rs.Supporting) != 1 {
				t.Errorf("supporting bucket size = %d, want 1", len(rs.Supporting))
			}
		})
	}
}

func TestRouteQueryConstrained(t *testing.T) {
	store := &fakeStore{}
	vector := &fakeVector{}
	web := &fakeWeb{}
	r := newTestRouter(store, vector, web)

	// High complexity plus declared context needs, but the quick pass ignores
	// both and pins the vector budget to the base floor.
	rs, err := r.RouteQuery(context.Background(), Classification{
		Query:                 "q",
		ProjectID:             "p",
		QueryType:             QueryTypeCharacter,
		QueryComplexity:       9,
		NeedsCharacterContext: true,
		NeedsTemporalContext:  true,
		People:                []string{"Nikos"},
	}, RouteOptions{Constrained: true})
	if err != nil {
		t.Fatalf("RouteQuery failed: %v", err)
	}

	if len(rs.Context) != 0 {
		t.Errorf("constrained pass produced %d context results, want 0", len(rs.Context))
	}
	if len(web.calls) != 0 {
		t.Errorf("constrained pass hit the web backend %d times, want 0", len(web.calls))
	}
	if len(vector.params) != 1 || vector.params[0].TopK != 5 {
		t.Errorf("constrained vector TopK = %+v, want single call with 5", vector.params)
	}
	if len(store.filters) != 1 || store.filters[0].Limit != 5 {
		t.Errorf("constrained structured limit = %+v, want single call with 5", store.filters)
	}
}

func TestRouteQueryWebGating(t *testing.T) {
	tests := []struct {
		name       string
		complexity int
		wantWeb    bool
	}{
		{"below threshold", 6, false},
		{"at threshold", 7, true},
		{"above threshold", 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web := &fakeWeb{}
			r := newTestRouter(&fakeStore{}, &fakeVector{}, web)

			rs, err := r.RouteQuery(context.Background(), Classification{
				Query:           "q",
				ProjectID:       "p",
				QueryType:       QueryTypeFactual,
				QueryComplexity: tt.complexity,
			}, RouteOptions{})
			if err != nil {
				t.Fatalf("RouteQuery failed: %v", err)
			}

			if gotWeb := len(web.calls) > 0; gotWeb != tt.wantWeb {
				t.Errorf("web backend called = %v, want %v", gotWeb, tt.wantWeb)
			}
			// Web hits never land in primary or supporting.
			for _, hit := range append(rs.Primary, rs.Supporting...) {
				if hit.Origin == OriginWeb {
					t.Errorf("web hit %q leaked out of the context bucket", hit.ID)
				}
			}
		})
	}
}

func TestRouteQueryBackendFailureDegrades(t *testing.T) {
	t.Run("structured backend down", func(t *testing.T) {
		store := &fakeStore{err: errors.New("db down")}
		vector := &fakeVector{hits: []vectorstore.SimilaritySearchResult{vectorHit("v1", "vector hit")}}
		r := newTestRouter(store, vector, nil)

		rs, err := r.RouteQuery(context.Background(), Classification{
			Query: "q", ProjectID: "p", QueryType: QueryTypeFactual, QueryComplexity: 3,
		}, RouteOptions{})
		if err != nil {
			t.Fatalf("RouteQuery failed: %v", err)
		}
		if len(rs.Primary) != 0 {
			t.Errorf("failed structured backend filled the primary bucket: %+v", rs.Primary)
		}
		if len(rs.Supporting) != 1 {
			t.Errorf("vector bucket = %d results, want 1", len(rs.Supporting))
		}
	})

	t.Run("vector backend down", func(t *testing.T) {
		store := &fakeStore{records: []database.ContentRecord{dbRecord("s1", "event", "structured hit")}}
		vector := &fakeVector{err: errors.New("index down")}
		r := newTestRouter(store, vector, nil)

		rs, err := r.RouteQuery(context.Background(), Classification{
			Query: "q", ProjectID: "p", QueryType: QueryTypeCharacter, QueryComplexity: 3,
		}, RouteOptions{})
		if err != nil {
			t.Fatalf("RouteQuery failed: %v", err)
		}
		if len(rs.Primary) != 0 {
			t.Errorf("failed vector backend filled the primary bucket: %+v", rs.Primary)
		}
		if len(rs.Supporting) != 1 {
			t.Errorf("structured bucket = %d results, want 1", len(rs.Supporting))
		}
	})
}

func TestRouteQueryPassesExclusionsToBackends(t *testing.T) {
	store := &fakeStore{}
	vector := &fakeVector{}
	r := newTestRouter(store, vector, nil)

	exclude := []string{"a", "b"}
	_, err := r.RouteQuery(context.Background(), Classification{
		Query: "q", ProjectID: "p", QueryType: QueryTypeFactual, QueryComplexity: 3,
	}, RouteOptions{ExcludeIDs: exclude})
	if err != nil {
		t.Fatalf("RouteQuery failed: %v", err)
	}

	if len(store.filters) == 0 || len(store.filters[0].ExcludeIDs) != 2 {
		t.Errorf("structured backend did not receive the exclusion list: %+v", store.filters)
	}
	if len(vector.params) == 0 || len(vector.params[0].ExcludeIDs) != 2 {
		t.Errorf("vector backend did not receive the exclusion list: %+v", vector.params)
	}
}

func TestRouteQueryExpandedQueriesScaleWithDepth(t *testing.T) {
	vector := &fakeVector{}
	r := newTestRouter(&fakeStore{}, vector, nil)

	expanded := &ExpandedQuery{
		Original:     "q",
		Contextual:   []string{"c1", "c2", "c3"},
		Relationship: []string{"r1", "r2"},
	}
	_, err := r.RouteQuery(context.Background(), Classification{
		Query: "q", ProjectID: "p", QueryType: QueryTypeCharacter, QueryComplexity: 3,
	}, RouteOptions{ThinkingDepth: 2, Expanded: expanded})
	if err != nil {
		t.Fatalf("RouteQuery failed: %v", err)
	}

	// Original plus two contextual plus two relationship queries.
	if len(vector.params) != 5 {
		t.Errorf("vector call count = %d, want 5", len(vector.params))
	}
}

func TestRouteQueryCharacterContext(t *testing.T) {
	store := &fakeStore{records: []database.ContentRecord{dbRecord("c1", "character_profile", "profile")}}
	r := newTestRouter(store, &fakeVector{}, nil)

	rs, err := r.RouteQuery(context.Background(), Classification{
		Query:                 "q",
		ProjectID:             "p",
		QueryType:             QueryTypeCharacter,
		QueryComplexity:       3,
		NeedsCharacterContext: true,
		People:                []string{"Nikos", "Eleni"},
	}, RouteOptions{})
	if err != nil {
		t.Fatalf("RouteQuery failed: %v", err)
	}

	// One structured search plus one profile lookup per person.
	if len(store.filters) != 3 {
		t.Fatalf("store call count = %d, want 3", len(store.filters))
	}
	for _, f := range store.filters[1:] {
		if f.Metadata["name"] == "" {
			t.Errorf("profile lookup missing name filter: %+v", f)
		}
	}
	if len(rs.Context) == 0 {
		t.Error("character context bucket is empty")
	}
}

func TestRouteQueryTemporalContextBoundedByChapter(t *testing.T) {
	store := &fakeStore{records: []database.ContentRecord{
		{ID: "e1", ContentType: "event", Content: "early event", Chapter: 3},
		{ID: "e2", ContentType: "event", Content: "late event", Chapter: 7},
	}}
	r := newTestRouter(store, &fakeVector{}, nil)

	_, err := r.RouteQuery(context.Background(), Classification{
		Query:                "q",
		ProjectID:            "p",
		QueryType:            QueryTypeFactual,
		QueryComplexity:      3,
		NeedsTemporalContext: true,
		TimePeriods:          []string{"1922"},
	}, RouteOptions{})
	if err != nil {
		t.Fatalf("RouteQuery failed: %v", err)
	}

	// One structured search plus the event lookup, capped at the latest
	// chapter the structured hits reached.
	if len(store.filters) != 2 {
		t.Fatalf("store call count = %d, want 2", len(store.filters))
	}
	temporal := store.filters[1]
	if temporal.MaxChapter != 7 {
		t.Errorf("temporal MaxChapter = %d, want 7", temporal.MaxChapter)
	}
	if len(temporal.ContentTypes) != 1 || temporal.ContentTypes[0] != "event" {
		t.Errorf("temporal ContentTypes = %v, want [event]", temporal.ContentTypes)
	}
	if temporal.Metadata["time_period"] != "1922" {
		t.Errorf("temporal Metadata = %+v, want time_period 1922", temporal.Metadata)
	}
}
