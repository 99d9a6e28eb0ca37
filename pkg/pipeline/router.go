package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// RouterConfig carries the product-tuning constants. The breakpoints are
// configurable defaults, not structural requirements.
type RouterConfig struct {
	// Result-count floor by complexity.
	BaseFloor      int // below MidComplexity
	MidFloor       int // at or above MidComplexity
	HighFloor      int // at or above HighComplexity
	MidComplexity  int
	HighComplexity int

	// Web search fires only at or above this complexity, context-only.
	WebThreshold int
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BaseFloor:      5,
		MidFloor:       7,
		HighFloor:      10,
		MidComplexity:  5,
		HighComplexity: 8,
		WebThreshold:   7,
	}
}

// RouteOptions vary per pass.
type RouteOptions struct {
	// Constrained is the quick pass: fixed low complexity, no auxiliary
	// context buckets, no web search.
	Constrained bool
	// ThinkingDepth scales how many expanded sub-queries the full pass runs.
	ThinkingDepth int
	// ExcludeIDs are identifiers already retrieved by an earlier pass,
	// passed through to the backends so they skip known hits.
	ExcludeIDs []string
	// Expanded sub-queries for the full pass; nil in the quick pass.
	Expanded *ExpandedQuery
}

// rerankWeights is the per-type field weight table. Weights boost hits whose
// content_type matches the query's interest.
var rerankWeights = map[string]map[string]float64{
	QueryTypeCharacter: {
		"character_profile": 1.5,
		"event":             1.2,
		"passage":           1.0,
	},
	QueryTypeRelationship: {
		"character_profile": 1.4,
		"event":             1.3,
		"passage":           1.0,
	},
	QueryTypeTheme: {
		"chapter_summary": 1.4,
		"passage":         1.2,
		"event":           1.0,
	},
	QueryTypePlot: {
		"event":           1.5,
		"chapter_summary": 1.3,
		"passage":         1.0,
	},
	QueryTypeSetting: {
		"location":        1.5,
		"passage":         1.2,
		"chapter_summary": 1.0,
	},
}

// structuredPrimary lists query types where structured search is the primary
// evidence channel and vector search supports. Everything else defaults to
// vector-primary.
var structuredPrimary = map[string]bool{
	QueryTypeFactual: true,
	QueryTypePlot:    true,
}

// contentTypesFor maps a query type to the structured content types worth
// fetching for it.
func contentTypesFor(queryType string) []string {
	switch queryType {
	case QueryTypeCharacter, QueryTypeRelationship:
		return []string{"character_profile", "event"}
	case QueryTypePlot:
		return []string{"event", "chapter_summary"}
	case QueryTypeSetting:
		return []string{"location", "passage"}
	case QueryTypeTheme:
		return []string{"chapter_summary", "passage"}
	default:
		return nil
	}
}

// Router maps a classification to a concrete search plan and executes it.
// A failed backend logs and contributes an empty bucket; the others proceed.
type Router struct {
	Store      DocumentStore
	Vector     VectorSearcher
	Aggregator *Aggregator
	Config     RouterConfig
	Logger     *slog.Logger
}

func NewRouter(store DocumentStore, vector VectorSearcher, agg *Aggregator, cfg RouterConfig) *Router {
	return &Router{
		Store:      store,
		Vector:     vector,
		Aggregator: agg,
		Config:     cfg,
		Logger:     slog.Default(),
	}
}

// resultFloor scales the vector result count with complexity.
func (r *Router) resultFloor(complexity int) int {
	switch {
	case complexity >= r.Config.HighComplexity:
		return r.Config.HighFloor
	case complexity >= r.Config.MidComplexity:
		return r.Config.MidFloor
	default:
		return r.Config.BaseFloor
	}
}

// RouteQuery executes the search plan for a classification and returns the
// three evidence buckets. Project scoping is enforced on every backend call.
func (r *Router) RouteQuery(ctx context.Context, class Classification, opts RouteOptions) (*ResultSet, error) {
	if class.ProjectID == "" {
		return nil, database.ErrMissingProject
	}

	complexity := class.QueryComplexity
	if opts.Constrained {
		complexity = 1
	}

	structured := r.structuredSearch(ctx, class, complexity, opts)
	vector := r.vectorSearch(ctx, class, complexity, opts)

	rs := &ResultSet{}
	if structuredPrimary[class.QueryType] {
		rs.Primary = structured
		rs.Supporting = vector
	} else {
		rs.Primary = vector
		rs.Supporting = structured
	}

	if opts.Constrained {
		return rs, nil
	}

	// Context buckets for declared contextual needs.
	if class.NeedsCharacterContext {
		rs.Context = append(rs.Context, r.characterContext(ctx, class, opts)...)
	}
	if class.NeedsTemporalContext {
		rs.Context = append(rs.Context, r.temporalContext(ctx, class, maxChapter(structured), opts)...)
	}

	// Web search is a context-only supplement for complex queries, never
	// primary evidence.
	if class.QueryComplexity >= r.Config.WebThreshold && r.Aggregator != nil {
		webResults, err := r.Aggregator.ContextSearch(ctx, class.Query, class)
		if err != nil {
			r.Logger.Error("Web search backend failed, continuing without it", "error", err)
		} else {
			rs.Context = append(rs.Context, webResults...)
		}
	}

	rs.Context = Deduplicate(rs.Context)
	return rs, nil
}

func (r *Router) structuredSearch(ctx context.Context, class Classification, complexity int, opts RouteOptions) []SearchResult {
	filter := database.ContentFilter{
		ProjectID:    class.ProjectID,
		ContentTypes: contentTypesFor(class.QueryType),
		TextQuery:    class.Query,
		ExcludeIDs:   opts.ExcludeIDs,
		Limit:        r.resultFloor(complexity),
	}

	records, err := r.Store.SearchContent(ctx, filter)
	if err != nil {
		r.Logger.Error("Structured search backend failed, continuing without it", "error", err)
		return nil
	}
	return recordsToResults(records)
}

func (r *Router) vectorSearch(ctx context.Context, class Classification, complexity int, opts RouteOptions) []SearchResult {
	queries := []string{class.Query}
	if opts.Expanded != nil {
		depth := opts.ThinkingDepth
		if depth < 1 {
			depth = 1
		}
		queries = append(queries, takeN(opts.Expanded.Contextual, depth)...)
		queries = append(queries, takeN(opts.Expanded.Relationship, depth)...)
	}

	var all []SearchResult
	for _, q := range queries {
		hits, err := r.Vector.Search(ctx, q, vectorstore.SearchParams{
			TopK:          r.resultFloor(complexity),
			Filter:        map[string]any{"project_id": class.ProjectID},
			ExcludeIDs:    opts.ExcludeIDs,
			RerankWeights: rerankWeights[class.QueryType],
		})
		if err != nil {
			r.Logger.Error("Vector search backend failed, continuing without it", "query", q, "error", err)
			continue
		}
		all = append(all, hitsToResults(hits)...)
	}
	return Deduplicate(all)
}

// characterContext fetches background profiles for each declared person.
func (r *Router) characterContext(ctx context.Context, class Classification, opts RouteOptions) []SearchResult {
	var results []SearchResult
	for _, person := range class.People {
		if person == "" {
			continue
		}
		records, err := r.Store.SearchContent(ctx, database.ContentFilter{
			ProjectID:    class.ProjectID,
			ContentTypes: []string{"character_profile"},
			Metadata:     map[string]any{"name": person},
			ExcludeIDs:   opts.ExcludeIDs,
			Limit:        3,
		})
		if err != nil {
			r.Logger.Error("Character context lookup failed", "person", person, "error", err)
			continue
		}
		results = append(results, recordsToResults(records)...)
	}
	return results
}

// temporalContext fetches prior events scoped by temporal position. The last
// known chapter of the primary hits bounds the lookup so later events do not
// leak into "what happened before" context.
func (r *Router) temporalContext(ctx context.Context, class Classification, ceiling int, opts RouteOptions) []SearchResult {
	filter := database.ContentFilter{
		ProjectID:    class.ProjectID,
		ContentTypes: []string{"event"},
		ExcludeIDs:   opts.ExcludeIDs,
		Limit:        5,
	}
	if ceiling > 0 {
		filter.MaxChapter = ceiling
	}
	if len(class.TimePeriods) > 0 && class.TimePeriods[0] != "" {
		filter.Metadata = map[string]any{"time_period": class.TimePeriods[0]}
	}

	records, err := r.Store.SearchContent(ctx, filter)
	if err != nil {
		r.Logger.Error("Temporal context lookup failed", "error", err)
		return nil
	}
	return recordsToResults(records)
}

func recordsToResults(records []database.ContentRecord) []SearchResult {
	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		title := rec.Title
		if title == "" {
			title = fmt.Sprintf("%s (chapter %d)", rec.ContentType, rec.Chapter)
		}
		results = append(results, SearchResult{
			ID:      rec.ID,
			Title:   title,
			Content: rec.Content,
			Source:  rec.ContentType,
			Score:   1.0,
			Origin:  OriginDB,
			Chapter: rec.Chapter,
		})
	}
	return results
}

func hitsToResults(hits []vectorstore.SimilaritySearchResult) []SearchResult {
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		title, _ := h.Document.Metadata["title"].(string)
		source, _ := h.Document.Metadata["content_type"].(string)
		if source == "" {
			source = "passage"
		}
		results = append(results, SearchResult{
			ID:      h.Document.ID,
			Title:   title,
			Content: h.Document.Content,
			Source:  source,
			Score:   h.Score,
			Origin:  OriginVector,
		})
	}
	return results
}

// maxChapter returns the highest chapter among structured hits, or zero when
// no hit carries one.
func maxChapter(results []SearchResult) int {
	max := 0
	for _, res := range results {
		if res.Chapter > max {
			max = res.Chapter
		}
	}
	return max
}

func takeN(queries []string, n int) []string {
	if len(queries) <= n {
		return queries
	}
	return queries[:n]
}
