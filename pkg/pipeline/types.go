package pipeline

import (
	"context"
	"time"

	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/llm"
	"github.com/41rumble/intelligent-rag-server/pkg/search"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// Phase is the lifecycle state of one in-flight request.
type Phase string

const (
	PhaseClassifying Phase = "classifying"
	PhaseQuickAnswer Phase = "quick_answer"
	PhaseRefining    Phase = "refining"
	PhaseFinalized   Phase = "finalized"
	PhaseFailed      Phase = "failed"
	PhaseTerminated  Phase = "terminated"
)

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseFailed || p == PhaseTerminated
}

// Query types recognized by the classifier. Anything else degrades to
// QueryTypeUnknown.
const (
	QueryTypeFactual      = "factual"
	QueryTypeCharacter    = "character_analysis"
	QueryTypeRelationship = "relationship_analysis"
	QueryTypeTheme        = "theme_analysis"
	QueryTypePlot         = "plot_analysis"
	QueryTypeSetting      = "setting_analysis"
	QueryTypeUnknown      = "unknown"
)

var validQueryTypes = map[string]bool{
	QueryTypeFactual:      true,
	QueryTypeCharacter:    true,
	QueryTypeRelationship: true,
	QueryTypeTheme:        true,
	QueryTypePlot:         true,
	QueryTypeSetting:      true,
	QueryTypeUnknown:      true,
}

// Classification is the structured intent descriptor for a query. Immutable
// once produced.
type Classification struct {
	Query                 string   `json:"query"`
	ProjectID             string   `json:"project_id"`
	People                []string `json:"people"`
	Locations             []string `json:"locations"`
	TimePeriods           []string `json:"time_periods"`
	Topics                []string `json:"topics"`
	QueryType             string   `json:"query_type"`
	SecondaryTypes        []string `json:"secondary_types,omitempty"`
	QueryComplexity       int      `json:"query_complexity"`
	NeedsTemporalContext  bool     `json:"needs_temporal_context"`
	NeedsCharacterContext bool     `json:"needs_character_context"`
}

// ExpandedQuery carries the original query plus derived sub-queries. The
// slices may be empty but the container is always present.
type ExpandedQuery struct {
	Original     string   `json:"original"`
	Contextual   []string `json:"contextual"`
	Temporal     []string `json:"temporal"`
	Relationship []string `json:"relationship"`
}

// Result origins.
const (
	OriginDB     = "db"
	OriginVector = "vector"
	OriginWeb    = "web"
)

// SearchResult is a normalized hit from any backend.
type SearchResult struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Origin  string  `json:"origin"`
	// Chapter is the narrative position of structured hits; zero for vector
	// and web results.
	Chapter int `json:"chapter,omitempty"`
}

// ResultSet holds the three evidence buckets.
type ResultSet struct {
	Primary    []SearchResult `json:"primary"`
	Supporting []SearchResult `json:"supporting"`
	Context    []SearchResult `json:"context"`
}

// Merge prepends the quick-pass buckets to the full-pass ones, preserving the
// evidentiary chain between quick and final answers. Counts never shrink.
func (rs *ResultSet) Merge(quick *ResultSet) {
	if quick == nil {
		return
	}
	rs.Primary = append(append([]SearchResult{}, quick.Primary...), rs.Primary...)
	rs.Supporting = append(append([]SearchResult{}, quick.Supporting...), rs.Supporting...)
	rs.Context = append(append([]SearchResult{}, quick.Context...), rs.Context...)
}

// IDs returns every non-empty result id across all buckets, used as the
// exclusion list for the full pass.
func (rs *ResultSet) IDs() []string {
	var ids []string
	for _, bucket := range [][]SearchResult{rs.Primary, rs.Supporting, rs.Context} {
		for _, r := range bucket {
			if r.ID != "" {
				ids = append(ids, r.ID)
			}
		}
	}
	return ids
}

// Total counts results across all buckets.
func (rs *ResultSet) Total() int {
	return len(rs.Primary) + len(rs.Supporting) + len(rs.Context)
}

// QuickAnswer is the fast, low-confidence answer produced synchronously.
type QuickAnswer struct {
	Answer            string  `json:"answer"`
	Confidence        float64 `json:"confidence"`
	ExpectEnhancement bool    `json:"expect_enhancement"`
}

// FinalAnswer is the refined answer. Corrections and consistency notes are
// required output fields, reconciling with the quick answer.
type FinalAnswer struct {
	Answer           string   `json:"answer"`
	Corrections      []string `json:"corrections"`
	ConsistencyNotes string   `json:"consistency_notes"`
	Sources          []string `json:"sources,omitempty"`
	Confidence       float64  `json:"confidence"`
}

// Synthesis is the compact evidentiary structure fed to answer generation.
type Synthesis struct {
	KeyPoints     []string        `json:"key_points"`
	Timeline      []TimelineEntry `json:"timeline"`
	Relationships []Relationship  `json:"relationships"`
}

type TimelineEntry struct {
	Period string `json:"period"`
	Event  string `json:"event"`
}

type Relationship struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Description string `json:"description"`
}

// Stream update variants.
type UpdateType string

const (
	UpdateInitialAnswer      UpdateType = "initial_answer"
	UpdateBackgroundProgress UpdateType = "background_progress"
	UpdateFinal              UpdateType = "final"
	UpdateError              UpdateType = "error"
)

// StreamUpdate is one tagged event pushed to the request's subscribers.
type StreamUpdate struct {
	RequestID string         `json:"request_id"`
	Type      UpdateType     `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Answer    *FinalAnswer   `json:"answer,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Capability handles. The pipeline never reaches for globals; these are
// injected once at process start.

// Generator is the structured-generation capability.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, opts llm.Options, out any) error
}

// DocumentStore is the structured search capability. *database.PostgresDB
// satisfies it directly.
type DocumentStore interface {
	SearchContent(ctx context.Context, f database.ContentFilter) ([]database.ContentRecord, error)
}

// VectorSearcher is the vector index capability, query-string in so the
// embedding step stays behind the boundary.
type VectorSearcher interface {
	Search(ctx context.Context, query string, params vectorstore.SearchParams) ([]vectorstore.SimilaritySearchResult, error)
}

// WebSearcher is the web search capability. *search.Client satisfies it.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}
