package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/41rumble/intelligent-rag-server/pkg/llm"
)

// Classifier turns raw query text into a structured intent descriptor.
// Stateless; a failed model call degrades to the neutral default instead of
// failing the request.
type Classifier struct {
	Gen    Generator
	Logger *slog.Logger
}

func NewClassifier(gen Generator) *Classifier {
	return &Classifier{Gen: gen, Logger: slog.Default()}
}

const classifierSystemPrompt = `You are a query classifier for a question-answering system about a novel.
Classify the user's question so the right search strategy can be chosen.`

func classifierSchema() string {
	return `Return the JSON object directly without any formatting or additional text. Make sure to answer in valid json and include all necessary properties:{
  "type": "object",
  "properties": {
    "people": {"type": "array", "items": {"type": "string"}},
    "locations": {"type": "array", "items": {"type": "string"}},
    "time_periods": {"type": "array", "items": {"type": "string"}},
    "topics": {"type": "array", "items": {"type": "string"}},
    "query_type": {"type": "string", "enum": ["factual", "character_analysis", "relationship_analysis", "theme_analysis", "plot_analysis", "setting_analysis", "unknown"]},
    "secondary_types": {"type": "array", "items": {"type": "string"}},
    "query_complexity": {"type": "integer", "minimum": 1, "maximum": 10},
    "needs_temporal_context": {"type": "boolean"},
    "needs_character_context": {"type": "boolean"}
  },
  "required": ["people", "locations", "time_periods", "topics", "query_type", "query_complexity"]
}`
}

// DefaultClassification is the documented fallback when classification fails:
// empty entity sets, unknown type, midpoint complexity, query and project id
// echoed back unchanged.
func DefaultClassification(projectID, query string) Classification {
	return Classification{
		Query:           query,
		ProjectID:       projectID,
		People:          []string{},
		Locations:       []string{},
		TimePeriods:     []string{},
		Topics:          []string{},
		QueryType:       QueryTypeUnknown,
		QueryComplexity: 5,
	}
}

// ClassifyQuery classifies a query. The model call is not retried; any
// failure returns the neutral default, never an error.
func (c *Classifier) ClassifyQuery(ctx context.Context, projectID, query string) Classification {
	prompt := fmt.Sprintf("Question: %s", query)

	var class Classification
	err := c.Gen.GenerateJSON(ctx, prompt, llm.Options{
		SystemPrompt: classifierSystemPrompt + "\n\n# Response Format:\n" + classifierSchema(),
		Temperature:  0.1,
		MaxAttempts:  1,
	}, &class)
	if err != nil {
		c.Logger.Warn("Classification failed, using neutral default", "error", err)
		return DefaultClassification(projectID, query)
	}

	class.Query = query
	class.ProjectID = projectID
	return normalizeClassification(class)
}

// normalizeClassification enforces the classification invariants: complexity
// in [1,10], query type drawn from the fixed enumeration, entity sets never
// nil.
func normalizeClassification(class Classification) Classification {
	if class.QueryComplexity < 1 {
		class.QueryComplexity = 1
	}
	if class.QueryComplexity > 10 {
		class.QueryComplexity = 10
	}
	if !validQueryTypes[class.QueryType] {
		class.QueryType = QueryTypeUnknown
	}
	if class.People == nil {
		class.People = []string{}
	}
	if class.Locations == nil {
		class.Locations = []string{}
	}
	if class.TimePeriods == nil {
		class.TimePeriods = []string{}
	}
	if class.Topics == nil {
		class.Topics = []string{}
	}
	return class
}
