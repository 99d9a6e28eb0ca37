package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/41rumble/intelligent-rag-server/pkg/llm"
)

// Synthesizer reduces merged search results into the compact evidentiary
// structure consumed by final answer generation.
type Synthesizer struct {
	Gen    Generator
	Logger *slog.Logger
}

func NewSynthesizer(gen Generator) *Synthesizer {
	return &Synthesizer{Gen: gen, Logger: slog.Default()}
}

const synthesizerSystemPrompt = `You are an information synthesizer for a question-answering system about a novel.
Reduce the search results to the key points, a timeline of relevant events, and the relationships between the people involved.
Only use information present in the results.`

func synthesizerSchema() string {
	return `Return the JSON object directly without any formatting or additional text. Make sure to answer in valid json and include all necessary properties:{
  "type": "object",
  "properties": {
    "key_points": {"type": "array", "items": {"type": "string"}},
    "timeline": {"type": "array", "items": {"type": "object", "properties": {"period": {"type": "string"}, "event": {"type": "string"}}, "required": ["period", "event"]}},
    "relationships": {"type": "array", "items": {"type": "object", "properties": {"from": {"type": "string"}, "to": {"type": "string"}, "description": {"type": "string"}}, "required": ["from", "to", "description"]}}
  },
  "required": ["key_points", "timeline", "relationships"]
}`
}

// Synthesize runs the reduction. Malformed output is retried by the
// generation layer; exhausting the retry budget surfaces as an error the
// controller reports through handleError.
func (s *Synthesizer) Synthesize(ctx context.Context, class Classification, rs *ResultSet) (*Synthesis, error) {
	prompt := fmt.Sprintf("Question: %s\n\n%s", class.Query, FormatResults(rs, 30))

	var synthesis Synthesis
	err := s.Gen.GenerateJSON(ctx, prompt, llm.Options{
		SystemPrompt: synthesizerSystemPrompt + "\n\n# Response Format:\n" + synthesizerSchema(),
		Temperature:  0.2,
	}, &synthesis)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	s.Logger.Info("Synthesis complete", "key_points", len(synthesis.KeyPoints), "timeline", len(synthesis.Timeline))
	return &synthesis, nil
}

// FormatResults renders a result set as prompt text, capped at maxResults
// entries across the buckets, primary evidence first.
func FormatResults(rs *ResultSet, maxResults int) string {
	var sb strings.Builder
	count := 0

	writeBucket := func(name string, results []SearchResult) {
		for _, r := range results {
			if count >= maxResults {
				return
			}
			count++
			sb.WriteString(fmt.Sprintf("[%s | %s] %s\n%s\n\n", name, r.Source, r.Title, r.Content))
		}
	}

	writeBucket("primary", rs.Primary)
	writeBucket("supporting", rs.Supporting)
	writeBucket("context", rs.Context)

	if sb.Len() == 0 {
		return "(no search results)"
	}
	return sb.String()
}
