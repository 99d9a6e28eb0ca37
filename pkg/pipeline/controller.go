package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/41rumble/intelligent-rag-server/pkg/llm"
)

// ErrOutOfDomain rejects queries unrelated to the project's book before any
// background work starts.
var ErrOutOfDomain = errors.New("query is out of scope for this project")

// ProcessResult is what the caller of Process gets back: the quick answer and
// enough metadata to follow the refinement.
type ProcessResult struct {
	RequestID string         `json:"requestId"`
	Quick     QuickAnswer    `json:"quick"`
	Metadata  map[string]any `json:"metadata"`
	Log       []string       `json:"log"`
}

// Controller is the top-level orchestrator: classification, quick answer,
// then a decoupled background refinement that streams state through the
// StreamManager.
type Controller struct {
	Streams    *StreamManager
	Classifier *Classifier
	Router     *Router
	Synth      *Synthesizer
	// Gen serves the synchronous path (domain check, quick answer) and should
	// be the fast model. FinalGen serves final answer generation; defaults to
	// Gen when unset.
	Gen      Generator
	FinalGen Generator
	Logger   *slog.Logger

	// ProjectTitle names the book for relevance checks and prompts.
	ProjectTitle string

	// OnFinalized, when set, is called after a refinement finalizes; the
	// server uses it to persist the answer to the query log.
	OnFinalized func(requestID string, class Classification, final FinalAnswer)

	// refineHook lets tests observe background completion. Nil in production.
	refineHook func(requestID string)
}

func NewController(streams *StreamManager, classifier *Classifier, router *Router, synth *Synthesizer, gen Generator) *Controller {
	return &Controller{
		Streams:    streams,
		Classifier: classifier,
		Router:     router,
		Synth:      synth,
		Gen:        gen,
		FinalGen:   gen,
		Logger:     slog.Default(),
	}
}

// Process runs the synchronous phase: domain validation, classification, one
// constrained search pass and the quick answer. The background refinement is
// spawned and not awaited; its failures reach the stream as error updates,
// never this caller.
func (c *Controller) Process(ctx context.Context, projectID, query string, thinkingDepth int) (*ProcessResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrOutOfDomain)
	}

	// 1. Domain validation, before any other model call.
	if err := c.validateDomain(ctx, query); err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	if err := c.Streams.InitializeStream(requestID, projectID, query); err != nil {
		return nil, fmt.Errorf("failed to initialize stream: %w", err)
	}

	logLines := []string{fmt.Sprintf("request %s accepted", requestID)}

	// 2. Classify. Failures degrade inside the classifier; never fatal.
	class := c.Classifier.ClassifyQuery(ctx, projectID, query)
	logLines = append(logLines, fmt.Sprintf("classified as %s (complexity %d)", class.QueryType, class.QueryComplexity))

	// 3. Constrained quick pass: fixed low complexity, no auxiliary context.
	quickResults, err := c.Router.RouteQuery(ctx, class, RouteOptions{Constrained: true})
	if err != nil {
		c.Streams.HandleError(requestID, err)
		return nil, fmt.Errorf("quick search pass failed: %w", err)
	}
	logLines = append(logLines, fmt.Sprintf("quick pass retrieved %d results", quickResults.Total()))

	quick, err := c.generateQuickAnswer(ctx, class, quickResults)
	if err != nil {
		c.Streams.HandleError(requestID, err)
		return nil, fmt.Errorf("quick answer generation failed: %w", err)
	}

	// 4. Publish and return control immediately.
	c.Streams.StreamInitialAnswer(requestID, *quick)
	logLines = append(logLines, "quick answer published")

	// 5. Fire-and-forget refinement bound to its own context; the handler's
	// request context dies when this function returns.
	go c.refine(requestID, class, quickResults, thinkingDepth)

	return &ProcessResult{
		RequestID: requestID,
		Quick:     *quick,
		Metadata: map[string]any{
			"query_type":     class.QueryType,
			"complexity":     class.QueryComplexity,
			"quick_results":  quickResults.Total(),
			"thinking_depth": thinkingDepth,
		},
		Log: logLines,
	}, nil
}

// validateDomain asks the fast model whether the question concerns the book.
// A failed call degrades to in-domain; only an explicit negative verdict
// rejects.
func (c *Controller) validateDomain(ctx context.Context, query string) error {
	title := c.ProjectTitle
	if title == "" {
		title = "the book"
	}

	var verdict struct {
		Relevant bool `json:"relevant"`
	}
	err := c.Gen.GenerateJSON(ctx,
		fmt.Sprintf("Question: %s", query),
		llm.Options{
			SystemPrompt: fmt.Sprintf(`You decide whether a question can be answered from %s, its characters, events, settings, or its historical context.
Return the JSON object directly: {"relevant": true} or {"relevant": false}`, title),
			Temperature: 0.0,
			MaxAttempts: 1,
		}, &verdict)
	if err != nil {
		// Relevance-check failures are not retried and never block a request.
		c.Logger.Warn("Domain validation call failed, assuming in-domain", "error", err)
		return nil
	}
	if !verdict.Relevant {
		return ErrOutOfDomain
	}
	return nil
}

const quickAnswerSchemaText = `Return the JSON object directly without any formatting or additional text:{
  "type": "object",
  "properties": {
    "answer": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "expect_enhancement": {"type": "boolean"}
  },
  "required": ["answer", "confidence", "expect_enhancement"]
}`

// generateQuickAnswer answers strictly from the single top primary (else
// supporting) result. No retrieved context means an honest "not yet known"
// answer flagged for enhancement, not a model guess.
func (c *Controller) generateQuickAnswer(ctx context.Context, class Classification, rs *ResultSet) (*QuickAnswer, error) {
	var top *SearchResult
	if len(rs.Primary) > 0 {
		top = &rs.Primary[0]
	} else if len(rs.Supporting) > 0 {
		top = &rs.Supporting[0]
	}

	if top == nil {
		return &QuickAnswer{
			Answer:            "I don't have enough retrieved context yet to answer; a more thorough search is underway.",
			Confidence:        0.1,
			ExpectEnhancement: true,
		}, nil
	}

	prompt := fmt.Sprintf(`Question: %s

Retrieved context (the ONLY source you may use):
[%s] %s
%s`, class.Query, top.Source, top.Title, top.Content)

	var quick QuickAnswer
	err := c.Gen.GenerateJSON(ctx, prompt, llm.Options{
		SystemPrompt: `Answer the question using ONLY the retrieved context. If the context is insufficient, say so and keep confidence low.
Report your confidence and whether a deeper search is likely to improve the answer.

# Response Format:
` + quickAnswerSchemaText,
		Temperature: 0.3,
	}, &quick)
	if err != nil {
		return nil, err
	}
	return &quick, nil
}

// refinementStages, checked between each with shouldTerminate.
const (
	stageExpanding    = "expanding_query"
	stageSearching    = "full_search"
	stageSynthesizing = "synthesizing"
	stageGenerating   = "generating_answer"
)

// refine is the background refinement task. Every unhandled failure reaches
// HandleError; nothing propagates to the caller who already holds the quick
// answer.
func (c *Controller) refine(requestID string, class Classification, quickResults *ResultSet, thinkingDepth int) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("Refinement panicked", "request_id", requestID, "panic", r)
			c.Streams.HandleError(requestID, fmt.Errorf("refinement panic: %v", r))
		}
		if c.refineHook != nil {
			c.refineHook(requestID)
		}
	}()

	// Bound external calls by the same wall-clock budget the stream enforces.
	ctx, cancel := context.WithTimeout(context.Background(), c.Streams.Budget)
	defer cancel()

	if thinkingDepth < 1 {
		thinkingDepth = 1
	}

	if c.Streams.ShouldTerminate(requestID) {
		return
	}

	// Expand.
	expanded := ExpandQuery(class)
	c.Streams.AddBackgroundUpdate(requestID, stageExpanding, map[string]any{
		"contextual":   len(expanded.Contextual),
		"temporal":     len(expanded.Temporal),
		"relationship": len(expanded.Relationship),
	})

	if c.Streams.ShouldTerminate(requestID) {
		return
	}

	// Full search pass, excluding ids the quick pass already retrieved.
	fullResults, err := c.Router.RouteQuery(ctx, class, RouteOptions{
		ThinkingDepth: thinkingDepth,
		ExcludeIDs:    quickResults.IDs(),
		Expanded:      &expanded,
	})
	if err != nil {
		c.Streams.HandleError(requestID, fmt.Errorf("full search pass failed: %w", err))
		return
	}

	// Quick results first: the evidentiary chain between quick and final
	// answers must survive the merge.
	fullResults.Merge(quickResults)
	c.Streams.AddBackgroundUpdate(requestID, stageSearching, map[string]any{
		"primary":    len(fullResults.Primary),
		"supporting": len(fullResults.Supporting),
		"context":    len(fullResults.Context),
	})

	if c.Streams.ShouldTerminate(requestID) {
		return
	}

	synthesis, err := c.Synth.Synthesize(ctx, class, fullResults)
	if err != nil {
		c.Streams.HandleError(requestID, err)
		return
	}
	c.Streams.AddBackgroundUpdate(requestID, stageSynthesizing, map[string]any{
		"key_points": len(synthesis.KeyPoints),
	})

	if c.Streams.ShouldTerminate(requestID) {
		return
	}

	quick := c.quickAnswerFor(requestID)
	final, err := c.generateFinalAnswer(ctx, class, synthesis, fullResults, quick)
	if err != nil {
		c.Streams.HandleError(requestID, err)
		return
	}

	if c.Streams.ShouldTerminate(requestID) {
		return
	}

	c.Streams.FinalizeResponse(requestID, *final, map[string]any{
		"stage":         stageGenerating,
		"total_results": fullResults.Total(),
		"finished_at":   time.Now().UTC(),
	})

	if c.OnFinalized != nil {
		c.OnFinalized(requestID, class, *final)
	}
}

func (c *Controller) quickAnswerFor(requestID string) string {
	if status, ok := c.Streams.Snapshot(requestID); ok && status.QuickAnswer != nil {
		return status.QuickAnswer.Answer
	}
	return ""
}

const finalAnswerSchemaText = `Return the JSON object directly without any formatting or additional text:{
  "type": "object",
  "properties": {
    "answer": {"type": "string"},
    "corrections": {"type": "array", "items": {"type": "string"}, "description": "Statements from the preliminary answer that the evidence contradicts; empty if none"},
    "consistency_notes": {"type": "string", "description": "How this answer relates to the preliminary answer"},
    "sources": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["answer", "corrections", "consistency_notes", "confidence"]
}`

// generateFinalAnswer produces the refined answer. Reconciliation with the
// quick answer is a required output, not an optional nicety.
func (c *Controller) generateFinalAnswer(ctx context.Context, class Classification, synthesis *Synthesis, rs *ResultSet, quickAnswer string) (*FinalAnswer, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Question: %s\n\n", class.Query))

	if quickAnswer != "" {
		sb.WriteString(fmt.Sprintf("Preliminary answer already shown to the user:\n%s\n\n", quickAnswer))
	}

	sb.WriteString("Key points:\n")
	for _, kp := range synthesis.KeyPoints {
		sb.WriteString("- " + kp + "\n")
	}
	if len(synthesis.Timeline) > 0 {
		sb.WriteString("\nTimeline:\n")
		for _, t := range synthesis.Timeline {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Period, t.Event))
		}
	}
	if len(synthesis.Relationships) > 0 {
		sb.WriteString("\nRelationships:\n")
		for _, rel := range synthesis.Relationships {
			sb.WriteString(fmt.Sprintf("- %s -> %s: %s\n", rel.From, rel.To, rel.Description))
		}
	}
	sb.WriteString("\nSupporting results:\n")
	sb.WriteString(FormatResults(rs, 15))

	gen := c.FinalGen
	if gen == nil {
		gen = c.Gen
	}

	var final FinalAnswer
	err := gen.GenerateJSON(ctx, sb.String(), llm.Options{
		SystemPrompt: `Write the definitive answer from the synthesized evidence.
You MUST reconcile with the preliminary answer: list any statements it made that the evidence contradicts in "corrections", and describe the relation between the two answers in "consistency_notes".

# Response Format:
` + finalAnswerSchemaText,
		Temperature: 0.3,
	}, &final)
	if err != nil {
		return nil, fmt.Errorf("final answer generation failed: %w", err)
	}
	if final.Corrections == nil {
		final.Corrections = []string{}
	}
	return &final, nil
}
