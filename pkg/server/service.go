package server

import (
	"context"
	"log/slog"

	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/pipeline"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// Service glues the HTTP surface to the pipeline and owns answer
// persistence.
type Service struct {
	DB         *database.PostgresDB
	Controller *pipeline.Controller
	Streams    *pipeline.StreamManager
	Vector     pipeline.VectorSearcher
	ProjectID  string
	Logger     *slog.Logger
}

func NewService(db *database.PostgresDB, controller *pipeline.Controller, streams *pipeline.StreamManager, vector pipeline.VectorSearcher, projectID string) *Service {
	s := &Service{
		DB:         db,
		Controller: controller,
		Streams:    streams,
		Vector:     vector,
		ProjectID:  projectID,
		Logger:     slog.Default(),
	}
	controller.OnFinalized = s.persistFinal
	return s
}

// Ask runs the synchronous phase of the pipeline and records the request in
// the query log. Log persistence is best-effort; a failed insert never fails
// the request.
func (s *Service) Ask(ctx context.Context, projectID, query string, thinkingDepth int) (*pipeline.ProcessResult, error) {
	if projectID == "" {
		projectID = s.ProjectID
	}

	result, err := s.Controller.Process(ctx, projectID, query, thinkingDepth)
	if err != nil {
		return nil, err
	}

	qt, _ := result.Metadata["query_type"].(string)
	complexity, _ := result.Metadata["complexity"].(int)
	go s.logQuery(result.RequestID, projectID, query, qt, complexity, result.Quick.Answer)

	return result, nil
}

func (s *Service) logQuery(requestID, projectID, query, queryType string, complexity int, quickAnswer string) {
	if s.DB == nil {
		return
	}
	if queryType == "" {
		queryType = pipeline.QueryTypeUnknown
	}
	if complexity == 0 {
		complexity = 5
	}
	_, err := s.DB.Pool.Exec(context.Background(), `
		INSERT INTO query_log (id, project_id, query, query_type, complexity, quick_answer)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, requestID, projectID, query, queryType, complexity, quickAnswer)
	if err != nil {
		s.Logger.Error("Failed to write query log", "request_id", requestID, "error", err)
	}
}

func (s *Service) persistFinal(requestID string, class pipeline.Classification, final pipeline.FinalAnswer) {
	if s.DB == nil {
		return
	}
	_, err := s.DB.Pool.Exec(context.Background(), `
		UPDATE query_log SET final_answer = $2, status = 'finalized', updated_at = NOW() WHERE id = $1
	`, requestID, final.Answer)
	if err != nil {
		s.Logger.Error("Failed to persist final answer", "request_id", requestID, "error", err)
	}
}

// SearchVector exposes raw vector search for the MCP surface.
func (s *Service) SearchVector(ctx context.Context, query string, topK int, projectID string) ([]vectorstore.SimilaritySearchResult, error) {
	if projectID == "" {
		projectID = s.ProjectID
	}
	if topK <= 0 {
		topK = 5
	}
	return s.Vector.Search(ctx, query, vectorstore.SearchParams{
		TopK:   topK,
		Filter: map[string]any{"project_id": projectID},
	})
}
