package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document represents a document with embeddings
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// SearchParams controls a similarity search.
type SearchParams struct {
	TopK int
	// Filter restricts hits by JSONB containment on metadata; the caller is
	// responsible for always including project scoping here.
	Filter map[string]any
	// ExcludeIDs drops rows already retrieved by an earlier pass, so the
	// refinement query does not pay for hits it will throw away.
	ExcludeIDs []string
	// RerankWeights multiply the similarity score per metadata content_type,
	// letting query-type specific tables boost e.g. character profiles for
	// character analysis queries. Unlisted types keep weight 1.0.
	RerankWeights map[string]float64
}

// PGVectorStore handles pgvector operations
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// isValidTableName validates that a table name contains only safe characters
// to prevent SQL injection attacks
func isValidTableName(name string) bool {
	// Only allow alphanumeric characters and underscores
	// Table names must start with a letter or underscore and be between 1-63 chars (PostgreSQL limit)
	matched, _ := regexp.MatchString(`^[a-z_][a-zA-Z0-9_]{0,62}$`, name)
	return matched
}

// NewPGVectorStore creates a new PGVector store
func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name: must contain only alphanumeric characters and underscores, start with a letter or underscore, and be 1-63 characters long")
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: tableName,
	}, nil
}

// AddDocuments adds documents with embeddings to the vector store
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, pgx.Identifier{vs.tableName}.Sanitize())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		embedding := pgvector.NewVector(doc.Embedding)
		batch.Queue(query, doc.Content, metadataJSON, embedding)
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}

	return nil
}

// SimilaritySearchResult represents a search result with score
type SimilaritySearchResult struct {
	Document Document
	Score    float64
}

// SimilaritySearch performs a filtered similarity search and reranks the hits
// by the per-type weight table.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, params SearchParams) ([]SimilaritySearchResult, error) {
	topK := params.TopK
	if topK <= 0 {
		topK = 5
	}

	embedding := pgvector.NewVector(queryEmbedding)
	args := []any{embedding}
	where := "TRUE"

	if len(params.Filter) > 0 {
		filterJSON, err := json.Marshal(params.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal filter: %w", err)
		}
		args = append(args, filterJSON)
		where = fmt.Sprintf("metadata @> $%d", len(args))
	}

	if len(params.ExcludeIDs) > 0 {
		args = append(args, params.ExcludeIDs)
		where += fmt.Sprintf(" AND NOT (id::text = ANY($%d))", len(args))
	}

	args = append(args, topK)
	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) as similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, pgx.Identifier{vs.tableName}.Sanitize(), where, len(args))

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilaritySearchResult
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		results = append(results, SimilaritySearchResult{
			Document: doc,
			Score:    similarity,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return Rerank(results, params.RerankWeights), nil
}

// Rerank applies the per-content-type weight table and re-sorts by the
// adjusted score. A nil table is a no-op.
func Rerank(results []SimilaritySearchResult, weights map[string]float64) []SimilaritySearchResult {
	if len(weights) == 0 {
		return results
	}
	for i := range results {
		ct, _ := results[i].Document.Metadata["content_type"].(string)
		if w, ok := weights[ct]; ok {
			results[i].Score *= w
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}
