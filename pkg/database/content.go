package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingProject guards the project-scoping invariant: every structured
// search must name the owning project or it is rejected outright.
var ErrMissingProject = errors.New("content filter requires a project id")

// ContentRecord is one typed row of book_content.
type ContentRecord struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ContentType string         `json:"content_type"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Chapter     int            `json:"chapter"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ContentFilter is a conjunction of field predicates against book_content.
type ContentFilter struct {
	ProjectID    string
	ContentTypes []string
	// TextQuery runs a full-text match against the content column.
	TextQuery string
	// Metadata supports the $and/$or/$not operators plus simple equality.
	Metadata map[string]any
	// MaxChapter limits results to content at or before a chapter position,
	// used for temporally scoped context lookups (e.g. "prior events").
	MaxChapter int
	// ExcludeIDs drops rows already retrieved by an earlier pass.
	ExcludeIDs []string
	Limit      int
}

// SearchContent runs a structured query against book_content. Rows are
// ordered by full-text rank when a text query is present, by chapter
// otherwise.
func (db *PostgresDB) SearchContent(ctx context.Context, f ContentFilter) ([]ContentRecord, error) {
	if f.ProjectID == "" {
		return nil, ErrMissingProject
	}

	var args []any
	conditions := []string{}

	args = append(args, f.ProjectID)
	conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))

	if len(f.ContentTypes) > 0 {
		args = append(args, f.ContentTypes)
		conditions = append(conditions, fmt.Sprintf("content_type = ANY($%d)", len(args)))
	}

	if f.MaxChapter > 0 {
		args = append(args, f.MaxChapter)
		conditions = append(conditions, fmt.Sprintf("chapter <= $%d", len(args)))
	}

	if len(f.ExcludeIDs) > 0 {
		args = append(args, f.ExcludeIDs)
		conditions = append(conditions, fmt.Sprintf("NOT (id::text = ANY($%d))", len(args)))
	}

	orderBy := "chapter ASC, created_at ASC"
	if f.TextQuery != "" {
		args = append(args, f.TextQuery)
		conditions = append(conditions, fmt.Sprintf("to_tsvector('english', content) @@ plainto_tsquery('english', $%d)", len(args)))
		orderBy = fmt.Sprintf("ts_rank(to_tsvector('english', content), plainto_tsquery('english', $%d)) DESC", len(args))
	}

	if len(f.Metadata) > 0 {
		metaClause, err := buildMetadataQuery(f.Metadata, &args)
		if err != nil {
			return nil, fmt.Errorf("failed to build metadata filter: %w", err)
		}
		conditions = append(conditions, metaClause)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, project_id, content_type, title, content, chapter, metadata, created_at
		FROM book_content
		WHERE %s
		ORDER BY %s
		LIMIT $%d
	`, strings.Join(conditions, " AND "), orderBy, len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search content: %w", err)
	}
	defer rows.Close()

	var records []ContentRecord
	for rows.Next() {
		var rec ContentRecord
		var metadataJSON []byte
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.ContentType, &rec.Title, &rec.Content, &rec.Chapter, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// AddContent inserts structured records, used by the ingestion path.
func (db *PostgresDB) AddContent(ctx context.Context, records []ContentRecord) error {
	for _, rec := range records {
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = db.Pool.Exec(ctx, `
			INSERT INTO book_content (project_id, content_type, title, content, chapter, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.ProjectID, rec.ContentType, rec.Title, rec.Content, rec.Chapter, metadataJSON)
		if err != nil {
			return fmt.Errorf("failed to insert content: %w", err)
		}
	}
	return nil
}

// buildMetadataQuery recursively builds a SQL WHERE clause for a filter map.
// Supports logical operators $and, $or, $not; everything else is a JSONB
// containment match.
func buildMetadataQuery(filter map[string]any, args *[]any) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}

	var conditions []string

	for key, value := range filter {
		switch key {
		case "$and", "$or":
			list, ok := value.([]any)
			if !ok {
				return "", fmt.Errorf("value for %s must be a list of conditions", key)
			}
			var subConditions []string
			for _, item := range list {
				subMap, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("item in %s list must be a JSON object", key)
				}
				subQuery, err := buildMetadataQuery(subMap, args)
				if err != nil {
					return "", err
				}
				subConditions = append(subConditions, "("+subQuery+")")
			}

			if len(subConditions) == 0 {
				continue
			}

			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(subConditions, op)+")")

		case "$not":
			subMap, ok := value.(map[string]any)
			if !ok {
				return "", fmt.Errorf("value for $not must be a JSON object")
			}
			subQuery, err := buildMetadataQuery(subMap, args)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+subQuery+")")

		default:
			pair := map[string]any{key: value}
			jsonBytes, err := json.Marshal(pair)
			if err != nil {
				return "", fmt.Errorf("failed to marshal metadata pair: %w", err)
			}
			*args = append(*args, jsonBytes)
			conditions = append(conditions, fmt.Sprintf("metadata @> $%d", len(*args)))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}

	return strings.Join(conditions, " AND "), nil
}
