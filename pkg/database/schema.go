package database

import (
	"context"
	"fmt"
)

func (db *PostgresDB) InitSchema(ctx context.Context) error {
	// 1. Structured book content: events, character profiles, locations,
	// chapter summaries and raw passages, all scoped by project.
	contentQuery := `
		CREATE TABLE IF NOT EXISTS book_content (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			project_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			chapter INT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, contentQuery); err != nil {
		return fmt.Errorf("failed to create book_content table: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_book_content_project ON book_content(project_id, content_type)"); err != nil {
		return fmt.Errorf("failed to create index on book_content: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_book_content_chapter ON book_content(project_id, chapter)"); err != nil {
		return fmt.Errorf("failed to create chapter index on book_content: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_book_content_fts
		ON book_content USING gin (to_tsvector('english', content))
	`); err != nil {
		return fmt.Errorf("failed to create fts index on book_content: %w", err)
	}

	// 2. Query log: one row per answered request, written after the quick
	// answer so the dashboard can list recent questions.
	logQuery := `
		CREATE TABLE IF NOT EXISTS query_log (
			id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			query TEXT NOT NULL,
			query_type TEXT NOT NULL DEFAULT 'unknown',
			complexity INT NOT NULL DEFAULT 5,
			quick_answer TEXT,
			final_answer TEXT,
			status TEXT NOT NULL DEFAULT 'quick_answer',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, logQuery); err != nil {
		return fmt.Errorf("failed to create query_log table: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_query_log_created_at ON query_log(created_at DESC)"); err != nil {
		return fmt.Errorf("failed to create index on query_log: %w", err)
	}

	return nil
}
