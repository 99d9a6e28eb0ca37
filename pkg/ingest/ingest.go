package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/41rumble/intelligent-rag-server/pkg/database"
	"github.com/41rumble/intelligent-rag-server/pkg/embeddings"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// Ingester loads book text into both retrieval backends: chunks with
// embeddings into pgvector, and typed passage records into book_content.
type Ingester struct {
	DB           *database.PostgresDB
	Embedder     *embeddings.GoogleEmbedder
	Collection   string
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
}

func New(db *database.PostgresDB, embedder *embeddings.GoogleEmbedder, collection string, chunkSize, chunkOverlap int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 {
		chunkOverlap = 200
	}
	return &Ingester{
		DB:           db,
		Embedder:     embedder,
		Collection:   collection,
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Logger:       slog.Default(),
	}
}

// IngestFile splits a plain-text file into chunks, embeds them and stores
// them under the given project. Chapter positions are approximated by chunk
// order; a richer ingest would parse chapter headings.
func (ing *Ingester) IngestFile(ctx context.Context, projectID, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := ing.DB.EnsureVectorExtension(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure vector extension: %w", err)
	}
	if err := ing.DB.CreateEmbeddingsTable(ctx, ing.Collection, ing.Embedder.Dimension()); err != nil {
		return 0, fmt.Errorf("failed to create embeddings table: %w", err)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ing.ChunkSize),
		textsplitter.WithChunkOverlap(ing.ChunkOverlap),
	)
	chunks, err := splitter.SplitText(string(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to split text: %w", err)
	}

	source := filepath.Base(path)
	ing.Logger.Info("Ingesting file", "source", source, "project", projectID, "chunks", len(chunks))

	store, err := vectorstore.NewPGVectorStore(ing.DB.Pool, ing.Collection)
	if err != nil {
		return 0, fmt.Errorf("invalid collection name: %w", err)
	}

	// Embed with bounded concurrency, store in chunk order.
	type embedded struct {
		idx int
		vec []float32
		err error
	}
	results := make([]embedded, len(chunks))
	semaphore := make(chan struct{}, 3)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		wg.Add(1)
		go func(idx int, text string) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			vec, err := ing.Embedder.EmbedText(ctx, text)
			results[idx] = embedded{idx: idx, vec: vec, err: err}
		}(i, chunk)
	}
	wg.Wait()

	documents := make([]vectorstore.Document, 0, len(chunks))
	records := make([]database.ContentRecord, 0, len(chunks))
	for i, chunk := range chunks {
		if results[i].err != nil {
			ing.Logger.Error("Failed to embed chunk, skipping", "chunk", i, "error", results[i].err)
			continue
		}
		title := chunkTitle(chunk)
		documents = append(documents, vectorstore.Document{
			Content: chunk,
			Metadata: map[string]any{
				"project_id":   projectID,
				"source":       source,
				"content_type": "passage",
				"title":        title,
				"position":     i,
			},
			Embedding: results[i].vec,
		})
		records = append(records, database.ContentRecord{
			ProjectID:   projectID,
			ContentType: "passage",
			Title:       title,
			Content:     chunk,
			Chapter:     i + 1,
			Metadata:    map[string]any{"source": source, "position": i},
		})
	}

	if len(documents) == 0 {
		return 0, fmt.Errorf("no chunks could be embedded")
	}

	if err := store.AddDocuments(ctx, documents); err != nil {
		return 0, fmt.Errorf("failed to add documents to vector store: %w", err)
	}
	if err := ing.DB.AddContent(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to add structured records: %w", err)
	}

	ing.Logger.Info("Ingest complete", "source", source, "stored", len(documents))
	return len(documents), nil
}

// chunkTitle takes the first line of a chunk as a display title.
func chunkTitle(chunk string) string {
	line := chunk
	if idx := strings.IndexByte(chunk, '\n'); idx > 0 {
		line = chunk[:idx]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > 80 {
		line = string(runes[:80])
	}
	return line
}
