package pipeline

import (
	"context"
	"fmt"

	"github.com/41rumble/intelligent-rag-server/pkg/embeddings"
	"github.com/41rumble/intelligent-rag-server/pkg/vectorstore"
)

// VectorBackend adapts the embedder plus pgvector store pair to the
// VectorSearcher capability: embed the query, then search.
type VectorBackend struct {
	Store    *vectorstore.PGVectorStore
	Embedder *embeddings.GoogleEmbedder
}

func NewVectorBackend(store *vectorstore.PGVectorStore, embedder *embeddings.GoogleEmbedder) *VectorBackend {
	return &VectorBackend{Store: store, Embedder: embedder}
}

func (b *VectorBackend) Search(ctx context.Context, query string, params vectorstore.SearchParams) ([]vectorstore.SimilaritySearchResult, error) {
	embedding, err := b.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return b.Store.SimilaritySearch(ctx, embedding, params)
}
