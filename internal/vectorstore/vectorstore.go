// Package vectorstore persists and searches embedded code chunks.
package vectorstore

import (
	"context"

	"github.com/hexbase/runnerd/pkg/types"
)

// Hit is one search result before reranking.
type Hit struct {
	WorkspaceID string
	FilePath    string
	Text        string
	Score       float32
}

// Store is the vector database boundary. Qdrant is the production
// implementation; tests use an in-memory fake.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, dim int) error
	// EnsureTextIndex creates the full-text payload index on the chunk
	// text. Best effort: keyword search falls back to a scan without it.
	EnsureTextIndex(ctx context.Context) error
	// DeleteFile removes every chunk of (workspaceID, filePath).
	DeleteFile(ctx context.Context, workspaceID, filePath string) error
	// Insert writes chunk records with fresh IDs.
	Insert(ctx context.Context, records []types.IndexRecord) error
	// VectorSearch returns the nearest chunks in the workspace.
	VectorSearch(ctx context.Context, workspaceID string, vector []float32, limit int) ([]Hit, error)
	// KeywordSearch returns chunks whose text matches the query terms.
	KeywordSearch(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error)
}
