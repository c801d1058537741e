// Package indexer ingests workspace files into the vector store: fetch,
// chunk, embed, replace.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/hexbase/runnerd/internal/embedding"
	"github.com/hexbase/runnerd/internal/metrics"
	"github.com/hexbase/runnerd/internal/objectstore"
	"github.com/hexbase/runnerd/internal/splitter"
	"github.com/hexbase/runnerd/internal/vectorstore"
	"github.com/hexbase/runnerd/pkg/types"
)

// Service indexes workspaces. All fields except Metrics are required.
type Service struct {
	Objects  objectstore.Client
	Bucket   string
	Splitter *splitter.Splitter
	Embedder embedding.Embedder
	Vectors  vectorstore.Store
	Dim      int
	Metrics  *metrics.Collector
}

// IndexWorkspace processes every manifest entry. Per-file semantics:
// deleted or unreadable files tombstone their previous chunks, binary
// files are skipped, and each indexed file's chunks replace its previous
// chunks atomically enough for retrieval (delete then insert). File-level
// failures are collected in the summary; only a collection-level failure
// aborts the run.
func (s *Service) IndexWorkspace(ctx context.Context, req types.IndexRequest) (types.IndexSummary, error) {
	var summary types.IndexSummary

	if err := s.Vectors.EnsureCollection(ctx, s.Dim); err != nil {
		return summary, fmt.Errorf("ensure collection: %w", err)
	}

	for _, f := range req.Files {
		if f.R2ObjectKey == "" || f.FilePath == "" {
			summary.Skipped++
			continue
		}
		n, err := s.indexFile(ctx, req.WorkspaceID, f)
		switch {
		case err != nil:
			log.WithError(err).WithFields(log.Fields{
				"workspace_id": req.WorkspaceID,
				"file_path":    f.FilePath,
			}).Error("Failed to index file")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: indexing failed", f.FilePath))
		case n == 0:
			summary.Skipped++
		default:
			summary.Indexed++
			if s.Metrics != nil {
				s.Metrics.RecordChunksIndexed(n)
			}
		}
	}

	// Best effort: retrieval degrades to a scan without the text index.
	if err := s.Vectors.EnsureTextIndex(ctx); err != nil {
		log.WithError(err).Warn("Failed to ensure full-text index")
	}

	if summary.Indexed == 0 && summary.Skipped == 0 && len(summary.Errors) > 0 {
		return summary, errors.New("indexing failed for every file")
	}

	log.WithFields(log.Fields{
		"workspace_id": req.WorkspaceID,
		"indexed":      summary.Indexed,
		"skipped":      summary.Skipped,
		"errors":       len(summary.Errors),
	}).Info("Workspace indexed")
	return summary, nil
}

// indexFile returns the number of chunks written, 0 when the file was
// skipped or tombstoned.
func (s *Service) indexFile(ctx context.Context, workspaceID string, f types.FileRef) (int, error) {
	content, err := s.Objects.Fetch(ctx, s.Bucket, f.R2ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		// The file is gone from storage; drop its stale chunks.
		if err := s.Vectors.DeleteFile(ctx, workspaceID, f.FilePath); err != nil {
			return 0, fmt.Errorf("tombstone: %w", err)
		}
		log.WithFields(log.Fields{
			"workspace_id": workspaceID,
			"file_path":    f.FilePath,
		}).Info("Source object missing, removed stale chunks")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if !utf8.Valid(content) {
		log.WithFields(log.Fields{
			"workspace_id": workspaceID,
			"file_path":    f.FilePath,
		}).Info("Skipping non-text file")
		return 0, nil
	}

	chunks, err := s.Splitter.ChunkFile(f.FilePath, string(content))
	if err != nil {
		return 0, fmt.Errorf("chunk: %w", err)
	}

	if err := s.Vectors.DeleteFile(ctx, workspaceID, f.FilePath); err != nil {
		return 0, fmt.Errorf("replace old chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.Embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	records := make([]types.IndexRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = types.IndexRecord{
			WorkspaceID: workspaceID,
			FilePath:    f.FilePath,
			Text:        chunk,
			Vector:      vectors[i],
		}
	}
	if err := s.Vectors.Insert(ctx, records); err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	return len(records), nil
}
