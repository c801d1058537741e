package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hexbase/runnerd/pkg/types"
)

// MemoryStore is an in-memory Store for tests and local development.
// Vector search is exact cosine similarity; keyword search is substring
// match over the chunk text.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []types.IndexRecord

	// FailKeyword simulates a collection without a text index.
	FailKeyword bool
	textIndexed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) EnsureCollection(context.Context, int) error { return nil }

func (s *MemoryStore) EnsureTextIndex(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textIndexed = true
	return nil
}

// TextIndexed reports whether EnsureTextIndex ran. Test observability.
func (s *MemoryStore) TextIndexed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.textIndexed
}

func (s *MemoryStore) DeleteFile(_ context.Context, workspaceID, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.WorkspaceID == workspaceID && r.FilePath == filePath {
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, records []types.IndexRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, records...)
	return nil
}

// Rows returns a copy of the stored records. Test observability.
func (s *MemoryStore) Rows() []types.IndexRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.IndexRecord, len(s.rows))
	copy(out, s.rows)
	return out
}

func (s *MemoryStore) VectorSearch(_ context.Context, workspaceID string, vector []float32, limit int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, r := range s.rows {
		if r.WorkspaceID != workspaceID {
			continue
		}
		hits = append(hits, Hit{
			WorkspaceID: r.WorkspaceID,
			FilePath:    r.FilePath,
			Text:        r.Text,
			Score:       cosine(vector, r.Vector),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryStore) KeywordSearch(_ context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	if s.FailKeyword {
		return nil, errors.New("text index missing")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var hits []Hit
	for _, r := range s.rows {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if strings.Contains(strings.ToLower(r.Text), needle) {
			hits = append(hits, Hit{WorkspaceID: r.WorkspaceID, FilePath: r.FilePath, Text: r.Text})
		}
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
