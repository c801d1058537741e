package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbase/runnerd/internal/objectstore"
	"github.com/hexbase/runnerd/internal/splitter"
	"github.com/hexbase/runnerd/internal/vectorstore"
	"github.com/hexbase/runnerd/pkg/types"
)

type fakeObjects struct{ objects map[string][]byte }

func (f *fakeObjects) Download(_ context.Context, _, key string, w io.Writer) error {
	data, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("object %q: %w", key, objectstore.ErrNotFound)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeObjects) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Download(ctx, bucket, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fakeEmbedder returns a deterministic unit vector per text.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func newService(objects map[string][]byte, store vectorstore.Store) *Service {
	return &Service{
		Objects:  &fakeObjects{objects: objects},
		Bucket:   "bucket",
		Splitter: splitter.New(1000, 200),
		Embedder: &fakeEmbedder{},
		Vectors:  store,
		Dim:      3,
	}
}

func TestIndexWorkspaceHappyPath(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	s := newService(map[string][]byte{
		"ws/a.py": []byte("def f():\n    return 1\n"),
		"ws/b.md": []byte("# readme\nsome docs\n"),
	}, store)

	summary, err := s.IndexWorkspace(context.Background(), types.IndexRequest{
		WorkspaceID: "ws-1",
		Files: []types.FileRef{
			{R2ObjectKey: "ws/a.py", FilePath: "a.py"},
			{R2ObjectKey: "ws/b.md", FilePath: "b.md"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Indexed)
	assert.Zero(t, summary.Skipped)
	assert.Empty(t, summary.Errors)

	rows := store.Rows()
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.Equal(t, "ws-1", r.WorkspaceID)
		assert.Len(t, r.Vector, 3)
	}
	assert.True(t, store.TextIndexed())
}

func TestIndexWorkspaceReplacesPreviousChunks(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	s := newService(map[string][]byte{"ws/a.py": []byte("x = 1\n")}, store)
	req := types.IndexRequest{
		WorkspaceID: "ws-1",
		Files:       []types.FileRef{{R2ObjectKey: "ws/a.py", FilePath: "a.py"}},
	}

	_, err := s.IndexWorkspace(context.Background(), req)
	require.NoError(t, err)
	_, err = s.IndexWorkspace(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, store.Rows(), 1, "re-indexing must not duplicate chunks")
}

func TestIndexWorkspaceTombstonesMissingObjects(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Insert(context.Background(), []types.IndexRecord{
		{WorkspaceID: "ws-1", FilePath: "gone.py", Text: "old", Vector: []float32{1, 0, 0}},
	}))

	s := newService(map[string][]byte{}, store)
	summary, err := s.IndexWorkspace(context.Background(), types.IndexRequest{
		WorkspaceID: "ws-1",
		Files:       []types.FileRef{{R2ObjectKey: "ws/gone.py", FilePath: "gone.py"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, store.Rows(), "stale chunks of the deleted file are removed")
}

func TestIndexWorkspaceSkipsBinaryAndIncompleteEntries(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	s := newService(map[string][]byte{
		"ws/bin": {0xff, 0xfe, 0x00, 0x80},
	}, store)

	summary, err := s.IndexWorkspace(context.Background(), types.IndexRequest{
		WorkspaceID: "ws-1",
		Files: []types.FileRef{
			{R2ObjectKey: "ws/bin", FilePath: "data.bin"},
			{R2ObjectKey: "", FilePath: "nokey.py"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Indexed)
	assert.Empty(t, store.Rows())
}

func TestIndexWorkspaceAllFailuresIsAnError(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	s := newService(nil, store)
	s.Objects = failingObjects{}

	summary, err := s.IndexWorkspace(context.Background(), types.IndexRequest{
		WorkspaceID: "ws-1",
		Files:       []types.FileRef{{R2ObjectKey: "k", FilePath: "a.py"}},
	})
	assert.Error(t, err)
	assert.Len(t, summary.Errors, 1)
	assert.NotContains(t, summary.Errors[0], "backend exploded", "backend detail stays out of the summary")
}

type failingObjects struct{}

func (failingObjects) Download(context.Context, string, string, io.Writer) error {
	return fmt.Errorf("backend exploded")
}

func (failingObjects) Fetch(context.Context, string, string) ([]byte, error) {
	return nil, fmt.Errorf("backend exploded")
}
