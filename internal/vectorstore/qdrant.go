package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/hexbase/runnerd/pkg/types"
)

// Payload field names of a chunk point.
const (
	fieldWorkspaceID = "workspace_id"
	fieldFilePath    = "file_path"
	fieldText        = "text"
)

// QdrantStore implements Store on a Qdrant collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// Config holds Qdrant connection settings.
type Config struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	Collection string
}

func NewQdrantStore(cfg Config) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init qdrant client: %w", err)
	}
	return &QdrantStore{client: client, collection: cfg.Collection}, nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %q: %w", s.collection, err)
	}
	return nil
}

func (s *QdrantStore) EnsureTextIndex(ctx context.Context) error {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      fieldText,
		FieldType:      qdrant.FieldType_FieldTypeText.Enum(),
	})
	if err != nil {
		return fmt.Errorf("create text index: %w", err)
	}
	return nil
}

// DeleteFile removes the file's previous chunks so re-indexing replaces
// rather than accumulates.
func (s *QdrantStore) DeleteFile(ctx context.Context, workspaceID, filePath string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldWorkspaceID, workspaceID),
				qdrant.NewMatch(fieldFilePath, filePath),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete chunks of %q: %w", filePath, err)
	}
	return nil
}

func (s *QdrantStore) Insert(ctx context.Context, records []types.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldWorkspaceID: r.WorkspaceID,
				fieldFilePath:    r.FilePath,
				fieldText:        r.Text,
			}),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert %d chunks: %w", len(points), err)
	}
	return nil
}

func (s *QdrantStore) VectorSearch(ctx context.Context, workspaceID string, vector []float32, limit int) ([]Hit, error) {
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldWorkspaceID, workspaceID)},
		},
		Limit:       qdrant.PtrOf(uint64(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			WorkspaceID: p.Payload[fieldWorkspaceID].GetStringValue(),
			FilePath:    p.Payload[fieldFilePath].GetStringValue(),
			Text:        p.Payload[fieldText].GetStringValue(),
			Score:       p.Score,
		})
	}
	return hits, nil
}

// KeywordSearch matches the full-text payload index. Without the index the
// MatchText condition errors and the caller falls back.
func (s *QdrantStore) KeywordSearch(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldWorkspaceID, workspaceID),
				qdrant.NewMatchText(fieldText, query),
			},
		},
		Limit:       qdrant.PtrOf(uint32(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			WorkspaceID: p.Payload[fieldWorkspaceID].GetStringValue(),
			FilePath:    p.Payload[fieldFilePath].GetStringValue(),
			Text:        p.Payload[fieldText].GetStringValue(),
		})
	}
	return hits, nil
}
