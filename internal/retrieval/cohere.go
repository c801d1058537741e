package retrieval

import (
	"context"
	"fmt"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
)

// CohereReranker implements Reranker on the Cohere rerank API.
type CohereReranker struct {
	client *cohereclient.Client
	model  string
}

func NewCohereReranker(apiKey, model string) *CohereReranker {
	return &CohereReranker{
		client: cohereclient.NewClient(cohereclient.WithToken(apiKey)),
		model:  model,
	}
}

func (r *CohereReranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	items := make([]*cohere.RerankRequestDocumentsItem, len(docs))
	for i, d := range docs {
		items[i] = &cohere.RerankRequestDocumentsItem{String: d}
	}

	resp, err := r.client.Rerank(ctx, &cohere.RerankRequest{
		Model:     cohere.String(r.model),
		Query:     query,
		Documents: items,
		TopN:      cohere.Int(topN),
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	ranked := make([]RankedDoc, 0, len(resp.Results))
	for _, res := range resp.Results {
		ranked = append(ranked, RankedDoc{Index: res.Index, Score: res.RelevanceScore})
	}
	return ranked, nil
}
