// Package retrieval answers code-search queries: plan, hypothesize, embed,
// hybrid search, rerank.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hexbase/runnerd/internal/embedding"
	"github.com/hexbase/runnerd/internal/metrics"
	"github.com/hexbase/runnerd/internal/vectorstore"
	"github.com/hexbase/runnerd/pkg/types"
)

// Decision is the planner's verdict on which retrieval sources a query
// needs.
type Decision string

const (
	DecisionCodeAndWeb Decision = "search_code_and_web"
	DecisionCodeOnly   Decision = "search_code_only"
	DecisionWebOnly    Decision = "search_web_only"
	DecisionNone       Decision = "no_retrieval"
)

// IncludesCodeSearch reports whether the decision requires searching the
// workspace index.
func (d Decision) IncludesCodeSearch() bool {
	return d == DecisionCodeAndWeb || d == DecisionCodeOnly
}

// candidateLimit is how many hits each search arm contributes before
// reranking.
const candidateLimit = 10

const plannerPrompt = `Decide which retrieval sources are needed to answer a developer's question about their codebase. Answer with exactly one of: search_code_and_web, search_code_only, search_web_only, no_retrieval.

search_code_only: the question is about this specific codebase.
search_web_only: the question is about general programming knowledge, libraries or APIs.
search_code_and_web: the question needs both.
no_retrieval: the question is conversational or needs no lookup.

Question: %s
Answer:`

const hydePrompt = `You are an expert programmer. Given the following question about a codebase, write a short hypothetical code snippet with a docstring that would be the ideal answer. Output only the code, with no explanation or markdown fences.

Question: %s`

// RankedDoc is one rerank result: the candidate's position in the input
// slice and its relevance.
type RankedDoc struct {
	Index int
	Score float64
}

// Reranker orders candidate documents by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error)
}

// Core is the retrieval pipeline. Vectors and Embedder are required; LLM
// and Reranker degrade gracefully when absent or failing.
type Core struct {
	Vectors  vectorstore.Store
	Embedder embedding.Embedder
	LLM      embedding.Generator
	Reranker Reranker
	TopK     int
	Metrics  *metrics.Collector

	ftsWarn sync.Once
}

// Plan classifies the query. Planner failures and unparseable answers fall
// back to the widest decision.
func (c *Core) Plan(ctx context.Context, query string) Decision {
	if c.LLM == nil {
		return DecisionCodeAndWeb
	}
	out, err := c.LLM.Generate(ctx, fmt.Sprintf(plannerPrompt, query))
	if err != nil {
		log.WithError(err).Warn("Planner call failed, defaulting to full retrieval")
		return DecisionCodeAndWeb
	}
	return parseDecision(out)
}

func parseDecision(s string) Decision {
	normalized := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch normalized {
	case DecisionCodeAndWeb, DecisionCodeOnly, DecisionWebOnly, DecisionNone:
		return normalized
	}
	log.WithField("answer", s).Warn("Unparseable planner answer, defaulting to full retrieval")
	return DecisionCodeAndWeb
}

// Retrieve runs the full pipeline for one query. When the planner decides
// the workspace index is not needed, it returns no snippets.
func (c *Core) Retrieve(ctx context.Context, workspaceID, query string) ([]types.Snippet, error) {
	if !c.Plan(ctx, query).IncludesCodeSearch() {
		return nil, nil
	}

	vector, err := c.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	vectorHits, err := c.Vectors.VectorSearch(ctx, workspaceID, vector, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	candidates := dedupe(vectorHits, c.keywordHits(ctx, workspaceID, query))
	if len(candidates) == 0 {
		return nil, nil
	}

	return c.rank(ctx, query, candidates), nil
}

// embedQuery embeds the hypothetical answer document rather than the raw
// question; a failed generation falls back to embedding the question.
func (c *Core) embedQuery(ctx context.Context, query string) ([]float32, error) {
	text := query
	if c.LLM != nil {
		hydoc, err := c.LLM.Generate(ctx, fmt.Sprintf(hydePrompt, query))
		if err != nil || hydoc == "" {
			log.WithError(err).Warn("Hypothetical answer generation failed, embedding raw query")
		} else {
			text = hydoc
		}
	}

	vectors, err := c.Embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vectors[0], nil
}

// keywordHits is best effort: a missing text index must not sink the whole
// query, so failures degrade to vector-only retrieval.
func (c *Core) keywordHits(ctx context.Context, workspaceID, query string) []vectorstore.Hit {
	hits, err := c.Vectors.KeywordSearch(ctx, workspaceID, query, candidateLimit)
	if err != nil {
		c.ftsWarn.Do(func() {
			log.WithError(err).Warn("Keyword search unavailable, continuing with vector hits only")
		})
		if c.Metrics != nil {
			c.Metrics.RecordKeywordFallback()
		}
		return nil
	}
	return hits
}

// dedupe merges the two arms, dropping repeated chunk texts. Vector hits
// come first so they win ties.
func dedupe(arms ...[]vectorstore.Hit) []vectorstore.Hit {
	seen := make(map[string]struct{})
	var out []vectorstore.Hit
	for _, arm := range arms {
		for _, h := range arm {
			if _, ok := seen[h.Text]; ok {
				continue
			}
			seen[h.Text] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// rank orders candidates with the reranker, keeping the top K. Rerank
// failures fall back to the candidate order.
func (c *Core) rank(ctx context.Context, query string, candidates []vectorstore.Hit) []types.Snippet {
	topK := c.TopK
	if topK <= 0 {
		topK = candidateLimit
	}

	order := make([]int, 0, topK)
	if c.Reranker != nil {
		docs := make([]string, len(candidates))
		for i, h := range candidates {
			docs[i] = h.Text
		}
		ranked, err := c.Reranker.Rerank(ctx, query, docs, topK)
		if err != nil {
			log.WithError(err).Warn("Rerank failed, returning candidates in search order")
		} else {
			for _, r := range ranked {
				if r.Index >= 0 && r.Index < len(candidates) {
					order = append(order, r.Index)
				}
			}
		}
	}
	if len(order) == 0 {
		for i := range candidates {
			if len(order) == topK {
				break
			}
			order = append(order, i)
		}
	}

	snippets := make([]types.Snippet, 0, len(order))
	for _, i := range order {
		snippets = append(snippets, types.Snippet{
			FilePath: candidates[i].FilePath,
			Text:     candidates[i].Text,
		})
	}
	return snippets
}
