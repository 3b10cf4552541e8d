package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/docify-ai/docify-backend/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	// rrfK is the standard Reciprocal Rank Fusion constant.
	rrfK = 60

	// Branch weights for RRF fusion. Semantic carries the most signal,
	// lexical catches exact terminology, graph surfaces cited neighbours.
	weightSemantic = 0.5
	weightLexical  = 0.3
	weightGraph    = 0.2

	// lexicalStartBonus is added when a chunk begins with a query term.
	lexicalStartBonus = 2

	// graphChunksPerResource bounds how many chunks a related resource
	// contributes to the graph branch.
	graphChunksPerResource = 3
)

// ComponentScores holds the per-branch RRF contributions for one chunk.
type ComponentScores struct {
	Semantic float64 `json:"semantic"`
	Lexical  float64 `json:"lexical"`
	Graph    float64 `json:"graph"`
}

// RerankScores holds the weighted factor contributions set by the reranker.
type RerankScores struct {
	Base        float64 `json:"base"`
	Citation    float64 `json:"citation"`
	Recency     float64 `json:"recency"`
	Specificity float64 `json:"specificity"`
	Quality     float64 `json:"quality"`
}

// SearchResult is one chunk's standing for one query. Created by the
// retriever, mutated by the reranker, consumed by the assembler. Never
// persisted.
type SearchResult struct {
	Chunk         model.Chunk     `json:"chunk"`
	Resource      model.Resource  `json:"resource"`
	Score         float64         `json:"score"`
	Components    ComponentScores `json:"components"`
	RerankScores  RerankScores    `json:"rerankScores"`
	FinalScore    float64         `json:"finalScore"`
	Conflicts     []string        `json:"conflicts,omitempty"`
	ConflictCount int             `json:"conflictCount"`
}

// RelevanceScore returns the reranked score, falling back to the fused
// base score before reranking has run.
func (r *SearchResult) RelevanceScore() float64 {
	if r.FinalScore > 0 {
		return r.FinalScore
	}
	return r.Score
}

// SemanticHit is a chunk returned by vector search with its L2 distance.
type SemanticHit struct {
	Chunk    model.Chunk
	Resource model.Resource
	Distance float64
}

// Similarity converts the L2 distance to a similarity in (0, 1]:
// 0 distance maps to 1, growing distance decays toward 0.
func (h SemanticHit) Similarity() float64 {
	return 1 / (1 + h.Distance)
}

// QueryEmbedder abstracts query embedding for testability.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchStore abstracts the chunk/resource queries the retriever needs.
// Implemented by repository.ChunkRepo.
type SearchStore interface {
	// SemanticSearch returns the topK chunks in the workspace ordered by
	// ascending L2 distance to the query vector, skipping chunks without
	// embeddings.
	SemanticSearch(ctx context.Context, workspaceID string, queryVec []float32, topK int) ([]SemanticHit, error)

	// LexicalCandidates returns workspace chunks containing at least one of
	// the terms (case-insensitive), with their resources.
	LexicalCandidates(ctx context.Context, workspaceID string, terms []string) ([]SemanticHit, error)

	// RelatedResources returns resources linked to the given set through
	// the citation graph: resources whose metadata cites one of their
	// titles, and resources whose titles appear in their citation lists.
	// Depth 1; members of the input set are excluded.
	RelatedResources(ctx context.Context, workspaceID string, resourceIDs []string) ([]model.Resource, error)

	// FirstChunks returns the first n chunks of a resource by sequence.
	FirstChunks(ctx context.Context, resourceID string, n int) ([]model.Chunk, error)
}

// SearchService is the hybrid retriever: query expansion, then semantic,
// lexical, and graph fan-out per variant, fused with weighted RRF.
type SearchService struct {
	embedder QueryEmbedder
	store    SearchStore
	expander *QueryExpansionService // nil disables expansion
}

// NewSearchService creates a SearchService.
func NewSearchService(embedder QueryEmbedder, store SearchStore, expander *QueryExpansionService) *SearchService {
	return &SearchService{
		embedder: embedder,
		store:    store,
		expander: expander,
	}
}

// Search runs the hybrid pipeline and returns up to topK results, distinct
// by chunk id, ordered by fused score descending. An empty result set is a
// valid outcome.
func (s *SearchService) Search(ctx context.Context, query, workspaceID string, topK int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("service.Search: query is empty")
	}
	if topK <= 0 {
		topK = 20
	}

	variants := []string{query}
	if s.expander != nil {
		variants = s.expander.Expand(ctx, query)
	}
	slog.Info("hybrid search starting", "workspace_id", workspaceID, "variants", len(variants), "top_k", topK)

	type variantHits struct {
		semantic []SemanticHit
		lexical  []lexicalHit
		graph    []SemanticHit
	}

	hits := make([]variantHits, len(variants))
	g, gCtx := errgroup.WithContext(ctx)

	for i, variant := range variants {
		g.Go(func() error {
			semantic, err := s.semanticBranch(gCtx, variant, workspaceID, topK)
			if err != nil {
				// Embedding or vector failure drops the semantic branch for
				// this variant, not the whole query.
				slog.Warn("semantic branch failed", "variant", variant, "error", err)
				semantic = nil
			}

			lexical, err := s.lexicalBranch(gCtx, variant, workspaceID, topK)
			if err != nil {
				slog.Warn("lexical branch failed", "variant", variant, "error", err)
				lexical = nil
			}

			graph, err := s.graphBranch(gCtx, workspaceID, semantic)
			if err != nil {
				slog.Warn("graph branch failed", "variant", variant, "error", err)
				graph = nil
			}

			hits[i] = variantHits{semantic: semantic, lexical: lexical, graph: graph}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("service.Search: %w", err)
	}

	// Concatenate branches across variants in variant order, then dedup
	// each branch by chunk id keeping the first (best-ranked) occurrence.
	var allSemantic, allGraph []SemanticHit
	var allLexical []lexicalHit
	for _, vh := range hits {
		allSemantic = append(allSemantic, vh.semantic...)
		allLexical = append(allLexical, vh.lexical...)
		allGraph = append(allGraph, vh.graph...)
	}

	semantic := dedupHits(allSemantic)
	lexical := dedupLexical(allLexical)
	graph := dedupHits(allGraph)

	results := fuseRRF(semantic, lexical, graph, topK)

	slog.Info("hybrid search complete",
		"workspace_id", workspaceID,
		"semantic", len(semantic),
		"lexical", len(lexical),
		"graph", len(graph),
		"fused", len(results),
	)
	return results, nil
}

// semanticBranch embeds the variant and runs nearest-neighbour search.
func (s *SearchService) semanticBranch(ctx context.Context, variant, workspaceID string, topK int) ([]SemanticHit, error) {
	vec, err := s.embedder.Embed(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != model.EmbeddingDimensions {
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(vec), model.EmbeddingDimensions)
	}
	hits, err := s.store.SemanticSearch(ctx, workspaceID, vec, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		slog.Debug("semantic branch",
			"variant", variant,
			"hits", len(hits),
			"top_similarity", fmt.Sprintf("%.4f", hits[0].Similarity()),
		)
	}
	return hits, nil
}

type lexicalHit struct {
	hit   SemanticHit
	score int
}

// lexicalBranch scores candidate chunks by counting case-insensitive term
// occurrences, with a bonus when the chunk starts with a query term.
// Zero-score chunks are dropped; the topK survivors are kept.
func (s *SearchService) lexicalBranch(ctx context.Context, variant, workspaceID string, topK int) ([]lexicalHit, error) {
	terms := strings.Fields(variant)
	if len(terms) == 0 {
		return nil, nil
	}

	candidates, err := s.store.LexicalCandidates(ctx, workspaceID, terms)
	if err != nil {
		return nil, err
	}

	var scored []lexicalHit
	for _, cand := range candidates {
		contentLower := strings.ToLower(cand.Chunk.Content)
		score := 0
		for _, term := range terms {
			termLower := strings.ToLower(term)
			count := strings.Count(contentLower, termLower)
			if count == 0 {
				continue
			}
			score += count
			if strings.HasPrefix(contentLower, termLower) {
				score += lexicalStartBonus
			}
		}
		if score > 0 {
			scored = append(scored, lexicalHit{hit: cand, score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// graphBranch expands from the resources surfaced by the semantic branch
// through the citation graph and takes the first chunks of each neighbour.
func (s *SearchService) graphBranch(ctx context.Context, workspaceID string, semantic []SemanticHit) ([]SemanticHit, error) {
	if len(semantic) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var resourceIDs []string
	for _, hit := range semantic {
		if _, ok := seen[hit.Resource.ID]; ok {
			continue
		}
		seen[hit.Resource.ID] = struct{}{}
		resourceIDs = append(resourceIDs, hit.Resource.ID)
	}

	related, err := s.store.RelatedResources(ctx, workspaceID, resourceIDs)
	if err != nil {
		return nil, err
	}

	var out []SemanticHit
	for _, res := range related {
		chunks, err := s.store.FirstChunks(ctx, res.ID, graphChunksPerResource)
		if err != nil {
			slog.Warn("graph branch chunk fetch failed", "resource_id", res.ID, "error", err)
			continue
		}
		for _, c := range chunks {
			out = append(out, SemanticHit{Chunk: c, Resource: res})
		}
	}
	return out, nil
}

// fuseRRF combines the three branches with weighted Reciprocal Rank Fusion:
// each branch contributes weight·1/(k+rank) per chunk; contributions are
// summed across branches after per-branch deduplication.
func fuseRRF(semantic []SemanticHit, lexical []lexicalHit, graph []SemanticHit, topK int) []SearchResult {
	combined := make(map[string]*SearchResult)

	ensure := func(chunk model.Chunk, resource model.Resource) *SearchResult {
		if r, ok := combined[chunk.ID]; ok {
			return r
		}
		r := &SearchResult{Chunk: chunk, Resource: resource}
		combined[chunk.ID] = r
		return r
	}

	for rank, hit := range semantic {
		r := ensure(hit.Chunk, hit.Resource)
		r.Components.Semantic = weightSemantic / float64(rrfK+rank+1)
	}
	for rank, lh := range lexical {
		r := ensure(lh.hit.Chunk, lh.hit.Resource)
		r.Components.Lexical = weightLexical / float64(rrfK+rank+1)
	}
	for rank, hit := range graph {
		r := ensure(hit.Chunk, hit.Resource)
		r.Components.Graph = weightGraph / float64(rrfK+rank+1)
	}

	results := make([]SearchResult, 0, len(combined))
	for _, r := range combined {
		r.Score = r.Components.Semantic + r.Components.Lexical + r.Components.Graph
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// dedupHits keeps the first occurrence of each chunk id.
func dedupHits(hits []SemanticHit) []SemanticHit {
	seen := make(map[string]struct{}, len(hits))
	var out []SemanticHit
	for _, h := range hits {
		if _, ok := seen[h.Chunk.ID]; ok {
			continue
		}
		seen[h.Chunk.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}

func dedupLexical(hits []lexicalHit) []lexicalHit {
	seen := make(map[string]struct{}, len(hits))
	var out []lexicalHit
	for _, h := range hits {
		if _, ok := seen[h.hit.Chunk.ID]; ok {
			continue
		}
		seen[h.hit.Chunk.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}
