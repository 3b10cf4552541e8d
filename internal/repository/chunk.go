package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/service"
)

// ChunkRepo implements service.SearchStore over Postgres + pgvector.
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

// Compile-time check.
var _ service.SearchStore = (*ChunkRepo)(nil)

const chunkResourceColumns = `
	c.id, c.resource_id, c.sequence, c.content, c.token_count,
	c.section_title, c.section_level, c.page_number, c.created_at,
	r.id, r.workspace_id, r.content_hash, r.resource_type, r.title,
	r.source_url, r.metadata, r.tags, r.chunk_count, r.query_count,
	r.citation_count, r.created_at`

// SemanticSearch returns the topK chunks in the workspace ordered by
// ascending L2 distance to the query vector. Chunks without embeddings are
// skipped.
func (r *ChunkRepo) SemanticSearch(ctx context.Context, workspaceID string, queryVec []float32, topK int) ([]service.SemanticHit, error) {
	embedding := pgvector.NewVector(queryVec)

	rows, err := r.pool.Query(ctx, `
		SELECT`+chunkResourceColumns+`,
		       c.embedding <-> $1::vector AS distance
		FROM chunks c
		JOIN resources r ON c.resource_id = r.id
		WHERE r.workspace_id = $2
		  AND c.embedding IS NOT NULL
		ORDER BY c.embedding <-> $1::vector
		LIMIT $3`,
		embedding, workspaceID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.SemanticSearch: %w", err)
	}
	defer rows.Close()

	var hits []service.SemanticHit
	for rows.Next() {
		var hit service.SemanticHit
		if err := scanChunkResource(rows, &hit.Chunk, &hit.Resource, &hit.Distance); err != nil {
			return nil, fmt.Errorf("repository.SemanticSearch: scan: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// LexicalCandidates returns workspace chunks containing at least one of the
// terms, case-insensitively. Occurrence scoring happens in the service; the
// ILIKE prefilter keeps the candidate set bounded.
func (r *ChunkRepo) LexicalCandidates(ctx context.Context, workspaceID string, terms []string) ([]service.SemanticHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	patterns := make([]string, len(terms))
	for i, t := range terms {
		patterns[i] = "%" + escapeLike(t) + "%"
	}

	rows, err := r.pool.Query(ctx, `
		SELECT`+chunkResourceColumns+`, 0::float8
		FROM chunks c
		JOIN resources r ON c.resource_id = r.id
		WHERE r.workspace_id = $1
		  AND c.content ILIKE ANY($2)`,
		workspaceID, patterns,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.LexicalCandidates: %w", err)
	}
	defer rows.Close()

	var hits []service.SemanticHit
	for rows.Next() {
		var hit service.SemanticHit
		if err := scanChunkResource(rows, &hit.Chunk, &hit.Resource, &hit.Distance); err != nil {
			return nil, fmt.Errorf("repository.LexicalCandidates: scan: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// RelatedResources returns resources related through the citation graph at
// depth 1: resources whose titles appear in the input set's metadata
// citation lists, and resources whose citation lists mention an input
// title. Members of the input set are excluded.
func (r *ChunkRepo) RelatedResources(ctx context.Context, workspaceID string, resourceIDs []string) ([]model.Resource, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		WITH seed AS (
			SELECT id, title, COALESCE(metadata->'citations', '[]'::jsonb) AS citations
			FROM resources
			WHERE workspace_id = $1 AND id = ANY($2)
		)
		SELECT DISTINCT r.id, r.workspace_id, r.content_hash, r.resource_type,
		       r.title, r.source_url, r.metadata, r.tags, r.chunk_count,
		       r.query_count, r.citation_count, r.created_at
		FROM resources r, seed s
		WHERE r.workspace_id = $1
		  AND r.id <> ALL($2)
		  AND (
		        s.citations ? r.title
		     OR COALESCE(r.metadata->'citations', '[]'::jsonb) ? s.title
		  )`,
		workspaceID, resourceIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.RelatedResources: %w", err)
	}
	defer rows.Close()

	var resources []model.Resource
	for rows.Next() {
		var res model.Resource
		if err := scanResource(rows, &res); err != nil {
			return nil, fmt.Errorf("repository.RelatedResources: scan: %w", err)
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

// FirstChunks returns the first n chunks of a resource by sequence.
func (r *ChunkRepo) FirstChunks(ctx context.Context, resourceID string, n int) ([]model.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource_id, sequence, content, token_count,
		       section_title, section_level, page_number, created_at
		FROM chunks
		WHERE resource_id = $1
		ORDER BY sequence
		LIMIT $2`,
		resourceID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.FirstChunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		err := rows.Scan(&c.ID, &c.ResourceID, &c.Sequence, &c.Content, &c.TokenCount,
			&c.SectionTitle, &c.SectionLevel, &c.PageNumber, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("repository.FirstChunks: scan: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// scanChunkResource scans the shared chunk+resource column list plus a
// trailing distance column.
func scanChunkResource(rows pgx.Rows, c *model.Chunk, res *model.Resource, distance *float64) error {
	return rows.Scan(
		&c.ID, &c.ResourceID, &c.Sequence, &c.Content, &c.TokenCount,
		&c.SectionTitle, &c.SectionLevel, &c.PageNumber, &c.CreatedAt,
		&res.ID, &res.WorkspaceID, &res.ContentHash, &res.ResourceType, &res.Title,
		&res.SourceURL, &res.Metadata, &res.Tags, &res.ChunkCount, &res.QueryCount,
		&res.CitationCount, &res.CreatedAt,
		distance,
	)
}

func scanResource(rows pgx.Rows, res *model.Resource) error {
	return rows.Scan(
		&res.ID, &res.WorkspaceID, &res.ContentHash, &res.ResourceType, &res.Title,
		&res.SourceURL, &res.Metadata, &res.Tags, &res.ChunkCount, &res.QueryCount,
		&res.CitationCount, &res.CreatedAt,
	)
}

// escapeLike escapes LIKE metacharacters in a search term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
