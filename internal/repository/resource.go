package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/service"
)

// ResourceRepo provides resource-level queries for the context assembler.
type ResourceRepo struct {
	pool *pgxpool.Pool
}

// NewResourceRepo creates a ResourceRepo.
func NewResourceRepo(pool *pgxpool.Pool) *ResourceRepo {
	return &ResourceRepo{pool: pool}
}

// Compile-time check.
var _ service.RelatedDocFinder = (*ResourceRepo)(nil)

// ResourcesSharingTags returns workspace resources sharing at least one of
// the tags, excluding the given ids. Uses the Postgres array overlap
// operator; bounded to keep the related-documents section small.
func (r *ResourceRepo) ResourcesSharingTags(ctx context.Context, workspaceID string, tags []string, excludeIDs []string) ([]model.Resource, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, workspace_id, content_hash, resource_type, title,
		       source_url, metadata, tags, chunk_count, query_count,
		       citation_count, created_at
		FROM resources
		WHERE workspace_id = $1
		  AND id <> ALL($2)
		  AND tags && $3
		LIMIT 10`,
		workspaceID, excludeIDs, tags,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ResourcesSharingTags: %w", err)
	}
	defer rows.Close()

	var resources []model.Resource
	for rows.Next() {
		var res model.Resource
		if err := scanResource(rows, &res); err != nil {
			return nil, fmt.Errorf("repository.ResourcesSharingTags: scan: %w", err)
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

// GetByID fetches one resource.
func (r *ResourceRepo) GetByID(ctx context.Context, resourceID string) (*model.Resource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, workspace_id, content_hash, resource_type, title,
		       source_url, metadata, tags, chunk_count, query_count,
		       citation_count, created_at
		FROM resources
		WHERE id = $1`,
		resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("repository.GetByID: resource %s not found", resourceID)
	}
	var res model.Resource
	if err := scanResource(rows, &res); err != nil {
		return nil, fmt.Errorf("repository.GetByID: scan: %w", err)
	}
	return &res, nil
}
