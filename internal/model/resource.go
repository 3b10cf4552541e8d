package model

import (
	"encoding/json"
	"time"
)

// EmbeddingDimensions is the fixed dimensionality of chunk embeddings
// (all-minilm class models). A chunk either has no embedding or exactly
// this many components.
const EmbeddingDimensions = 384

// Workspace scopes resources and conversations.
type Workspace struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	WorkspaceType string          `json:"workspaceType"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Resource is a workspace-scoped document. Its metadata map may carry a
// "citations" list of cited titles, which drives the document graph.
type Resource struct {
	ID            string          `json:"id"`
	WorkspaceID   string          `json:"workspaceId"`
	ContentHash   string          `json:"contentHash"`
	ResourceType  string          `json:"resourceType"`
	Title         string          `json:"title"`
	SourceURL     *string         `json:"sourceUrl,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Tags          []string        `json:"tags"`
	ChunkCount    int             `json:"chunkCount"`
	QueryCount    int             `json:"queryCount"`
	CitationCount int             `json:"citationCount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ResourceMetadata is the parsed form of Resource.Metadata.
type ResourceMetadata struct {
	Title     string   `json:"title,omitempty"`
	Author    string   `json:"author,omitempty"`
	Pages     int      `json:"pages,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// ParsedMetadata decodes the metadata blob. Returns the zero value on
// missing or malformed metadata.
func (r *Resource) ParsedMetadata() ResourceMetadata {
	var m ResourceMetadata
	if len(r.Metadata) == 0 {
		return m
	}
	_ = json.Unmarshal(r.Metadata, &m)
	return m
}

// Chunk is an immutable slice of a resource's text, the unit of retrieval.
type Chunk struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resourceId"`
	Sequence     int       `json:"sequence"`
	Content      string    `json:"content"`
	TokenCount   *int      `json:"tokenCount,omitempty"`
	SectionTitle *string   `json:"sectionTitle,omitempty"`
	SectionLevel *int      `json:"sectionLevel,omitempty"`
	PageNumber   *int      `json:"pageNumber,omitempty"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
