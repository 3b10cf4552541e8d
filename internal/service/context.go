package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/docify-ai/docify-backend/internal/model"
)

const (
	// charsPerToken is the conservative token estimate divisor.
	charsPerToken = 4

	// structureReserveTokens is held back from the budget for prompt
	// structure and metadata.
	structureReserveTokens = 200

	// Budget split across strata.
	primaryBudgetRatio    = 0.6
	supportingBudgetRatio = 0.3

	// truncationFloorTokens is the minimum remaining budget worth
	// truncating a chunk into.
	truncationFloorTokens = 100

	// primaryScoreThreshold promotes any result at or above it into the
	// primary stratum regardless of rank.
	primaryScoreThreshold = 0.7

	// dedupSignatureChars is the normalized-prefix length used as the
	// duplicate-content signature.
	dedupSignatureChars = 200

	// maxRelatedDocuments bounds the related-documents list.
	maxRelatedDocuments = 10
)

// PacketChunk is one source entry in an evidence packet. SourceIndex is the
// 1-based stable index referenced by prompts and citations.
type PacketChunk struct {
	SourceIndex int     `json:"source_index"`
	ChunkID     string  `json:"chunk_id"`
	ResourceID  string  `json:"resource_id"`
	Title       string  `json:"title"`
	Type        string  `json:"type"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	TokenCount  int     `json:"token_count"`
	Section     *string `json:"section,omitempty"`
	Page        *int    `json:"page,omitempty"`
	Truncated   bool    `json:"truncated,omitempty"`
}

// DocumentMeta describes one resource contributing to the packet.
type DocumentMeta struct {
	ResourceID      string   `json:"resource_id"`
	Title           string   `json:"title"`
	Type            string   `json:"type"`
	Tags            []string `json:"tags"`
	CreatedAt       string   `json:"created_at,omitempty"`
	ChunksInContext int      `json:"chunks_in_context"`
}

// RelatedDocument is a resource related to the packet but not in it.
type RelatedDocument struct {
	ResourceID   string `json:"resource_id"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	Relationship string `json:"relationship"`
}

// EvidencePacket is the stratified, token-budgeted bundle of chunks
// presented to the LLM and referenced by citations. Transient.
type EvidencePacket struct {
	Primary          []PacketChunk     `json:"primary_chunks"`
	Supporting       []PacketChunk     `json:"supporting_chunks"`
	DocumentMetadata []DocumentMeta    `json:"document_metadata"`
	RelatedDocuments []RelatedDocument `json:"related_documents"`
	TotalTokens      int               `json:"total_tokens"`
	SourceCount      int               `json:"source_count"`
	HasConflicts     bool              `json:"has_conflicts"`
	ConflictSummary  string            `json:"conflict_summary,omitempty"`
}

// Empty reports whether the packet carries no sources.
func (p *EvidencePacket) Empty() bool {
	return len(p.Primary) == 0 && len(p.Supporting) == 0
}

// Sources returns primary ‖ supporting in source-index order.
func (p *EvidencePacket) Sources() []PacketChunk {
	out := make([]PacketChunk, 0, len(p.Primary)+len(p.Supporting))
	out = append(out, p.Primary...)
	out = append(out, p.Supporting...)
	return out
}

// ResourceIDs returns the distinct resource ids across both strata.
func (p *EvidencePacket) ResourceIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range p.Sources() {
		if _, ok := seen[c.ResourceID]; ok {
			continue
		}
		seen[c.ResourceID] = struct{}{}
		out = append(out, c.ResourceID)
	}
	return out
}

// RelatedDocFinder abstracts the tag-overlap lookup for the document graph.
// Implemented by repository.ResourceRepo.
type RelatedDocFinder interface {
	// ResourcesSharingTags returns workspace resources sharing at least one
	// of the tags, excluding the given ids.
	ResourcesSharingTags(ctx context.Context, workspaceID string, tags []string, excludeIDs []string) ([]model.Resource, error)
}

// GraphRelatedFinder reuses the retriever's citation-graph relation for the
// packet's related-documents section.
type GraphRelatedFinder interface {
	RelatedResources(ctx context.Context, workspaceID string, resourceIDs []string) ([]model.Resource, error)
}

// ContextService assembles evidence packets: deduplicate, stratify into
// primary/supporting, fit each stratum to its token budget, and surface
// document relationships and conflicts.
type ContextService struct {
	tagFinder   RelatedDocFinder   // nil skips tag relations
	graphFinder GraphRelatedFinder // nil skips graph relations
}

// NewContextService creates a ContextService.
func NewContextService(tagFinder RelatedDocFinder, graphFinder GraphRelatedFinder) *ContextService {
	return &ContextService{tagFinder: tagFinder, graphFinder: graphFinder}
}

// Assemble builds an EvidencePacket from reranked results. The packet's
// estimated tokens never exceed maxTokens minus the structure reserve, and
// source indices are contiguous 1..N over primary ‖ supporting.
func (s *ContextService) Assemble(ctx context.Context, results []SearchResult, query, workspaceID string, maxTokens int, includeRelated, deduplicate bool) *EvidencePacket {
	packet := &EvidencePacket{}
	if len(results) == 0 {
		return packet
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	if deduplicate {
		results = dedupBySignature(results)
	}

	primary, supporting := stratify(results)

	// Each stratum's fill budget holds back the structure reserve, so the
	// packet's total (content + reserve) never exceeds maxTokens − reserve.
	primaryBudget := int(float64(maxTokens)*primaryBudgetRatio) - structureReserveTokens
	supportingBudget := int(float64(maxTokens)*supportingBudgetRatio) - structureReserveTokens

	packet.Primary = fillBudget(primary, primaryBudget)
	packet.Supporting = fillBudget(supporting, supportingBudget)

	// Source indices are ground truth for the prompt and the verifier:
	// 1-based, contiguous over primary then supporting.
	idx := 1
	for i := range packet.Primary {
		packet.Primary[i].SourceIndex = idx
		idx++
	}
	for i := range packet.Supporting {
		packet.Supporting[i].SourceIndex = idx
		idx++
	}

	packet.DocumentMetadata = extractDocumentMetadata(results)

	if includeRelated {
		packet.RelatedDocuments = s.findRelatedDocuments(ctx, results, workspaceID)
	}

	if pairs := conflictPairs(results); len(pairs) > 0 {
		packet.HasConflicts = true
		packet.ConflictSummary = summarizeConflicts(pairs)
	}

	for _, c := range packet.Sources() {
		packet.TotalTokens += c.TokenCount
	}
	packet.TotalTokens += structureReserveTokens
	packet.SourceCount = len(packet.ResourceIDs())

	slog.Info("context assembled",
		"workspace_id", workspaceID,
		"primary", len(packet.Primary),
		"supporting", len(packet.Supporting),
		"total_tokens", packet.TotalTokens,
		"has_conflicts", packet.HasConflicts,
	)
	return packet
}

// EstimateTokens estimates the token count of a text as len/4.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// dedupBySignature drops results whose normalized 200-char prefix collides
// with a previously accepted result.
func dedupBySignature(results []SearchResult) []SearchResult {
	if len(results) <= 1 {
		return results
	}
	seen := make(map[string]struct{}, len(results))
	var out []SearchResult
	for _, r := range results {
		sig := r.Chunk.Content
		if len(sig) > dedupSignatureChars {
			sig = sig[:dedupSignatureChars]
		}
		sig = strings.TrimSpace(strings.ToLower(sig))
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, r)
	}
	if len(out) != len(results) {
		slog.Info("deduplication", "before", len(results), "after", len(out))
	}
	return out
}

// stratify sorts by relevance descending and splits results into primary
// (top third, minimum one, plus anything at or above the score threshold)
// and supporting.
func stratify(results []SearchResult) (primary, supporting []SearchResult) {
	sorted := make([]SearchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RelevanceScore() > sorted[j].RelevanceScore()
	})

	primaryCount := len(sorted) / 3
	if primaryCount < 1 {
		primaryCount = 1
	}

	for i, r := range sorted {
		if i < primaryCount || r.RelevanceScore() >= primaryScoreThreshold {
			primary = append(primary, r)
		} else {
			supporting = append(supporting, r)
		}
	}
	return primary, supporting
}

// fillBudget fills one stratum greedily in rank order. When a chunk does
// not fit and at least the truncation floor remains, it is truncated with
// an ellipsis marker and the stratum is closed.
func fillBudget(results []SearchResult, budget int) []PacketChunk {
	var chunks []PacketChunk
	used := 0

	for _, r := range results {
		tokens := EstimateTokens(r.Chunk.Content)
		pc := PacketChunk{
			ChunkID:    r.Chunk.ID,
			ResourceID: r.Resource.ID,
			Title:      r.Resource.Title,
			Type:       r.Resource.ResourceType,
			Content:    r.Chunk.Content,
			Score:      r.RelevanceScore(),
			TokenCount: tokens,
			Section:    r.Chunk.SectionTitle,
			Page:       r.Chunk.PageNumber,
		}

		if used+tokens <= budget {
			chunks = append(chunks, pc)
			used += tokens
			continue
		}

		available := budget - used
		if available >= truncationFloorTokens {
			cut := available * charsPerToken
			if cut > len(pc.Content) {
				cut = len(pc.Content)
			}
			pc.Content = pc.Content[:cut] + "..."
			pc.TokenCount = available
			pc.Truncated = true
			chunks = append(chunks, pc)
		}
		break
	}
	return chunks
}

// extractDocumentMetadata collects one metadata entry per distinct resource.
func extractDocumentMetadata(results []SearchResult) []DocumentMeta {
	var metas []DocumentMeta
	counts := make(map[string]int)
	for _, r := range results {
		counts[r.Resource.ID]++
	}

	seen := make(map[string]struct{})
	for _, r := range results {
		if _, ok := seen[r.Resource.ID]; ok {
			continue
		}
		seen[r.Resource.ID] = struct{}{}

		created := ""
		if !r.Resource.CreatedAt.IsZero() {
			created = r.Resource.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		metas = append(metas, DocumentMeta{
			ResourceID:      r.Resource.ID,
			Title:           r.Resource.Title,
			Type:            r.Resource.ResourceType,
			Tags:            r.Resource.Tags,
			CreatedAt:       created,
			ChunksInContext: counts[r.Resource.ID],
		})
	}
	return metas
}

// findRelatedDocuments unions tag-overlap relations with citation-graph
// relations, excluding resources already in the results, capped at 10.
func (s *ContextService) findRelatedDocuments(ctx context.Context, results []SearchResult, workspaceID string) []RelatedDocument {
	resourceIDs := make([]string, 0)
	tagSet := make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, r := range results {
		if _, ok := seen[r.Resource.ID]; !ok {
			seen[r.Resource.ID] = struct{}{}
			resourceIDs = append(resourceIDs, r.Resource.ID)
		}
		for _, t := range r.Resource.Tags {
			tagSet[t] = struct{}{}
		}
	}

	var related []RelatedDocument
	have := make(map[string]struct{})

	add := func(res model.Resource, relationship string) {
		if _, ok := seen[res.ID]; ok {
			return
		}
		if _, ok := have[res.ID]; ok {
			return
		}
		have[res.ID] = struct{}{}
		related = append(related, RelatedDocument{
			ResourceID:   res.ID,
			Title:        res.Title,
			Type:         res.ResourceType,
			Relationship: relationship,
		})
	}

	if s.tagFinder != nil && len(tagSet) > 0 {
		tags := make([]string, 0, len(tagSet))
		for t := range tagSet {
			tags = append(tags, t)
		}
		sort.Strings(tags)
		byTags, err := s.tagFinder.ResourcesSharingTags(ctx, workspaceID, tags, resourceIDs)
		if err != nil {
			slog.Warn("related documents tag lookup failed", "error", err)
		} else {
			for _, res := range byTags {
				add(res, "shared_tags")
			}
		}
	}

	if s.graphFinder != nil {
		byGraph, err := s.graphFinder.RelatedResources(ctx, workspaceID, resourceIDs)
		if err != nil {
			slog.Warn("related documents graph lookup failed", "error", err)
		} else {
			for _, res := range byGraph {
				add(res, "citation")
			}
		}
	}

	if len(related) > maxRelatedDocuments {
		related = related[:maxRelatedDocuments]
	}
	return related
}

// conflictPair is an unordered resource-title pair in conflict.
type conflictPair struct {
	titleA, titleB string
}

// conflictPairs extracts unique conflict pairs from result pointers.
func conflictPairs(results []SearchResult) []conflictPair {
	byChunk := make(map[string]*SearchResult, len(results))
	for i := range results {
		byChunk[results[i].Chunk.ID] = &results[i]
	}

	seen := make(map[string]struct{})
	var pairs []conflictPair
	for i := range results {
		r := &results[i]
		for _, otherID := range r.Conflicts {
			other, ok := byChunk[otherID]
			if !ok {
				continue
			}
			a, b := r.Chunk.ID, otherID
			if a > b {
				a, b = b, a
			}
			key := a + "|" + b
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, conflictPair{titleA: r.Resource.Title, titleB: other.Resource.Title})
		}
	}
	return pairs
}

// summarizeConflicts produces the short narrative conflict summary,
// referencing up to three resource-title pairs.
func summarizeConflicts(pairs []conflictPair) string {
	var lines []string
	for i, p := range pairs {
		if i == 3 {
			lines = append(lines, fmt.Sprintf("- ... and %d more potential conflicts", len(pairs)-3))
			break
		}
		lines = append(lines, fmt.Sprintf("- '%s' may conflict with '%s'", p.titleA, p.titleB))
	}
	return "The following sources may contain conflicting information:\n" + strings.Join(lines, "\n")
}
