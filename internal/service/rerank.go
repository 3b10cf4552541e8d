package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/model"
)

const (
	// Factor weights; they sum to 1.0.
	rerankWeightBase        = 0.40
	rerankWeightCitation    = 0.15
	rerankWeightRecency     = 0.15
	rerankWeightSpecificity = 0.15
	rerankWeightQuality     = 0.15

	// conflictCheckLimit bounds pairwise conflict detection to the top
	// results; LLM calls are quadratic in this limit.
	conflictCheckLimit = 5

	// conflictPenalty is the per-conflict multiplicative score reduction.
	conflictPenalty = 0.05

	// conflictExcerptChars bounds each statement shown to the conflict
	// checker.
	conflictExcerptChars = 300
)

// sourceQualityScores maps resource types to base quality weights.
var sourceQualityScores = map[string]float64{
	"pdf":      1.0,
	"research": 1.0,
	"academic": 1.0,
	"word":     0.8,
	"docx":     0.8,
	"markdown": 0.8,
	"md":       0.8,
	"url":      0.7,
	"web":      0.7,
	"excel":    0.6,
	"xlsx":     0.6,
	"csv":      0.6,
	"text":     0.5,
	"txt":      0.5,
}

// ConflictLLM abstracts the yes/no fact-consistency call.
type ConflictLLM interface {
	Generate(ctx context.Context, prompt string, opts llmclient.GenerateOptions) (string, error)
}

// RerankService re-scores search results with five weighted factors and
// detects cross-source conflicts among the top candidates.
type RerankService struct {
	llm ConflictLLM // nil disables conflict detection
	now func() time.Time
}

// NewRerankService creates a RerankService.
func NewRerankService(llm ConflictLLM) *RerankService {
	return &RerankService{llm: llm, now: time.Now}
}

// Rerank attaches sub-scores, computes final scores, optionally detects
// conflicts with a post-hoc penalty, and returns the results sorted by
// final score descending.
func (s *RerankService) Rerank(ctx context.Context, results []SearchResult, query string, detectConflicts bool) []SearchResult {
	if len(results) == 0 {
		return results
	}

	distinctResources := countDistinctResources(results)

	now := s.now().UTC()
	for i := range results {
		r := &results[i]
		r.RerankScores = RerankScores{
			Base:        r.Score * rerankWeightBase,
			Citation:    scoreCitationFrequency(r, distinctResources) * rerankWeightCitation,
			Recency:     scoreRecency(r.Resource.CreatedAt, now) * rerankWeightRecency,
			Specificity: scoreSpecificity(r.Chunk.Content, query) * rerankWeightSpecificity,
			Quality:     scoreSourceQuality(&r.Resource) * rerankWeightQuality,
		}
		r.FinalScore = r.RerankScores.Base +
			r.RerankScores.Citation +
			r.RerankScores.Recency +
			r.RerankScores.Specificity +
			r.RerankScores.Quality
	}

	if detectConflicts && s.llm != nil && len(results) > 1 {
		s.detectConflicts(ctx, results, query)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})

	slog.Info("rerank complete", "results", len(results), "top_score", fmt.Sprintf("%.3f", results[0].FinalScore))
	return results
}

// scoreCitationFrequency normalizes the resource's citation count against
// the number of other resources in the candidate set. A lone resource (or a
// missing count context) scores the neutral 0.5.
func scoreCitationFrequency(r *SearchResult, distinctResources int) float64 {
	others := distinctResources - 1
	if others <= 0 {
		return 0.5
	}
	score := float64(r.Resource.CitationCount) / float64(others)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// scoreRecency is a step function on resource age in days. Unknown
// timestamps score the neutral 0.5.
func scoreRecency(createdAt time.Time, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0.5
	}
	days := int(now.Sub(createdAt).Hours() / 24)
	switch {
	case days < 30:
		return 1.0
	case days < 90:
		return 0.9
	case days < 180:
		return 0.8
	case days < 365:
		return 0.6
	case days < 730:
		return 0.4
	default:
		return 0.2
	}
}

// scoreSpecificity measures how directly the chunk addresses the query:
// 1.0 on a verbatim phrase match, otherwise the fraction of query tokens
// present in the content.
func scoreSpecificity(content, query string) float64 {
	contentLower := strings.ToLower(content)
	queryLower := strings.ToLower(query)

	if strings.Contains(contentLower, queryLower) {
		return 1.0
	}

	queryTerms := strings.Fields(queryLower)
	if len(queryTerms) == 0 {
		return 0.5
	}

	contentTerms := make(map[string]struct{})
	for _, t := range strings.Fields(contentLower) {
		contentTerms[t] = struct{}{}
	}

	matched := 0
	seen := make(map[string]struct{})
	for _, t := range queryTerms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := contentTerms[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// scoreSourceQuality rates the resource type and boosts for present
// title/author/pages metadata, capped at 1.0. Unknown types score 0.5.
func scoreSourceQuality(res *model.Resource) float64 {
	base, ok := sourceQualityScores[strings.ToLower(res.ResourceType)]
	if !ok {
		base = 0.5
	}

	meta := res.ParsedMetadata()
	boosts := 0
	if meta.Title != "" {
		boosts++
	}
	if meta.Author != "" {
		boosts++
	}
	if meta.Pages > 0 {
		boosts++
	}
	base += 0.05 * float64(boosts)
	if base > 1.0 {
		base = 1.0
	}
	return base
}

// detectConflicts runs pairwise fact-consistency checks over the top
// results with distinct resources, records symmetric conflict pointers,
// and applies the per-conflict penalty. Check failures default to "no
// conflict".
func (s *RerankService) detectConflicts(ctx context.Context, results []SearchResult, query string) {
	limit := conflictCheckLimit
	if limit > len(results) {
		limit = len(results)
	}

	conflicts := make(map[string][]string)
	for i := 0; i < limit; i++ {
		for j := i + 1; j < limit; j++ {
			a, b := &results[i], &results[j]
			if a.Resource.ID == b.Resource.ID {
				continue
			}
			ok, err := s.checkConflict(ctx, a, b, query)
			if err != nil {
				slog.Warn("conflict check failed", "chunk_a", a.Chunk.ID, "chunk_b", b.Chunk.ID, "error", err)
				continue
			}
			if ok {
				conflicts[a.Chunk.ID] = append(conflicts[a.Chunk.ID], b.Chunk.ID)
				conflicts[b.Chunk.ID] = append(conflicts[b.Chunk.ID], a.Chunk.ID)
			}
		}
	}

	for i := range results {
		r := &results[i]
		ids := conflicts[r.Chunk.ID]
		r.Conflicts = ids
		r.ConflictCount = len(ids)
		if r.ConflictCount > 0 {
			r.FinalScore *= 1 - conflictPenalty*float64(r.ConflictCount)
			slog.Warn("conflict penalty applied",
				"chunk_id", r.Chunk.ID,
				"resource", r.Resource.Title,
				"conflicts", r.ConflictCount,
			)
		}
	}
}

// checkConflict asks the LLM whether two statements contradict each other.
func (s *RerankService) checkConflict(ctx context.Context, a, b *SearchResult, query string) (bool, error) {
	prompt := fmt.Sprintf(`You are a fact-checking expert. Analyze these two statements from different sources.

QUERY: "%s"

STATEMENT 1 (from %s):
"%s"

STATEMENT 2 (from %s):
"%s"

Do these statements contradict each other or present conflicting information about the query?
Answer ONLY with: YES or NO

Examples of conflicts:
- "X is true" vs "X is false"
- "GDP was 5%%" vs "GDP was 3%%"
- "Study A found X" vs "Study B found Y" (different findings)

Examples of NOT conflicts:
- Same information from different sources
- One source more specific than other
- Both say "X is true"
- Compatible information that adds to each other`,
		query,
		a.Resource.Title, truncateRunes(a.Chunk.Content, conflictExcerptChars),
		b.Resource.Title, truncateRunes(b.Chunk.Content, conflictExcerptChars),
	)

	response, err := s.llm.Generate(ctx, prompt, llmclient.GenerateOptions{
		MaxTokens:   10,
		Temperature: 0.1,
	})
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(response), "YES"), nil
}

// Explanation returns a human-readable factor breakdown for a ranked result.
func (s *RerankService) Explanation(r *SearchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Score: %.1f%%\n", r.FinalScore*100)
	sb.WriteString("Factors:\n")
	factors := []struct {
		name  string
		score float64
	}{
		{"Base", r.RerankScores.Base},
		{"Citation", r.RerankScores.Citation},
		{"Recency", r.RerankScores.Recency},
		{"Specificity", r.RerankScores.Specificity},
		{"Quality", r.RerankScores.Quality},
	}
	for _, f := range factors {
		pct := 0.0
		if r.FinalScore > 0 {
			pct = f.score / r.FinalScore * 100
		}
		fmt.Fprintf(&sb, "  - %s: %.3f (%.0f%%)\n", f.name, f.score, pct)
	}
	if r.ConflictCount > 0 {
		fmt.Fprintf(&sb, "\n%d conflicting source(s) found", r.ConflictCount)
	}
	return sb.String()
}

// ConfidenceMetrics denormalizes factor strengths for a ranked result.
type ConfidenceMetrics struct {
	Overall             float64 `json:"overall"`
	CitationStrength    float64 `json:"citation_strength"`
	RecencyStrength     float64 `json:"recency_strength"`
	SpecificityStrength float64 `json:"specificity_strength"`
	SourceQuality       float64 `json:"source_quality"`
	ConflictRisk        float64 `json:"conflict_risk"`
}

// Confidence computes confidence metrics for a result, reducing the overall
// score by 10% per recorded conflict.
func (s *RerankService) Confidence(r *SearchResult) ConfidenceMetrics {
	m := ConfidenceMetrics{
		Overall:             r.FinalScore,
		CitationStrength:    r.RerankScores.Citation / rerankWeightCitation,
		RecencyStrength:     r.RerankScores.Recency / rerankWeightRecency,
		SpecificityStrength: r.RerankScores.Specificity / rerankWeightSpecificity,
		SourceQuality:       r.RerankScores.Quality / rerankWeightQuality,
		ConflictRisk:        float64(r.ConflictCount) / float64(conflictCheckLimit),
	}
	if r.ConflictCount > 0 {
		m.Overall *= 1 - 0.1*float64(r.ConflictCount)
	}
	return m
}

// countDistinctResources counts distinct resource ids in the candidate set.
func countDistinctResources(results []SearchResult) int {
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[r.Resource.ID] = struct{}{}
	}
	return len(seen)
}

// truncateRunes returns the first n bytes of s on a rune boundary.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
