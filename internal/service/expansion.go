package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docify-ai/docify-backend/internal/llmclient"
)

// ExpansionLLM abstracts the low-temperature LLM call used for paraphrase
// generation. Satisfied by any llmclient provider.
type ExpansionLLM interface {
	Generate(ctx context.Context, prompt string, opts llmclient.GenerateOptions) (string, error)
}

// QueryExpansionService generates alternative phrasings of a query so
// retrieval catches different wordings in the corpus. The original query is
// always variant #0.
type QueryExpansionService struct {
	llm         ExpansionLLM // nil forces the rule-based path
	maxVariants int
}

// NewQueryExpansionService creates a QueryExpansionService.
func NewQueryExpansionService(llm ExpansionLLM, maxVariants int) *QueryExpansionService {
	if maxVariants <= 0 {
		maxVariants = 4
	}
	return &QueryExpansionService{llm: llm, maxVariants: maxVariants}
}

// Expand returns up to maxVariants query variants, deduplicated
// case-insensitively. LLM expansion applies only to queries of at least
// three words; on failure or short queries the rule-based expansion runs.
// Queries under three characters are returned as they are.
func (s *QueryExpansionService) Expand(ctx context.Context, query string) []string {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 3 {
		return []string{query}
	}

	if s.llm != nil && len(strings.Fields(trimmed)) >= 3 {
		variants, err := s.expandLLM(ctx, query)
		if err != nil {
			slog.Warn("llm query expansion failed, using rule-based fallback", "error", err)
		} else if len(variants) > 1 {
			return variants
		}
	}

	return s.expandSimple(query)
}

// expandLLM asks the model for paraphrases and keeps lines that look like
// questions.
func (s *QueryExpansionService) expandLLM(ctx context.Context, query string) ([]string, error) {
	n := s.maxVariants - 1
	prompt := fmt.Sprintf(`You are a search expert. Given a user question, generate %d alternative ways
to phrase the SAME question that might catch different phrasings in documents.

IMPORTANT RULES:
1. Generate ONLY %d alternative questions
2. Each must be a valid question (ends with ?)
3. Keep them semantically similar but worded differently
4. Capture different ways the concept might be expressed
5. Return ONLY the questions, one per line
6. Do NOT number them or add explanations

Original question: "%s"

Alternative phrasings:`, n, n, query)

	response, err := s.llm.Generate(ctx, prompt, llmclient.GenerateOptions{
		MaxTokens:   300,
		Temperature: 0.5,
	})
	if err != nil {
		return nil, fmt.Errorf("service.expandLLM: %w", err)
	}

	var variants []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "?") {
			continue
		}
		variants = append(variants, line)
		if len(variants) == n {
			break
		}
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("service.expandLLM: no valid variants in response")
	}

	return dedupVariants(append([]string{query}, variants...), s.maxVariants), nil
}

// expandSimple is the rule-based fallback: strip leading interrogative
// prefixes and add a directive-phrased variant.
func (s *QueryExpansionService) expandSimple(query string) []string {
	variants := []string{query}
	queryLower := strings.ToLower(query)

	if rest, ok := strings.CutPrefix(queryLower, "what is "); ok && strings.TrimSpace(rest) != "" {
		variants = append(variants, strings.TrimSpace(rest))
	}
	if strings.HasPrefix(queryLower, "how do ") || strings.HasPrefix(queryLower, "how can ") {
		parts := strings.SplitN(queryLower, " ", 3)
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			variants = append(variants, strings.TrimSpace(parts[2]))
		}
	}
	if rest, ok := strings.CutPrefix(queryLower, "why "); ok && strings.TrimSpace(rest) != "" {
		variants = append(variants, strings.TrimSpace(rest))
	}
	if !strings.HasPrefix(queryLower, "explain") {
		variants = append(variants, "Explain "+strings.TrimRight(queryLower, "?"))
	}

	return dedupVariants(variants, s.maxVariants)
}

// dedupVariants removes case-insensitive duplicates, preserving order.
func dedupVariants(variants []string, max int) []string {
	seen := make(map[string]struct{}, len(variants))
	var out []string
	for _, v := range variants {
		key := strings.TrimSpace(strings.TrimRight(strings.ToLower(v), "?"))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}
