package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/docify-ai/docify-backend/internal/llmclient"
)

// mockLLM implements ExpansionLLM / ConflictLLM for testing.
type mockLLM struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (m *mockLLM) Generate(ctx context.Context, prompt string, opts llmclient.GenerateOptions) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func TestExpand_ShortQuerySkipsLLM(t *testing.T) {
	llm := &mockLLM{response: "Should not be called?"}
	svc := NewQueryExpansionService(llm, 4)

	variants := svc.Expand(context.Background(), "quantum")
	if len(variants) != 2 || variants[0] != "quantum" || variants[1] != "Explain quantum" {
		t.Errorf("variants = %v, want the original plus the rule-based variant", variants)
	}
	if llm.calls != 0 {
		t.Errorf("LLM called %d times for a short query, want 0", llm.calls)
	}
}

func TestExpand_LLMVariants(t *testing.T) {
	llm := &mockLLM{response: "What are the key results?\nnot a question line\nWhat did the study conclude?\n"}
	svc := NewQueryExpansionService(llm, 4)

	variants := svc.Expand(context.Background(), "What is the main finding?")
	if len(variants) != 3 {
		t.Fatalf("got %d variants, want 3 (original + 2 questions): %v", len(variants), variants)
	}
	if variants[0] != "What is the main finding?" {
		t.Errorf("variant #0 = %q, want the original query", variants[0])
	}
	for _, v := range variants[1:] {
		if !strings.Contains(v, "?") {
			t.Errorf("variant %q does not look like a question", v)
		}
	}
}

func TestExpand_LLMFailureFallsBackToRules(t *testing.T) {
	llm := &mockLLM{err: fmt.Errorf("model offline")}
	svc := NewQueryExpansionService(llm, 4)

	variants := svc.Expand(context.Background(), "what is quantum computing?")
	if len(variants) < 2 {
		t.Fatalf("rule-based fallback produced %d variants, want at least 2: %v", len(variants), variants)
	}
	// Prefix-stripped variant and the directive variant.
	foundStripped, foundExplain := false, false
	for _, v := range variants {
		if strings.HasPrefix(v, "quantum computing") {
			foundStripped = true
		}
		if strings.HasPrefix(v, "Explain ") {
			foundExplain = true
		}
	}
	if !foundStripped {
		t.Errorf("missing interrogative-stripped variant in %v", variants)
	}
	if !foundExplain {
		t.Errorf("missing directive variant in %v", variants)
	}
}

func TestExpand_DeduplicatesCaseInsensitively(t *testing.T) {
	llm := &mockLLM{response: "WHAT IS THE MAIN FINDING?\nWhat are the results?"}
	svc := NewQueryExpansionService(llm, 4)

	variants := svc.Expand(context.Background(), "What is the main finding?")
	for i, a := range variants {
		for j, b := range variants {
			if i != j && strings.EqualFold(strings.TrimRight(a, "?"), strings.TrimRight(b, "?")) {
				t.Errorf("variants %d and %d are case-insensitive duplicates: %q / %q", i, j, a, b)
			}
		}
	}
}
