package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/model"
)

// recordingGenerator implements llmclient.Generator.
type recordingGenerator struct {
	response string
	err      error
	calls    int
}

func (g *recordingGenerator) Generate(ctx context.Context, prompt string, opts llmclient.GenerateOptions) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func (g *recordingGenerator) ModelName() string { return "test-model" }

// memoryStore implements MessageStore in memory.
type memoryStore struct {
	messages      []*model.Message
	workspaceID   string
	usageMessages int
	usageTokens   int
	citationBumps [][]string
}

func (s *memoryStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	for _, m := range s.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

func (s *memoryStore) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memoryStore) PrecedingUserMessage(ctx context.Context, conversationID string, before time.Time) (*model.Message, error) {
	var best *model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Role == model.RoleUser && m.Timestamp.Before(before) {
			if best == nil || m.Timestamp.After(best.Timestamp) {
				best = m
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no preceding user message")
	}
	return best, nil
}

func (s *memoryStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%d", len(s.messages)+1)
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memoryStore) UpdateAssistantMessage(ctx context.Context, msg *model.Message) error {
	for i, m := range s.messages {
		if m.ID == msg.ID {
			s.messages[i] = msg
			return nil
		}
	}
	return fmt.Errorf("message %s not found", msg.ID)
}

func (s *memoryStore) ConversationWorkspace(ctx context.Context, conversationID string) (string, error) {
	return s.workspaceID, nil
}

func (s *memoryStore) AddConversationUsage(ctx context.Context, conversationID string, messages, tokens int) error {
	s.usageMessages += messages
	s.usageTokens += tokens
	return nil
}

func (s *memoryStore) IncrementCitationCounts(ctx context.Context, resourceIDs []string) error {
	s.citationBumps = append(s.citationBumps, resourceIDs)
	return nil
}

func newTestPipeline(store *memoryStore, searchStore *mockSearchStore, gen *recordingGenerator) *GenerationService {
	router := llmclient.NewRouter(llmclient.ProviderOllama, map[llmclient.Provider]llmclient.Generator{
		llmclient.ProviderOllama: gen,
	})
	return NewGenerationService(
		NewSearchService(&mockEmbedder{}, searchStore, nil),
		NewRerankService(nil),
		NewContextService(nil, nil),
		NewPromptService(),
		NewVerifyService(),
		router,
		store,
	)
}

func TestGenerate_EmptyRetrievalShortCircuits(t *testing.T) {
	gen := &recordingGenerator{response: "should not run"}
	store := &memoryStore{workspaceID: "ws-1"}
	svc := newTestPipeline(store, &mockSearchStore{}, gen)

	out, err := svc.Generate(context.Background(), "foo bar baz", "ws-1", "conv-1", model.GenerationParams{Provider: "ollama"}, true)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if gen.calls != 0 {
		t.Errorf("LLM called %d times on empty retrieval, want 0", gen.calls)
	}
	if !strings.Contains(out.Content, "foo bar baz") {
		t.Errorf("no-context response does not reference the query: %q", out.Content)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != NoResultsWarning {
		t.Errorf("warnings = %v, want [%q]", out.Warnings, NoResultsWarning)
	}
	if len(out.Sources) != 0 {
		t.Errorf("sources = %v, want empty", out.Sources)
	}
	// Persisted with status complete.
	if len(store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(store.messages))
	}
	if store.messages[1].Status != model.StatusComplete {
		t.Errorf("assistant status = %s, want complete", store.messages[1].Status)
	}
}

func TestGenerate_SuccessEndToEnd(t *testing.T) {
	gen := &recordingGenerator{response: "Quantum computing uses qubits. [Source 1]"}
	searchStore := &mockSearchStore{
		semantic: []SemanticHit{{
			Chunk:    model.Chunk{ID: "c1", ResourceID: "r1", Content: "Quantum computing uses qubits to run algorithms."},
			Resource: model.Resource{ID: "r1", Title: "Intro QC", ResourceType: "pdf", CreatedAt: time.Now().UTC()},
		}},
	}
	store := &memoryStore{workspaceID: "ws-1"}
	svc := newTestPipeline(store, searchStore, gen)

	out, err := svc.Generate(context.Background(), "What is quantum computing?", "ws-1", "conv-1",
		model.GenerationParams{Provider: "ollama", VerifyCitations: true}, true)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if out.Verification == nil {
		t.Fatal("verification missing")
	}
	if out.Verification.VerificationScore != 1.0 {
		t.Errorf("verification score = %v, want 1.0", out.Verification.VerificationScore)
	}
	if len(out.Sources) != 1 || out.Sources[0] != "r1" {
		t.Errorf("sources = %v, want [r1]", out.Sources)
	}
	if out.Metrics.TokensUsed <= 0 {
		t.Errorf("tokens used = %d, want positive estimate", out.Metrics.TokensUsed)
	}
	if out.Metrics.ModelUsed != "test-model" {
		t.Errorf("model used = %q, want test-model", out.Metrics.ModelUsed)
	}

	// Persistence: user + assistant rows, usage, one citation bump for r1.
	if len(store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(store.messages))
	}
	assistant := store.messages[1]
	if assistant.Role != model.RoleAssistant || assistant.Status != model.StatusComplete {
		t.Errorf("assistant message role=%s status=%s", assistant.Role, assistant.Status)
	}
	if len(assistant.Citations) == 0 {
		t.Error("assistant message missing citations blob")
	}
	if store.usageMessages != 2 {
		t.Errorf("conversation message bump = %d, want 2", store.usageMessages)
	}
	if len(store.citationBumps) != 1 || store.citationBumps[0][0] != "r1" {
		t.Errorf("citation bumps = %v, want one bump for r1", store.citationBumps)
	}
}

func TestGenerate_LLMFailure(t *testing.T) {
	gen := &recordingGenerator{err: fmt.Errorf("model exploded")}
	searchStore := &mockSearchStore{
		semantic: []SemanticHit{makeHit("c1", "r1", "some content")},
	}
	store := &memoryStore{workspaceID: "ws-1"}
	svc := newTestPipeline(store, searchStore, gen)

	out, err := svc.Generate(context.Background(), "a query here", "ws-1", "conv-1",
		model.GenerationParams{Provider: "ollama", VerifyCitations: true}, true)
	if err != nil {
		t.Fatalf("Generate() error: %v (LLM failure is reported in the result)", err)
	}

	if !out.Failed {
		t.Error("result not marked failed")
	}
	if out.Verification != nil {
		t.Error("verification should not run after LLM failure")
	}
	if store.messages[1].Status != model.StatusError {
		t.Errorf("assistant status = %s, want error", store.messages[1].Status)
	}
	if store.messages[1].ErrorMessage == nil {
		t.Error("assistant message missing error text")
	}
}

func TestGenerate_UnknownProvider(t *testing.T) {
	gen := &recordingGenerator{response: "x"}
	searchStore := &mockSearchStore{semantic: []SemanticHit{makeHit("c1", "r1", "content")}}
	svc := newTestPipeline(&memoryStore{}, searchStore, gen)

	_, err := svc.Generate(context.Background(), "a query here", "ws-1", "",
		model.GenerationParams{Provider: "nonsense"}, false)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegenerate_UpdatesInPlace(t *testing.T) {
	gen := &recordingGenerator{response: "Improved answer. [Source 1]"}
	searchStore := &mockSearchStore{
		semantic: []SemanticHit{makeHit("c1", "r1", "Improved answer content here.")},
	}
	store := &memoryStore{workspaceID: "ws-1"}
	base := time.Now().UTC()
	store.messages = []*model.Message{
		{ID: "u1", ConversationID: "conv-1", Role: model.RoleUser, Content: "original question text", Timestamp: base.Add(-2 * time.Minute)},
		{ID: "a1", ConversationID: "conv-1", Role: model.RoleAssistant, Content: "old answer", Timestamp: base.Add(-1 * time.Minute), Status: model.StatusComplete},
	}
	svc := newTestPipeline(store, searchStore, gen)

	out, err := svc.Regenerate(context.Background(), "a1", model.GenerationParams{Provider: "ollama", VerifyCitations: true})
	if err != nil {
		t.Fatalf("Regenerate() error: %v", err)
	}
	if out.Content != "Improved answer. [Source 1]" {
		t.Errorf("regenerated content = %q", out.Content)
	}

	updated, _ := store.GetMessage(context.Background(), "a1")
	if updated.Content != out.Content {
		t.Errorf("assistant message not updated in place: %q", updated.Content)
	}
	if updated.Status != model.StatusComplete {
		t.Errorf("updated status = %s, want complete", updated.Status)
	}
	// Regeneration must not append new rows.
	if len(store.messages) != 2 {
		t.Errorf("message count = %d after regenerate, want 2", len(store.messages))
	}
}

func TestRegenerate_RejectsUserMessage(t *testing.T) {
	store := &memoryStore{workspaceID: "ws-1"}
	store.messages = []*model.Message{
		{ID: "u1", ConversationID: "conv-1", Role: model.RoleUser, Content: "question", Timestamp: time.Now()},
	}
	svc := newTestPipeline(store, &mockSearchStore{}, &recordingGenerator{})

	if _, err := svc.Regenerate(context.Background(), "u1", model.GenerationParams{}); err == nil {
		t.Fatal("expected error regenerating a user message")
	}
}
