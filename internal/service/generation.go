package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/model"
)

// Pipeline defaults.
const (
	DefaultMaxContextTokens = 4000
	DefaultTopK             = 20
	DefaultLLMMaxTokens     = 1500
	DefaultTemperature      = 0.3

	historyFetchLimit = 10
)

// NoResultsWarning is the warning attached when retrieval finds nothing.
const NoResultsWarning = "No relevant documents found for this query"

// GenerationMetrics carries per-stage timings for one pipeline run.
type GenerationMetrics struct {
	SearchTimeMs       int    `json:"search_time_ms"`
	RerankTimeMs       int    `json:"rerank_time_ms"`
	ContextTimeMs      int    `json:"context_time_ms"`
	PromptTimeMs       int    `json:"prompt_time_ms"`
	LLMTimeMs          int    `json:"llm_time_ms"`
	VerificationTimeMs int    `json:"verification_time_ms"`
	TotalTimeMs        int    `json:"total_time_ms"`
	TokensUsed         int    `json:"tokens_used"`
	SourcesUsed        int    `json:"sources_used"`
	ModelUsed          string `json:"model_used"`
}

// GeneratedMessage is the full pipeline output for one query.
type GeneratedMessage struct {
	Content      string              `json:"content"`
	Sources      []string            `json:"sources"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Metrics      GenerationMetrics   `json:"metrics"`
	Warnings     []string            `json:"warnings"`
	Failed       bool                `json:"-"` // LLM failure: persist status=error
}

// CitationsJSON marshals the verification blob for the message row.
func (g *GeneratedMessage) CitationsJSON() json.RawMessage {
	if g.Verification == nil {
		return nil
	}
	b, err := json.Marshal(g.Verification)
	if err != nil {
		return nil
	}
	return b
}

// MessageStore abstracts the persistence the orchestrator needs.
// Implemented by repository.MessageRepo.
type MessageStore interface {
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	PrecedingUserMessage(ctx context.Context, conversationID string, before time.Time) (*model.Message, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	UpdateAssistantMessage(ctx context.Context, msg *model.Message) error
	ConversationWorkspace(ctx context.Context, conversationID string) (string, error)
	AddConversationUsage(ctx context.Context, conversationID string, messages, tokens int) error
	IncrementCitationCounts(ctx context.Context, resourceIDs []string) error
}

// GenerationService chains search → rerank → assemble → prompt → generate →
// verify, records stage metrics, and persists results.
type GenerationService struct {
	search  *SearchService
	rerank  *RerankService
	assembl *ContextService
	prompt  *PromptService
	verify  *VerifyService
	llm     *llmclient.Router
	store   MessageStore // nil disables persistence
	now     func() time.Time
}

// NewGenerationService creates a GenerationService.
func NewGenerationService(
	search *SearchService,
	rerank *RerankService,
	assembl *ContextService,
	prompt *PromptService,
	verify *VerifyService,
	llm *llmclient.Router,
	store MessageStore,
) *GenerationService {
	return &GenerationService{
		search:  search,
		rerank:  rerank,
		assembl: assembl,
		prompt:  prompt,
		verify:  verify,
		llm:     llm,
		store:   store,
		now:     time.Now,
	}
}

// Generate runs the full pipeline. conversationID may be empty (one-shot);
// saveMessage only applies when a conversation is given. On empty retrieval
// the canned no-context reply is returned without invoking the LLM. On LLM
// failure the returned message is marked Failed and carries the error text.
func (s *GenerationService) Generate(ctx context.Context, query, workspaceID, conversationID string, params model.GenerationParams, saveMessage bool) (*GeneratedMessage, error) {
	start := s.now()
	params = withDefaults(params)

	slog.Info("generation starting",
		"workspace_id", workspaceID,
		"conversation_id", conversationID,
		"provider", params.Provider,
		"prompt_type", params.PromptType,
	)

	out := &GeneratedMessage{Sources: []string{}, Warnings: []string{}}

	// Step 1: hybrid search.
	t0 := s.now()
	results, err := s.search.Search(ctx, query, workspaceID, params.TopK)
	if err != nil {
		return nil, fmt.Errorf("service.Generate: search: %w", err)
	}
	out.Metrics.SearchTimeMs = msSince(t0, s.now)

	if len(results) == 0 {
		out.Content = s.prompt.NoContextResponse(query)
		out.Warnings = append(out.Warnings, NoResultsWarning)
		out.Metrics.TotalTimeMs = msSince(start, s.now)
		if saveMessage && conversationID != "" && s.store != nil {
			if err := s.persist(ctx, conversationID, query, out, model.StatusComplete); err != nil {
				slog.Error("persist no-context exchange failed", "conversation_id", conversationID, "error", err)
			}
		}
		return out, nil
	}

	// Step 2: rerank with conflict detection.
	t0 = s.now()
	results = s.rerank.Rerank(ctx, results, query, true)
	out.Metrics.RerankTimeMs = msSince(t0, s.now)

	// Step 3: assemble the evidence packet.
	t0 = s.now()
	packet := s.assembl.Assemble(ctx, results, query, workspaceID, params.MaxContextTokens, true, true)
	out.Metrics.ContextTimeMs = msSince(t0, s.now)
	out.Metrics.SourcesUsed = packet.SourceCount
	out.Sources = packet.ResourceIDs()

	if packet.SourceCount < 3 {
		out.Warnings = append(out.Warnings, "Limited sources available - answer may be incomplete")
	}

	// Step 4: build the prompt, with recent history when conversational.
	var history []model.Message
	if conversationID != "" && s.store != nil {
		history, err = s.store.History(ctx, conversationID, historyFetchLimit)
		if err != nil {
			slog.Warn("history fetch failed", "conversation_id", conversationID, "error", err)
			history = nil
		}
	}
	t0 = s.now()
	prompt := s.prompt.Build(query, packet, PromptType(params.PromptType), history, "")
	out.Metrics.PromptTimeMs = msSince(t0, s.now)

	// Step 5: call the LLM.
	client, err := s.llm.Client(llmclient.Provider(params.Provider))
	if err != nil {
		return nil, fmt.Errorf("service.Generate: %w", err)
	}

	t0 = s.now()
	fullPrompt := prompt.FullText()
	response, err := client.Generate(ctx, fullPrompt, llmclient.GenerateOptions{
		Model:       params.Model,
		MaxTokens:   params.LLMMaxTokens,
		Temperature: params.Temperature,
	})
	out.Metrics.LLMTimeMs = msSince(t0, s.now)
	modelUsed := params.Model
	if modelUsed == "" {
		modelUsed = client.ModelName()
	}
	out.Metrics.ModelUsed = modelUsed

	if err != nil {
		slog.Error("llm call failed", "provider", params.Provider, "error", err)
		out.Content = fmt.Sprintf("I encountered an error generating a response: %s", err)
		out.Warnings = append(out.Warnings, "LLM call failed")
		out.Failed = true
		out.Metrics.TotalTimeMs = msSince(start, s.now)
		if saveMessage && conversationID != "" && s.store != nil {
			if perr := s.persist(ctx, conversationID, query, out, model.StatusError); perr != nil {
				slog.Error("persist failed exchange failed", "conversation_id", conversationID, "error", perr)
			}
		}
		return out, nil
	}

	out.Content = response
	out.Metrics.TokensUsed = len(fullPrompt)/charsPerToken + len(response)/charsPerToken

	// Step 6: verify citations.
	if params.VerifyCitations {
		t0 = s.now()
		out.Verification = s.verify.Verify(response, packet, true)
		out.Metrics.VerificationTimeMs = msSince(t0, s.now)

		if out.Verification.HasHallucinations {
			for i, d := range out.Verification.HallucinationDetails {
				if i == 3 {
					break
				}
				out.Warnings = append(out.Warnings, d)
			}
		}
		out.Warnings = append(out.Warnings, out.Verification.Warnings...)
	}

	out.Metrics.TotalTimeMs = msSince(start, s.now)

	if saveMessage && conversationID != "" && s.store != nil {
		if err := s.persist(ctx, conversationID, query, out, model.StatusComplete); err != nil {
			slog.Error("persist exchange failed", "conversation_id", conversationID, "error", err)
		}
	}

	slog.Info("generation complete",
		"conversation_id", conversationID,
		"total_ms", out.Metrics.TotalTimeMs,
		"sources", len(out.Sources),
		"model", modelUsed,
	)
	return out, nil
}

// Regenerate re-runs the pipeline for an existing assistant message using
// the nearest earlier user message as the query, and updates the assistant
// message in place.
func (s *GenerationService) Regenerate(ctx context.Context, messageID string, params model.GenerationParams) (*GeneratedMessage, error) {
	if s.store == nil {
		return nil, fmt.Errorf("service.Regenerate: no message store configured")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("service.Regenerate: get message: %w", err)
	}
	if msg.Role != model.RoleAssistant {
		return nil, fmt.Errorf("service.Regenerate: message %s is not an assistant message", messageID)
	}

	userMsg, err := s.store.PrecedingUserMessage(ctx, msg.ConversationID, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("service.Regenerate: find user message: %w", err)
	}

	workspaceID, err := s.store.ConversationWorkspace(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("service.Regenerate: conversation: %w", err)
	}

	out, err := s.Generate(ctx, userMsg.Content, workspaceID, msg.ConversationID, params, false)
	if err != nil {
		return nil, err
	}

	ApplyResult(msg, out)
	if err := s.store.UpdateAssistantMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("service.Regenerate: update message: %w", err)
	}
	return out, nil
}

// ApplyResult copies a pipeline result onto an assistant message row.
func ApplyResult(msg *model.Message, out *GeneratedMessage) {
	msg.Content = out.Content
	msg.Sources = out.Sources
	msg.Citations = out.CitationsJSON()
	tokens := out.Metrics.TokensUsed
	msg.TokensUsed = &tokens
	genTime := out.Metrics.TotalTimeMs
	msg.GenerationTimeMs = &genTime
	if out.Metrics.ModelUsed != "" {
		modelUsed := out.Metrics.ModelUsed
		msg.ModelUsed = &modelUsed
	}
	if out.Failed {
		msg.Status = model.StatusError
		errText := out.Content
		msg.ErrorMessage = &errText
	} else {
		msg.Status = model.StatusComplete
		msg.ErrorMessage = nil
	}
}

// persist writes the user and assistant messages, updates conversation
// stats, and bumps resource citation counts once per distinct source.
func (s *GenerationService) persist(ctx context.Context, conversationID, query string, out *GeneratedMessage, status model.MessageStatus) error {
	now := s.now().UTC()

	userMsg := &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        query,
		Timestamp:      now,
		Status:         model.StatusComplete,
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}

	assistantMsg := &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Timestamp:      now,
		Status:         status,
	}
	ApplyResult(assistantMsg, out)
	assistantMsg.Status = status
	if err := s.store.InsertMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	if err := s.store.AddConversationUsage(ctx, conversationID, 2, out.Metrics.TokensUsed); err != nil {
		slog.Warn("conversation usage update failed", "conversation_id", conversationID, "error", err)
	}
	if len(out.Sources) > 0 {
		if err := s.store.IncrementCitationCounts(ctx, out.Sources); err != nil {
			slog.Warn("citation count update failed", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// PipelineStats describes the pipeline configuration for diagnostics.
func (s *GenerationService) PipelineStats() map[string]any {
	return map[string]any{
		"services": map[string]string{
			"search":       "SearchService (hybrid semantic + lexical + graph)",
			"rerank":       "RerankService (5-factor scoring + conflict detection)",
			"context":      "ContextService (token budgeting)",
			"prompt":       "PromptService (citation-enforced templates)",
			"verification": "VerifyService (claim checking)",
		},
		"defaults": map[string]any{
			"max_context_tokens": DefaultMaxContextTokens,
			"top_k":              DefaultTopK,
			"llm_max_tokens":     DefaultLLMMaxTokens,
			"temperature":        DefaultTemperature,
		},
	}
}

// withDefaults fills zero-valued params with pipeline defaults.
func withDefaults(p model.GenerationParams) model.GenerationParams {
	if p.MaxContextTokens <= 0 {
		p.MaxContextTokens = DefaultMaxContextTokens
	}
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}
	if p.LLMMaxTokens <= 0 {
		p.LLMMaxTokens = DefaultLLMMaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = DefaultTemperature
	}
	if p.PromptType == "" || !PromptType(p.PromptType).Valid() {
		p.PromptType = string(PromptQA)
	}
	return p
}

func msSince(t time.Time, now func() time.Time) int {
	return int(now().Sub(t).Milliseconds())
}
