package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docify-ai/docify-backend/internal/fabric"
	"github.com/docify-ai/docify-backend/internal/llmclient"
	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/repository"
	"github.com/docify-ai/docify-backend/internal/service"
)

const maxQueryLength = 10000

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// MessageStore abstracts the persistence the message handlers need.
// Implemented by repository.MessageRepo.
type MessageStore interface {
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	GetConversationMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	SetGenerationTask(ctx context.Context, messageID, taskID string) error
	ConversationWorkspace(ctx context.Context, conversationID string) (string, error)
	UpdateAssistantMessage(ctx context.Context, msg *model.Message) error
}

// Regenerator abstracts the synchronous regeneration pipeline.
type Regenerator interface {
	Regenerate(ctx context.Context, messageID string, params model.GenerationParams) (*service.GeneratedMessage, error)
}

// OneShotGenerator abstracts the synchronous generation pipeline.
type OneShotGenerator interface {
	Generate(ctx context.Context, query, workspaceID, conversationID string, params model.GenerationParams, saveMessage bool) (*service.GeneratedMessage, error)
}

// MessageDeps bundles the services needed by the message handlers.
type MessageDeps struct {
	Store     MessageStore
	Broker    fabric.Broker // nil disables async accept (503)
	Status    *fabric.StatusStore
	Generator OneShotGenerator
	Regen     Regenerator
}

// GenerateMessageRequest is the accept-path request body.
type GenerateMessageRequest struct {
	Query            string  `json:"query"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	Temperature      float64 `json:"temperature"`
	LLMMaxTokens     int     `json:"llm_max_tokens"`
	MaxContextTokens int     `json:"max_context_tokens"`
	TopK             int     `json:"top_k"`
	PromptType       string  `json:"prompt_type"`
	VerifyCitations  *bool   `json:"verify_citations,omitempty"`
}

func (r *GenerateMessageRequest) params() model.GenerationParams {
	verify := true
	if r.VerifyCitations != nil {
		verify = *r.VerifyCitations
	}
	return model.GenerationParams{
		Provider:         r.Provider,
		Model:            r.Model,
		Temperature:      r.Temperature,
		LLMMaxTokens:     r.LLMMaxTokens,
		MaxContextTokens: r.MaxContextTokens,
		TopK:             r.TopK,
		PromptType:       r.PromptType,
		VerifyCitations:  verify,
	}
}

// validate returns a client-facing error string, or "" when valid.
// Oversized queries are reported separately so they map to 413.
func (r *GenerateMessageRequest) validate() (msg string, oversized bool) {
	if strings.TrimSpace(r.Query) == "" {
		return "query is required", false
	}
	if len(r.Query) > maxQueryLength {
		return "query exceeds 10000 character limit", true
	}
	if r.Provider != "" && !llmclient.Provider(r.Provider).Valid() {
		return "provider must be one of: ollama, openai, anthropic, vertex", false
	}
	if r.PromptType != "" && !service.PromptType(r.PromptType).Valid() {
		return "prompt_type must be one of: qa, summary, compare, extract, explain", false
	}
	return "", false
}

// AcceptedMessage is the 202 response body for the accept path.
type AcceptedMessage struct {
	MessageID string          `json:"message_id"`
	Content   string          `json:"content"`
	Sources   []string        `json:"sources"`
	Citations json.RawMessage `json:"citations"`
	Status    string          `json:"status"`
	Warnings  []string        `json:"warnings"`
}

// CreateMessage accepts a query, creates the pending assistant message,
// enqueues one generation job, and returns 202 with the message id.
// POST /api/conversations/{id}/messages
func CreateMessage(deps MessageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")

		var req GenerateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if msg, oversized := req.validate(); msg != "" {
			status := http.StatusBadRequest
			if oversized {
				status = http.StatusRequestEntityTooLarge
			}
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}

		workspaceID, err := deps.Store.ConversationWorkspace(r.Context(), conversationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "conversation not found"})
				return
			}
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}

		if deps.Broker == nil {
			respondJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "generation queue unavailable"})
			return
		}

		params := req.params()
		paramsJSON, _ := json.Marshal(params)

		userMsg := &model.Message{
			ConversationID: conversationID,
			Role:           model.RoleUser,
			Content:        req.Query,
			Status:         model.StatusComplete,
		}
		if err := deps.Store.InsertMessage(r.Context(), userMsg); err != nil {
			slog.Error("accept: user message insert failed", "conversation_id", conversationID, "error", err)
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}

		assistantMsg := &model.Message{
			ConversationID:   conversationID,
			Role:             model.RoleAssistant,
			Content:          "",
			Status:           model.StatusPending,
			GenerationParams: paramsJSON,
		}
		if err := deps.Store.InsertMessage(r.Context(), assistantMsg); err != nil {
			slog.Error("accept: assistant message insert failed", "conversation_id", conversationID, "error", err)
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}

		job := &model.GenerationJob{
			MessageID:      assistantMsg.ID,
			ConversationID: conversationID,
			WorkspaceID:    workspaceID,
			Query:          req.Query,
			Params:         params,
		}
		jobID, err := deps.Broker.Enqueue(r.Context(), job)
		if err != nil {
			slog.Error("accept: enqueue failed", "message_id", assistantMsg.ID, "error", err)
			errText := "failed to enqueue generation job"
			assistantMsg.Status = model.StatusError
			assistantMsg.ErrorMessage = &errText
			_ = deps.Store.UpdateAssistantMessage(r.Context(), assistantMsg)
			respondJSON(w, http.StatusBadGateway, envelope{Success: false, Error: errText})
			return
		}

		if err := deps.Store.SetGenerationTask(r.Context(), assistantMsg.ID, jobID); err != nil {
			slog.Warn("accept: task id record failed", "message_id", assistantMsg.ID, "error", err)
		}
		if deps.Status != nil {
			if err := deps.Status.SetStatus(r.Context(), assistantMsg.ID, model.StatusPending); err != nil {
				slog.Warn("accept: status cache write failed", "message_id", assistantMsg.ID, "error", err)
			}
		}

		respondJSON(w, http.StatusAccepted, AcceptedMessage{
			MessageID: assistantMsg.ID,
			Content:   "",
			Sources:   []string{},
			Citations: json.RawMessage(`{}`),
			Status:    string(model.StatusPending),
			Warnings:  []string{},
		})
	}
}

// MessageStatus returns the full message snapshot: status plus whatever
// fields the worker has filled so far. Clients poll this or use the stream.
// GET /api/conversations/{cid}/messages/{mid}/status
func MessageStatus(deps MessageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "cid")
		messageID := chi.URLParam(r, "mid")

		msg, err := deps.Store.GetConversationMessage(r.Context(), conversationID, messageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "message not found"})
				return
			}
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: msg})
	}
}

// RegenerateRequest carries partial parameter overrides.
type RegenerateRequest struct {
	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	LLMMaxTokens     *int     `json:"llm_max_tokens,omitempty"`
	MaxContextTokens *int     `json:"max_context_tokens,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	PromptType       string   `json:"prompt_type,omitempty"`
	VerifyCitations  *bool    `json:"verify_citations,omitempty"`
}

// RegenerateMessage re-runs the pipeline for an existing assistant message,
// merging the stored generation parameters with request overrides, and
// updates the message in place.
// POST /api/conversations/messages/{id}/regenerate
func RegenerateMessage(deps MessageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := chi.URLParam(r, "id")

		// An empty body means "reuse the stored parameters".
		var req RegenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		msg, err := deps.Store.GetMessage(r.Context(), messageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "message not found"})
				return
			}
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}
		if msg.Role != model.RoleAssistant {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "message is not an assistant message"})
			return
		}
		if msg.Status == model.StatusStreaming || msg.Status == model.StatusPending {
			respondJSON(w, http.StatusConflict, envelope{Success: false, Error: "message generation is already in progress"})
			return
		}

		params := mergeParams(msg.GenerationParams, &req)

		out, err := deps.Regen.Regenerate(r.Context(), messageID, params)
		if err != nil {
			slog.Error("regenerate failed", "message_id", messageID, "error", err)
			respondJSON(w, http.StatusBadGateway, envelope{Success: false, Error: err.Error()})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: out})
	}
}

// GenerateRequest is the one-shot generation request body.
type GenerateRequest struct {
	GenerateMessageRequest
	WorkspaceID    string `json:"workspace_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// GenerateOneShot runs the pipeline synchronously. Persistence only happens
// when a conversation id is given.
// POST /api/conversations/generate
func GenerateOneShot(deps MessageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if msg, oversized := req.validate(); msg != "" {
			status := http.StatusBadRequest
			if oversized {
				status = http.StatusRequestEntityTooLarge
			}
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}
		if req.WorkspaceID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "workspace_id is required"})
			return
		}

		out, err := deps.Generator.Generate(r.Context(), req.Query, req.WorkspaceID, req.ConversationID, req.params(), req.ConversationID != "")
		if err != nil {
			slog.Error("one-shot generation failed", "workspace_id", req.WorkspaceID, "error", err)
			respondJSON(w, http.StatusBadGateway, envelope{Success: false, Error: err.Error()})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: out})
	}
}

// mergeParams overlays request overrides onto the message's stored
// generation parameters.
func mergeParams(stored json.RawMessage, req *RegenerateRequest) model.GenerationParams {
	var params model.GenerationParams
	if len(stored) > 0 {
		_ = json.Unmarshal(stored, &params)
	}
	if req.Provider != "" {
		params.Provider = req.Provider
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.LLMMaxTokens != nil {
		params.LLMMaxTokens = *req.LLMMaxTokens
	}
	if req.MaxContextTokens != nil {
		params.MaxContextTokens = *req.MaxContextTokens
	}
	if req.TopK != nil {
		params.TopK = *req.TopK
	}
	if req.PromptType != "" {
		params.PromptType = req.PromptType
	}
	if req.VerifyCitations != nil {
		params.VerifyCitations = *req.VerifyCitations
	}
	return params
}
