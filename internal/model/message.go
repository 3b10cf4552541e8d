package model

import (
	"encoding/json"
	"time"
)

// MessageStatus tracks async generation progress on a message row.
// Transitions are monotonic: pending → streaming → (complete | error).
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s MessageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Conversation groups messages within a workspace.
type Conversation struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	Title        *string   `json:"title,omitempty"`
	Topic        *string   `json:"topic,omitempty"`
	MessageCount int       `json:"messageCount"`
	TokenUsage   int       `json:"tokenUsage"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a conversation-scoped chat record. Assistant messages carry
// citation verification output and async generation tracking fields.
type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	Role             MessageRole     `json:"role"`
	Content          string          `json:"content"`
	Timestamp        time.Time       `json:"timestamp"`
	Sources          []string        `json:"sources"`
	Citations        json.RawMessage `json:"citations,omitempty"`
	TokensUsed       *int            `json:"tokensUsed,omitempty"`
	GenerationTimeMs *int            `json:"generationTimeMs,omitempty"`
	ModelUsed        *string         `json:"modelUsed,omitempty"`
	Status           MessageStatus   `json:"status"`
	GenerationTaskID *string         `json:"generationTaskId,omitempty"`
	ErrorMessage     *string         `json:"errorMessage,omitempty"`
	GenerationParams json.RawMessage `json:"generationParams,omitempty"`
}

// GenerationParams is the parameter struct carried by a generation job and
// persisted on the assistant message for regeneration.
type GenerationParams struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	Temperature      float64 `json:"temperature"`
	LLMMaxTokens     int     `json:"llm_max_tokens"`
	MaxContextTokens int     `json:"max_context_tokens"`
	TopK             int     `json:"top_k"`
	PromptType       string  `json:"prompt_type"`
	VerifyCitations  bool    `json:"verify_citations"`
}

// GenerationJob is the durable unit of generation work, uniquely tied to
// one assistant message. Delivered at-least-once; the message update is
// idempotent.
type GenerationJob struct {
	JobID          string           `json:"job_id"`
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	WorkspaceID    string           `json:"workspace_id"`
	Query          string           `json:"query"`
	Params         GenerationParams `json:"params"`
	Attempt        int              `json:"attempt"`
}
