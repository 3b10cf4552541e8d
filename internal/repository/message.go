package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/service"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MessageRepo implements service.MessageStore over Postgres.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Compile-time check.
var _ service.MessageStore = (*MessageRepo)(nil)

const messageColumns = `
	id, conversation_id, role, content, timestamp, sources, citations,
	tokens_used, generation_time_ms, model_used, status,
	generation_task_id, error_message, generation_params`

func scanMessage(row pgx.Row, m *model.Message) error {
	return row.Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp,
		&m.Sources, &m.Citations, &m.TokensUsed, &m.GenerationTimeMs,
		&m.ModelUsed, &m.Status, &m.GenerationTaskID, &m.ErrorMessage,
		&m.GenerationParams,
	)
}

// GetMessage fetches one message by id.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+messageColumns+` FROM messages WHERE id = $1`, messageID)
	var m model.Message
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("repository.GetMessage: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("repository.GetMessage: %w", err)
	}
	return &m, nil
}

// GetConversationMessage fetches a message scoped to a conversation.
func (r *MessageRepo) GetConversationMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2`,
		messageID, conversationID)
	var m model.Message
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("repository.GetConversationMessage: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("repository.GetConversationMessage: %w", err)
	}
	return &m, nil
}

// History returns the most recent messages of a conversation in
// chronological order.
func (r *MessageRepo) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.History: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("repository.History: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.History: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PrecedingUserMessage returns the nearest user message before the given
// timestamp in the same conversation.
func (r *MessageRepo) PrecedingUserMessage(ctx context.Context, conversationID string, before time.Time) (*model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND role = 'user' AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT 1`,
		conversationID, before,
	)
	var m model.Message
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("repository.PrecedingUserMessage: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("repository.PrecedingUserMessage: %w", err)
	}
	return &m, nil
}

// InsertMessage writes a new message row, assigning an id when absent.
func (r *MessageRepo) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, timestamp,
			sources, citations, tokens_used, generation_time_ms, model_used,
			status, generation_task_id, error_message, generation_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Timestamp,
		m.Sources, m.Citations, m.TokensUsed, m.GenerationTimeMs, m.ModelUsed,
		m.Status, m.GenerationTaskID, m.ErrorMessage, m.GenerationParams,
	)
	if err != nil {
		return fmt.Errorf("repository.InsertMessage: %w", err)
	}
	return nil
}

// UpdateAssistantMessage rewrites the mutable fields of an assistant
// message in place. The worker is the sole writer to its own message, so
// this update is the single coordination point.
func (r *MessageRepo) UpdateAssistantMessage(ctx context.Context, m *model.Message) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET content = $2, sources = $3, citations = $4, tokens_used = $5,
		    generation_time_ms = $6, model_used = $7, status = $8,
		    generation_task_id = $9, error_message = $10
		WHERE id = $1`,
		m.ID, m.Content, m.Sources, m.Citations, m.TokensUsed,
		m.GenerationTimeMs, m.ModelUsed, m.Status, m.GenerationTaskID,
		m.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateAssistantMessage: %w", err)
	}
	return nil
}

// UpdateMessageStatus transitions a message's status, refusing to move
// backward out of a terminal state so retries stay idempotent.
func (r *MessageRepo) UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus, errorMessage *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET status = $2, error_message = $3
		WHERE id = $1
		  AND status NOT IN ('complete', 'error')`,
		messageID, status, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateMessageStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository.UpdateMessageStatus: message %s is already terminal", messageID)
	}
	return nil
}

// SetGenerationTask records the job id on the message row.
func (r *MessageRepo) SetGenerationTask(ctx context.Context, messageID, taskID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET generation_task_id = $2 WHERE id = $1`,
		messageID, taskID)
	if err != nil {
		return fmt.Errorf("repository.SetGenerationTask: %w", err)
	}
	return nil
}

// ConversationWorkspace returns the workspace id owning a conversation.
func (r *MessageRepo) ConversationWorkspace(ctx context.Context, conversationID string) (string, error) {
	var workspaceID string
	err := r.pool.QueryRow(ctx,
		`SELECT workspace_id FROM conversations WHERE id = $1`,
		conversationID).Scan(&workspaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("repository.ConversationWorkspace: %w", ErrNotFound)
		}
		return "", fmt.Errorf("repository.ConversationWorkspace: %w", err)
	}
	return workspaceID, nil
}

// AddConversationUsage bumps a conversation's message count and token usage.
func (r *MessageRepo) AddConversationUsage(ctx context.Context, conversationID string, messages, tokens int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET message_count = message_count + $2,
		    token_usage = token_usage + $3,
		    updated_at = now()
		WHERE id = $1`,
		conversationID, messages, tokens,
	)
	if err != nil {
		return fmt.Errorf("repository.AddConversationUsage: %w", err)
	}
	return nil
}

// IncrementCitationCounts bumps citation_count once per resource id.
func (r *MessageRepo) IncrementCitationCounts(ctx context.Context, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE resources SET citation_count = citation_count + 1 WHERE id = ANY($1)`,
		resourceIDs)
	if err != nil {
		return fmt.Errorf("repository.IncrementCitationCounts: %w", err)
	}
	return nil
}
