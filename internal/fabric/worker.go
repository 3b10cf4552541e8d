package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/service"
)

const (
	// DefaultMaxAttempts bounds at-least-once redelivery for one job.
	DefaultMaxAttempts = 3

	// DefaultHardLimit and DefaultSoftLimit are the task time limits. The
	// soft limit is a recoverable failure that sets status=error with a
	// timeout note; the hard limit cancels outright.
	DefaultHardLimit = 600 * time.Second
	DefaultSoftLimit = 540 * time.Second
)

// Generator abstracts the orchestrator for the worker loop.
type Generator interface {
	Generate(ctx context.Context, query, workspaceID, conversationID string, params model.GenerationParams, saveMessage bool) (*service.GeneratedMessage, error)
}

// WorkerStore is the persistence surface the worker needs. The worker is
// the sole writer to its own message row.
type WorkerStore interface {
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	UpdateAssistantMessage(ctx context.Context, msg *model.Message) error
	AddConversationUsage(ctx context.Context, conversationID string, messages, tokens int) error
	IncrementCitationCounts(ctx context.Context, resourceIDs []string) error
}

// StatusPublisher is the fabric cache surface the worker writes to.
// Implemented by StatusStore.
type StatusPublisher interface {
	SetStatus(ctx context.Context, messageID string, status model.MessageStatus) error
	SetResult(ctx context.Context, messageID string, result *ResultPayload) error
	PushToken(ctx context.Context, messageID, token string) (int64, error)
	ClearStream(ctx context.Context, messageID string) error
	IncrAttempt(ctx context.Context, jobID string) (int, error)
}

// Worker consumes generation jobs, drives the pipeline, publishes status
// transitions and tokens, and persists the result. Status transitions are
// monotonic pending → streaming → (complete | error); "complete" is never
// published before the final content is persisted.
type Worker struct {
	generator   Generator
	store       WorkerStore
	status      StatusPublisher
	maxAttempts int
	hardLimit   time.Duration
	softLimit   time.Duration
	sleep       func(ctx context.Context, d time.Duration)
}

// NewWorker creates a Worker.
func NewWorker(generator Generator, store WorkerStore, status StatusPublisher, maxAttempts int, hardLimit, softLimit time.Duration) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	if softLimit <= 0 || softLimit > hardLimit {
		softLimit = DefaultSoftLimit
	}
	return &Worker{
		generator:   generator,
		store:       store,
		status:      status,
		maxAttempts: maxAttempts,
		hardLimit:   hardLimit,
		softLimit:   softLimit,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Handle processes one delivered job. The returned retry flag requests
// broker redelivery; the message update itself is idempotent, so an
// already-completed message short-circuits on redelivery.
func (w *Worker) Handle(ctx context.Context, job *model.GenerationJob) (retry bool) {
	slog.Info("generation job picked", "job_id", job.JobID, "message_id", job.MessageID, "attempt", job.Attempt)

	msg, err := w.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		slog.Error("job message lookup failed", "job_id", job.JobID, "message_id", job.MessageID, "error", err)
		return false // nothing to update; retrying won't help
	}
	if msg.Status == model.StatusComplete {
		// Redelivery after a crash between persist and ack: the visible
		// terminal transition already happened exactly once.
		slog.Info("job message already complete, acking duplicate", "job_id", job.JobID, "message_id", job.MessageID)
		return false
	}

	attempt := job.Attempt
	if attempt == 0 {
		attempt, err = w.status.IncrAttempt(ctx, job.JobID)
		if err != nil {
			slog.Warn("attempt counter failed", "job_id", job.JobID, "error", err)
			attempt = 1
		}
	}

	// Retries reset the stream and the status back to streaming.
	if err := w.status.ClearStream(ctx, job.MessageID); err != nil {
		slog.Warn("stream clear failed", "message_id", job.MessageID, "error", err)
	}
	w.transition(ctx, msg, model.StatusStreaming, nil)

	hardCtx, cancelHard := context.WithTimeout(ctx, w.hardLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, w.softLimit)
	defer cancelSoft()

	out, err := w.generator.Generate(softCtx, job.Query, job.WorkspaceID, job.ConversationID, job.Params, false)
	if err != nil {
		if errors.Is(softCtx.Err(), context.DeadlineExceeded) && hardCtx.Err() == nil {
			note := fmt.Sprintf("generation timed out after %s (soft limit)", w.softLimit)
			w.failJob(ctx, job, msg, attempt, note)
			return false
		}
		return w.maybeRetry(ctx, job, msg, attempt, err.Error())
	}
	if out.Failed {
		return w.maybeRetry(ctx, job, msg, attempt, out.Content)
	}

	// Stream the answer to the token bus before the terminal transition.
	for _, token := range splitTokens(out.Content) {
		if _, err := w.status.PushToken(ctx, job.MessageID, token); err != nil {
			slog.Warn("token push failed", "message_id", job.MessageID, "error", err)
			break
		}
	}

	// Persist first; only then is "complete" visible anywhere.
	service.ApplyResult(msg, out)
	taskID := job.JobID
	msg.GenerationTaskID = &taskID
	if err := w.store.UpdateAssistantMessage(ctx, msg); err != nil {
		return w.maybeRetry(ctx, job, msg, attempt, err.Error())
	}
	if err := w.store.AddConversationUsage(ctx, job.ConversationID, 1, out.Metrics.TokensUsed); err != nil {
		slog.Warn("conversation usage update failed", "conversation_id", job.ConversationID, "error", err)
	}
	if len(out.Sources) > 0 {
		if err := w.store.IncrementCitationCounts(ctx, out.Sources); err != nil {
			slog.Warn("citation count update failed", "message_id", job.MessageID, "error", err)
		}
	}

	if err := w.status.SetStatus(ctx, job.MessageID, model.StatusComplete); err != nil {
		slog.Warn("status cache update failed", "message_id", job.MessageID, "error", err)
	}
	result := &ResultPayload{
		Status:         string(model.StatusComplete),
		Content:        out.Content,
		Sources:        out.Sources,
		Citations:      out.CitationsJSON(),
		TokensUsed:     out.Metrics.TokensUsed,
		GenerationTime: out.Metrics.TotalTimeMs,
		ModelUsed:      out.Metrics.ModelUsed,
	}
	if err := w.status.SetResult(ctx, job.MessageID, result); err != nil {
		slog.Warn("result cache update failed", "message_id", job.MessageID, "error", err)
	}

	slog.Info("generation job complete",
		"job_id", job.JobID,
		"message_id", job.MessageID,
		"attempt", attempt,
		"total_ms", out.Metrics.TotalTimeMs,
	)
	return false
}

// maybeRetry marks the failure and requests redelivery while attempts
// remain. Backoff is exponential in the attempt number.
func (w *Worker) maybeRetry(ctx context.Context, job *model.GenerationJob, msg *model.Message, attempt int, errText string) bool {
	if attempt < w.maxAttempts {
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		slog.Warn("generation job failed, retrying",
			"job_id", job.JobID,
			"message_id", job.MessageID,
			"attempt", attempt,
			"backoff", backoff,
			"error", errText,
		)
		w.sleep(ctx, backoff)
		return true
	}

	w.failJob(ctx, job, msg, attempt, errText)
	return false
}

// failJob records the terminal error state on the message and the status
// store.
func (w *Worker) failJob(ctx context.Context, job *model.GenerationJob, msg *model.Message, attempt int, errText string) {
	slog.Error("generation job failed terminally",
		"job_id", job.JobID,
		"message_id", job.MessageID,
		"attempt", attempt,
		"error", errText,
	)
	w.transition(ctx, msg, model.StatusError, &errText)
}

// transition updates the message row and mirrors the status to the cache.
func (w *Worker) transition(ctx context.Context, msg *model.Message, status model.MessageStatus, errText *string) {
	msg.Status = status
	msg.ErrorMessage = errText
	if err := w.store.UpdateAssistantMessage(ctx, msg); err != nil {
		slog.Error("message status update failed", "message_id", msg.ID, "status", status, "error", err)
	}
	if err := w.status.SetStatus(ctx, msg.ID, status); err != nil {
		slog.Warn("status cache update failed", "message_id", msg.ID, "status", status, "error", err)
	}
}

// splitTokens breaks text into word-level tokens for streaming, preserving
// separators so the concatenation reproduces the content.
func splitTokens(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	tokens := make([]string, len(words))
	for i, word := range words {
		if i < len(words)-1 {
			tokens[i] = word + " "
		} else {
			tokens[i] = word
		}
	}
	return tokens
}
