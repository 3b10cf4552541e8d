package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/docify-ai/docify-backend/internal/fabric"
	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/repository"
)

const (
	// streamPollInterval is the cadence for checking new tokens and state.
	streamPollInterval = 500 * time.Millisecond

	// streamMaxWait caps the push connection's wall clock.
	streamMaxWait = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin from the frontend; auth is
	// handled upstream, the message id scopes what can be observed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamDeps bundles the services needed by the stream endpoint.
type StreamDeps struct {
	Store  MessageStore
	Status *fabric.StatusStore
}

// StreamMessage pushes generation progress over a WebSocket.
//
// Protocol: a status snapshot on connect, then token frames as they land on
// the bus, then exactly one terminal frame (complete or error), then close.
// A client connecting after completion gets the snapshot, the terminal
// frame, and close with no polling delay. Client disconnect does not cancel
// the underlying job.
//
// GET /ws/messages/{message_id}/stream?conversation_id=...
func StreamMessage(deps StreamDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := chi.URLParam(r, "message_id")
		conversationID := r.URL.Query().Get("conversation_id")

		msg, err := deps.Store.GetConversationMessage(r.Context(), conversationID, messageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "message not found"})
				return
			}
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "message_id", messageID, "error", err)
			return
		}
		defer conn.Close()

		slog.Info("stream client connected", "message_id", messageID, "status", msg.Status)

		// Detach from the request context: the stream loop owns its own
		// deadline, and the job keeps running regardless.
		ctx, cancel := context.WithTimeout(context.Background(), streamMaxWait)
		defer cancel()

		send := func(v any) bool {
			if err := conn.WriteJSON(v); err != nil {
				slog.Info("stream client gone", "message_id", messageID)
				return false
			}
			return true
		}

		// Initial status snapshot.
		if !send(map[string]any{
			"type":      "status",
			"status":    msg.Status,
			"content":   msg.Content,
			"timestamp": msg.Timestamp.UTC().Format(time.RFC3339),
		}) {
			return
		}

		var tokenCount int64
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		for {
			current, err := deps.Store.GetMessage(ctx, messageID)
			if err != nil {
				send(map[string]any{"type": "error", "error": "message lookup failed"})
				break
			}

			tokens, err := deps.Status.Tokens(ctx, messageID, tokenCount)
			if err != nil {
				slog.Warn("stream token read failed", "message_id", messageID, "error", err)
			}
			for _, token := range tokens {
				tokenCount++
				if !send(map[string]any{"type": "token", "token": token, "token_count": tokenCount}) {
					return
				}
			}

			if current.Status == model.StatusComplete {
				send(completeFrame(ctx, deps.Status, current))
				break
			}
			if current.Status == model.StatusError {
				errText := "Unknown error occurred"
				if current.ErrorMessage != nil {
					errText = *current.ErrorMessage
				}
				send(map[string]any{"type": "error", "error": errText})
				break
			}

			select {
			case <-ctx.Done():
				send(map[string]any{"type": "error", "error": "stream timed out"})
				send(map[string]any{"type": "close"})
				return
			case <-ticker.C:
			}
		}

		send(map[string]any{"type": "close"})
	}
}

// completeFrame builds the terminal complete frame, preferring the result
// cache and falling back to the message row.
func completeFrame(ctx context.Context, status *fabric.StatusStore, msg *model.Message) map[string]any {
	if cached, err := status.GetResult(ctx, msg.ID); err == nil && cached != nil {
		return map[string]any{
			"type":            "complete",
			"content":         cached.Content,
			"sources":         cached.Sources,
			"citations":       rawOrEmpty(cached.Citations),
			"tokens_used":     cached.TokensUsed,
			"generation_time": cached.GenerationTime,
			"model_used":      cached.ModelUsed,
		}
	}

	frame := map[string]any{
		"type":      "complete",
		"content":   msg.Content,
		"sources":   msg.Sources,
		"citations": rawOrEmpty(msg.Citations),
	}
	if msg.TokensUsed != nil {
		frame["tokens_used"] = *msg.TokensUsed
	}
	if msg.GenerationTimeMs != nil {
		frame["generation_time"] = *msg.GenerationTimeMs
	}
	if msg.ModelUsed != nil {
		frame["model_used"] = *msg.ModelUsed
	}
	return frame
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
