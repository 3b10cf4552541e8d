// Package fabric is the asynchronous execution layer: a durable generation
// job queue, a Redis-backed status store and token bus, and the worker loop
// that runs the pipeline.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docify-ai/docify-backend/internal/model"
)

// statusTTL bounds how long per-message fabric keys live.
const statusTTL = time.Hour

// StatusStore is the Redis-backed message status cache and token bus.
// Keys: message:{id}:status, message:{id}:result, message:{id}:tokens
// (append-ordered list) and the pub/sub channel message:{id}:stream.
type StatusStore struct {
	rdb *redis.Client
}

// Compile-time check.
var _ StatusPublisher = (*StatusStore)(nil)

// NewStatusStore creates a StatusStore from a Redis URL.
func NewStatusStore(redisURL string) (*StatusStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("fabric.NewStatusStore: parse url: %w", err)
	}
	return &StatusStore{rdb: redis.NewClient(opts)}, nil
}

// NewStatusStoreFromClient wraps an existing client (tests).
func NewStatusStoreFromClient(rdb *redis.Client) *StatusStore {
	return &StatusStore{rdb: rdb}
}

// Ping verifies the Redis connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *StatusStore) Close() error {
	return s.rdb.Close()
}

func statusKey(messageID string) string { return "message:" + messageID + ":status" }
func resultKey(messageID string) string { return "message:" + messageID + ":result" }
func tokensKey(messageID string) string { return "message:" + messageID + ":tokens" }
func streamKey(messageID string) string { return "message:" + messageID + ":stream" }

// SetStatus records the message status with the fabric TTL.
func (s *StatusStore) SetStatus(ctx context.Context, messageID string, status model.MessageStatus) error {
	payload, _ := json.Marshal(map[string]string{"status": string(status)})
	if err := s.rdb.SetEx(ctx, statusKey(messageID), payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("fabric.SetStatus: %w", err)
	}
	return nil
}

// GetStatus reads the cached status; "pending" when absent.
func (s *StatusStore) GetStatus(ctx context.Context, messageID string) (model.MessageStatus, error) {
	raw, err := s.rdb.Get(ctx, statusKey(messageID)).Result()
	if err == redis.Nil {
		return model.StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("fabric.GetStatus: %w", err)
	}
	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", fmt.Errorf("fabric.GetStatus: decode: %w", err)
	}
	return model.MessageStatus(decoded.Status), nil
}

// ResultPayload is the cached terminal result served to stream clients.
type ResultPayload struct {
	Status         string          `json:"status"`
	Content        string          `json:"content"`
	Sources        []string        `json:"sources"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	TokensUsed     int             `json:"tokens_used"`
	GenerationTime int             `json:"generation_time"`
	ModelUsed      string          `json:"model_used"`
}

// SetResult caches the terminal result for stream and poll clients.
func (s *StatusStore) SetResult(ctx context.Context, messageID string, result *ResultPayload) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("fabric.SetResult: marshal: %w", err)
	}
	if err := s.rdb.SetEx(ctx, resultKey(messageID), payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("fabric.SetResult: %w", err)
	}
	return nil
}

// GetResult reads the cached terminal result, nil when absent.
func (s *StatusStore) GetResult(ctx context.Context, messageID string) (*ResultPayload, error) {
	raw, err := s.rdb.Get(ctx, resultKey(messageID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fabric.GetResult: %w", err)
	}
	var result ResultPayload
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("fabric.GetResult: decode: %w", err)
	}
	return &result, nil
}

// PushToken appends a token to the message stream and publishes it to
// subscribers. Returns the stream length.
func (s *StatusStore) PushToken(ctx context.Context, messageID, token string) (int64, error) {
	length, err := s.rdb.RPush(ctx, tokensKey(messageID), token).Result()
	if err != nil {
		return 0, fmt.Errorf("fabric.PushToken: %w", err)
	}
	s.rdb.Expire(ctx, tokensKey(messageID), statusTTL)

	event, _ := json.Marshal(map[string]any{"token": token, "is_final": false})
	if err := s.rdb.Publish(ctx, streamKey(messageID), event).Err(); err != nil {
		return length, fmt.Errorf("fabric.PushToken: publish: %w", err)
	}
	return length, nil
}

// Tokens reads stream tokens from the given offset.
func (s *StatusStore) Tokens(ctx context.Context, messageID string, start int64) ([]string, error) {
	tokens, err := s.rdb.LRange(ctx, tokensKey(messageID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fabric.Tokens: %w", err)
	}
	return tokens, nil
}

// ClearStream removes the token list for a message. Retries call this so a
// redelivered job does not double-stream.
func (s *StatusStore) ClearStream(ctx context.Context, messageID string) error {
	if err := s.rdb.Del(ctx, tokensKey(messageID)).Err(); err != nil {
		return fmt.Errorf("fabric.ClearStream: %w", err)
	}
	return nil
}

// IncrAttempt counts a delivery attempt for a job, returning the new count.
// The key shares the fabric TTL so abandoned jobs don't leak counters.
func (s *StatusStore) IncrAttempt(ctx context.Context, jobID string) (int, error) {
	key := "job:" + jobID + ":attempts"
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("fabric.IncrAttempt: %w", err)
	}
	s.rdb.Expire(ctx, key, statusTTL)
	return int(n), nil
}
