package fabric

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docify-ai/docify-backend/internal/model"
	"github.com/docify-ai/docify-backend/internal/service"
)

// mockGenerator implements Generator.
type mockGenerator struct {
	out   *service.GeneratedMessage
	err   error
	calls int
}

func (m *mockGenerator) Generate(ctx context.Context, query, workspaceID, conversationID string, params model.GenerationParams, saveMessage bool) (*service.GeneratedMessage, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

// mockWorkerStore implements WorkerStore.
type mockWorkerStore struct {
	msg        *model.Message
	getErr     error
	updates    []model.MessageStatus
	usageCalls int
	bumpCalls  int
}

func (m *mockWorkerStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	cp := *m.msg
	return &cp, nil
}

func (m *mockWorkerStore) UpdateAssistantMessage(ctx context.Context, msg *model.Message) error {
	m.msg = msg
	m.updates = append(m.updates, msg.Status)
	return nil
}

func (m *mockWorkerStore) AddConversationUsage(ctx context.Context, conversationID string, messages, tokens int) error {
	m.usageCalls++
	return nil
}

func (m *mockWorkerStore) IncrementCitationCounts(ctx context.Context, resourceIDs []string) error {
	m.bumpCalls++
	return nil
}

// recordingStatus implements StatusPublisher, recording the event order.
type recordingStatus struct {
	events   []string
	attempts int
}

func (r *recordingStatus) SetStatus(ctx context.Context, messageID string, status model.MessageStatus) error {
	r.events = append(r.events, "status:"+string(status))
	return nil
}

func (r *recordingStatus) SetResult(ctx context.Context, messageID string, result *ResultPayload) error {
	r.events = append(r.events, "result")
	return nil
}

func (r *recordingStatus) PushToken(ctx context.Context, messageID, token string) (int64, error) {
	r.events = append(r.events, "token")
	return int64(len(r.events)), nil
}

func (r *recordingStatus) ClearStream(ctx context.Context, messageID string) error {
	r.events = append(r.events, "clear")
	return nil
}

func (r *recordingStatus) IncrAttempt(ctx context.Context, jobID string) (int, error) {
	r.attempts++
	return r.attempts, nil
}

func pendingMessage() *model.Message {
	return &model.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		Role:           model.RoleAssistant,
		Status:         model.StatusPending,
	}
}

func testJob() *model.GenerationJob {
	return &model.GenerationJob{
		JobID:          "job-1",
		MessageID:      "m1",
		ConversationID: "conv-1",
		WorkspaceID:    "ws-1",
		Query:          "what is x",
		Params:         model.GenerationParams{Provider: "ollama"},
	}
}

func successOutput() *service.GeneratedMessage {
	return &service.GeneratedMessage{
		Content: "The answer. [Source 1]",
		Sources: []string{"r1"},
		Metrics: service.GenerationMetrics{TokensUsed: 42, TotalTimeMs: 100, ModelUsed: "test-model"},
	}
}

func TestHandle_SuccessOrdering(t *testing.T) {
	store := &mockWorkerStore{msg: pendingMessage()}
	status := &recordingStatus{}
	gen := &mockGenerator{out: successOutput()}
	w := NewWorker(gen, store, status, 3, time.Minute, 30*time.Second)

	retry := w.Handle(context.Background(), testJob())
	if retry {
		t.Fatal("successful job requested retry")
	}

	if store.msg.Status != model.StatusComplete {
		t.Errorf("message status = %s, want complete", store.msg.Status)
	}
	if store.msg.GenerationTaskID == nil || *store.msg.GenerationTaskID != "job-1" {
		t.Error("generation task id not recorded")
	}

	// Persist happens between tokens and the terminal transition: the
	// store saw the streaming update first, then the content write.
	if len(store.updates) != 2 || store.updates[0] != model.StatusStreaming || store.updates[1] != model.StatusComplete {
		t.Errorf("store updates = %v, want [streaming complete]", store.updates)
	}

	// The complete status must be published after every token.
	completeIdx, tokenMax := -1, -1
	for i, ev := range status.events {
		switch ev {
		case "status:complete":
			completeIdx = i
		case "token":
			tokenMax = i
		}
	}
	if completeIdx < tokenMax {
		t.Errorf("complete published before final token: events %v", status.events)
	}
	if store.usageCalls != 1 || store.bumpCalls != 1 {
		t.Errorf("usage=%d bumps=%d, want 1 and 1", store.usageCalls, store.bumpCalls)
	}
}

func TestHandle_AlreadyCompleteShortCircuits(t *testing.T) {
	msg := pendingMessage()
	msg.Status = model.StatusComplete
	store := &mockWorkerStore{msg: msg}
	gen := &mockGenerator{out: successOutput()}
	w := NewWorker(gen, store, &recordingStatus{}, 3, time.Minute, 30*time.Second)

	retry := w.Handle(context.Background(), testJob())
	if retry {
		t.Error("duplicate delivery should ack, not retry")
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times for complete message, want 0", gen.calls)
	}
}

func TestHandle_RetriesThenFailsTerminally(t *testing.T) {
	gen := &mockGenerator{err: fmt.Errorf("upstream down")}
	status := &recordingStatus{}
	store := &mockWorkerStore{msg: pendingMessage()}
	w := NewWorker(gen, store, status, 3, time.Minute, 30*time.Second)
	w.sleep = func(ctx context.Context, d time.Duration) {}

	// Attempts 1 and 2 request redelivery.
	for want := 1; want <= 2; want++ {
		store.msg = pendingMessage()
		if retry := w.Handle(context.Background(), testJob()); !retry {
			t.Fatalf("attempt %d should request retry", want)
		}
	}

	// Attempt 3 is terminal.
	store.msg = pendingMessage()
	if retry := w.Handle(context.Background(), testJob()); retry {
		t.Fatal("final attempt should not request retry")
	}
	if store.msg.Status != model.StatusError {
		t.Errorf("final status = %s, want error", store.msg.Status)
	}
	if store.msg.ErrorMessage == nil {
		t.Error("terminal failure missing error message")
	}
}

func TestHandle_FailedPipelineResult(t *testing.T) {
	out := successOutput()
	out.Failed = true
	out.Content = "I encountered an error generating a response: boom"
	gen := &mockGenerator{out: out}
	status := &recordingStatus{}
	store := &mockWorkerStore{msg: pendingMessage()}
	w := NewWorker(gen, store, status, 1, time.Minute, 30*time.Second)

	if retry := w.Handle(context.Background(), testJob()); retry {
		t.Fatal("exhausted attempts should not retry")
	}
	if store.msg.Status != model.StatusError {
		t.Errorf("status = %s, want error", store.msg.Status)
	}
}

func TestSplitTokens_Roundtrip(t *testing.T) {
	tokens := splitTokens("the quick brown fox")
	if len(tokens) != 4 {
		t.Fatalf("got %d tokens, want 4", len(tokens))
	}
	joined := ""
	for _, tok := range tokens {
		joined += tok
	}
	if joined != "the quick brown fox" {
		t.Errorf("concatenated tokens = %q", joined)
	}
	if splitTokens("") != nil {
		t.Error("empty text should produce no tokens")
	}
}
