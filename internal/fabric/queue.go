package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"github.com/docify-ai/docify-backend/internal/model"
)

// Broker is the durable FIFO the fabric enqueues generation jobs onto.
// Delivery is at-least-once with acknowledgment after completion.
type Broker interface {
	Enqueue(ctx context.Context, job *model.GenerationJob) (string, error)
}

// JobHandler processes one delivered job. Returning retry=true requeues the
// delivery (attempt bookkeeping is the worker's concern).
type JobHandler func(ctx context.Context, job *model.GenerationJob) (retry bool)

// PubSubBroker implements Broker on Cloud Pub/Sub. The generation
// subscription runs one outstanding message at a time: the pipeline's model
// collaborators are memory-heavy, so worker concurrency per queue is 1.
type PubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
}

// Compile-time check.
var _ Broker = (*PubSubBroker)(nil)

// NewPubSubBroker creates a PubSubBroker for the generation queue.
func NewPubSubBroker(ctx context.Context, projectID, topicName, subName string) (*PubSubBroker, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fabric.NewPubSubBroker: %w", err)
	}

	topic := client.Topic(topicName)
	sub := client.Subscription(subName)
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.Synchronous = true

	return &PubSubBroker{client: client, topic: topic, sub: sub}, nil
}

// Enqueue publishes one job and returns its job id.
func (b *PubSubBroker) Enqueue(ctx context.Context, job *model.GenerationJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("fabric.Enqueue: marshal: %w", err)
	}

	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"message_id": job.MessageID},
	})
	if _, err := result.Get(ctx); err != nil {
		return "", fmt.Errorf("fabric.Enqueue: publish: %w", err)
	}

	slog.Info("generation job enqueued", "job_id", job.JobID, "message_id", job.MessageID)
	return job.JobID, nil
}

// Receive delivers jobs to the handler until the context is cancelled.
// Acknowledgment happens after the handler completes; a retry request nacks
// the delivery so the broker redelivers it.
func (b *PubSubBroker) Receive(ctx context.Context, handler JobHandler) error {
	err := b.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var job model.GenerationJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			slog.Error("undecodable job dropped", "error", err)
			msg.Ack()
			return
		}
		if msg.DeliveryAttempt != nil {
			job.Attempt = *msg.DeliveryAttempt
		}

		if handler(msgCtx, &job) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("fabric.Receive: %w", err)
	}
	return nil
}

// Close releases broker resources, flushing pending publishes.
func (b *PubSubBroker) Close() {
	b.topic.Stop()
	_ = b.client.Close()
}
