package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/voxwire/cdrhub/internal/service"
)

// Client enqueues ingestion tasks onto the work queue. It implements
// service.Dispatcher.
type Client struct {
	client   *asynq.Client
	maxRetry int
}

// NewClient creates a queue client from a redis URL.
// Parameters:
//   - redisURL: redis connection URL, e.g. redis://localhost:6379/0.
//   - maxRetry: retry budget per task before it is archived.
// Returns:
//   - *Client: initialized queue client.
//   - error: if the redis URL cannot be parsed.
func NewClient(redisURL string, maxRetry int) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Client{
		client:   asynq.NewClient(opt),
		maxRetry: maxRetry,
	}, nil
}

// Close releases the underlying redis connections.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueOrchestration queues a blob-created trigger for the orchestrator.
func (c *Client) EnqueueOrchestration(ctx context.Context, trigger service.TriggerDescriptor) error {
	body, err := json.Marshal(OrchestratePayload{Trigger: trigger})
	if err != nil {
		return fmt.Errorf("failed to marshal orchestrate payload: %w", err)
	}
	task := asynq.NewTask(TaskTypeOrchestrate, body, asynq.Queue(queueName))
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(c.maxRetry)); err != nil {
		return fmt.Errorf("failed to enqueue orchestration for %s: %w", trigger.CorrelationID, err)
	}
	return nil
}

// EnqueueUnitProcessing queues one unit for ingestion.
func (c *Client) EnqueueUnitProcessing(ctx context.Context, correlationID string) error {
	body, err := json.Marshal(ProcessUnitPayload{CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("failed to marshal process-unit payload: %w", err)
	}
	task := asynq.NewTask(TaskTypeProcessUnit, body, asynq.Queue(queueName))
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(c.maxRetry)); err != nil {
		return fmt.Errorf("failed to enqueue processing of %s: %w", correlationID, err)
	}
	return nil
}
