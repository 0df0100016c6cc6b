package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-supply/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// BuildTask prepares the task for a supported job name with its default payload.
func BuildTask(name string, idempotencyTTL time.Duration) (*asynq.Task, error) {
	switch name {
	case jobs.TaskSupplierOrderReconcile, "reconcile":
		return jobs.NewReconcileTask(100)
	case jobs.TaskIdempotencyCleanup, "cleanup":
		return jobs.NewIdempotencyCleanupTask(idempotencyTTL)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string, idempotencyTTL time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, idempotencyTTL)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the metrics of every queue the worker consumes.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	stats := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueDefault, jobs.QueueEvents} {
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				stats = append(stats, QueueStats{Queue: queue})
				continue
			}
			return nil, err
		}
		entry := QueueStats{Queue: queue}
		if info != nil {
			entry.Pending = info.Pending
			entry.Active = info.Active
			entry.Scheduled = info.Scheduled
			entry.Retry = info.Retry
			entry.Archived = info.Archived
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

// RetryArchived re-queues every archived reception event so downstream
// consumers receive events that exhausted their retries.
func (c *JobsCLI) RetryArchived(ctx context.Context) (int, error) {
	if c == nil || c.inspector == nil {
		return 0, errors.New("jobs cli: inspector not configured")
	}
	return c.inspector.RunAllArchivedTasks(jobs.QueueEvents)
}
