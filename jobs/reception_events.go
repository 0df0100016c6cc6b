package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/odyssey-supply/internal/jobs"
	"github.com/odyssey-erp/odyssey-supply/internal/procurement"
)

// ReceptionStream is the Redis stream downstream consumers read receptions from.
const ReceptionStream = "supply:receptions"

// Enqueuer is the subset of asynq.Client used to publish tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ReceptionNotifier hands committed receptions to the worker queue.
type ReceptionNotifier struct {
	enqueuer Enqueuer
}

// NewReceptionNotifier wraps an enqueuer.
func NewReceptionNotifier(enqueuer Enqueuer) *ReceptionNotifier {
	return &ReceptionNotifier{enqueuer: enqueuer}
}

var _ procurement.ReceptionNotifier = (*ReceptionNotifier)(nil)

// ReceptionRecorded enqueues the event. A task already queued for the same
// reception is not an error.
func (n *ReceptionNotifier) ReceptionRecorded(ctx context.Context, evt procurement.ReceptionRecordedEvent) error {
	if n == nil || n.enqueuer == nil {
		return errors.New("reception notifier: enqueuer not configured")
	}
	task, err := NewReceptionRecordedTask(evt)
	if err != nil {
		return err
	}
	if _, err := n.enqueuer.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue reception %s: %w", evt.ReceptionID, err)
	}
	return nil
}

// ReceptionPublishJob appends reception events to a capped Redis stream.
type ReceptionPublishJob struct {
	Redis   redis.UniversalClient
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	MaxLen  int64
}

// NewReceptionPublishJob initialises the publisher.
func NewReceptionPublishJob(client redis.UniversalClient, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReceptionPublishJob {
	return &ReceptionPublishJob{Redis: client, Logger: logger, Metrics: metrics, MaxLen: 100_000}
}

// Handle publishes one reception event.
func (j *ReceptionPublishJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Redis == nil {
		return errors.New("reception publish: handler not configured")
	}
	var evt ReceptionRecordedPayload
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("reception publish: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskReceptionRecorded)
	defer func() {
		err = tracker.End(err)
	}()

	id, err := j.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: ReceptionStream,
		MaxLen: j.MaxLen,
		Approx: true,
		Values: map[string]any{
			"reception_id":      evt.ReceptionID,
			"order_id":          strconv.FormatInt(evt.OrderID, 10),
			"order_display_id":  evt.OrderDisplayID,
			"line_id":           strconv.FormatInt(evt.LineID, 10),
			"product_id":        evt.ProductID,
			"quantity":          strconv.Itoa(evt.Quantity),
			"quantity_received": strconv.Itoa(evt.QuantityReceived),
			"quantity_pending":  strconv.Itoa(evt.QuantityPending),
			"line_status":       string(evt.LineStatus),
			"received_by":       evt.ReceivedBy,
			"received_at":       evt.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
	}).Result()
	if err != nil {
		j.logger().Error("publish reception failed", slog.String("reception_id", evt.ReceptionID), slog.Any("error", err))
		return err
	}
	j.logger().Info("reception published",
		slog.String("reception_id", evt.ReceptionID),
		slog.Int64("line_id", evt.LineID),
		slog.Int("quantity", evt.Quantity),
		slog.String("stream_id", id),
	)
	return nil
}

func (j *ReceptionPublishJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReceptionRecorded))
	}
	return slog.Default().With(slog.String("job", TaskReceptionRecorded))
}

func (j *ReceptionPublishJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
