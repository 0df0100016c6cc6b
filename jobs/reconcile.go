package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-supply/internal/jobs"
	"github.com/odyssey-erp/odyssey-supply/internal/procurement"
)

// LaggingScanner finds orders whose visual status differs from the stored one.
type LaggingScanner interface {
	LaggingOrders(ctx context.Context, batch int) ([]procurement.OrderView, error)
}

// ReconcileJob reports lagging supplier orders. It never changes an order's
// status; moving the header remains an explicit, audited transition.
type ReconcileJob struct {
	Scanner LaggingScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconcileJob initialises the reconcile handler.
func NewReconcileJob(scanner LaggingScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{
		Scanner: scanner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one reconcile scan.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 100
	}

	start := j.now()
	tracker := j.metrics().Track(TaskSupplierOrderReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("batch_size", payload.BatchSize))
	logger.Info("starting reconcile scan")

	lagging, err := j.Scanner.LaggingOrders(ctx, payload.BatchSize)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, order := range lagging {
		logger.Warn("order status lags line progress",
			slog.Int64("order_id", order.ID),
			slog.String("display_id", order.DisplayID),
			slog.String("status", string(order.Status)),
			slog.String("visual_status", string(order.VisualStatus)),
		)
	}
	j.metrics().SetLaggingOrders(len(lagging))

	logger.Info("completed reconcile scan",
		slog.Int("lagging", len(lagging)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSupplierOrderReconcile))
	}
	return slog.Default().With(slog.String("job", TaskSupplierOrderReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
