package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-supply/internal/jobs"
	"github.com/odyssey-erp/odyssey-supply/internal/procurement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries reception events fanned out to downstream consumers.
	QueueEvents = "events"

	// TaskReceptionRecorded publishes a committed reception.
	TaskReceptionRecorded = "supplier_order:reception_recorded"
	// TaskSupplierOrderReconcile reports orders whose line progress outran the stored status.
	TaskSupplierOrderReconcile = "supplier_order:reconcile"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReceptionRecordedPayload is the task body of TaskReceptionRecorded.
type ReceptionRecordedPayload = procurement.ReceptionRecordedEvent

// NewReceptionRecordedTask builds the fan-out task for a committed reception.
// The reception id doubles as task id so replays collapse into one task.
func NewReceptionRecordedTask(evt ReceptionRecordedPayload) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueEvents), asynq.MaxRetry(10)}
	if evt.ReceptionID != "" {
		opts = append(opts, asynq.TaskID("reception:"+evt.ReceptionID), asynq.Retention(24*time.Hour))
	}
	return asynq.NewTask(TaskReceptionRecorded, body, opts...), nil
}

// ReconcilePayload configures a reconcile scan.
type ReconcilePayload struct {
	BatchSize int `json:"batch_size"`
}

// NewReconcileTask builds the periodic reconcile scan task.
func NewReconcileTask(batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSupplierOrderReconcile, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// NewIdempotencyCleanupTask builds the key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
