package procurement

import (
	"context"
	"time"
)

// ReceptionRecordedEvent is emitted after a reception has been committed.
type ReceptionRecordedEvent struct {
	ReceptionID      string     `json:"reception_id"`
	OrderID          int64      `json:"order_id"`
	OrderDisplayID   string     `json:"order_display_id,omitempty"`
	LineID           int64      `json:"line_id"`
	ProductID        string     `json:"product_id"`
	Quantity         int        `json:"quantity"`
	QuantityReceived int        `json:"quantity_received"`
	QuantityPending  int        `json:"quantity_pending"`
	LineStatus       LineStatus `json:"line_status"`
	ReceivedBy       string     `json:"received_by,omitempty"`
	ReceivedAt       time.Time  `json:"received_at"`
}

// ReceptionNotifier hands committed receptions to downstream consumers.
type ReceptionNotifier interface {
	ReceptionRecorded(ctx context.Context, evt ReceptionRecordedEvent) error
}

// EventRecorder receives domain counters. Implementations must be safe for concurrent use.
type EventRecorder interface {
	TransitionRecorded(from, to string)
	ReceptionRecorded(kind string, quantity int)
	IncidentToggled(active bool)
	OperationFailed(operation, kind string)
}

type noopRecorder struct{}

func (noopRecorder) TransitionRecorded(string, string) {}
func (noopRecorder) ReceptionRecorded(string, int)     {}
func (noopRecorder) IncidentToggled(bool)              {}
func (noopRecorder) OperationFailed(string, string)    {}
