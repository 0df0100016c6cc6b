package procurement

import (
	"fmt"
	"slices"
	"time"
)

// transitions lists the legal next statuses per header status, in the order
// presented to status-change controls.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:             {OrderStatusPending, OrderStatusCancelled, OrderStatusIncident},
	OrderStatusPending:           {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusIncident},
	OrderStatusConfirmed:         {OrderStatusShipped, OrderStatusCancelled, OrderStatusIncident},
	OrderStatusShipped:           {OrderStatusPartiallyReceived, OrderStatusReceived, OrderStatusCancelled, OrderStatusIncident},
	OrderStatusPartiallyReceived: {OrderStatusReceived, OrderStatusIncident, OrderStatusCancelled},
	OrderStatusIncident:          {OrderStatusConfirmed},
	OrderStatusReceived:          {},
	OrderStatusCancelled:         {},
}

// ValidNextStatuses returns the statuses reachable in one step from current.
func ValidNextStatuses(current OrderStatus) []OrderStatus {
	next, ok := transitions[current]
	if !ok {
		return []OrderStatus{}
	}
	return slices.Clone(next)
}

// CanTransition reports whether next is a legal edge from current.
func CanTransition(current, next OrderStatus) bool {
	return slices.Contains(transitions[current], next)
}

// Transition moves the order header to next, stamping the entry timestamp the
// first time confirmed, shipped or received is reached. Entering cancelled
// cascades to every non-terminal line and recomputes the totals.
func Transition(order *SupplierOrder, next OrderStatus, now time.Time) error {
	if !next.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}
	var scale int32
	if next == OrderStatusCancelled {
		var err error
		if scale, err = CurrencyScale(order.CurrencyCode); err != nil {
			return err
		}
	}
	at := now
	switch next {
	case OrderStatusConfirmed:
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = &at
		}
	case OrderStatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = &at
		}
	case OrderStatusReceived:
		if order.ReceivedAt == nil {
			order.ReceivedAt = &at
		}
	case OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &at
		}
		for i := range order.Lines {
			if !order.Lines[i].LineStatus.IsTerminal() {
				order.Lines[i].LineStatus = LineStatusCancelled
			}
		}
		applyTotals(order, scale)
	}
	order.Status = next
	return nil
}
