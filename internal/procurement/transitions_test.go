package procurement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []OrderStatus{
	OrderStatusDraft,
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusPartiallyReceived,
	OrderStatusReceived,
	OrderStatusIncident,
	OrderStatusCancelled,
}

func TestTransitionTable(t *testing.T) {
	legal := map[OrderStatus][]OrderStatus{
		OrderStatusDraft:             {OrderStatusPending, OrderStatusCancelled, OrderStatusIncident},
		OrderStatusPending:           {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusIncident},
		OrderStatusConfirmed:         {OrderStatusShipped, OrderStatusCancelled, OrderStatusIncident},
		OrderStatusShipped:           {OrderStatusPartiallyReceived, OrderStatusReceived, OrderStatusCancelled, OrderStatusIncident},
		OrderStatusPartiallyReceived: {OrderStatusReceived, OrderStatusIncident, OrderStatusCancelled},
		OrderStatusIncident:          {OrderStatusConfirmed},
	}
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	for _, from := range allStatuses {
		assert.ElementsMatch(t, legal[from], ValidNextStatuses(from), "next statuses of %s", from)
		for _, to := range allStatuses {
			order := SupplierOrder{Status: from, CurrencyCode: "EUR"}
			err := Transition(&order, to, now)
			if CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, order.Status)
				continue
			}
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			assert.Equal(t, from, order.Status)
		}
	}
}

func TestTransitionShippedBackToDraftFails(t *testing.T) {
	order := SupplierOrder{Status: OrderStatusShipped}
	err := Transition(&order, OrderStatusDraft, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, OrderStatusShipped, order.Status)
}

func TestTransitionRejectsSelfAndUnknown(t *testing.T) {
	order := SupplierOrder{Status: OrderStatusConfirmed}
	require.ErrorIs(t, Transition(&order, OrderStatusConfirmed, time.Now()), ErrInvalidTransition)
	require.ErrorIs(t, Transition(&order, OrderStatus("archived"), time.Now()), ErrInvalidTransition)
}

func TestTransitionStampsFirstEntryOnly(t *testing.T) {
	first := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)
	order := SupplierOrder{Status: OrderStatusPending}

	require.NoError(t, Transition(&order, OrderStatusConfirmed, first))
	require.NoError(t, Transition(&order, OrderStatusIncident, first))
	require.NoError(t, Transition(&order, OrderStatusConfirmed, later))
	require.NotNil(t, order.ConfirmedAt)
	assert.True(t, order.ConfirmedAt.Equal(first))

	require.NoError(t, Transition(&order, OrderStatusShipped, later))
	require.NoError(t, Transition(&order, OrderStatusReceived, later))
	require.NotNil(t, order.ShippedAt)
	require.NotNil(t, order.ReceivedAt)
	assert.True(t, order.ReceivedAt.Equal(later))
}

func TestTransitionCancelCascadesToOpenLines(t *testing.T) {
	order := SupplierOrder{
		Status:       OrderStatusShipped,
		CurrencyCode: "EUR",
		Lines: []SupplierOrderLine{
			{ID: 1, QuantityOrdered: 2, QuantityReceived: 2, UnitPrice: decimal.NewFromInt(10), LineStatus: LineStatusReceived},
			{ID: 2, QuantityOrdered: 3, QuantityReceived: 1, UnitPrice: decimal.NewFromInt(5), LineStatus: LineStatusPartial},
			{ID: 3, QuantityOrdered: 1, UnitPrice: decimal.NewFromInt(7), LineStatus: LineStatusIncident, HasIncident: true},
		},
	}
	require.NoError(t, Transition(&order, OrderStatusCancelled, time.Now()))

	assert.Equal(t, OrderStatusCancelled, order.Status)
	require.NotNil(t, order.CancelledAt)
	assert.Equal(t, LineStatusReceived, order.Lines[0].LineStatus)
	assert.Equal(t, LineStatusCancelled, order.Lines[1].LineStatus)
	assert.Equal(t, LineStatusCancelled, order.Lines[2].LineStatus)
	assert.True(t, decimal.NewFromInt(20).Equal(order.Total), "only the received line counts, got %s", order.Total)
	assert.Empty(t, ValidNextStatuses(order.Status))
}

func TestTransitionCancelWithUnknownCurrencyLeavesOrderUntouched(t *testing.T) {
	order := SupplierOrder{
		Status:       OrderStatusPending,
		CurrencyCode: "XXZ",
		Lines:        []SupplierOrderLine{{ID: 1, QuantityOrdered: 1, LineStatus: LineStatusPending}},
	}
	require.ErrorIs(t, Transition(&order, OrderStatusCancelled, time.Now()), ErrValidation)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, LineStatusPending, order.Lines[0].LineStatus)
	assert.Nil(t, order.CancelledAt)
}
