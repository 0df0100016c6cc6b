package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes supplier purchases from internal stock transfers.
type OrderType string

const (
	OrderTypeSupplier OrderType = "supplier"
	OrderTypeTransfer OrderType = "transfer"
)

// IsValid reports whether the order type is known.
func (t OrderType) IsValid() bool {
	return t == OrderTypeSupplier || t == OrderTypeTransfer
}

// OrderStatus is the stored header status of a supplier order.
type OrderStatus string

const (
	OrderStatusDraft             OrderStatus = "draft"
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusConfirmed         OrderStatus = "confirmed"
	OrderStatusShipped           OrderStatus = "shipped"
	OrderStatusPartiallyReceived OrderStatus = "partially_received"
	OrderStatusReceived          OrderStatus = "received"
	OrderStatusIncident          OrderStatus = "incident"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

// IsValid reports whether the status is one of the known header statuses.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusPartiallyReceived, OrderStatusReceived, OrderStatusIncident, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusReceived || s == OrderStatusCancelled
}

// LineStatus is the derived reception status of a single line.
type LineStatus string

const (
	LineStatusPending   LineStatus = "pending"
	LineStatusPartial   LineStatus = "partial"
	LineStatusReceived  LineStatus = "received"
	LineStatusIncident  LineStatus = "incident"
	LineStatusCancelled LineStatus = "cancelled"
)

// IsTerminal reports whether the line can no longer change through reception.
func (s LineStatus) IsTerminal() bool {
	return s == LineStatusReceived || s == LineStatusCancelled
}

// SupplierOrder is the order header together with its lines.
type SupplierOrder struct {
	ID                    int64       `json:"id"`
	DisplayID             string      `json:"display_id"`
	OrderType             OrderType   `json:"order_type"`
	Status                OrderStatus `json:"status"`
	SupplierID            string      `json:"supplier_id,omitempty"`
	DestinationLocationID string      `json:"destination_location_id,omitempty"`
	SourceLocationID      string      `json:"source_location_id,omitempty"`
	ExpectedDeliveryDate  *time.Time  `json:"expected_delivery_date,omitempty"`
	Notes                 string      `json:"notes,omitempty"`
	CreatedBy             string      `json:"created_by,omitempty"`

	ConfirmedAt *time.Time `json:"confirmed_at"`
	ShippedAt   *time.Time `json:"shipped_at"`
	ReceivedAt  *time.Time `json:"received_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
	CurrencyCode  string          `json:"currency_code"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lines []SupplierOrderLine `json:"lines,omitempty"`
}

// SupplierOrderLine is one product entry of an order with its own reception ledger.
type SupplierOrderLine struct {
	ID               int64  `json:"id"`
	OrderID          int64  `json:"order_id"`
	ProductID        string `json:"product_id"`
	ProductVariantID string `json:"product_variant_id,omitempty"`
	ProductTitle     string `json:"product_title,omitempty"`
	ProductThumbnail string `json:"product_thumbnail,omitempty"`
	SupplierSKU      string `json:"supplier_sku,omitempty"`

	QuantityOrdered  int `json:"quantity_ordered"`
	QuantityReceived int `json:"quantity_received"`
	QuantityPending  int `json:"quantity_pending"`

	UnitPrice     decimal.Decimal `json:"unit_price"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	DiscountRate  decimal.Decimal `json:"discount_rate"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	TotalPrice    decimal.Decimal `json:"total_price"`

	LineStatus LineStatus `json:"line_status"`

	HasIncident   bool       `json:"has_incident"`
	IncidentNotes string     `json:"incident_notes,omitempty"`
	IncidentAt    *time.Time `json:"incident_at,omitempty"`
	IncidentBy    string     `json:"incident_by,omitempty"`

	ReceivedAt     *time.Time `json:"received_at"`
	ReceivedBy     string     `json:"received_by,omitempty"`
	ReceptionNotes string     `json:"reception_notes,omitempty"`

	Position  int       `json:"position"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReceptionEvent is an immutable record of one reception against a line.
type ReceptionEvent struct {
	ID         string    `json:"id"`
	LineID     int64     `json:"line_id"`
	OrderID    int64     `json:"order_id"`
	Quantity   int       `json:"quantity"`
	Notes      string    `json:"notes,omitempty"`
	ReceivedBy string    `json:"received_by,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

var (
	// ErrInvalidQuantity occurs when a reception quantity is not positive or exceeds pending.
	ErrInvalidQuantity = errors.New("procurement: invalid quantity")
	// ErrInvalidTransition occurs when a status change is not a legal edge.
	ErrInvalidTransition = errors.New("procurement: invalid status transition")
	// ErrOrderNotFound indicates the order is missing.
	ErrOrderNotFound = errors.New("procurement: order not found")
	// ErrLineNotFound indicates the order line is missing.
	ErrLineNotFound = errors.New("procurement: order line not found")
	// ErrOrderCancelled rejects mutations on cancelled orders.
	ErrOrderCancelled = errors.New("procurement: order is cancelled")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrNothingPending occurs when a complete reception finds no pending quantity.
	ErrNothingPending = errors.New("procurement: nothing pending on line")
	// ErrConcurrencyConflict indicates a lost update; retry after re-reading.
	ErrConcurrencyConflict = errors.New("procurement: concurrent modification")
	// ErrDuplicateRequest indicates a replayed idempotency key.
	ErrDuplicateRequest = errors.New("procurement: request already processed")
)

// ErrorKind returns the stable identifier of a domain error, or "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrLineNotFound):
		return "line_not_found"
	case errors.Is(err, ErrOrderCancelled):
		return "order_cancelled"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNothingPending):
		return "nothing_pending"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	default:
		return "internal"
	}
}
