package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-supply/internal/shared"
)

// DefaultCompleteReceptionNotes is stored when a complete reception carries no notes.
const DefaultCompleteReceptionNotes = "Recepción completa"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (SupplierOrder, error)
	ListOrders(ctx context.Context, filters ListFilters) ([]SupplierOrder, int, error)
	ListLines(ctx context.Context, orderID int64) ([]SupplierOrderLine, error)
	ListReceptions(ctx context.Context, lineID int64) ([]ReceptionEvent, error)
	LineOrderID(ctx context.Context, lineID int64) (int64, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries optional collaborators and defaults.
type ServiceConfig struct {
	DefaultCurrency string
	Notifier        ReceptionNotifier
	Events          EventRecorder
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Service orchestrates the supplier order lifecycle and line receptions.
type Service struct {
	repo     RepositoryPort
	locker   shared.Locker
	audit    AuditPort
	notifier ReceptionNotifier
	events   EventRecorder
	logger   *slog.Logger
	currency string
	clock    func() time.Time
}

// NewService constructs the service. A nil locker falls back to an in-process one.
func NewService(repo RepositoryPort, locker shared.Locker, audit AuditPort, cfg ServiceConfig) *Service {
	if locker == nil {
		locker = shared.NewLocalLocker(5 * time.Second)
	}
	if cfg.Events == nil {
		cfg.Events = noopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "EUR"
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		audit:    audit,
		notifier: cfg.Notifier,
		events:   cfg.Events,
		logger:   cfg.Logger,
		currency: strings.ToUpper(cfg.DefaultCurrency),
		clock:    cfg.Clock,
	}
}

// CreateOrderInput describes order creation.
type CreateOrderInput struct {
	OrderType             OrderType
	SupplierID            string
	DestinationLocationID string
	SourceLocationID      string
	ExpectedDeliveryDate  *time.Time
	CurrencyCode          string
	Notes                 string
	CreatedBy             string
	Lines                 []LineInput
}

// LineInput describes a line appended to an order.
type LineInput struct {
	ProductID        string
	ProductVariantID string
	ProductTitle     string
	ProductThumbnail string
	SupplierSKU      string
	QuantityOrdered  int
	UnitPrice        decimal.Decimal
	TaxRate          decimal.Decimal
	DiscountRate     decimal.Decimal
}

// ReceiveInput describes a reception request. A nil Quantity receives everything pending.
type ReceiveInput struct {
	LineID         int64
	Quantity       *int
	Notes          string
	ReceivedBy     string
	IdempotencyKey string
}

// IncidentInput describes an incident toggle.
type IncidentInput struct {
	LineID int64
	Active bool
	Notes  string
	UserID string
}

// ListFilters narrows order listings.
type ListFilters struct {
	Status     string
	SupplierID string
	OrderType  string
	Search     string
	SortBy     string
	SortDir    string
	Limit      int
	Offset     int
	OpenOnly   bool // excludes received and cancelled orders
}

// OrderView is an order enriched with its read-side projections.
type OrderView struct {
	SupplierOrder
	VisualStatus      OrderStatus   `json:"visual_status"`
	ValidNextStatuses []OrderStatus `json:"valid_next_statuses"`
}

// NewOrderView computes the projections for order.
func NewOrderView(order SupplierOrder) OrderView {
	if order.Lines == nil {
		order.Lines = []SupplierOrderLine{}
	}
	return OrderView{
		SupplierOrder:     order,
		VisualStatus:      VisualStatus(order),
		ValidNextStatuses: ValidNextStatuses(order.Status),
	}
}

// CreateOrder persists a new order. Orders created with lines start pending, others draft.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (SupplierOrder, error) {
	order, err := s.buildOrder(ctx, input)
	if err != nil {
		return SupplierOrder{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}
		for i := range order.Lines {
			order.Lines[i].OrderID = order.ID
			if err := tx.InsertLine(ctx, &order.Lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SupplierOrder{}, s.fail("create_order", err)
	}
	s.recordAudit(ctx, order.CreatedBy, "SUPPLIER_ORDER_CREATE", order.ID, map[string]any{
		"display_id": order.DisplayID,
		"order_type": order.OrderType,
		"status":     order.Status,
		"lines":      len(order.Lines),
	})
	return order, nil
}

func (s *Service) buildOrder(ctx context.Context, input CreateOrderInput) (SupplierOrder, error) {
	if input.OrderType == "" {
		input.OrderType = OrderTypeSupplier
	}
	if !input.OrderType.IsValid() {
		return SupplierOrder{}, fmt.Errorf("%w: unknown order type %q", ErrValidation, input.OrderType)
	}
	input.SupplierID = strings.TrimSpace(input.SupplierID)
	input.SourceLocationID = strings.TrimSpace(input.SourceLocationID)
	input.DestinationLocationID = strings.TrimSpace(input.DestinationLocationID)
	switch input.OrderType {
	case OrderTypeSupplier:
		if input.SupplierID == "" {
			return SupplierOrder{}, fmt.Errorf("%w: supplier_id is required", ErrValidation)
		}
		if input.SourceLocationID != "" {
			return SupplierOrder{}, fmt.Errorf("%w: source_location_id only applies to transfers", ErrValidation)
		}
	case OrderTypeTransfer:
		if input.SourceLocationID == "" || input.DestinationLocationID == "" {
			return SupplierOrder{}, fmt.Errorf("%w: transfers require source and destination locations", ErrValidation)
		}
		if input.SourceLocationID == input.DestinationLocationID {
			return SupplierOrder{}, fmt.Errorf("%w: source and destination locations must differ", ErrValidation)
		}
	}
	currencyCode := strings.ToUpper(strings.TrimSpace(input.CurrencyCode))
	if currencyCode == "" {
		currencyCode = s.currency
	}
	scale, err := CurrencyScale(currencyCode)
	if err != nil {
		return SupplierOrder{}, err
	}
	createdBy := input.CreatedBy
	if createdBy == "" {
		createdBy = shared.ActorFromContext(ctx)
	}
	now := s.clock()
	order := SupplierOrder{
		DisplayID:             generateDisplayID(input.OrderType, now),
		OrderType:             input.OrderType,
		Status:                OrderStatusDraft,
		SupplierID:            input.SupplierID,
		DestinationLocationID: input.DestinationLocationID,
		SourceLocationID:      input.SourceLocationID,
		ExpectedDeliveryDate:  input.ExpectedDeliveryDate,
		Notes:                 strings.TrimSpace(input.Notes),
		CreatedBy:             createdBy,
		CurrencyCode:          currencyCode,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for i, in := range input.Lines {
		line, err := newLine(in, i+1, now)
		if err != nil {
			return SupplierOrder{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		order.Lines = append(order.Lines, line)
	}
	if len(order.Lines) > 0 {
		order.Status = OrderStatusPending
	}
	applyTotals(&order, scale)
	return order, nil
}

// AddLine appends a line to a draft order and refreshes its totals.
func (s *Service) AddLine(ctx context.Context, orderID int64, input LineInput) (SupplierOrderLine, error) {
	release, err := s.acquire(ctx, shared.OrderLockKey(orderID))
	if err != nil {
		return SupplierOrderLine{}, s.fail("add_line", err)
	}
	defer release()

	var created SupplierOrderLine
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == OrderStatusCancelled {
			return ErrOrderCancelled
		}
		if order.Status != OrderStatusDraft {
			return fmt.Errorf("%w: lines can only be added while the order is draft", ErrValidation)
		}
		scale, err := CurrencyScale(order.CurrencyCode)
		if err != nil {
			return err
		}
		line, err := newLine(input, len(order.Lines)+1, s.clock())
		if err != nil {
			return err
		}
		line.OrderID = order.ID
		order.Lines = append(order.Lines, line)
		applyTotals(&order, scale)
		created = order.Lines[len(order.Lines)-1]
		if err := tx.InsertLine(ctx, &created); err != nil {
			return err
		}
		order.UpdatedAt = s.clock()
		return tx.UpdateOrder(ctx, &order)
	})
	if err != nil {
		return SupplierOrderLine{}, s.fail("add_line", err)
	}
	s.recordAudit(ctx, "", "SUPPLIER_ORDER_LINE_ADD", orderID, map[string]any{
		"line_id":          created.ID,
		"product_id":       created.ProductID,
		"quantity_ordered": created.QuantityOrdered,
	})
	return created, nil
}

// TransitionStatus moves the order header along one legal edge.
func (s *Service) TransitionStatus(ctx context.Context, orderID int64, next OrderStatus, actorID string) (SupplierOrder, error) {
	release, err := s.acquire(ctx, shared.OrderLockKey(orderID))
	if err != nil {
		return SupplierOrder{}, s.fail("transition", err)
	}
	defer release()

	var (
		updated SupplierOrder
		from    OrderStatus
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status
		before := make([]LineStatus, len(order.Lines))
		for i, line := range order.Lines {
			before[i] = line.LineStatus
		}
		now := s.clock()
		if err := Transition(&order, next, now); err != nil {
			return err
		}
		for i := range order.Lines {
			if order.Lines[i].LineStatus == before[i] {
				continue
			}
			order.Lines[i].UpdatedAt = now
			if err := tx.UpdateLine(ctx, &order.Lines[i]); err != nil {
				return err
			}
		}
		order.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, &order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return SupplierOrder{}, s.fail("transition", err)
	}
	s.events.TransitionRecorded(string(from), string(next))
	s.recordAudit(ctx, actorID, "SUPPLIER_ORDER_STATUS", orderID, map[string]any{
		"from": from,
		"to":   next,
	})
	return updated, nil
}

// ValidStatuses returns the statuses the order may move to next.
func (s *Service) ValidStatuses(ctx context.Context, orderID int64) ([]OrderStatus, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ValidNextStatuses(order.Status), nil
}

// GetOrder loads an order with its lines and projections.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (OrderView, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return NewOrderView(order), nil
}

// ListOrders returns a page of orders matching filters together with the total count.
func (s *Service) ListOrders(ctx context.Context, filters ListFilters) ([]OrderView, int, error) {
	filters.Limit, filters.Offset = shared.ClampPage(filters.Limit, filters.Offset)
	if filters.Status != "" && !OrderStatus(filters.Status).IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filters.Status)
	}
	if filters.OrderType != "" && !OrderType(filters.OrderType).IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown order type %q", ErrValidation, filters.OrderType)
	}
	orders, total, err := s.repo.ListOrders(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, NewOrderView(order))
	}
	return views, total, nil
}

// LaggingOrders pages through every open order and returns those whose visual
// status differs from the stored status. Nothing is written back.
func (s *Service) LaggingOrders(ctx context.Context, batch int) ([]OrderView, error) {
	batch, _ = shared.ClampPage(batch, 0)
	lagging := []OrderView{}
	for offset := 0; ; offset += batch {
		orders, total, err := s.repo.ListOrders(ctx, ListFilters{OpenOnly: true, SortDir: "asc", SortBy: "display_id", Limit: batch, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, order := range orders {
			view := NewOrderView(order)
			if view.VisualStatus != view.Status {
				lagging = append(lagging, view)
			}
		}
		if len(orders) < batch || offset+batch >= total {
			return lagging, nil
		}
	}
}

// ListLines returns the order lines in display order.
func (s *Service) ListLines(ctx context.Context, orderID int64) ([]SupplierOrderLine, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListLines(ctx, orderID)
}

// ListReceptions returns the reception history of a line, oldest first.
func (s *Service) ListReceptions(ctx context.Context, lineID int64) ([]ReceptionEvent, error) {
	if _, err := s.repo.LineOrderID(ctx, lineID); err != nil {
		return nil, err
	}
	return s.repo.ListReceptions(ctx, lineID)
}

// ReceivePartial books quantity against the line's pending pool.
func (s *Service) ReceivePartial(ctx context.Context, lineID int64, quantity int, notes, receivedBy string) (SupplierOrderLine, error) {
	return s.receive(ctx, ReceiveInput{LineID: lineID, Quantity: &quantity, Notes: notes, ReceivedBy: receivedBy}, receptionPartial)
}

// ReceiveComplete books every pending unit of the line.
func (s *Service) ReceiveComplete(ctx context.Context, lineID int64, notes, receivedBy string) (SupplierOrderLine, error) {
	return s.receive(ctx, ReceiveInput{LineID: lineID, Notes: notes, ReceivedBy: receivedBy}, receptionComplete)
}

// ReceiveLine receives everything pending when the quantity is omitted or equals
// the pending quantity, and a partial quantity otherwise.
func (s *Service) ReceiveLine(ctx context.Context, input ReceiveInput) (SupplierOrderLine, error) {
	return s.receive(ctx, input, receptionAuto)
}

type receptionMode int

const (
	receptionPartial receptionMode = iota
	receptionComplete
	// receptionAuto is complete when the quantity is omitted or equals pending.
	receptionAuto
)

func (s *Service) receive(ctx context.Context, input ReceiveInput, mode receptionMode) (SupplierOrderLine, error) {
	orderID, err := s.repo.LineOrderID(ctx, input.LineID)
	if err != nil {
		return SupplierOrderLine{}, s.fail("receive", err)
	}
	release, err := s.acquire(ctx, shared.LineLockKey(input.LineID))
	if err != nil {
		return SupplierOrderLine{}, s.fail("receive", err)
	}
	defer release()

	idemKey := ""
	if input.IdempotencyKey != "" {
		idemKey = fmt.Sprintf("supplier_order_line:%d:%s", input.LineID, input.IdempotencyKey)
	}

	receivedBy := input.ReceivedBy
	if receivedBy == "" {
		receivedBy = shared.ActorFromContext(ctx)
	}
	var (
		updated   SupplierOrderLine
		event     ReceptionEvent
		displayID string
		kind      string
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if idemKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, idemKey, "procurement.reception"); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return fmt.Errorf("%w: %s", ErrDuplicateRequest, input.IdempotencyKey)
				}
				return err
			}
		}
		order, err := tx.ShareOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == OrderStatusCancelled {
			return ErrOrderCancelled
		}
		displayID = order.DisplayID
		line, err := tx.LockLine(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.LineStatus == LineStatusCancelled {
			return ErrOrderCancelled
		}
		pending := PendingQuantity(line)
		notes := strings.TrimSpace(input.Notes)
		asComplete := mode == receptionComplete
		if mode == receptionAuto {
			asComplete = input.Quantity == nil || (*input.Quantity > 0 && *input.Quantity == pending)
		}
		if asComplete {
			if pending == 0 {
				return fmt.Errorf("%w: line %d", ErrNothingPending, line.ID)
			}
			if notes == "" {
				notes = DefaultCompleteReceptionNotes
			}
			if err := ReceiveAllPending(&line); err != nil {
				return err
			}
			event.Quantity = pending
			kind = "complete"
		} else {
			if err := Receive(&line, *input.Quantity); err != nil {
				return err
			}
			event.Quantity = *input.Quantity
			kind = "partial"
		}
		now := s.clock()
		line.ReceivedAt = &now
		line.ReceivedBy = receivedBy
		line.ReceptionNotes = notes
		line.LineStatus = ResolveLineStatus(line)
		line.UpdatedAt = now
		if err := tx.UpdateLine(ctx, &line); err != nil {
			return err
		}
		event.ID = uuid.NewString()
		event.LineID = line.ID
		event.OrderID = line.OrderID
		event.Notes = notes
		event.ReceivedBy = receivedBy
		event.ReceivedAt = now
		if err := tx.InsertReception(ctx, event); err != nil {
			return err
		}
		updated = line
		return nil
	})
	if err != nil {
		return SupplierOrderLine{}, s.fail("receive", err)
	}

	s.events.ReceptionRecorded(kind, event.Quantity)
	s.recordAudit(ctx, receivedBy, "SUPPLIER_ORDER_LINE_RECEIVE", updated.OrderID, map[string]any{
		"line_id":      updated.ID,
		"reception_id": event.ID,
		"quantity":     event.Quantity,
		"kind":         kind,
		"line_status":  updated.LineStatus,
	})
	if s.notifier != nil {
		evt := ReceptionRecordedEvent{
			ReceptionID:      event.ID,
			OrderID:          updated.OrderID,
			OrderDisplayID:   displayID,
			LineID:           updated.ID,
			ProductID:        updated.ProductID,
			Quantity:         event.Quantity,
			QuantityReceived: updated.QuantityReceived,
			QuantityPending:  updated.QuantityPending,
			LineStatus:       updated.LineStatus,
			ReceivedBy:       receivedBy,
			ReceivedAt:       event.ReceivedAt,
		}
		if err := s.notifier.ReceptionRecorded(ctx, evt); err != nil {
			s.logger.Warn("notify reception", slog.Any("error", err), slog.Int64("line_id", updated.ID))
		}
	}
	return updated, nil
}

// ToggleIncident raises or clears the incident flag of a line.
func (s *Service) ToggleIncident(ctx context.Context, input IncidentInput) (SupplierOrderLine, error) {
	orderID, err := s.repo.LineOrderID(ctx, input.LineID)
	if err != nil {
		return SupplierOrderLine{}, s.fail("incident", err)
	}
	release, err := s.acquire(ctx, shared.LineLockKey(input.LineID))
	if err != nil {
		return SupplierOrderLine{}, s.fail("incident", err)
	}
	defer release()

	userID := input.UserID
	if userID == "" {
		userID = shared.ActorFromContext(ctx)
	}
	var updated SupplierOrderLine
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.ShareOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == OrderStatusCancelled {
			return ErrOrderCancelled
		}
		line, err := tx.LockLine(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.LineStatus == LineStatusCancelled {
			return ErrOrderCancelled
		}
		now := s.clock()
		if err := SetIncident(&line, input.Active, input.Notes, userID, now); err != nil {
			return err
		}
		line.UpdatedAt = now
		if err := tx.UpdateLine(ctx, &line); err != nil {
			return err
		}
		updated = line
		return nil
	})
	if err != nil {
		return SupplierOrderLine{}, s.fail("incident", err)
	}
	s.events.IncidentToggled(input.Active)
	s.recordAudit(ctx, userID, "SUPPLIER_ORDER_LINE_INCIDENT", updated.OrderID, map[string]any{
		"line_id":      updated.ID,
		"has_incident": updated.HasIncident,
		"notes":        updated.IncidentNotes,
	})
	return updated, nil
}

func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, shared.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return nil, err
	}
	return release, nil
}

func (s *Service) fail(operation string, err error) error {
	s.events.OperationFailed(operation, ErrorKind(err))
	return err
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == "" {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "supplier_order",
		EntityID: strconv.FormatInt(orderID, 10),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err), slog.String("action", action))
	}
}

func newLine(input LineInput, position int, now time.Time) (SupplierOrderLine, error) {
	if err := validateLineInput(input); err != nil {
		return SupplierOrderLine{}, err
	}
	return SupplierOrderLine{
		ProductID:        strings.TrimSpace(input.ProductID),
		ProductVariantID: input.ProductVariantID,
		ProductTitle:     input.ProductTitle,
		ProductThumbnail: input.ProductThumbnail,
		SupplierSKU:      input.SupplierSKU,
		QuantityOrdered:  input.QuantityOrdered,
		QuantityReceived: 0,
		QuantityPending:  input.QuantityOrdered,
		UnitPrice:        input.UnitPrice,
		TaxRate:          input.TaxRate,
		DiscountRate:     input.DiscountRate,
		LineStatus:       LineStatusPending,
		Position:         position,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func validateLineInput(input LineInput) error {
	switch {
	case strings.TrimSpace(input.ProductID) == "":
		return fmt.Errorf("%w: product_id is required", ErrValidation)
	case input.QuantityOrdered <= 0:
		return fmt.Errorf("%w: quantity_ordered must be greater than zero", ErrValidation)
	case input.UnitPrice.IsNegative():
		return fmt.Errorf("%w: unit_price must not be negative", ErrValidation)
	case input.TaxRate.IsNegative():
		return fmt.Errorf("%w: tax_rate must not be negative", ErrValidation)
	case input.DiscountRate.IsNegative() || input.DiscountRate.GreaterThan(hundred):
		return fmt.Errorf("%w: discount_rate must be between 0 and 100", ErrValidation)
	}
	return nil
}

func generateDisplayID(orderType OrderType, now time.Time) string {
	prefix := "SO"
	if orderType == OrderTypeTransfer {
		prefix = "TR"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix)
}
