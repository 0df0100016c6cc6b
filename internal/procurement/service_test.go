package procurement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-supply/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	orders     map[int64]SupplierOrder
	lines      map[int64]SupplierOrderLine
	receptions []ReceptionEvent
	keys       map[string]string
	nextID     int64

	// receptionErr makes InsertReception fail, after every earlier write of the tx.
	receptionErr error
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders: make(map[int64]SupplierOrder),
		lines:  make(map[int64]SupplierOrderLine),
		keys:   make(map[string]string),
	}
}

// WithTx serialises transactions and restores the previous state when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders := make(map[int64]SupplierOrder, len(r.orders))
	for id, order := range r.orders {
		orders[id] = order
	}
	lines := make(map[int64]SupplierOrderLine, len(r.lines))
	for id, line := range r.lines {
		lines[id] = line
	}
	keys := make(map[string]string, len(r.keys))
	for key, module := range r.keys {
		keys[key] = module
	}
	receptions := len(r.receptions)
	nextID := r.nextID

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.orders, r.lines, r.keys, r.receptions, r.nextID = orders, lines, keys, r.receptions[:receptions], nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadOrder(id)
}

func (r *memoryRepo) loadOrder(id int64) (SupplierOrder, error) {
	order, ok := r.orders[id]
	if !ok {
		return SupplierOrder{}, ErrOrderNotFound
	}
	order.Lines = r.orderLines(id)
	return order, nil
}

func (r *memoryRepo) orderLines(orderID int64) []SupplierOrderLine {
	lines := []SupplierOrderLine{}
	for _, line := range r.lines {
		if line.OrderID == orderID {
			line.QuantityPending = PendingQuantity(line)
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	return lines
}

func (r *memoryRepo) ListOrders(ctx context.Context, filters ListFilters) ([]SupplierOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.orders))
	for id, order := range r.orders {
		switch {
		case filters.Status != "" && string(order.Status) != filters.Status:
			continue
		case filters.OpenOnly && order.Status.IsTerminal():
			continue
		case filters.SupplierID != "" && order.SupplierID != filters.SupplierID:
			continue
		case filters.OrderType != "" && string(order.OrderType) != filters.OrderType:
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	total := len(ids)
	if filters.Offset >= total {
		return []SupplierOrder{}, total, nil
	}
	end := filters.Offset + filters.Limit
	if end > total {
		end = total
	}
	orders := make([]SupplierOrder, 0, end-filters.Offset)
	for _, id := range ids[filters.Offset:end] {
		order, _ := r.loadOrder(id)
		orders = append(orders, order)
	}
	return orders, total, nil
}

func (r *memoryRepo) ListLines(ctx context.Context, orderID int64) ([]SupplierOrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderLines(orderID), nil
}

func (r *memoryRepo) ListReceptions(ctx context.Context, lineID int64) ([]ReceptionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := []ReceptionEvent{}
	for _, evt := range r.receptions {
		if evt.LineID == lineID {
			events = append(events, evt)
		}
	}
	return events, nil
}

func (r *memoryRepo) LineOrderID(ctx context.Context, lineID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, ok := r.lines[lineID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLineNotFound, lineID)
	}
	return line.OrderID, nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, order *SupplierOrder) error {
	tx.repo.nextID++
	order.ID = tx.repo.nextID
	order.Version = 1
	stored := *order
	stored.Lines = nil
	tx.repo.orders[order.ID] = stored
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line *SupplierOrderLine) error {
	if _, ok := tx.repo.orders[line.OrderID]; !ok {
		return ErrOrderNotFound
	}
	tx.repo.nextID++
	line.ID = tx.repo.nextID
	line.Version = 1
	tx.repo.lines[line.ID] = *line
	return nil
}

func (tx *memoryTx) LockOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	return tx.repo.loadOrder(id)
}

func (tx *memoryTx) ShareOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	order, ok := tx.repo.orders[id]
	if !ok {
		return SupplierOrder{}, ErrOrderNotFound
	}
	return order, nil
}

func (tx *memoryTx) LockLine(ctx context.Context, id int64) (SupplierOrderLine, error) {
	line, ok := tx.repo.lines[id]
	if !ok {
		return SupplierOrderLine{}, fmt.Errorf("%w: %d", ErrLineNotFound, id)
	}
	line.QuantityPending = PendingQuantity(line)
	return line, nil
}

func (tx *memoryTx) UpdateOrder(ctx context.Context, order *SupplierOrder) error {
	stored, ok := tx.repo.orders[order.ID]
	if !ok || stored.Version != order.Version {
		return fmt.Errorf("%w: order %d", ErrConcurrencyConflict, order.ID)
	}
	order.Version++
	next := *order
	next.Lines = nil
	tx.repo.orders[order.ID] = next
	return nil
}

func (tx *memoryTx) UpdateLine(ctx context.Context, line *SupplierOrderLine) error {
	stored, ok := tx.repo.lines[line.ID]
	if !ok || stored.Version != line.Version {
		return fmt.Errorf("%w: line %d", ErrConcurrencyConflict, line.ID)
	}
	line.Version++
	tx.repo.lines[line.ID] = *line
	return nil
}

func (tx *memoryTx) InsertReception(ctx context.Context, event ReceptionEvent) error {
	if tx.repo.receptionErr != nil {
		return tx.repo.receptionErr
	}
	tx.repo.receptions = append(tx.repo.receptions, event)
	return nil
}

func (tx *memoryTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if _, ok := tx.repo.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	tx.repo.keys[key] = module
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, log := range m.logs {
		out = append(out, log.Action)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ReceptionRecordedEvent
	err    error
}

func (n *recordingNotifier) ReceptionRecorded(ctx context.Context, evt ReceptionRecordedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions []string
	receptions  map[string]int
	failures    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{receptions: map[string]int{}, failures: map[string]int{}}
}

func (c *countingRecorder) TransitionRecorded(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, from+"->"+to)
}

func (c *countingRecorder) ReceptionRecorded(kind string, quantity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receptions[kind] += quantity
}

func (c *countingRecorder) IncidentToggled(bool) {}

func (c *countingRecorder) OperationFailed(operation, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[operation+":"+kind]++
}

type serviceFixture struct {
	svc      *Service
	repo     *memoryRepo
	audit    *memoryAudit
	notifier *recordingNotifier
	events   *countingRecorder
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:     newMemoryRepo(),
		audit:    &memoryAudit{},
		notifier: &recordingNotifier{},
		events:   newCountingRecorder(),
		now:      time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC),
	}
	f.svc = NewService(f.repo, shared.NewLocalLocker(2*time.Second), f.audit, ServiceConfig{
		DefaultCurrency: "EUR",
		Notifier:        f.notifier,
		Events:          f.events,
		Clock:           func() time.Time { return f.now },
	})
	return f
}

func (f *serviceFixture) createOrder(t *testing.T, quantities ...int) SupplierOrder {
	t.Helper()
	input := CreateOrderInput{SupplierID: "sup-1", DestinationLocationID: "wh-1", CreatedBy: "buyer"}
	for i, qty := range quantities {
		input.Lines = append(input.Lines, LineInput{
			ProductID:       fmt.Sprintf("prod-%d", i+1),
			QuantityOrdered: qty,
			UnitPrice:       decimal.NewFromInt(10),
		})
	}
	order, err := f.svc.CreateOrder(context.Background(), input)
	require.NoError(t, err)
	return order
}

func (f *serviceFixture) advance(t *testing.T, orderID int64, statuses ...OrderStatus) {
	t.Helper()
	for _, status := range statuses {
		_, err := f.svc.TransitionStatus(context.Background(), orderID, status, "manager")
		require.NoError(t, err)
	}
}

func TestCreateOrderPricesLines(t *testing.T) {
	f := newServiceFixture(t)
	order, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID: "sup-9",
		Lines: []LineInput{{
			ProductID:       "p-1",
			QuantityOrdered: 5,
			UnitPrice:       decimal.NewFromInt(100),
			DiscountRate:    decimal.NewFromInt(10),
			TaxRate:         decimal.NewFromInt(21),
		}},
	})
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, OrderTypeSupplier, order.OrderType)
	assert.Equal(t, "EUR", order.CurrencyCode)
	assert.Regexp(t, `^SO-20240603-[0-9A-F]{8}$`, order.DisplayID)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, 5, order.Lines[0].QuantityPending)
	assert.Equal(t, LineStatusPending, order.Lines[0].LineStatus)
	assert.True(t, decimal.RequireFromString("544.5").Equal(order.Lines[0].TotalPrice))
	assert.True(t, decimal.RequireFromString("544.5").Equal(order.Total))

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.DisplayID, stored.DisplayID)
	assert.Equal(t, []OrderStatus{OrderStatusConfirmed, OrderStatusCancelled, OrderStatusIncident}, stored.ValidNextStatuses)
	assert.Contains(t, f.audit.actions(), "SUPPLIER_ORDER_CREATE")
}

func TestCreateOrderValidation(t *testing.T) {
	f := newServiceFixture(t)
	cases := []struct {
		name  string
		input CreateOrderInput
	}{
		{"supplier required", CreateOrderInput{}},
		{"transfer needs locations", CreateOrderInput{OrderType: OrderTypeTransfer, SourceLocationID: "a"}},
		{"transfer to itself", CreateOrderInput{OrderType: OrderTypeTransfer, SourceLocationID: "a", DestinationLocationID: "a"}},
		{"unknown type", CreateOrderInput{OrderType: "gift", SupplierID: "s"}},
		{"unknown currency", CreateOrderInput{SupplierID: "s", CurrencyCode: "ZZZ"}},
		{"zero quantity line", CreateOrderInput{SupplierID: "s", Lines: []LineInput{{ProductID: "p", QuantityOrdered: 0}}}},
		{"discount above 100", CreateOrderInput{SupplierID: "s", Lines: []LineInput{{ProductID: "p", QuantityOrdered: 1, DiscountRate: decimal.NewFromInt(101)}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tc.input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateTransferOrder(t *testing.T) {
	f := newServiceFixture(t)
	order, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderType:             OrderTypeTransfer,
		SourceLocationID:      "wh-1",
		DestinationLocationID: "store-4",
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusDraft, order.Status)
	assert.Regexp(t, `^TR-`, order.DisplayID)
}

func TestAddLineOnlyWhileDraft(t *testing.T) {
	f := newServiceFixture(t)
	draft := f.createOrder(t)
	require.Equal(t, OrderStatusDraft, draft.Status)

	line, err := f.svc.AddLine(context.Background(), draft.ID, LineInput{ProductID: "p", QuantityOrdered: 3, UnitPrice: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, line.Position)
	assert.True(t, decimal.NewFromInt(6).Equal(line.TotalPrice))

	stored, err := f.svc.GetOrder(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(6).Equal(stored.Total))

	pending := f.createOrder(t, 2)
	_, err = f.svc.AddLine(context.Background(), pending.ID, LineInput{ProductID: "p", QuantityOrdered: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AddLine(context.Background(), 999, LineInput{ProductID: "p", QuantityOrdered: 1})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestReceivePartialThenComplete(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 10)
	lineID := order.Lines[0].ID

	line, err := f.svc.ReceivePartial(context.Background(), lineID, 4, "primer palé", "warehouse")
	require.NoError(t, err)
	assert.Equal(t, 4, line.QuantityReceived)
	assert.Equal(t, 6, line.QuantityPending)
	assert.Equal(t, LineStatusPartial, line.LineStatus)
	assert.Equal(t, "warehouse", line.ReceivedBy)

	line, err = f.svc.ReceivePartial(context.Background(), lineID, 6, "", "warehouse")
	require.NoError(t, err)
	assert.Equal(t, 10, line.QuantityReceived)
	assert.Equal(t, 0, line.QuantityPending)
	assert.Equal(t, LineStatusReceived, line.LineStatus)
	assert.Empty(t, line.ReceptionNotes, "partial receptions never default their notes")

	history, err := f.svc.ListReceptions(context.Background(), lineID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 4, history[0].Quantity)
	assert.Equal(t, 6, history[1].Quantity)

	assert.Equal(t, 10, f.events.receptions["partial"])
	assert.Zero(t, f.events.receptions["complete"])
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, order.DisplayID, f.notifier.events[1].OrderDisplayID)
	assert.Equal(t, LineStatusReceived, f.notifier.events[1].LineStatus)

	view, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, view.Status, "stored status only moves through transitions")
	assert.Equal(t, OrderStatusReceived, view.VisualStatus)
}

func TestReceiveRejectsOverReception(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 3)
	lineID := order.Lines[0].ID

	_, err := f.svc.ReceivePartial(context.Background(), lineID, 4, "", "")
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = f.svc.ReceivePartial(context.Background(), lineID, 0, "", "")
	require.ErrorIs(t, err, ErrInvalidQuantity)

	lines, err := f.svc.ListLines(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, lines[0].QuantityReceived)
	assert.Equal(t, 2, f.events.failures["receive:invalid_quantity"])
}

func TestReceiveCompleteWithNothingPending(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 2)
	lineID := order.Lines[0].ID

	line, err := f.svc.ReceiveComplete(context.Background(), lineID, "", "warehouse")
	require.NoError(t, err)
	assert.Equal(t, DefaultCompleteReceptionNotes, line.ReceptionNotes)
	assert.Equal(t, LineStatusReceived, line.LineStatus)

	_, err = f.svc.ReceiveComplete(context.Background(), lineID, "", "warehouse")
	require.ErrorIs(t, err, ErrNothingPending)

	history, err := f.svc.ListReceptions(context.Background(), lineID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestReceiveLineWithoutQuantityReceivesEverything(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 7)
	lineID := order.Lines[0].ID

	partial := 2
	_, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &partial})
	require.NoError(t, err)

	line, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Notes: "resto"})
	require.NoError(t, err)
	assert.Equal(t, 7, line.QuantityReceived)
	assert.Equal(t, "resto", line.ReceptionNotes)
}

func TestReceiveLineWithExactPendingCompletes(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 4)
	lineID := order.Lines[0].ID

	qty := 4
	line, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, LineStatusReceived, line.LineStatus)
	assert.Equal(t, DefaultCompleteReceptionNotes, line.ReceptionNotes)
	assert.Equal(t, 4, f.events.receptions["complete"])
}

func TestReceiveOnCancelledOrder(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 5, 5)
	_, err := f.svc.ReceivePartial(context.Background(), order.Lines[0].ID, 5, "", "")
	require.NoError(t, err)

	cancelled, err := f.svc.TransitionStatus(context.Background(), order.ID, OrderStatusCancelled, "manager")
	require.NoError(t, err)
	assert.Equal(t, LineStatusReceived, cancelled.Lines[0].LineStatus)
	assert.Equal(t, LineStatusCancelled, cancelled.Lines[1].LineStatus)
	assert.True(t, decimal.NewFromInt(50).Equal(cancelled.Total))

	_, err = f.svc.ReceivePartial(context.Background(), order.Lines[1].ID, 1, "", "")
	require.ErrorIs(t, err, ErrOrderCancelled)
	_, err = f.svc.ToggleIncident(context.Background(), IncidentInput{LineID: order.Lines[1].ID, Active: true, Notes: "roto"})
	require.ErrorIs(t, err, ErrOrderCancelled)
	_, err = f.svc.TransitionStatus(context.Background(), order.ID, OrderStatusConfirmed, "manager")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestToggleIncidentRestoresLedgerStatus(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 10)
	lineID := order.Lines[0].ID
	_, err := f.svc.ReceivePartial(context.Background(), lineID, 3, "caja abierta", "warehouse")
	require.NoError(t, err)

	_, err = f.svc.ToggleIncident(context.Background(), IncidentInput{LineID: lineID, Active: true, Notes: ""})
	require.ErrorIs(t, err, ErrValidation)

	line, err := f.svc.ToggleIncident(context.Background(), IncidentInput{LineID: lineID, Active: true, Notes: "faltan unidades", UserID: "qa"})
	require.NoError(t, err)
	assert.Equal(t, LineStatusIncident, line.LineStatus)
	assert.Equal(t, "qa", line.IncidentBy)

	view, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusIncident, view.VisualStatus)

	line, err = f.svc.ReceivePartial(context.Background(), lineID, 1, "", "warehouse")
	require.NoError(t, err)
	assert.Equal(t, LineStatusIncident, line.LineStatus, "receptions keep the incident override")

	line, err = f.svc.ToggleIncident(context.Background(), IncidentInput{LineID: lineID, Active: false, UserID: "qa"})
	require.NoError(t, err)
	assert.Equal(t, LineStatusPartial, line.LineStatus)
	assert.False(t, line.HasIncident)
	assert.Empty(t, line.IncidentNotes)
	assert.Equal(t, 4, line.QuantityReceived)
}

func TestTransitionStatusRecordsEvents(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 1)
	f.advance(t, order.ID, OrderStatusConfirmed, OrderStatusShipped)

	_, err := f.svc.TransitionStatus(context.Background(), order.ID, OrderStatusDraft, "manager")
	require.ErrorIs(t, err, ErrInvalidTransition)

	view, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusShipped, view.Status)
	require.NotNil(t, view.ConfirmedAt)
	require.NotNil(t, view.ShippedAt)
	assert.Equal(t, []string{"pending->confirmed", "confirmed->shipped"}, f.events.transitions)
	assert.Equal(t, 1, f.events.failures["transition:invalid_transition"])

	statuses, err := f.svc.ValidStatuses(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, []OrderStatus{OrderStatusPartiallyReceived, OrderStatusReceived, OrderStatusCancelled, OrderStatusIncident}, statuses)

	_, err = f.svc.TransitionStatus(context.Background(), 404, OrderStatusConfirmed, "manager")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConcurrentReceptionsNeverOverReceive(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 5)
	lineID := order.Lines[0].ID

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ReceivePartial(context.Background(), lineID, 1, "", "scanner")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrConcurrencyConflict):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, 7, rejected)
	lines, err := f.svc.ListLines(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, lines[0].QuantityReceived)
	assert.Equal(t, LineStatusReceived, lines[0].LineStatus)
	history, err := f.svc.ListReceptions(context.Background(), lineID)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestReceiveIdempotencyKey(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 6)
	lineID := order.Lines[0].ID

	tooMany := 9
	_, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &tooMany, IdempotencyKey: "scan-1"})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	qty := 2
	_, err = f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty, IdempotencyKey: "scan-1"})
	require.NoError(t, err, "a failed attempt must release its key")

	_, err = f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty, IdempotencyKey: "scan-1"})
	require.ErrorIs(t, err, ErrDuplicateRequest)

	lines, err := f.svc.ListLines(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, lines[0].QuantityReceived)
}

func TestReceiveIdempotencyKeyRolledBackWithFailedWrite(t *testing.T) {
	f := newServiceFixture(t)
	order := f.createOrder(t, 6)
	lineID := order.Lines[0].ID

	f.repo.receptionErr = errors.New("connection reset")
	qty := 2
	_, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty, IdempotencyKey: "scan-7"})
	require.Error(t, err)
	assert.Empty(t, f.repo.keys)

	f.repo.receptionErr = nil
	line, err := f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty, IdempotencyKey: "scan-7"})
	require.NoError(t, err)
	assert.Equal(t, 2, line.QuantityReceived)
	assert.Contains(t, f.repo.keys, fmt.Sprintf("supplier_order_line:%d:scan-7", lineID))

	_, err = f.svc.ReceiveLine(context.Background(), ReceiveInput{LineID: lineID, Quantity: &qty, IdempotencyKey: "scan-7"})
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestNotifierFailureDoesNotFailReception(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.err = errors.New("queue down")
	order := f.createOrder(t, 2)

	line, err := f.svc.ReceivePartial(context.Background(), order.Lines[0].ID, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, line.QuantityReceived)
}

func TestReceiveUnknownLine(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.ReceivePartial(context.Background(), 77, 1, "", "")
	require.ErrorIs(t, err, ErrLineNotFound)
	_, err = f.svc.ListReceptions(context.Background(), 77)
	require.ErrorIs(t, err, ErrLineNotFound)
}

func TestListOrdersFiltersAndPaging(t *testing.T) {
	f := newServiceFixture(t)
	for i := 0; i < 3; i++ {
		f.createOrder(t, 1)
	}
	draft := f.createOrder(t)

	orders, total, err := f.svc.ListOrders(context.Background(), ListFilters{Status: string(OrderStatusPending), Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, orders, 2)

	orders, total, err = f.svc.ListOrders(context.Background(), ListFilters{Status: string(OrderStatusDraft)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, draft.ID, orders[0].ID)

	_, _, err = f.svc.ListOrders(context.Background(), ListFilters{Status: "archived"})
	require.ErrorIs(t, err, ErrValidation)
	_, _, err = f.svc.ListOrders(context.Background(), ListFilters{OrderType: "gift"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLaggingOrders(t *testing.T) {
	f := newServiceFixture(t)
	done := f.createOrder(t, 2)
	f.advance(t, done.ID, OrderStatusConfirmed, OrderStatusShipped)
	_, err := f.svc.ReceiveComplete(context.Background(), done.Lines[0].ID, "", "")
	require.NoError(t, err)

	untouched := f.createOrder(t, 2)
	f.advance(t, untouched.ID, OrderStatusConfirmed)

	closed := f.createOrder(t, 1)
	f.advance(t, closed.ID, OrderStatusConfirmed, OrderStatusShipped)
	_, err = f.svc.ReceiveComplete(context.Background(), closed.Lines[0].ID, "", "")
	require.NoError(t, err)
	f.advance(t, closed.ID, OrderStatusReceived)

	lagging, err := f.svc.LaggingOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, lagging, 1)
	assert.Equal(t, done.ID, lagging[0].ID)
	assert.Equal(t, OrderStatusShipped, lagging[0].Status)
	assert.Equal(t, OrderStatusReceived, lagging[0].VisualStatus)
}

func TestServiceKeepsWorkingWhenRedisIsDown(t *testing.T) {
	f := newServiceFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	locker := shared.NewFallbackLocker(
		shared.NewRedisLocker(client, time.Minute, 50*time.Millisecond),
		shared.NewLocalLocker(time.Second),
		nil,
	)
	f.svc = NewService(f.repo, locker, f.audit, ServiceConfig{Clock: func() time.Time { return f.now }})
	order := f.createOrder(t, 3)

	line, err := f.svc.ReceivePartial(context.Background(), order.Lines[0].ID, 2, "", "dock")
	require.NoError(t, err)
	assert.Equal(t, 2, line.QuantityReceived)

	confirmed, err := f.svc.TransitionStatus(context.Background(), order.ID, OrderStatusConfirmed, "buyer")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusConfirmed, confirmed.Status)
}
