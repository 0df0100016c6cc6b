package procurement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-supply/internal/platform/db"
	"github.com/odyssey-erp/odyssey-supply/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs a repository. Row lock waits inside a transaction
// are bounded by lockTimeout.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertOrder(ctx context.Context, order *SupplierOrder) error
	InsertLine(ctx context.Context, line *SupplierOrderLine) error
	LockOrder(ctx context.Context, id int64) (SupplierOrder, error)
	ShareOrder(ctx context.Context, id int64) (SupplierOrder, error)
	LockLine(ctx context.Context, id int64) (SupplierOrderLine, error)
	UpdateOrder(ctx context.Context, order *SupplierOrder) error
	UpdateLine(ctx context.Context, line *SupplierOrderLine) error
	InsertReception(ctx context.Context, event ReceptionEvent) error
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction. Serialization
// failures, deadlocks and lock timeouts surface as ErrConcurrencyConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && db.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

const orderColumns = `id, display_id, order_type, status, supplier_id, destination_location_id, source_location_id,
	expected_delivery_date, notes, created_by, confirmed_at, shipped_at, received_at, cancelled_at,
	subtotal::text, discount_total::text, tax_total::text, total::text, currency_code, version, created_at, updated_at`

const lineColumns = `id, order_id, product_id, product_variant_id, product_title, product_thumbnail, supplier_sku,
	quantity_ordered, quantity_received, unit_price::text, tax_rate::text, discount_rate::text,
	subtotal::text, discount_total::text, tax_total::text, total_price::text, line_status, has_incident,
	incident_notes, incident_at, incident_by, received_at, received_by, reception_notes, position, version,
	created_at, updated_at`

// GetOrder returns the order header and its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM supplier_orders WHERE id = $1`, id))
	if err != nil {
		return SupplierOrder{}, err
	}
	order.Lines, err = queryLines(ctx, r.pool, `SELECT `+lineColumns+` FROM supplier_order_lines WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return SupplierOrder{}, err
	}
	return order, nil
}

// ListLines returns the lines of an order in display order.
func (r *Repository) ListLines(ctx context.Context, orderID int64) ([]SupplierOrderLine, error) {
	return queryLines(ctx, r.pool, `SELECT `+lineColumns+` FROM supplier_order_lines WHERE order_id = $1 ORDER BY position`, orderID)
}

// LineOrderID resolves the order owning a line.
func (r *Repository) LineOrderID(ctx context.Context, lineID int64) (int64, error) {
	var orderID int64
	if err := r.pool.QueryRow(ctx, `SELECT order_id FROM supplier_order_lines WHERE id = $1`, lineID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %d", ErrLineNotFound, lineID)
		}
		return 0, err
	}
	return orderID, nil
}

// ListReceptions returns the reception history of a line, oldest first.
func (r *Repository) ListReceptions(ctx context.Context, lineID int64) ([]ReceptionEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, line_id, order_id, quantity, notes, received_by, received_at
	FROM supplier_order_receptions WHERE line_id = $1 ORDER BY received_at, id`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []ReceptionEvent{}
	for rows.Next() {
		var evt ReceptionEvent
		if err := rows.Scan(&evt.ID, &evt.LineID, &evt.OrderID, &evt.Quantity, &evt.Notes, &evt.ReceivedBy, &evt.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ListOrders returns orders with their lines, filtered and paginated.
func (r *Repository) ListOrders(ctx context.Context, filters ListFilters) ([]SupplierOrder, int, error) {
	where, args := buildOrderFilters(filters)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM supplier_orders o WHERE 1=1`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT ` + orderColumns + ` FROM supplier_orders o WHERE 1=1` + where +
		` ORDER BY ` + sortOrderSupplierOrders(filters.SortBy, filters.SortDir) +
		` LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, filters.Limit, filters.Offset)

	rows, err := r.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SupplierOrder, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, 0, err
	}
	if len(orders) == 0 {
		return []SupplierOrder{}, total, nil
	}

	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
	}
	lines, err := queryLines(ctx, r.pool, `SELECT `+lineColumns+` FROM supplier_order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, line := range lines {
		i := index[line.OrderID]
		orders[i].Lines = append(orders[i].Lines, line)
	}
	return orders, total, nil
}

func buildOrderFilters(filters ListFilters) (string, []any) {
	var sb strings.Builder
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		sb.WriteString(` AND o.status = $` + itoa(len(args)))
	}
	if filters.OpenOnly {
		sb.WriteString(` AND o.status NOT IN ('received', 'cancelled')`)
	}
	if filters.SupplierID != "" {
		args = append(args, filters.SupplierID)
		sb.WriteString(` AND o.supplier_id = $` + itoa(len(args)))
	}
	if filters.OrderType != "" {
		args = append(args, filters.OrderType)
		sb.WriteString(` AND o.order_type = $` + itoa(len(args)))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		sb.WriteString(` AND (o.display_id ILIKE $` + itoa(len(args)) + ` OR o.notes ILIKE $` + itoa(len(args)) + `)`)
	}
	return sb.String(), args
}

// itoa converts int to string for dynamic query building.
func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

// sortOrderSupplierOrders returns a safe ORDER BY clause for order listings.
func sortOrderSupplierOrders(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "display_id":
		return "o.display_id " + dir
	case "supplier":
		return "o.supplier_id " + dir + ", o.id " + dir
	case "expected_delivery_date":
		return "o.expected_delivery_date " + dir + " NULLS LAST, o.id " + dir
	case "total":
		return "o.total " + dir + ", o.id " + dir
	case "status":
		return "o.status " + dir + ", o.id " + dir
	default:
		return "o.created_at DESC, o.id DESC"
	}
}

func (tx *txRepo) InsertOrder(ctx context.Context, order *SupplierOrder) error {
	return tx.tx.QueryRow(ctx, `INSERT INTO supplier_orders (display_id, order_type, status, supplier_id,
		destination_location_id, source_location_id, expected_delivery_date, notes, created_by,
		subtotal, discount_total, tax_total, total, currency_code, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::text::numeric, $11::text::numeric, $12::text::numeric, $13::text::numeric, $14, $15, $16)
	RETURNING id, version`,
		order.DisplayID, string(order.OrderType), string(order.Status), order.SupplierID,
		order.DestinationLocationID, order.SourceLocationID, order.ExpectedDeliveryDate, order.Notes, order.CreatedBy,
		order.Subtotal.String(), order.DiscountTotal.String(), order.TaxTotal.String(), order.Total.String(),
		order.CurrencyCode, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID, &order.Version)
}

func (tx *txRepo) InsertLine(ctx context.Context, line *SupplierOrderLine) error {
	return tx.tx.QueryRow(ctx, `INSERT INTO supplier_order_lines (order_id, product_id, product_variant_id,
		product_title, product_thumbnail, supplier_sku, quantity_ordered, quantity_received,
		unit_price, tax_rate, discount_rate, subtotal, discount_total, tax_total, total_price,
		line_status, position, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric, $11::text::numeric,
		$12::text::numeric, $13::text::numeric, $14::text::numeric, $15::text::numeric, $16, $17, $18, $19)
	RETURNING id, version`,
		line.OrderID, line.ProductID, line.ProductVariantID,
		line.ProductTitle, line.ProductThumbnail, line.SupplierSKU, line.QuantityOrdered, line.QuantityReceived,
		line.UnitPrice.String(), line.TaxRate.String(), line.DiscountRate.String(),
		line.Subtotal.String(), line.DiscountTotal.String(), line.TaxTotal.String(), line.TotalPrice.String(),
		string(line.LineStatus), line.Position, line.CreatedAt, line.UpdatedAt,
	).Scan(&line.ID, &line.Version)
}

func (tx *txRepo) LockOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	order, err := scanOrder(tx.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM supplier_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return SupplierOrder{}, err
	}
	order.Lines, err = queryLines(ctx, tx.tx, `SELECT `+lineColumns+` FROM supplier_order_lines WHERE order_id = $1 ORDER BY position FOR UPDATE`, id)
	if err != nil {
		return SupplierOrder{}, err
	}
	return order, nil
}

func (tx *txRepo) ShareOrder(ctx context.Context, id int64) (SupplierOrder, error) {
	return scanOrder(tx.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM supplier_orders WHERE id = $1 FOR SHARE`, id))
}

func (tx *txRepo) LockLine(ctx context.Context, id int64) (SupplierOrderLine, error) {
	lines, err := queryLines(ctx, tx.tx, `SELECT `+lineColumns+` FROM supplier_order_lines WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return SupplierOrderLine{}, err
	}
	if len(lines) == 0 {
		return SupplierOrderLine{}, fmt.Errorf("%w: %d", ErrLineNotFound, id)
	}
	return lines[0], nil
}

func (tx *txRepo) UpdateOrder(ctx context.Context, order *SupplierOrder) error {
	err := tx.tx.QueryRow(ctx, `UPDATE supplier_orders SET status = $2, confirmed_at = $3, shipped_at = $4,
		received_at = $5, cancelled_at = $6, subtotal = $7::text::numeric, discount_total = $8::text::numeric,
		tax_total = $9::text::numeric, total = $10::text::numeric, updated_at = $11, version = version + 1
	WHERE id = $1 AND version = $12
	RETURNING version`,
		order.ID, string(order.Status), order.ConfirmedAt, order.ShippedAt,
		order.ReceivedAt, order.CancelledAt, order.Subtotal.String(), order.DiscountTotal.String(),
		order.TaxTotal.String(), order.Total.String(), order.UpdatedAt, order.Version,
	).Scan(&order.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: order %d version %d", ErrConcurrencyConflict, order.ID, order.Version)
	}
	return err
}

func (tx *txRepo) UpdateLine(ctx context.Context, line *SupplierOrderLine) error {
	err := tx.tx.QueryRow(ctx, `UPDATE supplier_order_lines SET quantity_received = $2, line_status = $3,
		has_incident = $4, incident_notes = $5, incident_at = $6, incident_by = $7, received_at = $8,
		received_by = $9, reception_notes = $10, subtotal = $11::text::numeric, discount_total = $12::text::numeric,
		tax_total = $13::text::numeric, total_price = $14::text::numeric, updated_at = $15, version = version + 1
	WHERE id = $1 AND version = $16
	RETURNING version`,
		line.ID, line.QuantityReceived, string(line.LineStatus),
		line.HasIncident, line.IncidentNotes, line.IncidentAt, line.IncidentBy, line.ReceivedAt,
		line.ReceivedBy, line.ReceptionNotes, line.Subtotal.String(), line.DiscountTotal.String(),
		line.TaxTotal.String(), line.TotalPrice.String(), line.UpdatedAt, line.Version,
	).Scan(&line.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: line %d version %d", ErrConcurrencyConflict, line.ID, line.Version)
	}
	return err
}

func (tx *txRepo) InsertReception(ctx context.Context, event ReceptionEvent) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO supplier_order_receptions (id, line_id, order_id, quantity, notes, received_by, received_at)
	VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.LineID, event.OrderID, event.Quantity, event.Notes, event.ReceivedBy, event.ReceivedAt)
	return err
}

// ClaimIdempotencyKey records the key in the running transaction; a duplicate
// yields shared.ErrIdempotencyConflict.
func (tx *txRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimKey(ctx, tx.tx, key, module, time.Now().UTC())
}

func scanOrder(row pgx.Row) (SupplierOrder, error) {
	var (
		order                          SupplierOrder
		orderType, status              string
		subtotal, discount, tax, total string
	)
	err := row.Scan(&order.ID, &order.DisplayID, &orderType, &status, &order.SupplierID,
		&order.DestinationLocationID, &order.SourceLocationID, &order.ExpectedDeliveryDate, &order.Notes,
		&order.CreatedBy, &order.ConfirmedAt, &order.ShippedAt, &order.ReceivedAt, &order.CancelledAt,
		&subtotal, &discount, &tax, &total, &order.CurrencyCode, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SupplierOrder{}, ErrOrderNotFound
		}
		return SupplierOrder{}, err
	}
	order.OrderType = OrderType(orderType)
	order.Status = OrderStatus(status)
	amounts, err := parseDecimals(subtotal, discount, tax, total)
	if err != nil {
		return SupplierOrder{}, err
	}
	order.Subtotal, order.DiscountTotal, order.TaxTotal, order.Total = amounts[0], amounts[1], amounts[2], amounts[3]
	order.CurrencyCode = strings.TrimSpace(order.CurrencyCode)
	return order, nil
}

func queryLines(ctx context.Context, q querier, sql string, args ...any) ([]SupplierOrderLine, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []SupplierOrderLine{}
	for rows.Next() {
		var (
			line                                          SupplierOrderLine
			status                                        string
			unitPrice, taxRate, discountRate              string
			subtotal, discountTotal, taxTotal, totalPrice string
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ProductVariantID, &line.ProductTitle,
			&line.ProductThumbnail, &line.SupplierSKU, &line.QuantityOrdered, &line.QuantityReceived,
			&unitPrice, &taxRate, &discountRate, &subtotal, &discountTotal, &taxTotal, &totalPrice,
			&status, &line.HasIncident, &line.IncidentNotes, &line.IncidentAt, &line.IncidentBy,
			&line.ReceivedAt, &line.ReceivedBy, &line.ReceptionNotes, &line.Position, &line.Version,
			&line.CreatedAt, &line.UpdatedAt); err != nil {
			return nil, err
		}
		amounts, err := parseDecimals(unitPrice, taxRate, discountRate, subtotal, discountTotal, taxTotal, totalPrice)
		if err != nil {
			return nil, err
		}
		line.UnitPrice, line.TaxRate, line.DiscountRate = amounts[0], amounts[1], amounts[2]
		line.Subtotal, line.DiscountTotal, line.TaxTotal, line.TotalPrice = amounts[3], amounts[4], amounts[5], amounts[6]
		line.LineStatus = LineStatus(status)
		line.QuantityPending = PendingQuantity(line)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("procurement: parse numeric %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}
