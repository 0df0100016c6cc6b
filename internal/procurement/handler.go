package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-supply/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-supply/internal/shared"
)

// IdempotencyHeader lets clients make reception requests safe to retry.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages supplier order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers supplier order routes under /suppliers.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{supplierId}/orders", h.createSupplierOrder)
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.listOrders)
		r.Post("/", h.createOrder)
		r.Get("/{orderId}", h.getOrder)
		r.Get("/{orderId}/lines", h.listLines)
		r.Post("/{orderId}/lines", h.addLine)
		r.Patch("/{orderId}/status", h.updateStatus)
		r.Get("/{orderId}/valid-statuses", h.validStatuses)
		r.Post("/lines/{lineId}/receive", h.receiveLine)
		r.Patch("/lines/{lineId}/incident", h.toggleIncident)
		r.Get("/lines/{lineId}/receptions", h.listReceptions)
	})
}

func (h *Handler) createSupplierOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OrderType = string(OrderTypeSupplier)
	req.SupplierID = chi.URLParam(r, "supplierId")
	h.create(w, r, req)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.create(w, r, req)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, req createOrderRequest) {
	input, err := req.toInput()
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/suppliers/orders/%d", order.ID))
	httpx.JSON(w, http.StatusCreated, NewOrderView(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	filters := ListFilters{
		Status:     query.Get("status"),
		SupplierID: query.Get("supplier_id"),
		OrderType:  query.Get("order_type"),
		Search:     query.Get("search"),
		SortBy:     query.Get("sort"),
		SortDir:    query.Get("dir"),
		Limit:      limit,
		Offset:     offset,
	}
	orders, total, err := h.service.ListOrders(r.Context(), filters)
	if err != nil {
		h.writeError(w, r, "list orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"orders":     orders,
		"pagination": shared.NewPagination(limit, offset, total),
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderId")
	if !ok {
		return
	}
	result, err, _ := singleflightRead(r.Context(), fmt.Sprintf("order:%d", orderID), func(ctx context.Context) (interface{}, error) {
		return h.service.GetOrder(ctx, orderID)
	})
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listLines(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderId")
	if !ok {
		return
	}
	lines, err := h.service.ListLines(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, "list lines", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderId")
	if !ok {
		return
	}
	var req lineRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.AddLine(r.Context(), orderID, req.toInput())
	if err != nil {
		h.writeError(w, r, "add line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderId")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.TransitionStatus(r.Context(), orderID, OrderStatus(req.Status), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, "update status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewOrderView(order))
}

func (h *Handler) validStatuses(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderId")
	if !ok {
		return
	}
	statuses, err := h.service.ValidStatuses(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, "valid statuses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"validNextStatuses": statuses})
}

func (h *Handler) receiveLine(w http.ResponseWriter, r *http.Request) {
	lineID, ok := h.pathID(w, r, "lineId")
	if !ok {
		return
	}
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.ReceiveLine(r.Context(), ReceiveInput{
		LineID:         lineID,
		Quantity:       req.QuantityReceived,
		Notes:          req.ReceptionNotes,
		ReceivedBy:     req.ReceivedBy,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeError(w, r, "receive line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) toggleIncident(w http.ResponseWriter, r *http.Request) {
	lineID, ok := h.pathID(w, r, "lineId")
	if !ok {
		return
	}
	var req incidentRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.ToggleIncident(r.Context(), IncidentInput{
		LineID: lineID,
		Active: *req.HasIncident,
		Notes:  req.IncidentNotes,
		UserID: req.UserID,
	})
	if err != nil {
		h.writeError(w, r, "toggle incident", err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) listReceptions(w http.ResponseWriter, r *http.Request) {
	lineID, ok := h.pathID(w, r, "lineId")
	if !ok {
		return
	}
	events, err := h.service.ListReceptions(r.Context(), lineID)
	if err != nil {
		h.writeError(w, r, "list receptions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receptions": events})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		h.writeError(w, r, "validate request", validationError(err))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid %s", httpx.ErrBadRequest, name))
		return 0, false
	}
	return id, true
}

type problemMapping struct {
	status int
	title  string
}

var problemByKind = map[string]problemMapping{
	"order_not_found":      {http.StatusNotFound, "Order Not Found"},
	"line_not_found":       {http.StatusNotFound, "Line Not Found"},
	"invalid_transition":   {http.StatusConflict, "Invalid Transition"},
	"order_cancelled":      {http.StatusConflict, "Order Cancelled"},
	"concurrency_conflict": {http.StatusConflict, "Concurrent Modification"},
	"duplicate_request":    {http.StatusConflict, "Duplicate Request"},
	"invalid_quantity":     {http.StatusUnprocessableEntity, "Invalid Quantity"},
	"validation_error":     {http.StatusUnprocessableEntity, "Validation Failed"},
	"nothing_pending":      {http.StatusUnprocessableEntity, "Nothing Pending"},
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	kind := ErrorKind(err)
	mapping, ok := problemByKind[kind]
	if !ok {
		if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			httpx.Problem(w, http.StatusServiceUnavailable, "Request Cancelled", "")
			return
		}
		h.logger.Error(action, slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.TypedProblem(w, http.StatusInternalServerError, "internal", "Internal Error", "")
		return
	}
	if mapping.status == http.StatusConflict {
		h.logger.Warn(action, slog.Any("error", err), slog.String("kind", kind))
	}
	httpx.TypedProblem(w, mapping.status, kind, mapping.title, err.Error())
}
