package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/logging"
	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/ariefcatur/go-flavor-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

// OrderService is the write side; *orders.Coordinator implements it.
type OrderService interface {
	orders.Placer
	AdvanceStatus(ctx context.Context, orderID string, to orders.Status) (*orders.Order, error)
	Restock(ctx context.Context, key orders.StockKey, amount int) (int, error)
}

// Cache is the Redis fast path. Every method is best-effort: failures are logged and the
// handler falls back to the store.
type Cache interface {
	LookupIdempotency(ctx context.Context, customerRef, key string) (string, bool, error)
	RememberIdempotency(ctx context.Context, customerRef, key, orderID string) error
	PutStatus(ctx context.Context, e redisx.StatusEntry) error
	GetStatus(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
}

type OrdersHandler struct {
	Orders  OrderService
	Store   orders.Store
	Cache   Cache
	Backoff orders.Backoff
	Log     *zap.Logger
}

type createOrderResp struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	TotalAmount string `json:"total_amount"`
	Idempotent  bool   `json:"idempotent"`
}

type orderLineResp struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

type orderResp struct {
	ID              string          `json:"id"`
	CustomerRef     string          `json:"customer_ref"`
	Status          string          `json:"status"`
	TotalAmount     string          `json:"total_amount"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []orderLineResp `json:"items"`
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Put("/orders/{id}/status", h.updateStatus)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeBadRequest(w, "invalid json: "+err.Error())
		return
	}
	lines, err := req.lines()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	log := logging.FromContext(ctx, h.Log)
	customer := req.customer()

	if req.IdempotencyKey != "" && h.Cache != nil {
		if o := h.cachedReplay(ctx, log, customer, req.IdempotencyKey); o != nil {
			writeJSON(w, http.StatusOK, createOrderResp{
				OrderID: o.ID, Status: string(o.Status), TotalAmount: o.TotalAmount.StringFixed(2), Idempotent: true,
			})
			return
		}
	}

	opts := []orders.PlaceOption{orders.WithDelivery(req.DeliveryAddress, req.Phone, req.Notes)}
	if req.IdempotencyKey != "" {
		opts = append(opts, orders.WithIdempotencyKey(req.IdempotencyKey))
	}
	o, err := orders.PlaceWithRetry(ctx, h.Orders, h.Backoff, customer, lines, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Cache != nil {
		if req.IdempotencyKey != "" {
			if err := h.Cache.RememberIdempotency(ctx, customer, req.IdempotencyKey, o.ID); err != nil {
				log.Warn("cache_idempotency_failed", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
		h.cacheStatus(ctx, log, o)
	}

	code := http.StatusCreated
	if o.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, createOrderResp{
		OrderID:     o.ID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount.StringFixed(2),
		Idempotent:  o.Replayed,
	})
}

// cachedReplay resolves a repeated idempotency key through Redis; the store stays the
// source of truth for the order itself.
func (h *OrdersHandler) cachedReplay(ctx context.Context, log *zap.Logger, customer, key string) *orders.Order {
	id, ok, err := h.Cache.LookupIdempotency(ctx, customer, key)
	if err != nil {
		log.Warn("cache_idempotency_lookup_failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	o, err := h.Store.GetOrder(ctx, id)
	if err != nil {
		log.Warn("cached_order_missing", zap.String("order_id", id), zap.Error(err))
		return nil
	}
	if o.CustomerRef != customer {
		log.Warn("cached_order_customer_mismatch", zap.String("order_id", id))
		return nil
	}
	return o
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx, h.Log)
	id := chi.URLParam(r, "id")

	if h.Cache != nil {
		e, ok, err := h.Cache.GetStatus(ctx, id)
		if err != nil {
			log.Warn("cache_status_lookup_failed", zap.String("order_id", id), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}

	o, err := h.Store.GetOrder(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		h.cacheStatus(ctx, log, o)
	}
	writeJSON(w, http.StatusOK, redisx.StatusEntry{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.Store.ListOrders(r.Context(), orders.ListFilter{
		CustomerRef: r.URL.Query().Get("customer_ref"),
		Limit:       limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderResp, 0, len(list))
	for i := range list {
		out = append(out, toOrderResp(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeBadRequest(w, "invalid json: "+err.Error())
		return
	}
	to, ok := orders.ParseStatus(req.Status)
	if !ok {
		writeBadRequest(w, "unknown status "+strconv.Quote(req.Status))
		return
	}

	ctx := r.Context()
	o, err := h.Orders.AdvanceStatus(ctx, chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		h.cacheStatus(ctx, logging.FromContext(ctx, h.Log), o)
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, log *zap.Logger, o *orders.Order) {
	err := h.Cache.PutStatus(ctx, redisx.StatusEntry{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("cache_status_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func toOrderResp(o *orders.Order) orderResp {
	items := make([]orderLineResp, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, orderLineResp{
			ID:        l.ID,
			ProductID: l.ProductID,
			Variant:   l.Variant,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			Subtotal:  l.Subtotal().StringFixed(2),
		})
	}
	return orderResp{
		ID:              o.ID,
		CustomerRef:     o.CustomerRef,
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount.StringFixed(2),
		DeliveryAddress: o.DeliveryAddress,
		Phone:           o.Phone,
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		Items:           items,
	}
}
