package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/memory"
	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/ariefcatur/go-flavor-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu     sync.Mutex
	idem   map[string]string
	status map[string]redisx.StatusEntry
}

func newMapCache() *mapCache {
	return &mapCache{idem: map[string]string{}, status: map[string]redisx.StatusEntry{}}
}

func (c *mapCache) LookupIdempotency(_ context.Context, customerRef, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.idem[redisx.IdempotencyKey(customerRef, key)]
	return id, ok, nil
}

func (c *mapCache) RememberIdempotency(_ context.Context, customerRef, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := redisx.IdempotencyKey(customerRef, key)
	if _, ok := c.idem[k]; !ok {
		c.idem[k] = orderID
	}
	return nil
}

func (c *mapCache) PutStatus(_ context.Context, e redisx.StatusEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[e.OrderID] = e
	return nil
}

func (c *mapCache) GetStatus(_ context.Context, orderID string) (redisx.StatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.status[orderID]
	return e, ok, nil
}

type fixture struct {
	router *chi.Mux
	store  *memory.Store
	cache  *mapCache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := memory.New()
	s.AddProduct(orders.Product{
		ID: "7", Name: "Es Buah", Price: decimal.RequireFromString("12.50"), Active: true,
		Variants: []orders.Variant{{ProductID: "7", Name: "Mango Ice", Stock: 5}},
	})
	s.AddProduct(orders.Product{ID: "cone", Name: "Cone", Price: decimal.NewFromInt(3), Stock: 10, Active: true})

	c := orders.NewCoordinator(s)
	cache := newMapCache()
	r := NewRouter(nil, prometheus.NewRegistry())
	(&OrdersHandler{Orders: c, Store: s, Cache: cache, Backoff: orders.Backoff{Attempts: 2, Base: time.Millisecond}}).Register(r)
	(&ProductsHandler{Orders: c, Store: s}).Register(r)
	return fixture{router: r, store: s, cache: cache}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateOrderAcceptsLooseShapes(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/orders", `{
		"user_id": 42,
		"delivery_address": "Jl. Merdeka 1",
		"items": [
			{"product_id": 7, "flavor": {"name": "Mango Ice"}, "quantity": 2},
			{"product_id": "cone", "qty": 1, "price": "2.00"}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[createOrderResp](t, rec)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "27.00", resp.TotalAmount)
	assert.False(t, resp.Idempotent)

	o, err := f.store.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "42", o.CustomerRef)
	assert.Equal(t, "Mango Ice", o.Lines[0].Variant)
	assert.Equal(t, "pending", f.cache.status[o.ID].Status)
}

func TestCreateOrderErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"malformed json", `{"items": [`, http.StatusBadRequest, "BadRequest"},
		{"variant array", `{"customer_ref":"c","items":[{"product_id":"7","variant":["x"],"quantity":1}]}`, http.StatusBadRequest, "BadRequest"},
		{"conflicting variants", `{"customer_ref":"c","items":[{"product_id":"7","variant":"A","flavor_name":"B","quantity":1}]}`, http.StatusBadRequest, "BadRequest"},
		{"missing quantity", `{"customer_ref":"c","items":[{"product_id":"cone"}]}`, http.StatusBadRequest, "BadRequest"},
		{"empty cart", `{"customer_ref":"c","items":[]}`, http.StatusUnprocessableEntity, "EmptyOrder"},
		{"zero quantity", `{"customer_ref":"c","items":[{"product_id":"cone","quantity":0}]}`, http.StatusUnprocessableEntity, "InvalidQuantity"},
		{"requires variant", `{"customer_ref":"c","items":[{"product_id":"7","quantity":1}]}`, http.StatusUnprocessableEntity, "ProductRequiresVariant"},
		{"unknown product", `{"customer_ref":"c","items":[{"product_id":"99","quantity":1}]}`, http.StatusUnprocessableEntity, "ProductNotFound"},
		{"insufficient stock", `{"customer_ref":"c","items":[{"product_id":"7","variant":"Mango Ice","quantity":6}]}`, http.StatusConflict, "InsufficientStock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/orders", tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[errorResp](t, rec).Error)
		})
	}
}

func TestCreateOrderInsufficientStockDetails(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"c","items":[{"product_id":"cone","quantity":1},{"product_id":"7","variant":"Mango Ice","quantity":6}]}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	resp := decode[errorResp](t, rec)
	require.NotNil(t, resp.Line)
	assert.Equal(t, 1, *resp.Line)
	assert.Equal(t, 6, resp.Requested)
	require.NotNil(t, resp.Available)
	assert.Equal(t, 5, *resp.Available)
	assert.Equal(t, "Mango Ice", resp.Variant)
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	body := `{"customer_ref":"c","idempotency_key":"k-1","items":[{"product_id":"7","variant":"Mango Ice","quantity":2}]}`

	first := f.do(t, http.MethodPost, "/orders", body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, http.MethodPost, "/orders", body)
	require.Equal(t, http.StatusOK, second.Code)

	a, b := decode[createOrderResp](t, first), decode[createOrderResp](t, second)
	assert.Equal(t, a.OrderID, b.OrderID)
	assert.True(t, b.Idempotent)

	stock, _ := f.store.Stock(orders.StockKey{ProductID: "7", Variant: "Mango Ice"})
	assert.Equal(t, 3, stock)

	// Without the cache the store-level key still dedups.
	f.cache.idem = map[string]string{}
	third := f.do(t, http.MethodPost, "/orders", body)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, a.OrderID, decode[createOrderResp](t, third).OrderID)
}

func TestIdempotencyKeysAreScopedPerCustomer(t *testing.T) {
	f := newFixture(t)
	first := f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"alice:x","idempotency_key":"k","items":[{"product_id":"cone","quantity":2}]}`)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"alice","idempotency_key":"x:k","items":[{"product_id":"cone","quantity":5}]}`)
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	a, b := decode[createOrderResp](t, first), decode[createOrderResp](t, second)
	assert.NotEqual(t, a.OrderID, b.OrderID)
	assert.False(t, b.Idempotent)
	assert.Equal(t, "15.00", b.TotalAmount)

	stock, _ := f.store.Stock(orders.StockKey{ProductID: "cone"})
	assert.Equal(t, 3, stock)
}

func TestCachedReplayIgnoresOtherCustomersOrder(t *testing.T) {
	f := newFixture(t)
	alice := decode[createOrderResp](t, f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"alice","idempotency_key":"k","items":[{"product_id":"cone","quantity":1}]}`))

	// A stale or foreign entry under bob's key must not hand him alice's order.
	f.cache.idem[redisx.IdempotencyKey("bob", "k")] = alice.OrderID

	rec := f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"bob","idempotency_key":"k","items":[{"product_id":"cone","quantity":4}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bob := decode[createOrderResp](t, rec)
	assert.NotEqual(t, alice.OrderID, bob.OrderID)
	assert.Equal(t, "12.00", bob.TotalAmount)

	o, err := f.store.GetOrder(context.Background(), bob.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "bob", o.CustomerRef)
}

func TestGetAndListOrders(t *testing.T) {
	f := newFixture(t)
	created := decode[createOrderResp](t, f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"c1","items":[{"product_id":"cone","quantity":2}]}`))
	f.do(t, http.MethodPost, "/orders", `{"customer_ref":"c2","items":[{"product_id":"cone","quantity":1}]}`)

	rec := f.do(t, http.MethodGet, "/orders/"+created.OrderID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	o := decode[orderResp](t, rec)
	assert.Equal(t, "c1", o.CustomerRef)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "6.00", o.Items[0].Subtotal)

	rec = f.do(t, http.MethodGet, "/orders?customer_ref=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orderResp](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/orders?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrderStatusEndpoints(t *testing.T) {
	f := newFixture(t)
	created := decode[createOrderResp](t, f.do(t, http.MethodPost, "/orders",
		`{"customer_ref":"c1","items":[{"product_id":"cone","quantity":1}]}`))
	path := "/orders/" + created.OrderID + "/status"

	rec := f.do(t, http.MethodPut, path, `{"status":"processing"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", decode[orderResp](t, rec).Status)

	rec = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processing", decode[redisx.StatusEntry](t, rec).Status)

	rec = f.do(t, http.MethodPut, path, `{"status":"pending"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = f.do(t, http.MethodPut, path, `{"status":"shipped"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/orders/missing/status", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Cache miss falls back to the store.
	delete(f.cache.status, created.OrderID)
	rec = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processing", decode[redisx.StatusEntry](t, rec).Status)
}

func TestProductsAndRestock(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/products/7/restock", `{"variant":{"name":"Mango Ice"},"amount":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 15, decode[restockResp](t, rec).Stock)

	rec = f.do(t, http.MethodPost, "/products/7/restock", `{"variant":"Durian","amount":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/products/cone/restock", `{"amount":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ps := decode[[]productResp](t, rec)
	require.Len(t, ps, 2)
	assert.Equal(t, "12.50", ps[0].Price)
	require.Len(t, ps[0].Variants, 1)
	assert.Equal(t, 15, ps[0].Variants[0].Stock)
}

func TestConcurrencyErrorsAreRetryable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, orders.Concurrency(orders.KindLockTimeout, context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeError(rec, orders.Persistence(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "canceled")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)
}
