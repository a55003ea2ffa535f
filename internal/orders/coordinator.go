package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTxTimeout = 5 * time.Second

	publishTimeout  = 300 * time.Millisecond
	rollbackTimeout = 2 * time.Second
)

// Recorder receives coordinator outcomes; the metrics package implements it.
type Recorder interface {
	ObservePlace(outcome string, d time.Duration)
	IncRetry()
	IncTransition(to Status)
	IncPublishFailure(event string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePlace(string, time.Duration) {}
func (nopRecorder) IncRetry()                          {}
func (nopRecorder) IncTransition(Status)               {}
func (nopRecorder) IncPublishFailure(string)           {}

// Coordinator is the only writer of stock and the only creator of orders.
type Coordinator struct {
	store     Store
	validator Validator
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	producer  string
	txTimeout time.Duration
	newID     func() string
	now       func() time.Time
}

type Option func(*Coordinator)

func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.publisher = p } }
func WithRecorder(r Recorder) Option   { return func(c *Coordinator) { c.recorder = r } }
func WithLogger(l *zap.Logger) Option  { return func(c *Coordinator) { c.logger = l } }

// WithTxTimeout bounds one transaction attempt, lock waits included.
func WithTxTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.txTimeout = d
		}
	}
}

// WithProducer names the service stamped on published envelopes.
func WithProducer(name string) Option { return func(c *Coordinator) { c.producer = name } }

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/ariefcatur/go-flavor-orders/internal/orders"),
		producer:  "order-api",
		txTimeout: DefaultTxTimeout,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type placeRequest struct {
	customerRef     string
	lines           []Line
	idempotencyKey  string
	deliveryAddress string
	phone           string
	notes           string
}

type PlaceOption func(*placeRequest)

// WithIdempotencyKey makes repeated submissions with the same key return the first order.
func WithIdempotencyKey(key string) PlaceOption {
	return func(r *placeRequest) { r.idempotencyKey = key }
}

func WithDelivery(address, phone, notes string) PlaceOption {
	return func(r *placeRequest) {
		r.deliveryAddress, r.phone, r.notes = address, phone, notes
	}
}

// PlaceOrder validates the cart against live stock, decrements it and records the order in
// one transaction. Cancelling ctx has effect only until the transaction is opened.
func (c *Coordinator) PlaceOrder(ctx context.Context, customerRef string, lines []Line, opts ...PlaceOption) (_ *Order, err error) {
	req := placeRequest{customerRef: customerRef, lines: lines}
	for _, o := range opts {
		o(&req)
	}

	ctx, span := c.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(
		attribute.String("order.customer_ref", customerRef),
		attribute.Int("order.lines", len(lines)),
	))
	logger := logging.FromContext(ctx, c.logger)
	start := time.Now()
	attempts := 0
	replayed := false
	var order *Order

	defer func() {
		outcome := placeOutcome(err)
		lat := time.Since(start)
		c.recorder.ObservePlace(outcome, lat)

		fields := []zap.Field{
			zap.String("customer_ref", customerRef),
			zap.String("outcome", outcome),
			zap.Int("attempts", attempts),
			zap.Float64("latency_seconds", lat.Seconds()),
		}
		if order != nil {
			fields = append(fields, zap.String("order_id", order.ID), zap.Bool("idempotent_replay", replayed))
			span.SetAttributes(attribute.String("order.id", order.ID))
		}
		if err != nil {
			fields = append(fields, zap.String("error_kind", string(KindOf(err))), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, outcome)
		}
		span.End()

		if outcome == "error" {
			logger.Error("place_order_done", fields...)
		} else {
			logger.Info("place_order_done", fields...)
		}
	}()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("orders: place order cancelled: %w", err)
	}

	if req.idempotencyKey != "" {
		existing, lookupErr := c.store.FindByIdempotencyKey(ctx, customerRef, req.idempotencyKey)
		switch {
		case lookupErr == nil:
			existing.Replayed = true
			order, replayed = existing, true
			return existing, nil
		case !errors.Is(lookupErr, ErrOrderNotFound):
			return nil, classify(lookupErr)
		}
	}

	// Past this point the transaction must run to commit or abort.
	base := context.WithoutCancel(ctx)
	for attempts = 1; ; attempts++ {
		order, err = c.placeOnce(base, req)
		if err == nil || attempts > 1 || !retryInternally(err) {
			break
		}
		c.recorder.IncRetry()
		logger.Warn("place_order_retry", zap.String("error_kind", string(KindOf(err))), zap.Error(err))
	}

	if errors.Is(err, ErrDuplicateOrder) {
		existing, lookupErr := c.store.FindByIdempotencyKey(base, customerRef, req.idempotencyKey)
		if lookupErr != nil {
			return nil, classify(lookupErr)
		}
		existing.Replayed = true
		order, replayed, err = existing, true, nil
		return existing, nil
	}
	if err != nil {
		order = nil
		return nil, err
	}

	c.publish(base, logger, EventOrderCreated, order.ID, createdPayload(order))
	return order, nil
}

func (c *Coordinator) placeOnce(parent context.Context, req placeRequest) (_ *Order, err error) {
	ctx, cancel := context.WithTimeout(parent, c.txTimeout)
	defer cancel()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		if err != nil {
			rbCtx, rbCancel := context.WithTimeout(parent, rollbackTimeout)
			_ = tx.Rollback(rbCtx)
			rbCancel()
		}
	}()

	snap, err := c.loadSnapshot(ctx, tx, req.lines)
	if err != nil {
		return nil, classify(err)
	}
	if err := c.validator.Validate(req.lines, snap); err != nil {
		return nil, err
	}
	for _, d := range demands(req.lines) {
		if err := DecrementStock(ctx, tx, d.key, d.qty); err != nil {
			return nil, classify(err)
		}
	}

	order := c.buildOrder(req, snap)
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return order, nil
}

// loadSnapshot reads product metadata, then locks every counter the cart can
// legitimately touch in a fixed order so concurrent checkouts never deadlock.
func (c *Coordinator) loadSnapshot(ctx context.Context, tx Tx, lines []Line) (Snapshot, error) {
	snap := Snapshot{
		Products: make(map[string]Product),
		Stock:    make(map[StockKey]int),
	}

	ids := make([]string, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			ids = append(ids, l.ProductID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		p, found, err := tx.Product(ctx, id)
		if err != nil {
			return Snapshot{}, err
		}
		if found {
			snap.Products[id] = p
		}
	}

	for _, d := range demands(lines) {
		p, ok := snap.Products[d.key.ProductID]
		if !ok || !p.Active {
			continue
		}
		if (d.key.Variant == "") == p.HasVariants() {
			continue
		}
		if d.key.Variant != "" && !hasVariant(p, d.key.Variant) {
			continue
		}
		stock, found, err := tx.LockStock(ctx, d.key)
		if err != nil {
			return Snapshot{}, err
		}
		if found {
			snap.Stock[d.key] = stock
		}
	}
	return snap, nil
}

func (c *Coordinator) buildOrder(req placeRequest, snap Snapshot) *Order {
	now := c.now()
	o := &Order{
		ID:              c.newID(),
		CustomerRef:     req.customerRef,
		Status:          StatusPending,
		DeliveryAddress: req.deliveryAddress,
		Phone:           req.phone,
		Notes:           req.notes,
		IdempotencyKey:  req.idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
		Lines:           make([]OrderLine, 0, len(req.lines)),
	}
	for _, l := range req.lines {
		price := l.UnitPrice
		if !l.HasPrice {
			price = snap.Products[l.ProductID].Price
		}
		o.Lines = append(o.Lines, OrderLine{
			ID:        c.newID(),
			OrderID:   o.ID,
			ProductID: l.ProductID,
			Variant:   l.Variant,
			Quantity:  l.Quantity,
			UnitPrice: price,
		})
	}
	o.TotalAmount = Total(o.Lines)
	return o
}

// AdvanceStatus moves an order along its lifecycle. The write only lands if the status is
// still the one read here.
func (c *Coordinator) AdvanceStatus(ctx context.Context, orderID string, to Status) (*Order, error) {
	if _, ok := ParseStatus(string(to)); !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	cur, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	updated, err := c.store.UpdateStatus(ctx, orderID, cur.Status, to)
	if err != nil {
		return nil, err
	}
	c.recorder.IncTransition(to)

	logger := logging.FromContext(ctx, c.logger)
	logger.Info("order_status_changed",
		zap.String("order_id", orderID),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	c.publish(ctx, logger, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID,
		From:    cur.Status,
		To:      to,
		At:      updated.UpdatedAt,
	})
	return updated, nil
}

// Restock adds amount to one stock counter.
func (c *Coordinator) Restock(ctx context.Context, key StockKey, amount int) (int, error) {
	stock, err := Restock(ctx, c.store, key, amount)
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx, c.logger).Info("stock_restocked",
		zap.String("stock_key", key.String()),
		zap.Int("amount", amount),
		zap.Int("stock", stock),
	)
	return stock, nil
}

func (c *Coordinator) publish(ctx context.Context, logger *zap.Logger, eventType, orderID string, payload any) {
	if c.publisher == nil {
		return
	}
	env, err := NewEnvelope(eventType, c.producer, orderID, payload)
	if err == nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			env.TraceID = sc.TraceID().String()
		}
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = c.publisher.Publish(pubCtx, env)
		cancel()
	}
	if err != nil {
		c.recorder.IncPublishFailure(eventType)
		logger.Warn("event_publish_failed",
			zap.String("event", eventType),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func checkRequest(req placeRequest) error {
	if req.customerRef == "" || len(req.lines) == 0 {
		return &Error{Kind: KindEmptyOrder, Line: -1}
	}
	for i, l := range req.lines {
		if e := checkShape(i, l); e != nil {
			return e
		}
	}
	return nil
}

// classify maps anything a store returns onto the error taxonomy.
func classify(err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrOrderNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return Concurrency(KindLockTimeout, err)
	default:
		return Persistence(err)
	}
}

// retryInternally limits the automatic retry to conflicts; a lock timeout has already
// waited its full budget.
func retryInternally(err error) bool {
	switch KindOf(err) {
	case KindSerializationConflict, KindStockUnderflow:
		return true
	}
	return false
}

func placeOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrConcurrency):
		return "conflict"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
