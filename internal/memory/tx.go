package memory

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
)

var errTxDone = errors.New("memory: transaction already closed")

// tx buffers stock deltas and new orders; nothing is visible to others until Commit.
type tx struct {
	s      *Store
	held   map[orders.StockKey]chan struct{}
	deltas map[orders.StockKey]int
	orders []*orders.Order
	done   bool
}

func (t *tx) Product(ctx context.Context, id string) (orders.Product, bool, error) {
	if t.done {
		return orders.Product{}, false, errTxDone
	}
	if err := ctx.Err(); err != nil {
		return orders.Product{}, false, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.products[id]
	if !ok {
		return orders.Product{}, false, nil
	}
	return *cloneProduct(p), true, nil
}

func (t *tx) LockStock(ctx context.Context, key orders.StockKey) (int, bool, error) {
	if t.done {
		return 0, false, errTxDone
	}
	if found, err := t.lock(ctx, key); err != nil || !found {
		return 0, false, err
	}
	stock, ok := t.s.Stock(key)
	if !ok {
		return 0, false, nil
	}
	return stock + t.deltas[key], true, nil
}

func (t *tx) DecrementStock(ctx context.Context, key orders.StockKey, amount int) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	found, err := t.lock(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, orders.NotFound(key)
	}
	stock, _ := t.s.Stock(key)
	if stock+t.deltas[key] < amount {
		return false, nil
	}
	t.deltas[key] -= amount
	return true, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *orders.Order) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.IdempotencyKey != "" {
		if _, err := t.s.FindByIdempotencyKey(ctx, o.CustomerRef, o.IdempotencyKey); err == nil {
			return orders.ErrDuplicateOrder
		}
	}
	t.orders = append(t.orders, o.Clone())
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	defer t.finish()
	if err := ctx.Err(); err != nil {
		return err
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range t.orders {
		if _, exists := s.orders[o.ID]; exists {
			return orders.ErrDuplicateOrder
		}
		if o.IdempotencyKey != "" {
			if _, exists := s.idempotency[idemKey(o.CustomerRef, o.IdempotencyKey)]; exists {
				return orders.ErrDuplicateOrder
			}
		}
	}
	for key, d := range t.deltas {
		if stock, _ := s.stockLocked(key); stock+d < 0 {
			return orders.Underflow(key, -d)
		}
	}

	for key, d := range t.deltas {
		s.addLocked(key, d)
	}
	for _, o := range t.orders {
		s.orders[o.ID] = o
		if o.IdempotencyKey != "" {
			s.idempotency[idemKey(o.CustomerRef, o.IdempotencyKey)] = o.ID
		}
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// lock takes the row lock of key for the rest of the transaction and reports whether the
// counter exists.
func (t *tx) lock(ctx context.Context, key orders.StockKey) (bool, error) {
	if _, ok := t.held[key]; ok {
		return true, nil
	}
	l, ok := t.s.lockFor(key)
	if !ok {
		return false, nil
	}
	if err := acquire(ctx, l); err != nil {
		return false, err
	}
	t.held[key] = l
	return true, nil
}

func (t *tx) finish() {
	t.done = true
	for key, l := range t.held {
		release(l)
		delete(t.held, key)
	}
	t.deltas = nil
	t.orders = nil
}
