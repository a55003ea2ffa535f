// Package memory is an in-process orders.Store. Each stock counter has its own lock,
// acquired for the lifetime of the transaction, and writes are buffered until commit,
// so it gives the same isolation as row locks in a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
)

type Store struct {
	mu          sync.RWMutex
	products    map[string]*orders.Product
	orders      map[string]*orders.Order
	idempotency map[string]string
	locks       map[orders.StockKey]chan struct{}
}

func New() *Store {
	return &Store{
		products:    make(map[string]*orders.Product),
		orders:      make(map[string]*orders.Order),
		idempotency: make(map[string]string),
		locks:       make(map[orders.StockKey]chan struct{}),
	}
}

// AddProduct inserts or replaces a catalog entry.
func (s *Store) AddProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = cloneProduct(&p)
}

// Stock returns the committed value of a counter.
func (s *Store) Stock(key orders.StockKey) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stockLocked(key)
}

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		s:      s,
		held:   make(map[orders.StockKey]chan struct{}),
		deltas: make(map[orders.StockKey]int),
	}, nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, customerRef, key string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idempotency[idemKey(customerRef, key)]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *Store) ListOrders(_ context.Context, f orders.ListFilter) ([]orders.Order, error) {
	s.mu.RLock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if f.CustomerRef != "" && o.CustomerRef != f.CustomerRef {
			continue
		}
		out = append(out, *o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to orders.Status) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, orders.ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.mu.RLock()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *cloneProduct(p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restock waits for the counter's row lock so it never interleaves with a checkout.
func (s *Store) Restock(ctx context.Context, key orders.StockKey, amount int) (int, error) {
	lock, ok := s.lockFor(key)
	if !ok {
		return 0, orders.NotFound(key)
	}
	if err := acquire(ctx, lock); err != nil {
		return 0, err
	}
	defer release(lock)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stockLocked(key); !ok {
		return 0, orders.NotFound(key)
	}
	return s.addLocked(key, amount), nil
}

// lockFor returns the row lock of an existing counter. Missing counters get no lock, so
// requests naming unknown variants cannot grow the lock table.
func (s *Store) lockFor(key orders.StockKey) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stockLocked(key); !ok {
		return nil, false
	}
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch, true
}

// stockLocked reads a committed counter. Caller must hold s.mu.
func (s *Store) stockLocked(key orders.StockKey) (int, bool) {
	p, ok := s.products[key.ProductID]
	if !ok {
		return 0, false
	}
	if key.Variant == "" {
		return p.Stock, true
	}
	for _, v := range p.Variants {
		if v.Name == key.Variant {
			return v.Stock, true
		}
	}
	return 0, false
}

// addLocked applies delta to an existing counter. Caller must hold s.mu for writing.
func (s *Store) addLocked(key orders.StockKey, delta int) int {
	p := s.products[key.ProductID]
	if key.Variant == "" {
		p.Stock += delta
		return p.Stock
	}
	for i := range p.Variants {
		if p.Variants[i].Name == key.Variant {
			p.Variants[i].Stock += delta
			return p.Variants[i].Stock
		}
	}
	return 0
}

func acquire(ctx context.Context, lock chan struct{}) error {
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return orders.Concurrency(orders.KindLockTimeout, ctx.Err())
	}
}

func release(lock chan struct{}) { <-lock }

func idemKey(customerRef, key string) string { return customerRef + "\x00" + key }

func cloneProduct(p *orders.Product) *orders.Product {
	c := *p
	c.Variants = append([]orders.Variant(nil), p.Variants...)
	return &c
}
