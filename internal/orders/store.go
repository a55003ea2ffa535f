package orders

import "context"

// Store is the transactional catalog + order record store. Implementations must give
// row-level isolation on stock counters: a counter locked through Tx.LockStock cannot be
// changed by any other transaction until this one commits or rolls back.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	FindByIdempotencyKey(ctx context.Context, customerRef, key string) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]Order, error)
	// UpdateStatus sets the status only while it still equals from, returning
	// ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Order, error)

	ListProducts(ctx context.Context) ([]Product, error)
	Restock(ctx context.Context, key StockKey, amount int) (int, error)
}

// Tx is a single atomic unit against the store. After Commit or Rollback it must not be used.
type Tx interface {
	// Product reads catalog metadata (including variant names) without locking.
	Product(ctx context.Context, id string) (Product, bool, error)
	// LockStock locks the counter addressed by key and returns its committed value.
	LockStock(ctx context.Context, key StockKey) (stock int, found bool, err error)
	// DecrementStock subtracts amount when the counter stays non-negative and reports
	// whether it did.
	DecrementStock(ctx context.Context, key StockKey, amount int) (bool, error)
	// InsertOrder writes the order row and all of its lines.
	InsertOrder(ctx context.Context, o *Order) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NotFound returns the lookup error for a missing stock row.
func NotFound(key StockKey) error {
	if key.Variant != "" {
		return newLineError(KindVariantNotFound, -1, key)
	}
	return newLineError(KindProductNotFound, -1, key)
}
