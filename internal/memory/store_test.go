package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seeded() *Store {
	s := New()
	s.AddProduct(orders.Product{ID: "p1", Name: "Plain", Price: decimal.NewFromInt(10), Stock: 5, Active: true})
	s.AddProduct(orders.Product{
		ID: "p2", Name: "Ice", Price: decimal.NewFromInt(15), Active: true,
		Variants: []orders.Variant{{ProductID: "p2", Name: "Mango", Stock: 3}},
	})
	return s
}

func TestTxCommitAppliesDecrements(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	key := orders.StockKey{ProductID: "p2", Variant: "Mango"}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	stock, found, err := tx.LockStock(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, stock)

	ok, err := tx.DecrementStock(ctx, key, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.Stock(key)
	assert.Equal(t, 3, got, "uncommitted decrement must not be visible")

	require.NoError(t, tx.Commit(ctx))
	got, _ = s.Stock(key)
	assert.Equal(t, 1, got)
}

func TestTxDecrementRefusesUnderflow(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	key := orders.StockKey{ProductID: "p1"}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	ok, err := tx.DecrementStock(ctx, key, 4)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tx.DecrementStock(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	key := orders.StockKey{ProductID: "p1"}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.DecrementStock(ctx, key, 5)
	require.NoError(t, err)
	require.NoError(t, tx.InsertOrder(ctx, &orders.Order{ID: "o1", CustomerRef: "c1", Status: orders.StatusPending}))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))

	got, _ := s.Stock(key)
	assert.Equal(t, 5, got)
	_, err = s.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestLockStockTimesOutWhileHeld(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	key := orders.StockKey{ProductID: "p1"}

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, _, err = holder.LockStock(ctx, key)
	require.NoError(t, err)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = waiter.LockStock(short, key)
	assert.Equal(t, orders.KindLockTimeout, orders.KindOf(err))
	require.NoError(t, waiter.Rollback(ctx))

	require.NoError(t, holder.Rollback(ctx))
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx.LockStock(ctx, key)
	require.NoError(t, err, "lock must be free after rollback")
	require.NoError(t, tx.Rollback(ctx))
}

func TestLockStockMissingRow(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, found, err := tx.LockStock(ctx, orders.StockKey{ProductID: "p2", Variant: "Durian"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, s.locks)
}

func TestUnknownVariantsDoNotGrowLockTable(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	c := orders.NewCoordinator(s)

	for i := 0; i < 50; i++ {
		_, err := c.PlaceOrder(ctx, "c1", []orders.Line{{ProductID: "p2", Variant: fmt.Sprintf("flavor-%d", i), Quantity: 1}})
		require.Error(t, err)
		assert.Equal(t, orders.KindVariantNotFound, orders.KindOf(err))
	}
	_, err := s.Restock(ctx, orders.StockKey{ProductID: "p2", Variant: "Durian"}, 1)
	assert.Equal(t, orders.KindVariantNotFound, orders.KindOf(err))
	assert.Empty(t, s.locks)
}

func TestCommitRejectsDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	o := &orders.Order{ID: "o1", CustomerRef: "c1", IdempotencyKey: "k1", Status: orders.StatusPending}

	first, _ := s.Begin(ctx)
	second, _ := s.Begin(ctx)
	require.NoError(t, first.InsertOrder(ctx, o))
	dup := o.Clone()
	dup.ID = "o2"
	require.NoError(t, second.InsertOrder(ctx, dup))

	require.NoError(t, first.Commit(ctx))
	assert.ErrorIs(t, second.Commit(ctx), orders.ErrDuplicateOrder)

	got, err := s.FindByIdempotencyKey(ctx, "c1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.InsertOrder(ctx, &orders.Order{ID: "o1", CustomerRef: "c1", Status: orders.StatusPending}))
	require.NoError(t, tx.Commit(ctx))

	o, err := s.UpdateStatus(ctx, "o1", orders.StatusPending, orders.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)

	_, err = s.UpdateStatus(ctx, "o1", orders.StatusPending, orders.StatusCancelled)
	assert.ErrorIs(t, err, orders.ErrStatusConflict)
	_, err = s.UpdateStatus(ctx, "missing", orders.StatusPending, orders.StatusCancelled)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		tx, _ := s.Begin(ctx)
		ref := "c1"
		if id == "b" {
			ref = "c2"
		}
		require.NoError(t, tx.InsertOrder(ctx, &orders.Order{ID: id, CustomerRef: ref, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
		require.NoError(t, tx.Commit(ctx))
	}

	all, err := s.ListOrders(ctx, orders.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	mine, err := s.ListOrders(ctx, orders.ListFilter{CustomerRef: "c1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "c", mine[0].ID)
}

func TestRestock(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	n, err := s.Restock(ctx, orders.StockKey{ProductID: "p2", Variant: "Mango"}, 7)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = s.Restock(ctx, orders.StockKey{ProductID: "p2", Variant: "Durian"}, 1)
	assert.Equal(t, orders.KindVariantNotFound, orders.KindOf(err))
}

func TestProductReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	p, found, err := tx.Product(ctx, "p2")
	require.NoError(t, err)
	require.True(t, found)
	p.Variants[0].Stock = 99

	got, _ := s.Stock(orders.StockKey{ProductID: "p2", Variant: "Mango"})
	assert.Equal(t, 3, got)
}
