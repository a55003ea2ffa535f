package orders

import (
	"context"
	"sort"
)

// ReadStock locks and returns the current value of the counter addressed by key.
func ReadStock(ctx context.Context, tx Tx, key StockKey) (int, error) {
	stock, found, err := tx.LockStock(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, NotFound(key)
	}
	return stock, nil
}

// DecrementStock removes amount from the counter. It re-checks non-negativity even though the
// validator already did, so a store without true row locks still cannot oversell.
func DecrementStock(ctx context.Context, tx Tx, key StockKey, amount int) error {
	if amount <= 0 {
		return newLineError(KindInvalidQuantity, -1, key)
	}
	ok, err := tx.DecrementStock(ctx, key, amount)
	if err != nil {
		return err
	}
	if !ok {
		return Underflow(key, amount)
	}
	return nil
}

// Restock adds amount to the counter outside of any order transaction.
func Restock(ctx context.Context, s Store, key StockKey, amount int) (int, error) {
	if amount <= 0 {
		return 0, newLineError(KindInvalidQuantity, -1, key)
	}
	return s.Restock(ctx, key, amount)
}

type demand struct {
	key StockKey
	qty int
}

// demands sums quantities per stock counter and returns them in lock order.
func demands(lines []Line) []demand {
	sum := make(map[StockKey]int, len(lines))
	for _, l := range lines {
		sum[l.Key()] += l.Quantity
	}
	out := make([]demand, 0, len(sum))
	for k, q := range sum {
		out = append(out, demand{key: k, qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.less(out[j].key) })
	return out
}
