package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
)

type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Product(ctx context.Context, id string) (orders.Product, bool, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx,
		`SELECT id, name, price, stock, active FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Product{}, false, nil
	}
	if err != nil {
		return orders.Product{}, false, err
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT product_id, name, stock FROM product_variants
		WHERE product_id = ? ORDER BY name`, id)
	if err != nil {
		return orders.Product{}, false, toOrderError("read variants", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v orders.Variant
		if err := rows.Scan(&v.ProductID, &v.Name, &v.Stock); err != nil {
			return orders.Product{}, false, toOrderError("scan variant", err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return orders.Product{}, false, toOrderError("read variants", err)
	}
	return p, true, nil
}

// LockStock is a plain read: BEGIN IMMEDIATE already holds the write lock.
func (t *sqlTx) LockStock(ctx context.Context, key orders.StockKey) (int, bool, error) {
	var (
		stock int
		err   error
	)
	if key.Variant == "" {
		err = t.tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, key.ProductID).Scan(&stock)
	} else {
		err = t.tx.QueryRowContext(ctx, `SELECT stock FROM product_variants WHERE product_id = ? AND name = ?`,
			key.ProductID, key.Variant).Scan(&stock)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, toOrderError("lock stock", err)
	}
	return stock, true, nil
}

func (t *sqlTx) DecrementStock(ctx context.Context, key orders.StockKey, amount int) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if key.Variant == "" {
		res, err = t.tx.ExecContext(ctx, `UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?`,
			amount, key.ProductID, amount)
	} else {
		res, err = t.tx.ExecContext(ctx, `UPDATE product_variants SET stock = stock - ?
			WHERE product_id = ? AND name = ? AND stock >= ?`, amount, key.ProductID, key.Variant, amount)
	}
	if err != nil {
		return false, toOrderError("decrement stock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, toOrderError("decrement stock", err)
	}
	return n == 1, nil
}

func (t *sqlTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_ref, status, total_amount, delivery_address, phone, notes,
		                    idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		o.ID, o.CustomerRef, string(o.Status), o.TotalAmount.String(), o.DeliveryAddress, o.Phone, o.Notes,
		o.IdempotencyKey, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return toOrderError("insert order", err)
	}

	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO order_items (id, order_id, product_id, variant, quantity, unit_price)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return toOrderError("prepare order items", err)
	}
	defer stmt.Close()
	for _, l := range o.Lines {
		if _, err := stmt.ExecContext(ctx, l.ID, o.ID, l.ProductID, l.Variant, l.Quantity, l.UnitPrice.String()); err != nil {
			return toOrderError("insert order item", err)
		}
	}
	return nil
}

func (t *sqlTx) Commit(context.Context) error {
	return toOrderError("commit", t.tx.Commit())
}

func (t *sqlTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return toOrderError("rollback", err)
}
