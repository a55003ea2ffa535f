// Package sqlite is an embedded orders.Store. Every transaction starts with BEGIN IMMEDIATE,
// so checkouts hold the database write lock from their first read and never interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id         TEXT    PRIMARY KEY,
    name       TEXT    NOT NULL,
    price      TEXT    NOT NULL,
    stock      INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
    active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS product_variants (
    product_id TEXT    NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    name       TEXT    NOT NULL,
    stock      INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
    PRIMARY KEY (product_id, name)
);

CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    customer_ref     TEXT NOT NULL,
    status           TEXT NOT NULL,
    total_amount     TEXT NOT NULL,
    delivery_address TEXT NOT NULL DEFAULT '',
    phone            TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    idempotency_key  TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS orders_idempotency_key_uq
    ON orders(customer_ref, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS orders_customer_created_idx ON orders(customer_ref, created_at);

CREATE TABLE IF NOT EXISTS order_items (
    id         TEXT    PRIMARY KEY,
    order_id   TEXT    NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    product_id TEXT    NOT NULL,
    variant    TEXT    NOT NULL DEFAULT '',
    quantity   INTEGER NOT NULL CHECK (quantity > 0),
    unit_price TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items(order_id);
`

// Fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const orderColumns = `id, customer_ref, status, total_amount, delivery_address, phone, notes,
	COALESCE(idempotency_key, ''), created_at, updated_at`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. busyTimeout bounds
// how long a transaction waits for the write lock.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(%d)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, toOrderError("begin", err)
	}
	return &sqlTx{tx: tx}, nil
}

// AddProduct inserts or replaces a catalog row and its variants.
func (s *Store) AddProduct(ctx context.Context, p orders.Product) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return toOrderError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, price, stock, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, price = excluded.price,
			stock = excluded.stock, active = excluded.active`,
		p.ID, p.Name, p.Price.String(), p.Stock, p.Active); err != nil {
		return toOrderError("upsert product", err)
	}
	for _, v := range p.Variants {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO product_variants (product_id, name, stock) VALUES (?, ?, ?)
			ON CONFLICT (product_id, name) DO UPDATE SET stock = excluded.stock`,
			p.ID, v.Name, v.Stock); err != nil {
			return toOrderError("upsert variant", err)
		}
	}
	return toOrderError("commit", tx.Commit())
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, customerRef, key string) (*orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_ref = ? AND idempotency_key = ?`, customerRef, key)
	return s.loadOrder(ctx, row)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return s.loadOrder(ctx, row)
}

func (s *Store) loadOrder(ctx context.Context, row *sql.Row) (*orders.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, toOrderError("read order", err)
	}
	if o.Lines, err = s.orderLines(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) orderLines(ctx context.Context, orderID string) ([]orders.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, variant, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY rowid`, orderID)
	if err != nil {
		return nil, toOrderError("read order items", err)
	}
	defer rows.Close()

	var out []orders.OrderLine
	for rows.Next() {
		var (
			l     orders.OrderLine
			price string
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Variant, &l.Quantity, &price); err != nil {
			return nil, toOrderError("scan order item", err)
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, orders.Persistence(fmt.Errorf("sqlite: unit price %q: %w", price, err))
		}
		out = append(out, l)
	}
	return out, toOrderError("read order items", rows.Err())
}

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE (? = '' OR customer_ref = ?)
		ORDER BY created_at DESC, id
		LIMIT ?`, f.CustomerRef, f.CustomerRef, limit)
	if err != nil {
		return nil, toOrderError("list orders", err)
	}
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, toOrderError("scan order", err)
		}
		out = append(out, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, toOrderError("list orders", err)
	}

	for i := range out {
		if out[i].Lines, err = s.orderLines(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status) (*orders.Order, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return nil, toOrderError("update status", err)
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, orders.ErrStatusConflict
	}
	return o, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, price, stock, active FROM products ORDER BY id`)
	if err != nil {
		return nil, toOrderError("list products", err)
	}
	var out []orders.Product
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, toOrderError("list products", err)
	}

	vrows, err := s.db.QueryContext(ctx, `SELECT product_id, name, stock FROM product_variants ORDER BY product_id, name`)
	if err != nil {
		return nil, toOrderError("list variants", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var v orders.Variant
		if err := vrows.Scan(&v.ProductID, &v.Name, &v.Stock); err != nil {
			return nil, toOrderError("scan variant", err)
		}
		if i, ok := index[v.ProductID]; ok {
			out[i].Variants = append(out[i].Variants, v)
		}
	}
	return out, toOrderError("list variants", vrows.Err())
}

func (s *Store) Restock(ctx context.Context, key orders.StockKey, amount int) (int, error) {
	var (
		stock int
		err   error
	)
	if key.Variant == "" {
		err = s.db.QueryRowContext(ctx, `UPDATE products SET stock = stock + ? WHERE id = ? RETURNING stock`,
			amount, key.ProductID).Scan(&stock)
	} else {
		err = s.db.QueryRowContext(ctx, `UPDATE product_variants SET stock = stock + ?
			WHERE product_id = ? AND name = ? RETURNING stock`, amount, key.ProductID, key.Variant).Scan(&stock)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, orders.NotFound(key)
	}
	if err != nil {
		return 0, toOrderError("restock", err)
	}
	return stock, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*orders.Order, error) {
	var (
		o                orders.Order
		status, total    string
		created, updated string
	)
	if err := row.Scan(&o.ID, &o.CustomerRef, &status, &total, &o.DeliveryAddress, &o.Phone, &o.Notes,
		&o.IdempotencyKey, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sqlite: total amount %q: %w", total, err)
	}
	if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("sqlite: created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("sqlite: updated_at: %w", err)
	}
	o.Status = orders.Status(status)
	return &o, nil
}

func scanProduct(row scanner) (orders.Product, error) {
	var (
		p     orders.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Stock, &p.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, toOrderError("scan product", err)
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return p, orders.Persistence(fmt.Errorf("sqlite: price %q: %w", price, err))
	}
	p.Price = amount
	return p, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// toOrderError maps driver errors onto the orders taxonomy. nil stays nil.
func toOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("sqlite: %s: %w", op, err)

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return orders.Concurrency(orders.KindLockTimeout, wrapped)
		case sqlite3.SQLITE_CONSTRAINT:
			switch {
			case se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE && strings.Contains(se.Error(), "orders.idempotency_key"):
				return fmt.Errorf("sqlite: %s: %w", op, orders.ErrDuplicateOrder)
			case se.Code() == sqlite3.SQLITE_CONSTRAINT_CHECK:
				return orders.Concurrency(orders.KindStockUnderflow, wrapped)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return orders.Concurrency(orders.KindLockTimeout, wrapped)
	}
	return orders.Persistence(wrapped)
}
