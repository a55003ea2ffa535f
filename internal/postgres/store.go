package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, customer_ref, status, total_amount::text, delivery_address, phone, notes,
	COALESCE(idempotency_key, ''), created_at, updated_at`

// Store runs checkouts at READ COMMITTED with row locks on every touched stock counter.
type Store struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func NewStore(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{DB: db, LockTimeout: lockTimeout}
}

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, toOrderError("begin", err)
	}
	if s.LockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, toOrderError("set lock_timeout", err)
		}
	}
	return &pgTx{tx: tx}, nil
}

// AddProduct upserts a catalog row and its variants.
func (s *Store) AddProduct(ctx context.Context, p orders.Product) error {
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO products (id, name, price, stock, active)
			VALUES ($1, $2, $3::numeric, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock,
			    active = EXCLUDED.active, updated_at = now()`,
			p.ID, p.Name, p.Price.String(), p.Stock, p.Active)
		if err != nil {
			return fmt.Errorf("postgres: upsert product: %w", err)
		}
		for _, v := range p.Variants {
			_, err := tx.Exec(ctx, `
				INSERT INTO product_variants (product_id, name, stock) VALUES ($1, $2, $3)
				ON CONFLICT (product_id, name) DO UPDATE SET stock = EXCLUDED.stock`,
				p.ID, v.Name, v.Stock)
			if err != nil {
				return fmt.Errorf("postgres: upsert variant: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, customerRef, key string) (*orders.Order, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_ref = $1 AND idempotency_key = $2`, customerRef, key)
	return s.loadOrder(ctx, row)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return s.loadOrder(ctx, row)
}

func (s *Store) loadOrder(ctx context.Context, row pgx.Row) (*orders.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, toOrderError("read order", err)
	}
	lines, err := s.orderLines(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Lines = lines[o.ID]
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE ($1::text = '' OR customer_ref = $1)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($2::int, 0)`, f.CustomerRef, f.Limit)
	if err != nil {
		return nil, toOrderError("list orders", err)
	}
	defer rows.Close()

	var (
		out []orders.Order
		ids []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, toOrderError("scan order", err)
		}
		out = append(out, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, toOrderError("list orders", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	lines, err := s.orderLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, nil
}

func (s *Store) orderLines(ctx context.Context, ids []string) (map[string][]orders.OrderLine, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, product_id, variant, quantity, unit_price::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`, ids)
	if err != nil {
		return nil, toOrderError("read order items", err)
	}
	defer rows.Close()

	out := make(map[string][]orders.OrderLine, len(ids))
	for rows.Next() {
		var (
			l     orders.OrderLine
			price string
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Variant, &l.Quantity, &price); err != nil {
			return nil, toOrderError("scan order item", err)
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, orders.Persistence(fmt.Errorf("postgres: unit price %q: %w", price, err))
		}
		out[l.OrderID] = append(out[l.OrderID], l)
	}
	return out, toOrderError("read order items", rows.Err())
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status) (*orders.Order, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return nil, toOrderError("update status", err)
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, orders.ErrStatusConflict
	}
	return o, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, name, price::text, stock, active FROM products ORDER BY id`)
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

	vrows, err := s.DB.Query(ctx, `SELECT product_id, name, stock FROM product_variants ORDER BY product_id, name`)
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
		err = s.DB.QueryRow(ctx, `UPDATE products SET stock = stock + $2, updated_at = now()
			WHERE id = $1 RETURNING stock`, key.ProductID, amount).Scan(&stock)
	} else {
		err = s.DB.QueryRow(ctx, `UPDATE product_variants SET stock = stock + $3
			WHERE product_id = $1 AND name = $2 RETURNING stock`, key.ProductID, key.Variant, amount).Scan(&stock)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, orders.NotFound(key)
	}
	if err != nil {
		return 0, toOrderError("restock", err)
	}
	return stock, nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Product(ctx context.Context, id string) (orders.Product, bool, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx,
		`SELECT id, name, price::text, stock, active FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, false, nil
	}
	if err != nil {
		return orders.Product{}, false, err
	}

	rows, err := t.tx.Query(ctx, `SELECT product_id, name, stock FROM product_variants
		WHERE product_id = $1 ORDER BY name`, id)
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

func (t *pgTx) LockStock(ctx context.Context, key orders.StockKey) (int, bool, error) {
	var (
		stock int
		err   error
	)
	if key.Variant == "" {
		err = t.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1 FOR UPDATE`,
			key.ProductID).Scan(&stock)
	} else {
		err = t.tx.QueryRow(ctx, `SELECT stock FROM product_variants
			WHERE product_id = $1 AND name = $2 FOR UPDATE`, key.ProductID, key.Variant).Scan(&stock)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, toOrderError("lock stock", err)
	}
	return stock, true, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, key orders.StockKey, amount int) (bool, error) {
	var (
		ct  pgconn.CommandTag
		err error
	)
	if key.Variant == "" {
		ct, err = t.tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2`, key.ProductID, amount)
	} else {
		ct, err = t.tx.Exec(ctx, `UPDATE product_variants SET stock = stock - $3
			WHERE product_id = $1 AND name = $2 AND stock >= $3`, key.ProductID, key.Variant, amount)
	}
	if err != nil {
		return false, toOrderError("decrement stock", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, customer_ref, status, total_amount, delivery_address, phone, notes,
		                    idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, NULLIF($8::text, ''), $9, $10)`,
		o.ID, o.CustomerRef, string(o.Status), o.TotalAmount.String(), o.DeliveryAddress, o.Phone, o.Notes,
		o.IdempotencyKey, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return toOrderError("insert order", err)
	}
	if len(o.Lines) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(`INSERT INTO order_items (id, order_id, product_id, variant, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
			l.ID, o.ID, l.ProductID, l.Variant, l.Quantity, l.UnitPrice.String())
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return toOrderError("insert order items", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return toOrderError("commit", t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return toOrderError("rollback", err)
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o      orders.Order
		status string
		total  string
	)
	if err := row.Scan(&o.ID, &o.CustomerRef, &status, &total, &o.DeliveryAddress, &o.Phone, &o.Notes,
		&o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("postgres: total amount %q: %w", total, err)
	}
	o.Status = orders.Status(status)
	o.TotalAmount = amount
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func scanProduct(row pgx.Row) (orders.Product, error) {
	var (
		p     orders.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Stock, &p.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, err
		}
		return p, toOrderError("scan product", err)
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return p, orders.Persistence(fmt.Errorf("postgres: price %q: %w", price, err))
	}
	p.Price = amount
	return p, nil
}

// toOrderError maps driver errors onto the orders taxonomy. nil stays nil.
func toOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("postgres: %s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return orders.Concurrency(orders.KindSerializationConflict, wrapped)
		case "55P03":
			return orders.Concurrency(orders.KindLockTimeout, wrapped)
		case "23505":
			if pgErr.ConstraintName == "orders_idempotency_key_uq" {
				return fmt.Errorf("postgres: %s: %w", op, orders.ErrDuplicateOrder)
			}
		case "23514":
			return orders.Concurrency(orders.KindStockUnderflow, wrapped)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return orders.Concurrency(orders.KindLockTimeout, wrapped)
	}
	return orders.Persistence(wrapped)
}
