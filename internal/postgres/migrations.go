package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		price      NUMERIC(12,2) NOT NULL CHECK (price >= 0),
		stock      INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		stock      INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		PRIMARY KEY (product_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		customer_ref     TEXT NOT NULL,
		status           TEXT NOT NULL,
		total_amount     NUMERIC(14,2) NOT NULL,
		delivery_address TEXT NOT NULL DEFAULT '',
		phone            TEXT NOT NULL DEFAULT '',
		notes            TEXT NOT NULL DEFAULT '',
		idempotency_key  TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_idempotency_key_uq
		ON orders (customer_ref, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS orders_customer_created_idx ON orders (customer_ref, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id         TEXT PRIMARY KEY,
		order_id   TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL,
		variant    TEXT NOT NULL DEFAULT '',
		quantity   INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(12,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items (order_id)`,
}

func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}
