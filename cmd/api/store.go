package main

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-flavor-orders/internal/config"
	"github.com/ariefcatur/go-flavor-orders/internal/memory"
	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/ariefcatur/go-flavor-orders/internal/postgres"
	"github.com/ariefcatur/go-flavor-orders/internal/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// openStore builds the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (orders.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, 20)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.NewStore(db, cfg.LockTimeout), db.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, cfg.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("sqlite close", zap.Error(err))
			}
		}, nil

	case config.DriverMemory:
		s := memory.New()
		for _, p := range demoCatalog() {
			s.AddProduct(p)
		}
		log.Info("memory store seeded", zap.Int("products", len(demoCatalog())))
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func demoCatalog() []orders.Product {
	return []orders.Product{
		{
			ID: "1", Name: "Es Buah Segar", Price: decimal.RequireFromString("12.50"), Stock: 15, Active: true,
			Variants: []orders.Variant{
				{ProductID: "1", Name: "Mango Ice", Stock: 15},
				{ProductID: "1", Name: "Lychee", Stock: 10},
			},
		},
		{ID: "2", Name: "Kopi Susu", Price: decimal.RequireFromString("18.00"), Stock: 40, Active: true},
		{ID: "3", Name: "Roti Bakar", Price: decimal.RequireFromString("9.75"), Stock: 0, Active: true},
	}
}
