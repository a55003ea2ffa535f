package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/config"
	"github.com/ariefcatur/go-flavor-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-flavor-orders/internal/kafka"
	"github.com/ariefcatur/go-flavor-orders/internal/logging"
	"github.com/ariefcatur/go-flavor-orders/internal/metrics"
	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/ariefcatur/go-flavor-orders/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("store open", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn("redis unavailable, cache disabled until it recovers", zap.Error(err))
	}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord := orders.NewCoordinator(store,
		orders.WithTxTimeout(cfg.TxTimeout),
		orders.WithLogger(log),
		orders.WithPublisher(prod),
		orders.WithRecorder(metrics.NewOrders(reg)),
		orders.WithProducer(cfg.ServiceName),
	)

	backoff := orders.DefaultBackoff
	backoff.Attempts = cfg.CheckoutRetries

	router := httpx.NewRouter(log, reg)
	(&httpx.OrdersHandler{
		Orders:  coord,
		Store:   store,
		Cache:   redisx.NewCache(rdb),
		Backoff: backoff,
		Log:     log,
	}).Register(router)
	(&httpx.ProductsHandler{Orders: coord, Store: store}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	prod.Close()
	cancel()
	prod.WaitClosed()
}
