package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-flavor-orders/internal/config"
	kafkax "github.com/ariefcatur/go-flavor-orders/internal/kafka"
	"github.com/ariefcatur/go-flavor-orders/internal/logging"
	"github.com/ariefcatur/go-flavor-orders/internal/projection"
	"github.com/ariefcatur/go-flavor-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-projector"
	log := logging.MustNew(service, cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Fatal("redis ping", zap.Error(err))
	}

	svc := &projection.Service{
		Cache:       redisx.NewCache(rdb),
		ServiceName: service,
		Log:         log,
	}

	topics := projection.Topics()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, topics, cfg.ProjectorWorkers, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("projector started",
			zap.String("group", cfg.ProjectorGroup),
			zap.Strings("topics", topics),
			zap.Int("workers", cfg.ProjectorWorkers),
		)
		if err := cons.Start(ctx, svc.HandleMessage); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down projector")
	case <-ctx.Done():
	}
	cancel()
	<-done
}
