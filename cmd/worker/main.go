package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/acmeshop/checkout/internal/checkout"
	"github.com/acmeshop/checkout/internal/config"
	kafkax "github.com/acmeshop/checkout/internal/kafka"
	"github.com/acmeshop/checkout/internal/redisx"
	"github.com/acmeshop/checkout/internal/worker"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	inv := &worker.Invalidator{
		Cache:       &worker.RedisCache{C: rdb},
		ServiceName: cfg.ServiceName + "-worker",
	}

	group := getenv("WORKER_GROUP", "cache-invalidator")
	workers := mustAtoi(os.Getenv("WORKER_CONCURRENCY"), "8")
	topics := []string{
		checkout.TopicOrderCreated,
		checkout.TopicOrderCancelled,
		checkout.TopicOrderExpired,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topics, workers)

	go func() {
		log.Printf("cache worker started: group=%s topics=%v workers=%d", group, topics, workers)
		if err := cons.Start(ctx, inv.HandleEvent); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}
