package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/acmeshop/checkout/internal/checkout"
	"github.com/acmeshop/checkout/internal/config"
	"github.com/acmeshop/checkout/internal/httpx"
	kafkax "github.com/acmeshop/checkout/internal/kafka"
	"github.com/acmeshop/checkout/internal/payment"
	"github.com/acmeshop/checkout/internal/postgres"
	"github.com/acmeshop/checkout/internal/ratelimit"
	"github.com/acmeshop/checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Lifecycle event producers, one per topic
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicOrderCreated, 1024)
	pCreated.Start(ctx)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicOrderCancelled, 1024)
	pCancelled.Start(ctx)
	pExpired := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicOrderExpired, 1024)
	pExpired.Start(ctx)

	repo := &checkout.Repo{DB: db}
	svc := &checkout.Service{
		Store: repo,
		Limiter: &ratelimit.FixedWindow{
			Counter: &ratelimit.RedisCounter{C: rdb},
			Window:  cfg.RateLimitWindow,
			Ceiling: cfg.RateLimitCeiling,
		},
		Gateway:           payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey, cfg.SiteURL),
		ProducerCreated:   pCreated,
		ProducerCancelled: pCancelled,
		ProducerExpired:   pExpired,
		ServiceName:       cfg.ServiceName,
		ReservationTTL:    cfg.ReservationTTL,
		SweepBatch:        cfg.SweepBatch,
	}

	router := httpx.NewRouter()
	h := &httpx.CheckoutHandler{Service: svc, Store: repo}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-gctx.Done():
		case s := <-sig:
			log.Printf("shutting down: %s", s)
		}
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("exit: %v", err)
	}

	// flush & close producers
	pCreated.Close()
	pCancelled.Close()
	pExpired.Close()
	pCreated.WaitClosed()
	pCancelled.WaitClosed()
	pExpired.WaitClosed()
}
