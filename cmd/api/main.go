package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"courierpay/auth"
	"courierpay/db"
	"courierpay/dispute"
	"courierpay/escrow"
	"courierpay/gateway"
	"courierpay/notify"
	"courierpay/order"
	"courierpay/ratelimit"
	"courierpay/wallet"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	feeRate, err := decimal.NewFromString(cfg.PlatformFeeRate)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis backs the rate limiter counters and event fan-out. Without it the
	// binary still runs: counters live in process memory and outbox events go
	// to the log.
	var (
		limiterStore ratelimit.CounterStore
		notifier     notify.Notifier
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiterStore = ratelimit.NewRedisStore(rdb)
		notifier = notify.NewRedisBroadcaster(rdb, "courierpay")
	} else {
		log.Printf("api: no redis configured, using in-memory rate limiting and log notifications")
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(ctx, time.Minute)
		limiterStore = mem
		notifier = notify.LogNotifier{}
	}

	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	walletRepo := wallet.NewRepository(pool)
	walletService := wallet.NewService(pool, walletRepo)
	escrowService := escrow.NewService(pool, nil, walletRepo, walletService, gatewayClient, gatewayClient, escrow.ServiceConfig{
		FeeRate:    feeRate,
		HoldPeriod: cfg.HoldPeriod,
	})
	orderService := order.NewService(order.NewRepository(pool), escrowService)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), escrowService)

	server := &Server{
		authService:    authService,
		orderService:   orderService,
		paymentService: escrowService,
		disputeService: disputeService,
		walletService:  walletService,
		webhookSecret:  cfg.WebhookSecret,
		limiterStore:   limiterStore,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	relay := notify.NewRelay(pool, notifier, cfg.OutboxInterval)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("api: listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return relay.Run(ctx)
	})

	// Hold-expiry scanner: paid escrows past their due date release to the
	// merchant even if delivery confirmation never arrives.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.ReleaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := escrowService.ReleaseDueOnce(ctx, 100); err != nil {
					log.Printf("api: release scan: %v", err)
				} else if n > 0 {
					log.Printf("api: auto-released %d expired holds", n)
				}
			}
		}
	})

	return g.Wait()
}
