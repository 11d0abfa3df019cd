package main

import (
	"context"
	"log"

	"github.com/coursepay-gateway/internal/checkout"
	"github.com/coursepay-gateway/internal/config"
	"github.com/coursepay-gateway/internal/database"
	"github.com/coursepay-gateway/internal/handlers"
	"github.com/coursepay-gateway/internal/provider"
	"github.com/coursepay-gateway/internal/queue"
	"github.com/coursepay-gateway/internal/server"
	"github.com/coursepay-gateway/internal/store"
	"github.com/coursepay-gateway/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("CoursePay payment gateway API starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.LogSafeConfig()

	ctx := context.Background()

	// Initialize database
	db, err := database.Connect(ctx, database.Config{
		URL:          cfg.DatabaseURL,
		MinConns:     cfg.DBMinConns,
		MaxConns:     cfg.DBMaxConns,
		ConnLifetime: cfg.DBConnLifetime,
		ConnIdleTime: cfg.DBConnIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize queue client (processing happens in the worker binary)
	q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	st := store.New(db.Pool)

	// Initialize provider client
	tokenService := provider.NewTokenService(
		cfg.ProviderAPIKey,
		cfg.ProviderAPISecret,
		cfg.ProviderAuthURL,
	)
	providerClient := provider.NewClient(tokenService, provider.Config{
		CheckoutURL: cfg.ProviderCheckoutURL,
		StatusURL:   cfg.ProviderStatusURL,
	})

	// Initialize checkout service
	checkoutService := checkout.NewService(
		st,
		providerClient,
		checkout.NewPgCatalog(db.Pool),
		checkout.NewPgCoupons(db.Pool),
		checkout.Config{
			Currency:    cfg.Currency,
			Environment: cfg.Environment,
			SessionTTL:  cfg.SessionTTL,
			CallbackURL: cfg.ProviderCallbackURL,
			ReturnURL:   cfg.ProviderReturnURL,
		},
	)

	// Initialize webhook ingestor (log-first, then hand off to the worker)
	ingestor := webhook.NewIngestor(st, q.Client)

	// Initialize HTTP server
	httpHandlers := handlers.NewHandler(db, checkoutService, ingestor, st)
	httpServer := server.NewServer(cfg, httpHandlers)

	if err := httpServer.Start(); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
