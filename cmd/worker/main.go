package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/coursepay-gateway/internal/alert"
	"github.com/coursepay-gateway/internal/config"
	"github.com/coursepay-gateway/internal/database"
	"github.com/coursepay-gateway/internal/provider"
	"github.com/coursepay-gateway/internal/queue"
	"github.com/coursepay-gateway/internal/reconcile"
	"github.com/coursepay-gateway/internal/store"
	"github.com/coursepay-gateway/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("CoursePay payment gateway worker starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

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

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	st := store.New(db.Pool)

	// Initialize provider status client
	tokenService := provider.NewTokenService(
		cfg.ProviderAPIKey,
		cfg.ProviderAPISecret,
		cfg.ProviderAuthURL,
	)
	providerClient := provider.NewClient(tokenService, provider.Config{
		CheckoutURL: cfg.ProviderCheckoutURL,
		StatusURL:   cfg.ProviderStatusURL,
	})

	// Initialize operational alerting
	var alerter alert.Alerter = alert.LogAlerter{}
	if cfg.OpsAlertURL != "" {
		alerter = alert.NewNotifier(cfg.OpsAlertURL, cfg.OpsAlertSecret, st)
	}

	// Initialize resolution arbiter and the two channels feeding it
	arbiter := reconcile.NewArbiter(st, reconcile.NewApplier(), alerter, cfg.AllowLateResolution)

	poller := reconcile.NewPoller(st, providerClient, arbiter, reconcile.PollPolicy{
		GraceWindow:    cfg.PollGraceWindow,
		MaxAttempts:    cfg.PollMaxAttempts,
		BaseBackoff:    cfg.PollBaseBackoff,
		BackoffCeiling: cfg.PollBackoffCeiling,
		BatchSize:      cfg.PollBatchSize,
	})
	sweeper := reconcile.NewSweeper(st)
	processor := webhook.NewProcessor(st, st, arbiter)

	// Register task handlers
	q.Mux.HandleFunc(webhook.TypeProcessWebhook, processor.ProcessWebhook)
	q.Mux.HandleFunc(reconcile.TypeReconcilePass, poller.HandleReconcileTask)
	q.Mux.HandleFunc(reconcile.TypeExpireSessions, sweeper.HandleExpireTask)

	// Periodic scheduler: polling reconciliation and session expiry run on
	// fixed intervals, independent of request traffic.
	scheduler := asynq.NewScheduler(q.RedisOpt(), &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", cfg.PollInterval),
		asynq.NewTask(reconcile.TypeReconcilePass, nil),
		asynq.Queue("default"),
	); err != nil {
		log.Fatalf("Failed to register polling pass: %v", err)
	}
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", cfg.ExpirySweepInterval),
		asynq.NewTask(reconcile.TypeExpireSessions, nil),
		asynq.Queue("low"),
	); err != nil {
		log.Fatalf("Failed to register expiry sweep: %v", err)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatalf("Scheduler failed: %v", err)
		}
	}()

	asynqServer := asynq.NewServer(q.RedisOpt(), q.ServerConfig())

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down worker...")
		scheduler.Shutdown()
		asynqServer.Shutdown()
	}()

	log.Println("Worker started, processing tasks...")
	if err := asynqServer.Run(q.Mux); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}

	log.Println("Worker shutdown complete")
}
