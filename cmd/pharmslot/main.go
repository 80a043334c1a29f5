package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/api"
	"github.com/openrx/pharmslot/internal/bidding"
	"github.com/openrx/pharmslot/internal/compensation"
	"github.com/openrx/pharmslot/internal/config"
	"github.com/openrx/pharmslot/internal/matchreq"
	"github.com/openrx/pharmslot/internal/notification"
	"github.com/openrx/pharmslot/internal/payment"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/internal/sweeper"
	"github.com/openrx/pharmslot/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg := config.LoadConfig()

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect to PostgreSQL
	db, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	st := store.New(db, zapLogger)

	// Optional redis client for sweep leadership
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}

	// Notifier: kafka when brokers are configured, log-only otherwise
	var notifier notification.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaNotifier := notification.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	} else {
		notifier = notification.NewLogNotifier(zapLogger)
	}

	// Payment gateway
	gateway := payment.NewStripeGateway(cfg.Payment.StripeKey, zapLogger)

	// Create services
	compensator := compensation.NewService(zapLogger, st, gateway, compensation.RetryPolicy{
		Attempts: cfg.Payment.RetryAttempts,
		Backoff:  cfg.Payment.RetryBackoff,
	})
	biddingSvc := bidding.NewService(zapLogger, st, notifier)
	requestSvc := matchreq.NewService(zapLogger, st, compensator, notifier, cfg.Sweep.ResponseWindow)

	// Start the sweep scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweep := sweeper.New(zapLogger, st, biddingSvc, requestSvc, compensator, notifier, redisClient, sweeper.Options{
		SlotInterval:    cfg.Sweep.SlotInterval,
		RequestInterval: cfg.Sweep.RequestInterval,
		PurgeInterval:   cfg.Sweep.PurgeInterval,
		BatchSize:       cfg.Sweep.BatchSize,
		ReminderLead:    cfg.Sweep.ReminderLead,
		Retention:       cfg.Sweep.Retention,
		LockTTL:         cfg.Sweep.LockTTL,
	})
	sweep.Start(ctx)

	// Create and start API server
	server := api.NewServer(zapLogger, biddingSvc, requestSvc, compensator, sweep)
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down")
	cancel()
	sweep.Stop()
}
