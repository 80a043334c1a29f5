package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the matching engine.
type Config struct {
	HTTPAddr string
	LogLevel string

	Database DatabaseConfig
	Sweep    SweepConfig
	Payment  PaymentConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type SweepConfig struct {
	// SlotInterval drives the deadline and auto-match slot scans.
	SlotInterval time.Duration
	// RequestInterval drives the match request expiry scan.
	RequestInterval time.Duration
	// PurgeInterval drives the terminal-row retention purge.
	PurgeInterval time.Duration
	// BatchSize caps how many due entities a single cycle loads.
	BatchSize int
	// ResponseWindow is the fixed match request response window.
	ResponseWindow time.Duration
	// ReminderLead is how long before the response deadline a reminder goes out.
	ReminderLead time.Duration
	// Retention is how long terminal bids and requests are kept.
	Retention time.Duration
	// LockTTL bounds the redis sweep leadership lock.
	LockTTL time.Duration
}

type PaymentConfig struct {
	StripeKey     string
	RetryAttempts int
	RetryBackoff  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RedisConfig struct {
	Addr string
}

// LoadConfig reads configuration from .env and the environment.
func LoadConfig() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found: %v", err)
	}

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	viper.SetDefault("SWEEP_SLOT_INTERVAL", "1m")
	viper.SetDefault("SWEEP_REQUEST_INTERVAL", "1h")
	viper.SetDefault("SWEEP_PURGE_INTERVAL", "24h")
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("REQUEST_RESPONSE_WINDOW", "48h")
	viper.SetDefault("REQUEST_REMINDER_LEAD", "6h")
	viper.SetDefault("RETENTION_WINDOW", "4320h") // 180 days
	viper.SetDefault("SWEEP_LOCK_TTL", "5m")
	viper.SetDefault("PAYMENT_RETRY_ATTEMPTS", 3)
	viper.SetDefault("PAYMENT_RETRY_BACKOFF", "2s")
	viper.SetDefault("KAFKA_TOPIC", "pharmslot.notifications")

	return &Config{
		HTTPAddr: viper.GetString("HTTP_ADDR"),
		LogLevel: viper.GetString("LOG_LEVEL"),
		Database: DatabaseConfig{
			DSN:             viper.GetString("DB_DSN"),
			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Sweep: SweepConfig{
			SlotInterval:    viper.GetDuration("SWEEP_SLOT_INTERVAL"),
			RequestInterval: viper.GetDuration("SWEEP_REQUEST_INTERVAL"),
			PurgeInterval:   viper.GetDuration("SWEEP_PURGE_INTERVAL"),
			BatchSize:       viper.GetInt("SWEEP_BATCH_SIZE"),
			ResponseWindow:  viper.GetDuration("REQUEST_RESPONSE_WINDOW"),
			ReminderLead:    viper.GetDuration("REQUEST_REMINDER_LEAD"),
			Retention:       viper.GetDuration("RETENTION_WINDOW"),
			LockTTL:         viper.GetDuration("SWEEP_LOCK_TTL"),
		},
		Payment: PaymentConfig{
			StripeKey:     viper.GetString("STRIPE_KEY"),
			RetryAttempts: viper.GetInt("PAYMENT_RETRY_ATTEMPTS"),
			RetryBackoff:  viper.GetDuration("PAYMENT_RETRY_BACKOFF"),
		},
		Kafka: KafkaConfig{
			Brokers: viper.GetStringSlice("KAFKA_BROKERS"),
			Topic:   viper.GetString("KAFKA_TOPIC"),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
		},
	}
}
