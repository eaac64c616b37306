package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

type Config struct {
	DBDSN             string `envconfig:"DB_DSN" required:"true"`
	Environment       string `envconfig:"ENV" default:"development"`
	MigrationsEnabled bool   `envconfig:"MIGRATIONS_ENABLED" default:"true"`

	MonitorTick            time.Duration `envconfig:"MONITOR_TICK" default:"30s"`
	MonitorLookahead       time.Duration `envconfig:"MONITOR_LOOKAHEAD" default:"2h"`
	MaxConsecutiveFailures int           `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"3"`
	ReconcileInterval      time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`

	CacheBackend  string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`

	RabbitURL       string `envconfig:"RABBIT_URL"`
	PaymentExchange string `envconfig:"PAYMENT_EXCHANGE" default:"payment.exchange"`
	PaymentQueue    string `envconfig:"PAYMENT_QUEUE" default:"scheduler.payment.results"`
	StripeKey       string `envconfig:"STRIPE_KEY"`
	Currency        string `envconfig:"CURRENCY" default:"usd"`

	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	AlertChatID   int64  `envconfig:"ALERT_CHAT_ID"`
}

func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файла нет)
	if err := godotenv.Load(".env"); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	} else {
		log.Println("✅ Loaded configuration from .env file")
	}

	return FromEnv()
}

// FromEnv читает конфигурацию из переменных окружения
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	// envconfig пропускает заданную, но пустую переменную
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required but not set")
	}

	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheBackendMemory, CacheBackendRedis, c.CacheBackend)
	}

	if c.MonitorTick <= 0 {
		return fmt.Errorf("MONITOR_TICK must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.TelegramToken != "" && c.AlertChatID == 0 {
		return fmt.Errorf("ALERT_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}

	return nil
}

func (c *Config) GetDBDSN() string {
	return c.DBDSN
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
