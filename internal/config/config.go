// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jogardn/harvest-orders/internal/circuitbreaker"
	"github.com/jogardn/harvest-orders/internal/reconciler"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

const maxCurrencyPlaces = 8

type Config struct {
	HTTPPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// KafkaBrokers is empty when Kafka is disabled.
	KafkaBrokers string
	KafkaGroupID string
	RedisAddr    string

	NotificationBackend string
	OrderStore          string
	// OrderSourceURL points reconcilers at a remote order service instead of
	// the local store.
	OrderSourceURL string

	PollInterval time.Duration
	SettleDelay  time.Duration
	FetchTimeout time.Duration

	MinOrderAmount decimal.Decimal
	CurrencyPlaces int32

	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// Load reads .env files when present and then the process environment. Real
// environment variables win over .env entries.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var errs []error
	cfg := Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "harvest"),
		DBPassword: getEnv("DB_PASSWORD", "harvest"),
		DBName:     getEnv("DB_NAME", "harvest"),

		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "harvest-orders"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),

		NotificationBackend: strings.ToLower(getEnv("NOTIFICATION_BACKEND", BackendMemory)),
		OrderStore:          strings.ToLower(getEnv("ORDER_STORE", BackendMemory)),
		OrderSourceURL:      getEnv("ORDER_SOURCE_URL", ""),
	}

	cfg.PollInterval = getDuration("POLL_INTERVAL", reconciler.DefaultPollInterval, &errs)
	cfg.SettleDelay = getDuration("SETTLE_DELAY", reconciler.DefaultSettleDelay, &errs)
	cfg.FetchTimeout = getDuration("FETCH_TIMEOUT", reconciler.DefaultFetchTimeout, &errs)
	cfg.BreakerCooldown = getDuration("BREAKER_COOLDOWN", circuitbreaker.DefaultCooldown, &errs)
	cfg.BreakerMaxFailures = getInt("BREAKER_MAX_FAILURES", circuitbreaker.DefaultMaxFailures, &errs)
	places := getInt("CURRENCY_PLACES", 2, &errs)
	if places < 0 || places > maxCurrencyPlaces {
		errs = append(errs, fmt.Errorf("CURRENCY_PLACES: %d out of range", places))
		places = 2
	}
	cfg.CurrencyPlaces = int32(places)

	minimum, err := decimal.NewFromString(getEnv("MIN_ORDER_AMOUNT", "0"))
	if err != nil {
		errs = append(errs, fmt.Errorf("MIN_ORDER_AMOUNT: %w", err))
	}
	cfg.MinOrderAmount = minimum

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.NotificationBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("NOTIFICATION_BACKEND: unknown backend %q", c.NotificationBackend))
	}
	switch c.OrderStore {
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("ORDER_STORE: unknown store %q", c.OrderStore))
	}
	if c.MinOrderAmount.IsNegative() {
		errs = append(errs, errors.New("MIN_ORDER_AMOUNT: must not be negative"))
	}
	if c.CurrencyPlaces < 0 || c.CurrencyPlaces > maxCurrencyPlaces {
		errs = append(errs, fmt.Errorf("CURRENCY_PLACES: %d out of range", c.CurrencyPlaces))
	}
	if c.SettleDelay >= c.PollInterval {
		errs = append(errs, errors.New("SETTLE_DELAY must be shorter than POLL_INTERVAL"))
	}
	return errors.Join(errs...)
}

// PostgresDSN builds a lib/pq connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func (c Config) NeedsPostgres() bool {
	return c.OrderStore == BackendPostgres || c.NotificationBackend == BackendPostgres
}

func (c Config) Reconciler() reconciler.Config {
	return reconciler.Config{
		PollInterval: c.PollInterval,
		SettleDelay:  c.SettleDelay,
		FetchTimeout: c.FetchTimeout,
	}
}

func (c Config) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		MaxFailures: c.BreakerMaxFailures,
		Cooldown:    c.BreakerCooldown,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: must be positive", key))
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}
