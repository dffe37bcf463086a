package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Observ   ObservabilityConfig
	Business BusinessConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
}

// Storage drivers
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver      string
	DataDir     string
	DatabaseURL string
	ExportPath  string
}

// RedisConfig is disabled when Addr is empty
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// KafkaConfig is disabled when Brokers is empty
type KafkaConfig struct {
	Brokers       []string
	TopicOrder    string
	ConsumerGroup string
}

// Enabled reports whether any brokers are configured
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type BusinessConfig struct {
	IdempotencyWindow     time.Duration
	IdempotencyLockTTL    time.Duration
	PendingPriceThreshold decimal.Decimal
	OrderIDMaxAttempts    int
	OrderTimezone         string
	OrderRateLimit        int64
	OrderRateWindow       time.Duration
}

// Load reads the environment, after loading .env when present
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	window, err := getEnvDuration("IDEMPOTENCY_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getEnvDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt("ORDER_ID_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	rateLimit, err := getEnvInt("ORDER_RATE_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	rateWindow, err := getEnvDuration("ORDER_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}
	threshold, err := decimal.NewFromString(getEnv("PRICE_PENDING_THRESHOLD", "9999"))
	if err != nil {
		return nil, fmt.Errorf("PRICE_PENDING_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            getEnv("ENV", "development"),
			LogLevel:       getEnv("LOG_LEVEL", ""),
			AllowedOrigins: splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(getEnv("STORAGE_DRIVER", DriverFile)),
			DataDir:     getEnv("DATA_DIR", "data"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			ExportPath:  getEnv("EXPORT_PATH", "data/orders.csv"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "")),
			TopicOrder:    getEnv("KAFKA_TOPIC_ORDER_EVENTS", "order-events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "campus-store-export"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		},
		Business: BusinessConfig{
			IdempotencyWindow:     window,
			IdempotencyLockTTL:    lockTTL,
			PendingPriceThreshold: threshold,
			OrderIDMaxAttempts:    maxAttempts,
			OrderTimezone:         getEnv("ORDER_TIMEZONE", "Asia/Kolkata"),
			OrderRateLimit:        int64(rateLimit),
			OrderRateWindow:       rateWindow,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverFile:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Business.IdempotencyWindow <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WINDOW must be positive")
	}
	if c.Business.OrderIDMaxAttempts < 1 {
		return fmt.Errorf("ORDER_ID_MAX_ATTEMPTS must be at least 1")
	}
	if !c.Business.PendingPriceThreshold.IsPositive() {
		return fmt.Errorf("PRICE_PENDING_THRESHOLD must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
