package shared

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string

	Storage   string // mysql | memory
	MySQLDSN  string
	RedisAddr string
	RedisDB   int
	RedisPass string
	CacheTTL  time.Duration

	AllocTimeout   time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	KafkaBrokers []string
	KafkaTopic   string

	InventoryFile    string
	InventoryWorkers int

	APIBaseURL     string
	StressRequests int
	StressCategory string
}

// Load reads the environment, after merging an optional .env file
// (path in ENV_FILE, default ".env"). Real env vars win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(env("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
			log.Warn().Str("key", k).Str("value", v).Msg("not an integer, using default")
		}
		return def
	}
	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		LogLevel:    env("LOG_LEVEL", "info"),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9100"),

		Storage:   strings.ToLower(env("STORAGE", "mysql")),
		MySQLDSN:  env("MYSQL_DSN", "root:root@tcp(localhost:3306)/resort?parseTime=true&charset=utf8mb4&loc=UTC"),
		RedisAddr: env("REDIS_ADDR", ""),
		RedisPass: env("REDIS_PASSWORD", ""),
		RedisDB:   atoi("REDIS_DB", 0),
		CacheTTL:  time.Duration(atoi("CACHE_TTL_SECONDS", 30)) * time.Second,

		AllocTimeout:   time.Duration(atoi("ALLOC_TIMEOUT_MS", 3000)) * time.Millisecond,
		RateLimitRPS:   atoi("RATE_LIMIT_RPS", 50),
		RateLimitBurst: atoi("RATE_LIMIT_BURST", 100),

		KafkaBrokers: splitList(env("KAFKA_BROKERS", "")),
		KafkaTopic:   env("KAFKA_TOPIC", "resort.bookings"),

		InventoryFile:    env("INVENTORY_FILE", "inventory.yaml"),
		InventoryWorkers: atoi("INVENTORY_WORKERS", 4),

		APIBaseURL:     env("API_BASE_URL", "http://localhost:8080"),
		StressRequests: atoi("STRESS_REQUESTS", 200),
		StressCategory: env("STRESS_CATEGORY", "villa"),
	}

	switch c.Storage {
	case "mysql", "memory":
	default:
		return Config{}, fmt.Errorf("STORAGE must be mysql or memory, got %q", c.Storage)
	}
	if c.AllocTimeout <= 0 {
		return Config{}, fmt.Errorf("ALLOC_TIMEOUT_MS must be positive")
	}
	if c.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR is empty, availability cache disabled")
	}
	return c, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
