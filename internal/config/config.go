package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Postgres holds connection-pool settings for the store of record.
type Postgres struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Redis holds settings for the optional balance read cache. An empty
// Addr disables the cache entirely.
type Redis struct {
	Addr     string
	Username string
	Password string
	TTL      time.Duration
}

// Ledger holds the policy knobs consulted by the transaction engine.
// These surface the settings collaborator: negative-balance allowance
// and transfer bounds.
type Ledger struct {
	AllowNegativeBalance bool
	MinTransferAmount    int64
	MaxTransferAmount    int64 // 0 = unlimited
}

// Config is the full application configuration, read from environment
// variables (a .env file is honored when present).
type Config struct {
	Port            uint16
	LogLevel        string
	ShutdownTimeout time.Duration

	Postgres Postgres
	Redis    Redis
	Ledger   Ledger
}

// Load reads configuration from the environment. Only PG_DSN is
// required; everything else has a usable default.
func Load() (Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		return Config{}, fmt.Errorf("env PG_DSN is not set")
	}

	cfg := Config{
		Port:            uint16(getenvInt("API_PORT", 8080)),
		LogLevel:        getenv("APP_LOG_LEVEL", "info"),
		ShutdownTimeout: getenvDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second),
		Postgres: Postgres{
			DSN:             dsn,
			MaxOpenConns:    getenvInt("PG_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getenvInt("PG_MAX_IDLE_CONNS", 5),
			ConnMaxIdleTime: getenvDuration("PG_CONN_MAX_IDLE_TIME", 5*time.Minute),
			ConnMaxLifetime: getenvDuration("PG_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", ""),
			Username: getenv("REDIS_USER", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			TTL:      getenvDuration("BALANCE_CACHE_TTL", 5*time.Minute),
		},
		Ledger: Ledger{
			AllowNegativeBalance: getenvBool("ALLOW_NEGATIVE_BALANCE", false),
			MinTransferAmount:    getenvInt64("MIN_TRANSFER_AMOUNT", 1),
			MaxTransferAmount:    getenvInt64("MAX_TRANSFER_AMOUNT", 0),
		},
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
