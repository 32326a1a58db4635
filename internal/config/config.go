package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Server    ServerConfig
	Storage   string
	Postgres  PostgresConfig
	Redis     RedisConfig
	Bus       BusConfig
	Auth      AuthConfig
	Sale      SaleConfig
	Catalog   CatalogConfig
	RateLimit RateLimitConfig
	Stripe    StripeConfig
	Registry  RegistryConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	// Disabled runs without cache, rate limits, idempotency keys and the
	// Redis stream bus.
	Disabled bool
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
}

// DSN builds the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}

type BusConfig struct {
	// Driver is "redis" or "gochannel".
	Driver     string
	MaxRetries int
}

type AuthConfig struct {
	JWTSecret  string
	OperatorID string
}

type SaleConfig struct {
	IssueTimeout   time.Duration
	RepublishAfter time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

type CatalogConfig struct {
	IssuanceFee   int64
	PriceDecimals int32
	GameTTL       time.Duration
	ListTTL       time.Duration
}

type RateLimitConfig struct {
	PurchaseLimit  int
	PurchaseWindow time.Duration
	IdempotencyTTL time.Duration
}

type StripeConfig struct {
	SecretKey string
}

// RegistryConfig names the ticket token collection. Empty fields fall back
// to the registry defaults.
type RegistryConfig struct {
	Name        string
	Symbol      string
	Description string
}

// New reads the configuration from the environment, after loading .env
// from the working directory if one exists.
func New() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// Load is New with an explicit env file. A missing file is an error.
func Load(envFile string) (*Config, error) {
	const op = "config.Load"

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	}

	return New()
}

func fromEnv() (*Config, error) {
	const op = "config.New"

	var (
		cfg Config
		err error
	)

	cfg.Server.Host = getEnv("SERVER_HOST", "localhost")
	if cfg.Server.Port, err = getInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	cfg.Storage = getEnv("STORAGE_DRIVER", StoragePostgres)
	switch cfg.Storage {
	case StoragePostgres:
		if cfg.Postgres, err = postgresFromEnv(); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	case StorageMemory:
	default:
		return nil, fmt.Errorf("%s: unknown STORAGE_DRIVER %q", op, cfg.Storage)
	}

	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6380"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.Redis.Disabled, err = getBool("REDIS_DISABLED", false); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	cfg.Bus.Driver = getEnv("BUS_DRIVER", "redis")
	if cfg.Redis.Disabled && cfg.Bus.Driver == "redis" {
		return nil, fmt.Errorf("%s: BUS_DRIVER=redis needs Redis enabled", op)
	}
	if cfg.Bus.MaxRetries, err = getInt("BUS_MAX_RETRIES", 5); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("%s: missing JWT_SECRET", op)
	}

	cfg.Auth.OperatorID = os.Getenv("OPERATOR_ID")
	if cfg.Auth.OperatorID == "" {
		return nil, fmt.Errorf("%s: missing OPERATOR_ID", op)
	}

	if cfg.Sale.IssueTimeout, err = getDuration("ISSUE_TIMEOUT", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.Sale.RepublishAfter, err = getDuration("REPUBLISH_AFTER", 0); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.Sale.SweepInterval, err = getDuration("SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.Sale.SweepBatch, err = getInt("SWEEP_BATCH", 100); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	fee, err := getInt("ISSUANCE_FEE_MINOR", 0)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%s: negative ISSUANCE_FEE_MINOR", op)
	}
	cfg.Catalog.IssuanceFee = int64(fee)

	decimals, err := getInt("PRICE_DECIMALS", 2)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	cfg.Catalog.PriceDecimals = int32(decimals)

	if cfg.Catalog.GameTTL, err = getDuration("CACHE_GAME_TTL", 60*time.Second); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.Catalog.ListTTL, err = getDuration("CACHE_LIST_TTL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if cfg.RateLimit.PurchaseLimit, err = getInt("PURCHASE_RATE_LIMIT", 10); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.RateLimit.PurchaseWindow, err = getDuration("PURCHASE_RATE_WINDOW", time.Minute); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if cfg.RateLimit.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 2*time.Hour); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")

	cfg.Registry = RegistryConfig{
		Name:        os.Getenv("REGISTRY_NAME"),
		Symbol:      os.Getenv("REGISTRY_SYMBOL"),
		Description: os.Getenv("REGISTRY_DESCRIPTION"),
	}

	return &cfg, nil
}

func postgresFromEnv() (PostgresConfig, error) {
	var (
		pg  PostgresConfig
		err error
	)

	pg.Host = getEnv("POSTGRES_HOST", "localhost")
	if pg.Port, err = getInt("POSTGRES_PORT", 5432); err != nil {
		return pg, err
	}

	pg.User = os.Getenv("POSTGRES_USER")
	if pg.User == "" {
		return pg, fmt.Errorf("missing POSTGRES_USER")
	}

	pg.Password = os.Getenv("POSTGRES_PASSWORD")
	if pg.Password == "" {
		return pg, fmt.Errorf("missing POSTGRES_PASSWORD")
	}

	pg.Name = os.Getenv("POSTGRES_DB")
	if pg.Name == "" {
		return pg, fmt.Errorf("missing POSTGRES_DB")
	}

	pg.SSLMode = getEnv("POSTGRES_SSLMODE", "disable")

	maxConns, err := getInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return pg, err
	}
	pg.MaxConns = int32(maxConns)

	return pg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}

	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}
