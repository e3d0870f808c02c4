package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend names accepted by BOARDSYNC_STORE, BOARDSYNC_FEED and BOARDSYNC_SETTINGS.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendStore    = "store" // settings live next to the board states
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Store      StoreConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Server     ServerConfig
	Sync       SyncConfig
	Log        LogConfig
	SelfHosted bool
}

// StoreConfig selects the state store, change feed and settings backends.
type StoreConfig struct {
	Kind       string
	SQLitePath string
	Feed       string
	Settings   string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds JWT authentication settings.
type JWTConfig struct {
	Secret    string //nolint:gosec // G117: JWT signing secret config
	AccessTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	StaticDir      string // optional built whiteboard client
	RateLimitRPS   float64
	RateLimitBurst int
}

// SyncConfig tunes the board engine.
type SyncConfig struct {
	Pairs        int
	DefaultMode  string
	SaveDebounce time.Duration
	RetryBase    time.Duration
	RetryMax     int
	MinSpacing   time.Duration
}

// LogConfig holds zerolog settings.
type LogConfig struct {
	Level  string
	Format string // json or text
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("BOARDSYNC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("BOARDSYNC_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("BOARDSYNC_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessTTL, err := getEnvDuration("BOARDSYNC_JWT_ACCESS_TTL", 12*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("BOARDSYNC_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("BOARDSYNC_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("BOARDSYNC_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("BOARDSYNC_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pairs, err := getEnvInt("BOARDSYNC_PAIRS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	debounce, err := getEnvDuration("BOARDSYNC_SAVE_DEBOUNCE", 400*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryBase, err := getEnvDuration("BOARDSYNC_RETRY_BASE", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryMax, err := getEnvInt("BOARDSYNC_RETRY_MAX", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	minSpacing, err := getEnvDuration("BOARDSYNC_MIN_SPACING", 300*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("BOARDSYNC_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("BOARDSYNC_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Store: StoreConfig{
			Kind:       getEnv("BOARDSYNC_STORE", BackendMemory),
			SQLitePath: getEnv("BOARDSYNC_SQLITE_PATH", "boardsync.db"),
			Feed:       getEnv("BOARDSYNC_FEED", BackendMemory),
			Settings:   getEnv("BOARDSYNC_SETTINGS", BackendStore),
		},
		Database: DatabaseConfig{
			Host:     getEnv("BOARDSYNC_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("BOARDSYNC_DB_USER", "boardsync"),
			Password: getEnv("BOARDSYNC_DB_PASSWORD", ""),
			DBName:   getEnv("BOARDSYNC_DB_NAME", "boardsync_dev"),
			SSLMode:  getEnv("BOARDSYNC_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("BOARDSYNC_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("BOARDSYNC_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:    getEnv("BOARDSYNC_JWT_SECRET", ""),
			AccessTTL: accessTTL,
		},
		Server: ServerConfig{
			Addr:           getEnv("BOARDSYNC_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    corsOrigins,
			StaticDir:      getEnv("BOARDSYNC_STATIC_DIR", ""),
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
		},
		Sync: SyncConfig{
			Pairs:        pairs,
			DefaultMode:  getEnv("BOARDSYNC_DEFAULT_MODE", "one-way"),
			SaveDebounce: debounce,
			RetryBase:    retryBase,
			RetryMax:     retryMax,
			MinSpacing:   minSpacing,
		},
		Log: LogConfig{
			Level:  getEnv("BOARDSYNC_LOG_LEVEL", "info"),
			Format: getEnv("BOARDSYNC_LOG_FORMAT", "json"),
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("BOARDSYNC_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("BOARDSYNC_JWT_SECRET must be at least 32 characters")
	}

	switch c.Store.Kind {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("BOARDSYNC_STORE must be memory, sqlite or postgres, got %q", c.Store.Kind)
	}
	switch c.Store.Feed {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("BOARDSYNC_FEED must be memory or redis, got %q", c.Store.Feed)
	}
	switch c.Store.Settings {
	case BackendStore, BackendRedis:
	default:
		return fmt.Errorf("BOARDSYNC_SETTINGS must be store or redis, got %q", c.Store.Settings)
	}
	if c.Store.Kind == BackendSQLite && c.Store.SQLitePath == "" {
		return errors.New("BOARDSYNC_SQLITE_PATH is required for the sqlite store")
	}

	switch c.Sync.DefaultMode {
	case "off", "one-way", "two-way":
	default:
		return fmt.Errorf("BOARDSYNC_DEFAULT_MODE must be off, one-way or two-way, got %q", c.Sync.DefaultMode)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("BOARDSYNC_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	// DB SSL mode warning for non-self-hosted deployments.
	if c.Store.Kind == BackendPostgres && c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("BOARDSYNC_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("BOARDSYNC_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("BOARDSYNC_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("BOARDSYNC_JWT_ACCESS_TTL must be positive, got %s", c.JWT.AccessTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("BOARDSYNC_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("BOARDSYNC_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("BOARDSYNC_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("BOARDSYNC_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}
	if c.Sync.Pairs < 1 {
		return fmt.Errorf("BOARDSYNC_PAIRS must be >= 1, got %d", c.Sync.Pairs)
	}
	if c.Sync.SaveDebounce <= 0 {
		return fmt.Errorf("BOARDSYNC_SAVE_DEBOUNCE must be positive, got %s", c.Sync.SaveDebounce)
	}
	if c.Sync.RetryBase <= 0 {
		return fmt.Errorf("BOARDSYNC_RETRY_BASE must be positive, got %s", c.Sync.RetryBase)
	}
	if c.Sync.RetryMax < 0 {
		return fmt.Errorf("BOARDSYNC_RETRY_MAX must be >= 0, got %d", c.Sync.RetryMax)
	}
	if c.Sync.MinSpacing < 0 {
		return fmt.Errorf("BOARDSYNC_MIN_SPACING must be >= 0, got %s", c.Sync.MinSpacing)
	}

	return nil
}

// NeedsRedis reports whether any backend is served by Redis.
func (c *Config) NeedsRedis() bool {
	return c.Store.Feed == BackendRedis || c.Store.Settings == BackendRedis
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
