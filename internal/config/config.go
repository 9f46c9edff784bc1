package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	AppName string `env:"APP_NAME,default=chatsync"`
	Env     string `env:"APP_ENV,default=development"`
	Host    string `env:"HTTP_HOST,default=0.0.0.0"`
	Port    int    `env:"HTTP_PORT,default=8000"`

	Driver      string `env:"DB_DRIVER,default=sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH,default=chatsync.db"`

	JWTSecret         string        `env:"JWT_SECRET"`
	TokenTTL          time.Duration `env:"TOKEN_TTL,default=24h"`
	EncryptKey        string        `env:"ENCRYPTION_KEY"`
	LegacyEncryptKeys string        `env:"LEGACY_ENCRYPTION_KEYS"`
	CORSOriginsRaw    string        `env:"CORS_ORIGINS"`

	ListTTL        time.Duration `env:"CACHE_LIST_TTL,default=30s"`
	LookupTTL      time.Duration `env:"CACHE_LOOKUP_TTL,default=5m"`
	HydrateTimeout time.Duration `env:"HYDRATE_TIMEOUT,default=5s"`
	FeedBuffer     int           `env:"FEED_BUFFER,default=64"`
	AtomicDirect   bool          `env:"ATOMIC_DIRECT,default=true"`

	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH,default=5000"`
	PageSize         int    `env:"PAGE_SIZE,default=50"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`

	CORSOrigins []string
	LegacyKeys  []string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnviron(os.Environ())
}

// FromEnviron builds a Config from KEY=VALUE pairs.
func FromEnviron(environ []string) (*Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := &Config{}
	if err := env.Unmarshal(es, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOriginsRaw)
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	cfg.LegacyKeys = splitList(cfg.LegacyEncryptKeys)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch cfg.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.Driver)
	}
	if cfg.PageSize <= 0 || cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE and MAX_MESSAGE_LENGTH must be positive")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
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
