// Package config loads membot settings from defaults, a YAML file, and
// MEMBOT_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	OpenAI    APIKeyConfig
	Anthropic APIKeyConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Profile   ProfileConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type EngineConfig struct {
	Provider    string
	Model       string // empty selects the provider's default
	BaseURL     string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

type APIKeyConfig struct {
	APIKey string
}

type StorageConfig struct {
	Backend string
	DataDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type PostgresConfig struct {
	DSN   string
	Table string
}

type ProfileConfig struct {
	CacheTTL time.Duration
}

type AuthConfig struct {
	Token     string
	JWTSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Engine: EngineConfig{
			Provider:    "ollama",
			Temperature: 0.2,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			DataDir: defaultDataDir(),
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "membot:",
		},
		Postgres: PostgresConfig{Table: "profiles"},
		Profile:  ProfileConfig{CacheTTL: 30 * time.Second},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML file at DefaultPath and then
// applies MEMBOT_* environment overrides. Secrets are only read from the
// environment. The result is not validated; call Validate before use.
func Load() (Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom is Load with an explicit config file path. A missing file is not
// an error.
func LoadFrom(path string) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// DefaultPath returns the config file location: $MEMBOT_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/membot/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("MEMBOT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "membot", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "membot-data"
		}
	}
	return filepath.Join(dir, "membot")
}

// Validate reports the first setting that would keep membot from starting.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Engine.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable MEMBOT_OPENAI_API_KEY")
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("missing required config: Anthropic API key. Set it via environment variable MEMBOT_ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unknown engine.provider %q (want ollama, openai, or anthropic)", c.Engine.Provider)
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("engine.temperature %v out of range [0, 2]", c.Engine.Temperature)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the sqlite backend")
		}
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("missing required config: Postgres DSN. Set it via environment variable MEMBOT_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (want sqlite, memory, redis, or postgres)", c.Storage.Backend)
	}

	if c.Profile.CacheTTL < 0 {
		return fmt.Errorf("profile.cache_ttl must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}
