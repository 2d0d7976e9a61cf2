package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/membot/internal/config"
	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/storage"
	"github.com/kalambet/membot/internal/storage/memory"
	"github.com/kalambet/membot/internal/storage/postgres"
	redisstore "github.com/kalambet/membot/internal/storage/redis"
	"github.com/kalambet/membot/internal/turn"
)

// app holds everything a conversation needs, built from config.
type app struct {
	service *conversation.Service
	engine  engine.Engine
	model   string
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func engineModel(cfg config.EngineConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return engine.DefaultModel(cfg.Provider)
}

func engineConfig(cfg config.Config) engine.Config {
	ec := engine.Config{
		Provider:    cfg.Engine.Provider,
		BaseURL:     cfg.Engine.BaseURL,
		Temperature: cfg.Engine.Temperature,
	}
	switch cfg.Engine.Provider {
	case engine.ProviderOpenAI:
		ec.APIKey = cfg.OpenAI.APIKey
	case engine.ProviderAnthropic:
		ec.APIKey = cfg.Anthropic.APIKey
	}
	return ec
}

// openBackend connects the configured profile storage.
func openBackend(ctx context.Context, cfg config.Config) (profile.Backend, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("closing storage", "error", err)
			}
		}, nil

	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendRedis:
		s := redisstore.New(redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return s, func() { s.Close() }, nil

	case config.BackendPostgres:
		s, err := postgres.New(ctx, postgres.Options{
			ConnString: cfg.Postgres.DSN,
			TableName:  cfg.Postgres.Table,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newApp wires engine, storage, and the conversation service.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	eng, err := engine.New(engineConfig(cfg))
	if err != nil {
		return nil, err
	}
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	model := engineModel(cfg.Engine)
	store := profile.NewStore(backend, cfg.Profile.CacheTTL)
	proc := turn.NewProcessor(eng, turn.Options{
		Model:      model,
		Timeout:    cfg.Engine.Timeout,
		MaxRetries: cfg.Engine.MaxRetries,
		Logger:     logger,
	})

	return &app{
		service: conversation.NewService(store, proc, logger),
		engine:  eng,
		model:   model,
		closers: []func(){closeBackend},
	}, nil
}
