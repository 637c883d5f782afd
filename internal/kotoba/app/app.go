// Package app wires Kotoba's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/kotoba/common/redact"
	"github.com/bdobrica/kotoba/internal/kotoba/cache"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/llm"
	"github.com/bdobrica/kotoba/internal/kotoba/matrix"
	"github.com/bdobrica/kotoba/internal/kotoba/memory"
	"github.com/bdobrica/kotoba/internal/kotoba/pipeline"
	"github.com/bdobrica/kotoba/internal/kotoba/relay"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// shutdownTimeout bounds how long Stop waits for in-flight work.
const shutdownTimeout = 30 * time.Second

// App is the running chat relay.
type App struct {
	cfg      *config.Config
	redactor *redact.Redactor

	store       *store.Store
	memory      *memory.Store
	cache       cache.Cache
	closeCache  func() error
	pipeline    *pipeline.Pipeline
	matrix      *matrix.Client
	relay       *relay.Relay
	health      *HealthServer
	maintenance *Maintenance
}

// New builds every component. Nothing talks to Matrix until Run; the LLM
// provider is probed here so a bad key fails fast.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	red := redact.New(cfg.Secrets()...)
	a := &App{cfg: cfg, redactor: red}

	slog.Info("app: opening database", "path", cfg.DBPath)
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	a.store = st

	a.memory = NewMemoryStore(cfg, st)

	a.cache, a.closeCache, err = newCache(ctx, cfg)
	if err != nil {
		a.closeAll()
		return nil, red.Err(err)
	}

	gen, err := llm.NewClient(ctx, llm.OpenAIFactory(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}), llm.ClientConfig{
		Model: cfg.LLM.Model,
		Sampling: llm.Sampling{
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			TopK:        cfg.LLM.TopK,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		a.closeAll()
		return nil, red.Err(fmt.Errorf("app: initialise llm: %w", err))
	}

	a.pipeline = pipeline.New(pipeline.Config{
		MemoryLimit:       cfg.Pipeline.MemoryLimit,
		GenerationTimeout: cfg.Pipeline.GenerationTimeout,
		MinSpacing:        cfg.Pipeline.MinSpacing,
		RateLimit:         cfg.Pipeline.RateLimit,
		Persona:           cfg.Pipeline.Persona,
	}, gen, a.memory, a.cache, st)

	a.matrix, err = matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		RoomID:      cfg.Matrix.RoomID,
		DB:          st.DB(),
	})
	if err != nil {
		a.closeAll()
		return nil, red.Err(err)
	}

	a.relay = relay.New(relay.Config{
		QueueCapacity:  cfg.Relay.QueueCapacity,
		PollInterval:   cfg.Relay.PollInterval,
		WelcomeDelay:   cfg.Relay.WelcomeDelay,
		ReplyPrefix:    cfg.Relay.ReplyPrefix,
		DisableWelcome: cfg.Relay.DisableWelcome,
	}, a.matrix, a.pipeline)
	a.matrix.SetEventHandler(a.relay.HandleEvent)

	a.maintenance, err = NewMaintenance(cfg.Maintenance.Schedule, a.memory, a.cache, st, cfg.Maintenance.TurnRetention)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, StatusSources{
			Memory: a.memory,
			Cache:  a.cache,
			Relay:  a.relay,
			Turns:  st,
		})
	}
	return a, nil
}

// NewMemoryStore builds the memory store on the configured persistence
// backend.
func NewMemoryStore(cfg *config.Config, st *store.Store) *memory.Store {
	mc := memory.DefaultConfig()
	mc.MaxPerUser = cfg.Memory.MaxPerUser
	mc.Retention = cfg.Memory.Retention
	mc.Window = cfg.Memory.Window

	switch cfg.Memory.Backend {
	case config.MemoryJSON:
		mc.Persister = memory.NewJSONFile(cfg.Memory.File)
	case config.MemorySQLite:
		mc.Persister = st.MemorySnapshots()
	}

	if cfg.Memory.Embedding {
		mc.Scorer = memory.EmbeddingScorer{
			Embedder: memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
				APIKey:  cfg.LLM.APIKey,
				BaseURL: cfg.LLM.BaseURL,
				Model:   cfg.Memory.EmbeddingModel,
			}),
		}
		slog.Info("app: embedding relevance enabled", "model", cfg.Memory.EmbeddingModel)
	}

	slog.Info("app: memory ready", "backend", cfg.Memory.Backend)
	return memory.NewStore(mc)
}

// newCache builds the configured response cache and its closer.
func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, func() error, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		rc, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, cfg.Cache.Capacity)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		slog.Info("app: using redis response cache")
		return rc, rc.Close, nil
	}
	return cache.NewMemory(cfg.Cache.TTL, cfg.Cache.Capacity), func() error { return nil }, nil
}

// Run connects to Matrix, starts the relay and background services, then
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("app: health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("app: connecting to Matrix", "homeserver", a.cfg.Matrix.Homeserver, "room", a.cfg.Matrix.RoomID)
	if err := a.relay.Connect(ctx); err != nil {
		return a.redactor.Err(fmt.Errorf("app: connect: %w", err))
	}
	if err := a.relay.Start(ctx); err != nil {
		return fmt.Errorf("app: start relay: %w", err)
	}
	a.maintenance.Start()

	slog.Info("app: Kotoba is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("app: shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("app: shutting down", "reason", ctx.Err())
	}
	return nil
}

// Stop shuts the relay down, letting the in-flight message finish, then
// stops the background services and closes storage.
func (a *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	a.maintenance.Stop(ctx)
	if a.health != nil {
		a.health.Stop()
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	slog.Info("app: stopped", "relay", a.relay.Stats())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	if a.closeCache != nil {
		if err := a.closeCache(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
