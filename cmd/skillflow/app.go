package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/config"
	"github.com/dshills/skillflow/dbpool"
	"github.com/dshills/skillflow/engine"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/exec"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/model/anthropic"
	"github.com/dshills/skillflow/model/gemini"
	"github.com/dshills/skillflow/model/openai"
	"github.com/dshills/skillflow/run"
	"github.com/dshills/skillflow/server"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/syserr"
	"github.com/dshills/skillflow/tool"
)

// app owns every live resource the serve command runs on.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *dbpool.DB
	mongo *dbpool.Mongo
	redis *redis.Client

	bus         *event.Bus
	checkpoints *checkpoint.Buffered
	registry    *skill.Registry
	manager     *run.Manager
	server      *server.Server
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
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
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildApp opens the pools and wires the full stack: stores, registry,
// model factory, executor, engine, run manager, HTTP server.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := dbpool.Open(ctx, dbpool.RelationalConfig{
		Dialect: cfg.Database.Dialect,
		DSN:     cfg.Database.DSN,
		MinIdle: cfg.Database.MinConns,
		MaxOpen: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open relational pool: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	if cfg.Database.MongoURI != "" {
		a.mongo, err = dbpool.OpenDocument(ctx, dbpool.DocumentConfig{
			URI:      cfg.Database.MongoURI,
			Database: cfg.Database.MongoDatabase,
			MinPool:  uint64(cfg.Database.MongoMinConns),
			MaxPool:  uint64(cfg.Database.MongoMaxConns),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open document pool: %w", err)
		}
	}

	var cache *checkpoint.RedisCache
	var queue event.Queue
	if cfg.Database.RedisAddr != "" {
		a.redis, err = dbpool.OpenRedis(ctx, dbpool.RedisConfig{
			Addr:     cfg.Database.RedisAddr,
			Password: cfg.Database.RedisPassword,
			DB:       cfg.Database.RedisDB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		cache = checkpoint.NewRedisCache(a.redis, cfg.Database.CacheTTL)
		queue = event.NewRedisQueue(a.redis)
	} else {
		queue = event.NewMemoryQueue()
	}

	sink, err := event.NewSQLSink(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init event sink: %w", err)
	}
	a.bus = event.NewBus(queue, sink, logger)

	slow, err := checkpoint.NewSQLStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	a.checkpoints = checkpoint.NewBuffered(checkpoint.NewMemory(), cache, slow, logger)

	skillStore, err := skill.NewStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init skill store: %w", err)
	}
	a.registry = skill.NewRegistry(cfg.Skills.Dir, skillStore, logger)

	sysErrors, err := syserr.NewStore(ctx, db, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init system-error store: %w", err)
	}
	metadata, err := run.NewMetadataStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metadata store: %w", err)
	}

	factory := model.NewFactory(model.DefaultCatalog(), cfg.Models.Default)
	registerProviders(factory, cfg.Models)

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)

	runner := exec.NewRunner(exec.Config{
		Registry:      a.registry,
		Models:        factory,
		Bus:           a.bus,
		Tools:         tool.NewSet(tool.NewHTTPTool()),
		Vault:         exec.StaticVault(cfg.Vault),
		QueryDefaults: cfg.QueryDefaults,
		CallbackURL:   cfg.Server.CallbackURL,
		ToolRounds:    cfg.Engine.ToolRounds,
		QueryTimeout:  cfg.Engine.QueryTimeout,
		Logger:        logger,
	})

	eng := engine.New(engine.Config{
		Registry:    a.registry,
		Executor:    runner,
		Models:      factory,
		Checkpoints: a.checkpoints,
		Bus:         a.bus,
		Metrics:     metrics,
		Logger:      logger,
	})

	a.manager = run.NewManager(run.Config{
		Engine:      eng,
		Metadata:    metadata,
		Checkpoints: a.checkpoints,
		Bus:         a.bus,
		Errors:      sysErrors,
		Models:      factory,
		Metrics:     metrics,
		HTTPClient:  &http.Client{Timeout: cfg.Engine.WebhookTimeout},
		Logger:      logger,
	})

	a.server = server.New(server.Config{
		Runs:        a.manager,
		Registry:    a.registry,
		Checkpoints: a.checkpoints,
		Bus:         a.bus,
		Errors:      sysErrors,
		Health:      a.health,
		Metrics:     promhttp.Handler(),
		Logger:      logger,
	})
	return a, nil
}

// registerProviders installs a builder for every provider with a
// configured API key. Models whose provider has no key fail validation
// at start time instead of at execution time.
func registerProviders(f *model.Factory, cfg config.ModelsConfig) {
	if cfg.OpenAIKey != "" {
		key := cfg.OpenAIKey
		f.RegisterProvider(model.ProviderOpenAI, func(_ context.Context, name string) (model.ChatModel, error) {
			return openai.New(key, name), nil
		})
	}
	if cfg.AnthropicKey != "" {
		key := cfg.AnthropicKey
		f.RegisterProvider(model.ProviderAnthropic, func(_ context.Context, name string) (model.ChatModel, error) {
			return anthropic.New(key, name), nil
		})
	}
	if cfg.GeminiKey != "" {
		key := cfg.GeminiKey
		f.RegisterProvider(model.ProviderGemini, func(ctx context.Context, name string) (model.ChatModel, error) {
			return gemini.New(ctx, key, name)
		})
	}
}

func (a *app) health() []dbpool.PoolHealth {
	out := []dbpool.PoolHealth{a.db.Health()}
	if a.mongo != nil {
		out = append(out, a.mongo.Health())
	}
	if a.redis != nil {
		out = append(out, dbpool.RedisHealth(a.redis))
	}
	return out
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.mongo.Close(ctx)
		cancel()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.Reload(ctx); err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	if cfg.Skills.Watch && cfg.Skills.Dir != "" {
		go func() {
			if err := a.registry.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("skill watcher stopped", "error", err)
			}
		}()
	}

	// Recover durable state a previous process left behind: cached
	// checkpoints flush to the slow tier, queued run logs drain to SQL.
	if n, err := a.checkpoints.RecoverAll(ctx); err != nil {
		logger.Warn("checkpoint recovery incomplete", "error", err)
	} else if n > 0 {
		logger.Info("recovered cached checkpoints", "threads", n)
	}
	if n, err := a.bus.DrainStartup(ctx); err != nil {
		logger.Warn("event queue drain incomplete", "error", err)
	} else if n > 0 {
		logger.Info("drained queued run events", "threads", n)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("skillflow listening",
			"addr", cfg.Server.Addr,
			"skills", a.registry.Count(),
			"dialect", string(cfg.Database.Dialect))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("run shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// validateSkills loads the filesystem skills directory and reports every
// manifest that fails to parse or validate. No database is needed.
func validateSkills(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	invalid := 0
	skills, err := skill.LoadSkillsDir(cfg.Skills.Dir, func(dir string, err error) {
		invalid++
		fmt.Fprintf(os.Stderr, "invalid  %s: %v\n", dir, err)
	})
	if err != nil {
		return err
	}
	for _, sk := range skills {
		fmt.Printf("ok       %-30s %s\n", sk.Name, sk.ModuleName)
	}
	if invalid > 0 {
		return fmt.Errorf("%d invalid skill(s) under %s", invalid, cfg.Skills.Dir)
	}
	fmt.Printf("%d skills valid\n", len(skills))
	return nil
}
