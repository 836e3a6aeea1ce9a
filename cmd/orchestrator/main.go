// Trade Orchestrator — runs a fleet of YAML-defined trading strategies
// against a single broker account.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	orchestrator/              — discovers strategy records, fans live bars out to engines,
//	                             reconciles broker state, applies evaluator verdicts and kill signals
//	engine/                    — per-strategy FSM: IDLE → ARMED → PLACED → MANAGING → EXITED
//	compiler/                  — YAML strategy DSL → validated intermediate representation
//	bars/                      — three-tier bar cache (memory, Postgres, remote) with gap backfill
//	broker/                    — REST adapter + facade expanding order plans into bracket orders
//	marketdata/                — bar history REST client and live bar WebSocket feed
//	evaluator/                 — client for the external strategy evaluation service
//	risk/                      — exposure and daily-loss limits with a cooldown kill switch
//	repo/                      — strategy records and audit log (Postgres or in-memory)
//	store/                     — crash-safe JSON snapshots of engine runtime state
//	api/                       — read-only dashboard: HTTP snapshot + WebSocket event stream
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeorch/internal/api"
	"tradeorch/internal/bars"
	"tradeorch/internal/broker"
	"tradeorch/internal/config"
	"tradeorch/internal/evaluator"
	"tradeorch/internal/marketdata"
	"tradeorch/internal/orchestrator"
	"tradeorch/internal/repo"
	"tradeorch/internal/risk"
	"tradeorch/internal/store"
	"tradeorch/internal/symlock"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADEORCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Strategy records: Postgres when a DSN is configured, in-memory
	// otherwise (local development and dry runs).
	var (
		repository repo.Repository
		barStore   bars.Store
	)
	if cfg.Database.DSN != "" {
		gormRepo, err := repo.Open(cfg.Database.DSN)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		gs, err := bars.NewGormStore(gormRepo.DB())
		if err != nil {
			logger.Error("failed to migrate bar store", "error", err)
			os.Exit(1)
		}
		repository = gormRepo
		barStore = gs
	} else {
		logger.Warn("no database configured, records are in-memory only")
		repository = repo.NewMemoryRepository()
		barStore = bars.NewMemoryStore()
	}

	mdClient := marketdata.NewClient(cfg.MarketData, logger)
	cache := bars.NewCache(cfg.Bars, barStore, mdClient, logger)

	var adapter broker.Adapter
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders go to the simulated broker")
		adapter = broker.NewSim(100_000)
	} else {
		adapter = broker.NewRESTAdapter(*cfg, logger)
	}
	facade := broker.NewFacade(adapter, cfg.Broker, logger)

	var locker symlock.Locker
	if cfg.Redis.Addr != "" {
		locker = symlock.NewRedisLocker(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	} else {
		locker = symlock.NewLocalLocker()
	}

	snapshots, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open state store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}
	defer snapshots.Close()

	feed := marketdata.NewBarFeed(cfg.MarketData.WSURL, logger)

	orch, err := orchestrator.New(*cfg, orchestrator.Deps{
		Repo:      repository,
		Bars:      cache,
		Gateway:   facade,
		Evaluator: evaluator.NewClient(cfg.Evaluator, logger),
		Feed:      feed,
		Risk:      risk.NewManager(cfg.Risk, logger),
		Locker:    locker,
		Queue:     symlock.NewQueue(3, 250*time.Millisecond, logger),
		Snapshots: snapshots,
	}, logger)
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, orch, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("bar feed stopped", "error", err)
		}
	}()
	go func() {
		for evt := range feed.Bars() {
			orch.HandleBar(ctx, evt.Bar)
		}
	}()

	logger.Info("trade orchestrator started",
		"user", cfg.Orchestrator.UserID,
		"max_strategies", cfg.Orchestrator.MaxConcurrentStrategies,
		"live_orders", cfg.Orchestrator.AllowLiveOrders,
		"dry_run", cfg.DryRun,
	)

	// Blocks until SIGINT/SIGTERM, then drains queues and persists state.
	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	if err := feed.Close(); err != nil {
		logger.Error("failed to close bar feed", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
