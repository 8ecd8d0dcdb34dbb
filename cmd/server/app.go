package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/lock"
	"github.com/JonMunkholm/sheetsync/internal/mapping"
	"github.com/JonMunkholm/sheetsync/internal/sheets"
	"github.com/JonMunkholm/sheetsync/internal/store"
)

// app holds the wired engine and the resources it owns.
type app struct {
	service  *core.Service
	store    *store.Store
	registry *core.Registry
	pool     *pgxpool.Pool
	redis    *redis.Client
}

// newApp connects to Postgres, Redis (when configured) and the Sheets API
// and builds the reconciliation service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	defs, err := mapping.Load(cfg.Sheets.MappingFile)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	registry, err := core.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("register entities: %w", err)
	}
	for _, def := range registry.All() {
		slog.Debug("entity registered", "entity", def.Name, "table", def.Table, "range", def.SheetRange)
	}

	pool, err := connectDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{registry: registry, pool: pool, store: store.New(pool)}

	var runLock core.RunLock = lock.NewLocal()
	if cfg.Lock.RedisURL != "" {
		a.redis, err = lock.Connect(ctx, cfg.Lock.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		runLock = lock.NewRedis(a.redis, lock.DefaultKey, cfg.Lock.TTL)
		slog.Info("distributed cycle lock enabled", "ttl", cfg.Lock.TTL)
	}

	sheetsClient, err := sheets.NewClient(ctx, cfg.Sheets.SpreadsheetID, cfg.Sheets.CredentialsFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := core.NewRateLimiter(core.RateLimiterConfig{
		MaxTokens:       cfg.Sheets.MaxTokens,
		RefillPerSecond: cfg.Sheets.RefillPerSecond,
		MaxWait:         cfg.Sheets.MaxWait,
	})
	breaker := func(name string) *core.CircuitBreaker {
		return core.NewCircuitBreaker(core.BreakerConfig{
			Name:      name,
			Threshold: cfg.Breaker.Threshold,
			Timeout:   cfg.Breaker.Timeout,
			IsFailure: core.RetryableFailure,
		})
	}

	a.service, err = core.NewService(core.Dependencies{
		Registry:      registry,
		Sheets:        sheetsClient,
		Mapper:        mapping.NewMapper(),
		Store:         a.store,
		Lock:          runLock,
		SheetsLimiter: limiter,
		SheetsBreaker: breaker("sheets"),
		StoreBreaker:  breaker("database"),
	}, core.ServiceConfig{
		Retry: core.RetryConfig{
			MaxRetries:        cfg.Queue.MaxRetries,
			InitialDelay:      cfg.Queue.InitialDelay,
			MaxDelay:          cfg.Queue.MaxDelay,
			BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		},
		Deletion: core.DeletionConfig{
			Enabled:            cfg.Deletion.Enabled,
			StrictMode:         cfg.Deletion.StrictMode,
			RecentActivityDays: cfg.Deletion.RecentActivityDays,
			MaxPerSync:         cfg.Deletion.MaxPerSync,
			DeletedBy:          cfg.Sync.Actor,
		},
		CycleTimeout: cfg.Sync.CycleTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create service: %w", err)
	}

	slog.Info("sync engine ready",
		"entities", len(registry.All()),
		"deletion_enabled", cfg.Deletion.Enabled,
		"strict_mode", cfg.Deletion.StrictMode,
		"max_deletions", cfg.Deletion.MaxPerSync,
	)
	return a, nil
}

// Close releases everything newApp acquired. The queue is closed first so
// no operation starts against a closed pool.
func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func connectDB(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(dbCfg.MaxConns)
	poolConfig.MinConns = int32(dbCfg.MinConns)
	poolConfig.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = dbCfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(dbCfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}
