package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"predict-duel/internal/cache"
	"predict-duel/internal/config"
	"predict-duel/internal/events"
	"predict-duel/internal/observability"
	"predict-duel/internal/settlement"
	"predict-duel/internal/storage"
	chstore "predict-duel/internal/storage/clickhouse"
	"predict-duel/internal/storage/memory"
	"predict-duel/internal/storage/migrations"
	pgstore "predict-duel/internal/storage/postgres"
)

// cleanups runs registered closers in reverse order.
type cleanups []func()

func (c *cleanups) add(fn func()) {
	*c = append(*c, fn)
}

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// openStore creates the configured settlement store.
func openStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if cfg.Storage.RunMigrations {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		logger.Info("store-opened", zap.String("backend", config.BackendPostgres))
		return pgstore.NewSettlementStore(pool, metrics), nil
	default:
		logger.Info("store-opened", zap.String("backend", config.BackendMemory))
		return memory.NewSettlementStore(), nil
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*events.RedisPublisher, error) {
	return events.NewRedisPublisher(ctx, events.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
		Stream:   cfg.Redis.Stream,
	}, logger)
}

// engineDeps is everything an Engine needs beyond its options.
type engineDeps struct {
	engine      *settlement.Engine
	store       storage.Store
	broadcaster *events.Broadcaster
	publisher   *events.RedisPublisher // nil unless redis is configured
}

// buildEngine wires the store, sinks and cache into an Engine. Optional
// sinks are enabled by their config sections.
func buildEngine(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger, cl *cleanups) (*engineDeps, error) {
	programID, err := cfg.ProgramID()
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	cl.add(func() { _ = store.Close() })

	broadcaster := events.NewBroadcaster(64, logger)
	sinks := []settlement.EventSink{broadcaster}

	if cfg.Clickhouse.DSN != "" {
		conn, err := chstore.NewMigratedConn(ctx, cfg.Clickhouse.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		cl.add(func() { _ = conn.Close() })
		sinks = append(sinks, chstore.NewEventStore(conn))
	}

	var pub *events.RedisPublisher
	if cfg.Redis.Addr != "" {
		pub, err = openRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	opts := settlement.Options{
		Store:          store,
		ProgramID:      programID,
		MinStake:       cfg.Settlement.MinStake,
		MaxQuestionLen: cfg.Settlement.MaxQuestionLen,
		Sinks:          sinks,
		Metrics:        metrics,
		Logger:         logger,
	}

	if cfg.Cache.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.MaxCost = cfg.Cache.MaxCost
		cacheCfg.NumCounters = cfg.Cache.MaxCost * 10
		cacheCfg.TTL = cfg.Cache.TTL.Duration
		cacheCfg.Logger = logger
		mc, err := cache.NewMarketCache(cacheCfg)
		if err != nil {
			return nil, err
		}
		cl.add(mc.Close)
		metrics.RegisterCacheHitRatio(mc.HitRatio)
		opts.Cache = mc
	}

	return &engineDeps{
		engine:      settlement.New(opts),
		store:       store,
		broadcaster: broadcaster,
		publisher:   pub,
	}, nil
}
