package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"framefarm/db/migrations"
	"framefarm/internal/adapters/market"
	"framefarm/internal/config"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/shutdown"
	"framefarm/internal/ports"
	"framefarm/internal/status"
	"framefarm/internal/storage"
	"framefarm/internal/util"
	"framefarm/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		ServiceName: util.Env("SERVICE_NAME", "framefarm-worker"),
	})
	if cfg.Database.URL == "" || cfg.Redis.Addr == "" {
		log.LogFatal("DATABASE_URL and REDIS_ADDR are required", nil)
	}

	ctx := context.Background()
	// Leave room for the render's own shutdown grace and the DB writes after it.
	shutdownMgr := shutdown.NewManager(log, cfg.Render.ShutdownGrace+30*time.Second)

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		log.LogFatal("failed to apply migrations", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	mkt, err := market.New(cfg.Market, log)
	if err != nil {
		log.LogFatal("failed to initialize marketplace", err)
	}

	var reporter ports.StatusReporter
	if cfg.Status.BaseURL != "" {
		async := status.NewAsync(status.NewHTTPReporter(cfg.Status.BaseURL, cfg.Status.Timeout), cfg.Status.QueueSize, log)
		shutdownMgr.Register("status-reporter", async.Close)
		reporter = async
	}

	runCtx, stop := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		err := worker.Run(runCtx, worker.Deps{
			Config:   cfg,
			Pool:     pool,
			RDB:      rdb,
			Storage:  sp,
			Market:   mkt,
			Reporter: reporter,
			Log:      log,
		})
		if err != nil && runCtx.Err() == nil {
			log.WithError(err).Error("worker exited")
			go shutdownMgr.Shutdown()
		}
	}()
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		stop()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := shutdownMgr.Wait(ctx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
	}
}
