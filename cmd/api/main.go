package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"framefarm/db/migrations"
	"framefarm/internal/config"
	"framefarm/internal/httpapi"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/shutdown"
	"framefarm/internal/repositories"
	"framefarm/internal/storage"
	"framefarm/internal/util"
	"framefarm/internal/worker/queue"
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
		ServiceName: util.Env("SERVICE_NAME", "framefarm-api"),
	})
	log.Info("starting framefarm API", "storage", cfg.Storage.Provider)

	if cfg.Database.URL == "" || cfg.Redis.Addr == "" {
		log.LogFatal("DATABASE_URL and REDIS_ADDR are required", nil)
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	log.Info("connecting to PostgreSQL")
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
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	router := httpapi.NewRouter(httpapi.Deps{
		Pool:      pool,
		RDB:       rdb,
		Jobs:      repositories.NewJobRepository(pool),
		Scenes:    repositories.NewSceneRepository(pool),
		Queue:     queue.NewRedisQueue(rdb, cfg.Redis.QueueName),
		SP:        sp,
		Log:       log,
		MaxFrames: cfg.Render.MaxFrames,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(ctx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
	}
}
