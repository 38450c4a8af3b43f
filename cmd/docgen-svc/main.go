// Package main 文档生成 API 服务入口
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	appcache "docforge-ai-api/internal/application/cache"
	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/messaging"
	"docforge-ai-api/internal/infrastructure/persistence/postgres"
	redisstore "docforge-ai-api/internal/infrastructure/persistence/redis"
	"docforge-ai-api/internal/interfaces/http/handler"
	"docforge-ai-api/internal/interfaces/http/router"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting docgen-svc",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	redisClient, err := redisstore.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	jobRepo := postgres.NewJobRepository(pgClient)
	prefRepo := postgres.NewPreferenceRepository(pgClient)

	cacheStore := redisstore.NewStore(redisClient, cfg.Cache.KeyPrefix)
	cacheManager := appcache.NewManager(cacheStore, &cfg.Cache)

	producer := messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))
	// 生成在 worker 进程执行，进度经 Redis Pub/Sub 桥接过来
	relay := events.NewRelay(redisClient.Redis(), cfg.Cache.KeyPrefix)

	r := router.New(cfg, &router.Handlers{
		Health:     handler.NewHealthHandler(pgClient, redisClient),
		Generation: handler.NewGenerationHandler(jobRepo, producer),
		Job:        handler.NewJobHandler(jobRepo),
		Events:     handler.NewEventsHandler(jobRepo, relay),
		CacheAdmin: handler.NewCacheAdminHandler(cacheManager, producer),
		Preference: handler.NewPreferenceHandler(prefRepo),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
		}

		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
