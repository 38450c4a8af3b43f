// Package main 异步任务执行器入口（job-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	appcache "docforge-ai-api/internal/application/cache"
	"docforge-ai-api/internal/application/generation"
	"docforge-ai-api/internal/application/quota"
	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/llm"
	"docforge-ai-api/internal/infrastructure/messaging"
	"docforge-ai-api/internal/infrastructure/persistence/postgres"
	redisstore "docforge-ai-api/internal/infrastructure/persistence/redis"
	"docforge-ai-api/internal/workflow/prompt"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/tracer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx := context.Background()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "job-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

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
	docRepo := postgres.NewDocumentRepository(pgClient)
	usageRepo := postgres.NewUsageRepository(pgClient)
	prefRepo := postgres.NewPreferenceRepository(pgClient)

	cacheStore := redisstore.NewStore(redisClient, cfg.Cache.KeyPrefix)
	cacheManager := appcache.NewManager(cacheStore, &cfg.Cache)

	// 进度事件除本地分发外同时经 Redis Pub/Sub 桥接给 API 进程
	relay := events.NewRelay(redisClient.Redis(), cfg.Cache.KeyPrefix)
	bus := events.NewBus().WithSink(relay.Forward)

	orchestrator := generation.NewOrchestrator(
		cfg,
		llm.NewFactory(cfg),
		cacheManager,
		prompt.NewRegistry(),
		bus,
	).
		WithQuota(quota.NewCostLimitChecker(usageRepo, &cfg.Quota)).
		WithPreferences(prefRepo).
		WithDocuments(docRepo).
		WithUsage(usageRepo).
		WithJobs(jobRepo)

	providerModels := make(map[string]string, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		providerModels[name] = p.Model
	}
	// 预热走合成大纲执行器，不消耗提供商配额
	warmer := appcache.NewWarmer(cacheManager, appcache.NewSyntheticRunner(cacheManager),
		cfg.LLM.DefaultProvider, providerModels, cfg.Warmer.PatternsPerMinute)

	backoff := messaging.BackoffConfig{
		Initial:    cfg.Messaging.RedisStream.RetryBackoff.Initial,
		Max:        cfg.Messaging.RedisStream.RetryBackoff.Max,
		Multiplier: cfg.Messaging.RedisStream.RetryBackoff.Multiplier,
	}

	docConsumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamDocumentGen,
		Group:         messaging.ConsumerGroupDocWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  cfg.Messaging.RedisStream.BlockTimeout,
		ClaimInterval: cfg.Messaging.RedisStream.ClaimInterval,
		RetryLimit:    cfg.Messaging.RedisStream.RetryLimit,
		Backoff:       backoff,
	})

	// 生成任务成为死信时任务不能停留在 pending/running
	docConsumer.RegisterDeadLetterHandler(func(dlqCtx context.Context, msg *messaging.Message, cause error) {
		if msg.JobID == "" {
			return
		}
		if err := jobRepo.SetResult(dlqCtx, msg.JobID, nil, fmt.Sprintf("job abandoned after max retries: %v", cause)); err != nil {
			logger.Warn(dlqCtx, "failed to fail dead-lettered job", "job_id", msg.JobID, "error", err.Error())
		}
	})

	docConsumer.RegisterHandler(messaging.MessageTypeDocumentGen, func(msgCtx context.Context, msg *messaging.Message) error {
		var payload messaging.DocumentJobMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}

		job, err := jobRepo.GetByID(msgCtx, payload.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job not found: %s", payload.JobID)
		}
		if job.Status == entity.JobStatusCancelled {
			return nil
		}

		// 终态均由编排器持久化，消费层只负责失败重投递
		_, err = orchestrator.Run(msgCtx, payload.JobID, &payload.Request)
		if err != nil && msgCtx.Err() == nil {
			logger.Error(msgCtx, "document generation failed", err, "job_id", payload.JobID)
		}
		return nil
	})

	warmConsumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamCacheWarm,
		Group:         messaging.ConsumerGroupWarmWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  cfg.Messaging.RedisStream.BlockTimeout,
		ClaimInterval: cfg.Messaging.RedisStream.ClaimInterval,
		RetryLimit:    cfg.Messaging.RedisStream.RetryLimit,
		Backoff:       backoff,
		// 预热批次可随时重算，超限后直接丢弃
		DropDeadLetters: true,
	})

	warmConsumer.RegisterHandler(messaging.MessageTypeCacheWarm, func(msgCtx context.Context, msg *messaging.Message) error {
		var payload messaging.CacheWarmMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}

		userID := payload.UserID
		if userID == "" {
			userID = "cache-warmer"
		}
		result, err := warmer.Warm(msgCtx, userID, payload.Targets)
		if err != nil {
			return err
		}
		logger.Info(msgCtx, "cache warm batch finished",
			"job_id", payload.JobID,
			"total", result.Total,
			"warmed", result.Warmed,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
		return nil
	})

	if err := docConsumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start document consumer", err)
	}
	if err := warmConsumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start warm consumer", err)
	}

	go docConsumer.MonitorDLQ(ctx, 100)
	go warmConsumer.MonitorDLQ(ctx, 100)

	log := logger.FromContext(ctx)
	log.Info("job-worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("job-worker shutting down")
	docConsumer.Stop()
	warmConsumer.Stop()
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
