package cache

import (
	"context"

	"golang.org/x/time/rate"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/infrastructure/messaging"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

// GenerationRunner 预热执行入口：由生成编排器实现
type GenerationRunner interface {
	Run(ctx context.Context, jobID string, req *entity.GenerationRequest) (*entity.GenerationResult, error)
}

// Warmer 缓存预热器。按限速逐个执行预热目标，
// 单个目标失败跳过，不中断整批任务。
type Warmer struct {
	manager *Manager
	runner  GenerationRunner
	limiter *rate.Limiter

	defaultProvider string
	providerModels  map[string]string
}

// NewWarmer 创建预热器。patternsPerMinute 控制每分钟处理的目标数。
func NewWarmer(manager *Manager, runner GenerationRunner, defaultProvider string, providerModels map[string]string, patternsPerMinute int) *Warmer {
	if patternsPerMinute <= 0 {
		patternsPerMinute = 6
	}
	return &Warmer{
		manager:         manager,
		runner:          runner,
		limiter:         rate.NewLimiter(rate.Limit(float64(patternsPerMinute)/60.0), 1),
		defaultProvider: defaultProvider,
		providerModels:  providerModels,
	}
}

// WarmResult 一批预热的执行结果
type WarmResult struct {
	Total   int `json:"total"`
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Warm 处理一批预热目标。已有缓存的目标直接跳过。
func (w *Warmer) Warm(ctx context.Context, userID string, targets []messaging.WarmTarget) (*WarmResult, error) {
	result := &WarmResult{Total: len(targets)}

	for _, target := range targets {
		if err := w.limiter.Wait(ctx); err != nil {
			return result, err
		}

		provider := target.Provider
		if provider == "" {
			provider = w.defaultProvider
		}
		model := target.Model
		if model == "" {
			model = w.providerModels[provider]
		}

		if w.alreadyWarm(ctx, target, provider, model) {
			result.Skipped++
			metrics.CacheWarmedTotal.WithLabelValues(string(target.DocumentType), "skipped").Inc()
			continue
		}

		// 模型必须用解析后的值，保证执行器写入的键与跳过检查的键一致
		req := &entity.GenerationRequest{
			DocumentType: target.DocumentType,
			RawInput:     target.Input,
			Provider:     provider,
			Model:        model,
			UserID:       userID,
			UseCache:     true,
			IsTemplate:   true,
		}

		if _, err := w.runner.Run(ctx, "", req); err != nil {
			result.Failed++
			metrics.CacheWarmedTotal.WithLabelValues(string(target.DocumentType), "failed").Inc()
			logger.Warn(ctx, "warm target failed, skipping",
				"document_type", target.DocumentType, "error", err.Error())
			continue
		}

		result.Warmed++
		metrics.CacheWarmedTotal.WithLabelValues(string(target.DocumentType), "warmed").Inc()
	}

	logger.Info(ctx, "cache warm batch finished",
		"total", result.Total, "warmed", result.Warmed,
		"skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

// alreadyWarm 大纲条目已在缓存中即认为目标已预热
func (w *Warmer) alreadyWarm(ctx context.Context, target messaging.WarmTarget, provider, model string) bool {
	fp, err := cachekey.FingerprintRequest(target.Input)
	if err != nil {
		return false
	}
	key := cachekey.Key{
		Prefix:       w.manager.Prefix(),
		DocumentType: target.DocumentType,
		Stage:        cachekey.StageOutline,
		Provider:     provider,
		Model:        model,
		Fingerprint:  fp,
	}
	_, hit := w.manager.Lookup(ctx, key, false)
	return hit
}
