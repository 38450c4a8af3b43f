// Package cache 提供缓存策略层：TTL 决策、准入规则与批量管理
package cache

import (
	"context"
	"encoding/json"
	"time"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

const defaultTTL = 24 * time.Hour

// Manager 在 CacheStore 之上实施缓存策略。
// 后端故障一律降级为未命中，绝不阻断生成流程。
type Manager struct {
	store  repository.CacheStore
	cfg    *config.CacheConfig
	prefix string
}

// NewManager 创建缓存管理器
func NewManager(store repository.CacheStore, cfg *config.CacheConfig) *Manager {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "docgen"
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		prefix: prefix,
	}
}

// Prefix 返回缓存键前缀
func (m *Manager) Prefix() string {
	return m.prefix
}

// TTLFor 按文档类型与阶段决定 TTL。embedding 阶段使用独立 TTL，
// 不随文档类型变化。
func (m *Manager) TTLFor(docType entity.DocumentType, stage cachekey.Stage) time.Duration {
	if stage == cachekey.StageEmbedding {
		if m.cfg.EmbeddingTTL > 0 {
			return m.cfg.EmbeddingTTL
		}
		return defaultTTL
	}
	if ttl, ok := m.cfg.TTL[string(docType)]; ok && ttl > 0 {
		return ttl
	}
	return defaultTTL
}

// ShouldCache 缓存准入：模板类请求永远可缓存，
// 含 PII 的输入不缓存，其余看请求开关。
func (m *Manager) ShouldCache(req *entity.GenerationRequest) bool {
	if req.IsTemplate {
		return true
	}
	if req.ContainsPII {
		return false
	}
	return req.UseCache
}

// Lookup 读取缓存。后端错误降级为未命中并记录日志。
func (m *Manager) Lookup(ctx context.Context, key cachekey.Key, forceRefresh bool) (*entity.CacheEntry, bool) {
	docType, stage := string(key.DocumentType), string(key.Stage)

	ent, err := m.store.Get(ctx, key.String(), repository.GetOptions{ForceRefresh: forceRefresh})
	if err != nil {
		if err == repository.ErrCacheMiss {
			result := "miss"
			if forceRefresh {
				result = "bypass"
			}
			metrics.CacheLookupsTotal.WithLabelValues(docType, stage, result).Inc()
			return nil, false
		}
		logger.Warn(ctx, "cache lookup degraded to miss", "key", key.String(), "error", err.Error())
		metrics.CacheLookupsTotal.WithLabelValues(docType, stage, "error").Inc()
		return nil, false
	}

	metrics.CacheLookupsTotal.WithLabelValues(docType, stage, "hit").Inc()
	if ent.CostEstimateUSD > 0 {
		metrics.CacheCostSaved.WithLabelValues(docType, stage).Add(ent.CostEstimateUSD)
	}
	return ent, true
}

// Store 写入缓存。写失败只记日志，生成结果照常返回。
func (m *Manager) Store(ctx context.Context, key cachekey.Key, value json.RawMessage, costEstimate float64) {
	ttl := m.TTLFor(key.DocumentType, key.Stage)
	meta := map[string]string{
		"provider":    key.Provider,
		"model":       key.Model,
		"fingerprint": key.Fingerprint,
	}

	if err := m.store.Set(ctx, key.String(), value, ttl, costEstimate, meta); err != nil {
		logger.Warn(ctx, "cache write failed", "key", key.String(), "error", err.Error())
	}
}

// Invalidate 删除单个条目
func (m *Manager) Invalidate(ctx context.Context, key cachekey.Key) error {
	return m.store.Delete(ctx, key.String())
}

// ClearByDocumentType 按文档类型批量失效
func (m *Manager) ClearByDocumentType(ctx context.Context, docType entity.DocumentType) (int64, error) {
	removed, err := m.store.ClearByPattern(ctx, cachekey.DocumentTypePattern(m.prefix, docType))
	if err == nil {
		metrics.CacheInvalidatedTotal.WithLabelValues("document_type").Add(float64(removed))
	}
	return removed, err
}

// ClearByProvider 按提供商批量失效
func (m *Manager) ClearByProvider(ctx context.Context, provider string) (int64, error) {
	removed, err := m.store.ClearByPattern(ctx, cachekey.ProviderPattern(m.prefix, provider))
	if err == nil {
		metrics.CacheInvalidatedTotal.WithLabelValues("provider").Add(float64(removed))
	}
	return removed, err
}

// ClearAll 清空全部缓存条目（统计计数键不在匹配范围内）
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	removed, err := m.store.ClearByPattern(ctx, cachekey.AllPattern(m.prefix))
	if err == nil {
		metrics.CacheInvalidatedTotal.WithLabelValues("all").Add(float64(removed))
	}
	return removed, err
}

// Stats 后端聚合统计
func (m *Manager) Stats(ctx context.Context) (*repository.CacheStats, error) {
	return m.store.Stats(ctx)
}

// Healthy 后端探活
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.store.HealthCheck(ctx)
}
