// Package repository 定义领域仓储与外部协作方接口
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"docforge-ai-api/internal/domain/entity"
)

// ErrCacheMiss 缓存未命中（含惰性过期）
var ErrCacheMiss = errors.New("cache miss")

// GetOptions 缓存读取选项
type GetOptions struct {
	// ForceRefresh 为 true 时直接返回未命中，不触达后端读路径
	ForceRefresh bool
}

// CacheStats 缓存聚合统计
type CacheStats struct {
	TotalEntries     int64   `json:"total_entries"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	HitRate          float64 `json:"hit_rate"`
	TotalCostSaved   float64 `json:"total_cost_saved"`
}

// CacheStore 缓存存储接口。条目由实现独占维护。
type CacheStore interface {
	// Get 读取条目。真实命中时同步完成命中记账（记账失败不影响返回）。
	// 未命中（含 ForceRefresh 与惰性过期）返回 ErrCacheMiss。
	Get(ctx context.Context, key string, opts GetOptions) (*entity.CacheEntry, error)

	// Set 无条件写入条目（last-writer-wins），expiresAt = now + ttl
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, costEstimate float64, meta map[string]string) error

	// Delete 幂等删除
	Delete(ctx context.Context, key string) error

	// ClearByPattern 按 glob 模式批量删除，返回删除的精确数量
	ClearByPattern(ctx context.Context, pattern string) (int64, error)

	// HealthCheck 后端探活，只返回布尔，不抛错
	HealthCheck(ctx context.Context) bool

	// Stats 聚合统计
	Stats(ctx context.Context) (*CacheStats, error)
}
