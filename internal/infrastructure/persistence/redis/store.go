package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/pkg/logger"
)

var storeTracer = otel.Tracer("redis.store")

// Store repository.CacheStore 的 Redis 实现。
// 条目以 JSON 存储并同时携带 expires_at 字段：Redis TTL 负责自动回收，
// 读取时仍做惰性过期检查以防时钟漂移。
type Store struct {
	client *Client
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// 统计计数键放在独立命名空间，避免被 ClearByPattern 扫到
func costSavedKey(prefix string) string {
	return prefix + "_stats:cost_saved"
}

// NewStore 创建缓存存储
func NewStore(client *Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "docgen"
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
	}
}

// Prefix 返回键前缀
func (s *Store) Prefix() string {
	return s.prefix
}

var _ repository.CacheStore = (*Store)(nil)

// Get 读取条目。ForceRefresh 直接返回未命中，不触达后端。
// 真实命中时同步完成命中记账；记账写失败只记日志，不影响返回值。
func (s *Store) Get(ctx context.Context, key string, opts repository.GetOptions) (*entity.CacheEntry, error) {
	ctx, span := storeTracer.Start(ctx, "cache.Get",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if opts.ForceRefresh {
		span.SetAttributes(attribute.Bool("cache.bypass", true))
		return nil, repository.ErrCacheMiss
	}

	raw, err := s.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			s.misses.Add(1)
			return nil, repository.ErrCacheMiss
		}
		span.RecordError(err)
		return nil, err
	}

	var ent entity.CacheEntry
	if err := json.Unmarshal(raw, &ent); err != nil {
		// 损坏条目按未命中处理并清除
		span.RecordError(err)
		_ = s.client.rdb.Del(ctx, key).Err()
		s.misses.Add(1)
		return nil, repository.ErrCacheMiss
	}

	now := time.Now().UTC()
	if ent.Expired(now) {
		span.SetAttributes(attribute.Bool("cache.expired", true))
		_ = s.client.rdb.Del(ctx, key).Err()
		s.misses.Add(1)
		return nil, repository.ErrCacheMiss
	}

	ent.RecordHit(now)
	s.hits.Add(1)
	span.SetAttributes(attribute.Bool("cache.hit", true))

	// 记账写回保持剩余 TTL（命中不续期）
	if updated, err := json.Marshal(&ent); err == nil {
		if err := s.client.rdb.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
			logger.Warn(ctx, "cache hit bookkeeping write failed", "key", key, "error", err.Error())
		}
	}
	if ent.CostEstimateUSD > 0 {
		if err := s.client.rdb.IncrByFloat(ctx, costSavedKey(s.prefix), ent.CostEstimateUSD).Err(); err != nil {
			logger.Warn(ctx, "cost saved counter update failed", "error", err.Error())
		}
	}

	return &ent, nil
}

// Set 无条件写入（last-writer-wins）
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, costEstimate float64, meta map[string]string) error {
	ctx, span := storeTracer.Start(ctx, "cache.Set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.ttl_ms", ttl.Milliseconds()),
		))
	defer span.End()

	now := time.Now().UTC()
	ent := entity.CacheEntry{
		Key:             key,
		Value:           value,
		CostEstimateUSD: costEstimate,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		Metadata:        meta,
	}
	if meta != nil {
		ent.Provider = meta["provider"]
		ent.Model = meta["model"]
		ent.InputFingerprint = meta["fingerprint"]
	}

	raw, err := json.Marshal(&ent)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.client.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Delete 幂等删除
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := storeTracer.Start(ctx, "cache.Delete",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	return s.client.rdb.Del(ctx, key).Err()
}

// ClearByPattern 按模式批量删除，返回删除的精确数量
func (s *Store) ClearByPattern(ctx context.Context, pattern string) (int64, error) {
	ctx, span := storeTracer.Start(ctx, "cache.ClearByPattern",
		trace.WithAttributes(attribute.String("cache.pattern", pattern)))
	defer span.End()

	iter := s.client.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := s.client.rdb.Del(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("cache.removed", removed))
	return removed, nil
}

// HealthCheck 探活，失败只返回 false
func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.client.rdb.Ping(ctx).Err() == nil
}

// Stats 聚合统计。内存占用来自 INFO memory，不可用时为 0。
func (s *Store) Stats(ctx context.Context) (*repository.CacheStats, error) {
	ctx, span := storeTracer.Start(ctx, "cache.Stats")
	defer span.End()

	var total int64
	iter := s.client.rdb.Scan(ctx, 0, cachekey.AllPattern(s.prefix), 0).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	hits := s.hits.Load()
	misses := s.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var costSaved float64
	if v, err := s.client.rdb.Get(ctx, costSavedKey(s.prefix)).Result(); err == nil {
		costSaved, _ = strconv.ParseFloat(v, 64)
	}

	return &repository.CacheStats{
		TotalEntries:     total,
		MemoryUsageBytes: s.memoryUsage(ctx),
		HitRate:          hitRate,
		TotalCostSaved:   costSaved,
	}, nil
}

// memoryUsage 解析 INFO memory 的 used_memory
func (s *Store) memoryUsage(ctx context.Context) int64 {
	info, err := s.client.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, "used_memory:") {
			v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "used_memory:")), 10, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}
