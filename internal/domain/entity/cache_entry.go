package entity

import (
	"encoding/json"
	"time"
)

// CacheEntry 缓存条目，由缓存存储独占维护，其他组件不得直接修改。
// CostSavedAccumulated 只在命中时增加，写入时不计。
type CacheEntry struct {
	Key              string          `json:"key"`
	Value            json.RawMessage `json:"value"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	InputFingerprint string          `json:"input_fingerprint"`
	HitCount         int64           `json:"hit_count"`
	LastHitAt        *time.Time      `json:"last_hit_at,omitempty"`
	// CostEstimateUSD 生成该条目的估算成本，命中时累加到 CostSavedAccumulated
	CostEstimateUSD      float64           `json:"cost_estimate_usd"`
	CostSavedAccumulated float64           `json:"cost_saved_accumulated"`
	CreatedAt            time.Time         `json:"created_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Expired 检查条目在给定时间是否已过期
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// RecordHit 命中记账：命中数、命中时间、累计节省成本
func (e *CacheEntry) RecordHit(now time.Time) {
	e.HitCount++
	e.LastHitAt = &now
	e.CostSavedAccumulated += e.CostEstimateUSD
}

// UnmarshalValue 解析缓存值
func (e *CacheEntry) UnmarshalValue(v any) error {
	return json.Unmarshal(e.Value, v)
}
