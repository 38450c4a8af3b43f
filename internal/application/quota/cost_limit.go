// Package quota 提供生成前的用量准入检查
package quota

import (
	"context"
	"fmt"
	"time"

	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/pkg/logger"
)

// CostLimitChecker 基于审计表的日成本上限检查。
// 窗口按 UTC 自然日计算。
type CostLimitChecker struct {
	usage repository.UsageRepository
	cfg   *config.QuotaConfig
}

var _ repository.QuotaChecker = (*CostLimitChecker)(nil)

// NewCostLimitChecker 创建成本准入检查器
func NewCostLimitChecker(usage repository.UsageRepository, cfg *config.QuotaConfig) *CostLimitChecker {
	return &CostLimitChecker{
		usage: usage,
		cfg:   cfg,
	}
}

// CheckCostLimit 查询用户当日累计成本并与上限比较。
// 审计表不可用时放行，准入检查不得成为生成的单点故障。
func (c *CostLimitChecker) CheckCostLimit(ctx context.Context, userID string) (*repository.AdmissionResult, error) {
	if !c.cfg.Enabled || c.cfg.DailyCostLimitUSD <= 0 {
		return &repository.AdmissionResult{Allowed: true}, nil
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	spent, err := c.usage.GetDailyCost(ctx, userID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		logger.Warn(ctx, "daily cost query failed, admitting request", "user_id", userID, "error", err.Error())
		return &repository.AdmissionResult{Allowed: true}, nil
	}

	if spent >= c.cfg.DailyCostLimitUSD {
		return &repository.AdmissionResult{
			Allowed: false,
			Reason: fmt.Sprintf("daily cost %.4f USD reached limit %.4f USD",
				spent, c.cfg.DailyCostLimitUSD),
		}, nil
	}
	return &repository.AdmissionResult{Allowed: true}, nil
}
