package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docforge-ai-api/internal/domain/repository"
)

// llmUsageRow llm_usage_records 表行
type llmUsageRow struct {
	ID               string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"type:varchar(64);index:idx_usage_user_time;not null"`
	JobID            string    `gorm:"type:uuid;index"`
	Provider         string    `gorm:"type:varchar(64);not null"`
	Model            string    `gorm:"type:varchar(128)"`
	Stage            string    `gorm:"type:varchar(32)"`
	PromptTokens     int       `gorm:"default:0"`
	CompletionTokens int       `gorm:"default:0"`
	CostUSD          float64   `gorm:"column:cost_usd;default:0"`
	DurationMs       int64     `gorm:"default:0"`
	CreatedAt        time.Time `gorm:"index:idx_usage_user_time;autoCreateTime"`
}

func (llmUsageRow) TableName() string {
	return "llm_usage_records"
}

// UsageRepository LLM 用量审计仓储实现
type UsageRepository struct {
	client *Client
}

var _ repository.UsageRepository = (*UsageRepository)(nil)

// NewUsageRepository 创建用量审计仓储
func NewUsageRepository(client *Client) *UsageRepository {
	return &UsageRepository{client: client}
}

// Record 记录单次 LLM 调用
func (r *UsageRepository) Record(ctx context.Context, rec *repository.LLMUsageRecord) error {
	ctx, span := tracer.Start(ctx, "postgres.UsageRepository.Record")
	defer span.End()

	row := &llmUsageRow{
		ID:               uuid.NewString(),
		UserID:           rec.UserID,
		JobID:            rec.JobID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		Stage:            rec.Stage,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		CostUSD:          rec.CostUSD,
		DurationMs:       rec.DurationMs,
		CreatedAt:        rec.CreatedAt,
	}
	if err := r.client.db.WithContext(ctx).Create(row).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to record llm usage: %w", err)
	}
	return nil
}

// GetDailyCost 统计用户在 [start, end) 区间内的累计成本
func (r *UsageRepository) GetDailyCost(ctx context.Context, userID string, start, end time.Time) (float64, error) {
	ctx, span := tracer.Start(ctx, "postgres.UsageRepository.GetDailyCost")
	defer span.End()

	var total float64
	if err := r.client.db.WithContext(ctx).Model(&llmUsageRow{}).
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, start, end).
		Select("COALESCE(SUM(cost_usd),0)").
		Scan(&total).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get daily cost: %w", err)
	}
	return total, nil
}
