package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
)

// PreferenceRepository 提供商偏好仓储实现
type PreferenceRepository struct {
	client *Client
}

var _ repository.PreferenceRepository = (*PreferenceRepository)(nil)

// NewPreferenceRepository 创建提供商偏好仓储
func NewPreferenceRepository(client *Client) *PreferenceRepository {
	return &PreferenceRepository{client: client}
}

// GetProviderForDocumentType 按文档类型查找偏好；无记录时返回 nil, nil
func (r *PreferenceRepository) GetProviderForDocumentType(ctx context.Context, userID string, docType entity.DocumentType) (*entity.ProviderPreference, error) {
	ctx, span := tracer.Start(ctx, "postgres.PreferenceRepository.GetProviderForDocumentType")
	defer span.End()

	return r.getByDocType(ctx, userID, string(docType))
}

// GetDefault 用户级默认偏好（document_type 为空）；无记录时返回 nil, nil
func (r *PreferenceRepository) GetDefault(ctx context.Context, userID string) (*entity.ProviderPreference, error) {
	ctx, span := tracer.Start(ctx, "postgres.PreferenceRepository.GetDefault")
	defer span.End()

	return r.getByDocType(ctx, userID, "")
}

func (r *PreferenceRepository) getByDocType(ctx context.Context, userID, docType string) (*entity.ProviderPreference, error) {
	var pref entity.ProviderPreference
	err := r.client.db.WithContext(ctx).
		Where("user_id = ? AND document_type = ?", userID, docType).
		First(&pref).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider preference: %w", err)
	}
	return &pref, nil
}

// Upsert 插入或更新偏好，以 (user_id, document_type) 为冲突键
func (r *PreferenceRepository) Upsert(ctx context.Context, pref *entity.ProviderPreference) error {
	ctx, span := tracer.Start(ctx, "postgres.PreferenceRepository.Upsert")
	defer span.End()

	if err := r.client.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "document_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "model", "temperature", "max_tokens", "cache_enabled", "updated_at",
		}),
	}).Create(pref).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert provider preference: %w", err)
	}
	return nil
}
