package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
)

// DocumentRepository 文档产物仓储实现
type DocumentRepository struct {
	client *Client
}

var _ repository.DocumentRepository = (*DocumentRepository)(nil)

// NewDocumentRepository 创建文档产物仓储
func NewDocumentRepository(client *Client) *DocumentRepository {
	return &DocumentRepository{client: client}
}

// SaveResult 落库管线产出的终态记录
func (r *DocumentRepository) SaveResult(ctx context.Context, jobID, userID string, docType entity.DocumentType, result *entity.GenerationResult) error {
	ctx, span := tracer.Start(ctx, "postgres.DocumentRepository.SaveResult")
	defer span.End()

	if result == nil {
		return fmt.Errorf("result is nil")
	}

	doc := &entity.GeneratedDocument{
		ID:               uuid.NewString(),
		JobID:            jobID,
		UserID:           userID,
		DocumentType:     docType,
		Status:           result.Status,
		Content:          result.Content,
		Outline:          result.OutlineJSON,
		Provider:         result.Provider,
		Model:            result.Model,
		TokensPrompt:     result.TokenUsage.PromptTokens,
		TokensCompletion: result.TokenUsage.CompletionTokens,
		CostUSD:          result.CostUSD,
		CostSaved:        result.Stats.CostSaved,
		FailureStage:     result.FailureStage,
		FailureMsg:       result.FailureMsg,
	}
	if len(result.Sections) > 0 {
		data, err := json.Marshal(result.Sections)
		if err != nil {
			return fmt.Errorf("failed to marshal sections: %w", err)
		}
		doc.Sections = data
	}

	if err := r.client.db.WithContext(ctx).Create(doc).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}
