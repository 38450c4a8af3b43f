// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
)

// JobRepository 任务仓储实现
type JobRepository struct {
	client *Client
}

var _ repository.JobRepository = (*JobRepository)(nil)

// NewJobRepository 创建任务仓储
func NewJobRepository(client *Client) *JobRepository {
	return &JobRepository{client: client}
}

// Create 创建任务
func (r *JobRepository) Create(ctx context.Context, job *entity.GenerationJob) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.Create")
	defer span.End()

	if err := r.client.db.WithContext(ctx).Create(job).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取任务；不存在时返回 nil, nil
func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.GenerationJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.GetByID")
	defer span.End()

	var job entity.GenerationJob
	if err := r.client.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// MarkRunning 标记任务为运行中
func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.MarkRunning")
	defer span.End()

	now := time.Now()
	if err := r.client.db.WithContext(ctx).Model(&entity.GenerationJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     entity.JobStatusRunning,
		"started_at": now,
	}).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// UpdateProgress 更新任务进度
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.UpdateProgress")
	defer span.End()

	if err := r.client.db.WithContext(ctx).Model(&entity.GenerationJob{}).Where("id = ?", id).
		Update("progress", progress).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// SetResult 设置任务结果
func (r *JobRepository) SetResult(ctx context.Context, id string, result []byte, errMsg string) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.SetResult")
	defer span.End()

	now := time.Now()
	updates := map[string]interface{}{
		"completed_at": now,
	}
	if result != nil {
		updates["output_result"] = result
		updates["status"] = entity.JobStatusCompleted
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
		updates["status"] = entity.JobStatusFailed
	}

	if err := r.client.db.WithContext(ctx).Model(&entity.GenerationJob{}).Where("id = ?", id).
		Updates(updates).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set job result: %w", err)
	}
	return nil
}

// UpdateStatus 更新任务状态。终态任务不允许回退。
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status entity.JobStatus) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.UpdateStatus")
	defer span.End()

	if err := r.client.db.WithContext(ctx).Model(&entity.GenerationJob{}).
		Where("id = ? AND status NOT IN ?", id, []entity.JobStatus{
			entity.JobStatusCompleted, entity.JobStatusFailed, entity.JobStatusCancelled,
		}).
		Update("status", status).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}
