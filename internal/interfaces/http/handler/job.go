package handler

import (
	"github.com/gin-gonic/gin"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/interfaces/http/dto"
	"docforge-ai-api/pkg/logger"
)

// JobHandler 任务处理器
type JobHandler struct {
	jobRepo repository.JobRepository
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobRepo repository.JobRepository) *JobHandler {
	return &JobHandler{
		jobRepo: jobRepo,
	}
}

// GetJob 获取任务详情
// @Summary 获取任务详情
// @Description 获取指定任务的详细信息和状态
// @Tags Jobs
// @Accept json
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.JobResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [get]
func (h *JobHandler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := dto.BindJobID(c)

	job, err := h.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		logger.Error(ctx, "failed to get job", err)
		dto.InternalError(c, "failed to get job")
		return
	}

	if job == nil {
		dto.NotFound(c, "job not found")
		return
	}

	dto.Success(c, dto.ToJobResponse(job))
}

// CancelJob 取消任务
// @Summary 取消任务
// @Description 请求取消指定任务；正在运行的任务在下一个阶段边界停止
// @Tags Jobs
// @Accept json
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.CancelJobResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "任务已结束"
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [delete]
func (h *JobHandler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := dto.BindJobID(c)

	job, err := h.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		logger.Error(ctx, "failed to get job", err)
		dto.InternalError(c, "failed to get job")
		return
	}

	if job == nil {
		dto.NotFound(c, "job not found")
		return
	}

	if job.Status == entity.JobStatusCancelled {
		dto.Success(c, &dto.CancelJobResponse{ID: jobID, Cancelled: true})
		return
	}

	if job.IsTerminal() {
		dto.Conflict(c, "job already finished")
		return
	}

	if err := h.jobRepo.UpdateStatus(ctx, jobID, entity.JobStatusCancelled); err != nil {
		logger.Error(ctx, "failed to cancel job", err)
		dto.InternalError(c, "failed to cancel job")
		return
	}

	dto.Success(c, &dto.CancelJobResponse{ID: jobID, Cancelled: true})
}
