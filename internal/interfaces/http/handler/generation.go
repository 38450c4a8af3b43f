// Package handler 提供 HTTP 请求处理器
package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/infrastructure/messaging"
	"docforge-ai-api/internal/interfaces/http/dto"
	"docforge-ai-api/pkg/logger"
)

// GenerationHandler 文档生成处理器
type GenerationHandler struct {
	jobRepo  repository.JobRepository
	producer *messaging.Producer
}

// NewGenerationHandler 创建文档生成处理器
func NewGenerationHandler(jobRepo repository.JobRepository, producer *messaging.Producer) *GenerationHandler {
	return &GenerationHandler{
		jobRepo:  jobRepo,
		producer: producer,
	}
}

// Generate 受理文档生成请求
// @Summary 生成文档
// @Description 校验请求并入队异步生成任务
// @Tags Documents
// @Accept json
// @Produce json
// @Param request body dto.GenerateDocumentRequest true "生成请求"
// @Success 202 {object} dto.Response[dto.GenerateDocumentResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/documents/generate [post]
func (h *GenerationHandler) Generate(c *gin.Context) {
	ctx := c.Request.Context()

	userID := dto.BindUserID(c)
	if userID == "" {
		dto.BadRequest(c, "missing X-User-ID header")
		return
	}

	var req dto.GenerateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	genReq := req.ToEntity(userID)
	if err := genReq.Validate(); err != nil {
		dto.BadRequest(c, err.Error())
		return
	}

	inputParams, err := json.Marshal(genReq)
	if err != nil {
		logger.Error(ctx, "failed to marshal generation request", err)
		dto.InternalError(c, "failed to accept request")
		return
	}

	job := entity.NewGenerationJob(userID, genReq.DocumentType, entity.JobTypeDocumentGen, inputParams)
	job.ID = uuid.NewString()

	if err := h.jobRepo.Create(ctx, job); err != nil {
		logger.Error(ctx, "failed to create job", err)
		dto.InternalError(c, "failed to create job")
		return
	}

	if _, err := h.producer.PublishDocumentJob(ctx, &messaging.DocumentJobMessage{
		JobID:     job.ID,
		UserID:    userID,
		RequestID: c.GetString("request_id"),
		Request:   *genReq,
	}); err != nil {
		logger.Error(ctx, "failed to enqueue job", err, "job_id", job.ID)
		// 入队失败时任务留在 pending，标记失败避免悬挂
		_ = h.jobRepo.SetResult(ctx, job.ID, nil, "failed to enqueue job")
		dto.InternalError(c, "failed to enqueue job")
		return
	}

	dto.Accepted(c, &dto.GenerateDocumentResponse{
		JobID:  job.ID,
		Status: string(entity.JobStatusPending),
	})
}
