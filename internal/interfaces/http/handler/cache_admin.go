package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appcache "docforge-ai-api/internal/application/cache"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/infrastructure/messaging"
	"docforge-ai-api/internal/interfaces/http/dto"
	"docforge-ai-api/pkg/logger"
)

// CacheAdminHandler 缓存管理处理器
type CacheAdminHandler struct {
	manager  *appcache.Manager
	producer *messaging.Producer
}

// NewCacheAdminHandler 创建缓存管理处理器
func NewCacheAdminHandler(manager *appcache.Manager, producer *messaging.Producer) *CacheAdminHandler {
	return &CacheAdminHandler{
		manager:  manager,
		producer: producer,
	}
}

// Stats 缓存统计
// @Summary 缓存统计
// @Description 返回缓存条目数、命中率与累计节省成本
// @Tags Cache
// @Produce json
// @Success 200 {object} dto.Response[dto.CacheStatsResponse]
// @Failure 503 {object} dto.ErrorResponse
// @Router /v1/cache/stats [get]
func (h *CacheAdminHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.manager.Stats(ctx)
	if err != nil {
		logger.Error(ctx, "failed to get cache stats", err)
		dto.ServiceUnavailable(c, "cache unavailable")
		return
	}

	dto.Success(c, &dto.CacheStatsResponse{
		TotalEntries:     stats.TotalEntries,
		MemoryUsageBytes: stats.MemoryUsageBytes,
		HitRate:          stats.HitRate,
		TotalCostSaved:   stats.TotalCostSaved,
	})
}

// ClearByDocumentType 按文档类型清理缓存
// @Summary 按文档类型清理缓存
// @Tags Cache
// @Produce json
// @Param type path string true "文档类型"
// @Success 200 {object} dto.Response[dto.ClearCacheResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/cache/documents/{type} [delete]
func (h *CacheAdminHandler) ClearByDocumentType(c *gin.Context) {
	ctx := c.Request.Context()

	docType := entity.DocumentType(c.Param("type"))
	if !docType.IsValid() {
		dto.BadRequest(c, "unsupported document type")
		return
	}

	removed, err := h.manager.ClearByDocumentType(ctx, docType)
	if err != nil {
		logger.Error(ctx, "failed to clear cache by document type", err)
		dto.ServiceUnavailable(c, "cache unavailable")
		return
	}

	dto.Success(c, &dto.ClearCacheResponse{Scope: string(docType), Removed: removed})
}

// ClearByProvider 按提供商清理缓存
// @Summary 按提供商清理缓存
// @Tags Cache
// @Produce json
// @Param provider path string true "提供商名称"
// @Success 200 {object} dto.Response[dto.ClearCacheResponse]
// @Router /v1/cache/providers/{provider} [delete]
func (h *CacheAdminHandler) ClearByProvider(c *gin.Context) {
	ctx := c.Request.Context()

	provider := c.Param("provider")
	if provider == "" {
		dto.BadRequest(c, "provider is required")
		return
	}

	removed, err := h.manager.ClearByProvider(ctx, provider)
	if err != nil {
		logger.Error(ctx, "failed to clear cache by provider", err)
		dto.ServiceUnavailable(c, "cache unavailable")
		return
	}

	dto.Success(c, &dto.ClearCacheResponse{Scope: provider, Removed: removed})
}

// ClearAll 清理全部缓存
// @Summary 清理全部生成缓存
// @Tags Cache
// @Produce json
// @Success 200 {object} dto.Response[dto.ClearCacheResponse]
// @Router /v1/cache [delete]
func (h *CacheAdminHandler) ClearAll(c *gin.Context) {
	ctx := c.Request.Context()

	removed, err := h.manager.ClearAll(ctx)
	if err != nil {
		logger.Error(ctx, "failed to clear cache", err)
		dto.ServiceUnavailable(c, "cache unavailable")
		return
	}

	dto.Success(c, &dto.ClearCacheResponse{Scope: "all", Removed: removed})
}

// Warm 受理缓存预热请求
// @Summary 缓存预热
// @Description 将预热目标入队，由后台 worker 逐个生成并写入缓存
// @Tags Cache
// @Accept json
// @Produce json
// @Param request body dto.WarmCacheRequest true "预热请求"
// @Success 202 {object} dto.Response[dto.WarmCacheResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/cache/warm [post]
func (h *CacheAdminHandler) Warm(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.WarmCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	targets := make([]messaging.WarmTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		docType := entity.DocumentType(t.DocumentType)
		if !docType.IsValid() {
			dto.BadRequest(c, "unsupported document type: "+t.DocumentType)
			return
		}
		targets = append(targets, messaging.WarmTarget{
			DocumentType: docType,
			Input:        t.Input,
			Provider:     t.Provider,
			Model:        t.Model,
		})
	}

	jobID := uuid.NewString()
	if _, err := h.producer.PublishWarmJob(ctx, &messaging.CacheWarmMessage{
		JobID:   jobID,
		UserID:  dto.BindUserID(c),
		Targets: targets,
	}); err != nil {
		logger.Error(ctx, "failed to enqueue warm job", err)
		dto.InternalError(c, "failed to enqueue warm job")
		return
	}

	dto.Accepted(c, &dto.WarmCacheResponse{JobID: jobID, Targets: len(targets)})
}
