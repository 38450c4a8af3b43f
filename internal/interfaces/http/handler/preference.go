package handler

import (
	"github.com/gin-gonic/gin"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/interfaces/http/dto"
	"docforge-ai-api/pkg/logger"
)

// PreferenceHandler 提供商偏好处理器
type PreferenceHandler struct {
	prefRepo repository.PreferenceRepository
}

// NewPreferenceHandler 创建提供商偏好处理器
func NewPreferenceHandler(prefRepo repository.PreferenceRepository) *PreferenceHandler {
	return &PreferenceHandler{
		prefRepo: prefRepo,
	}
}

// GetPreference 查询提供商偏好
// @Summary 查询提供商偏好
// @Description 查询用户偏好；document_type 为空时返回用户默认偏好
// @Tags Preferences
// @Produce json
// @Param document_type query string false "文档类型"
// @Success 200 {object} dto.Response[dto.PreferenceResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/preferences [get]
func (h *PreferenceHandler) GetPreference(c *gin.Context) {
	ctx := c.Request.Context()

	userID := dto.BindUserID(c)
	if userID == "" {
		dto.BadRequest(c, "missing X-User-ID header")
		return
	}

	var (
		pref *entity.ProviderPreference
		err  error
	)
	if docType := c.Query("document_type"); docType != "" {
		dt := entity.DocumentType(docType)
		if !dt.IsValid() {
			dto.BadRequest(c, "unsupported document type")
			return
		}
		pref, err = h.prefRepo.GetProviderForDocumentType(ctx, userID, dt)
	} else {
		pref, err = h.prefRepo.GetDefault(ctx, userID)
	}
	if err != nil {
		logger.Error(ctx, "failed to get preference", err)
		dto.InternalError(c, "failed to get preference")
		return
	}
	if pref == nil {
		dto.NotFound(c, "preference not found")
		return
	}

	dto.Success(c, dto.ToPreferenceResponse(pref))
}

// PutPreference 写入提供商偏好
// @Summary 写入提供商偏好
// @Description 插入或更新用户偏好；document_type 为空表示用户默认
// @Tags Preferences
// @Accept json
// @Produce json
// @Param request body dto.PreferenceRequest true "偏好"
// @Success 200 {object} dto.Response[dto.PreferenceResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/preferences [put]
func (h *PreferenceHandler) PutPreference(c *gin.Context) {
	ctx := c.Request.Context()

	userID := dto.BindUserID(c)
	if userID == "" {
		dto.BadRequest(c, "missing X-User-ID header")
		return
	}

	var req dto.PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	docType := entity.DocumentType(req.DocumentType)
	if req.DocumentType != "" && !docType.IsValid() {
		dto.BadRequest(c, "unsupported document type")
		return
	}

	cacheEnabled := true
	if req.CacheEnabled != nil {
		cacheEnabled = *req.CacheEnabled
	}

	pref := &entity.ProviderPreference{
		UserID:       userID,
		DocumentType: docType,
		Provider:     req.Provider,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		CacheEnabled: cacheEnabled,
	}

	if err := h.prefRepo.Upsert(ctx, pref); err != nil {
		logger.Error(ctx, "failed to upsert preference", err)
		dto.InternalError(c, "failed to save preference")
		return
	}

	dto.Success(c, dto.ToPreferenceResponse(pref))
}
