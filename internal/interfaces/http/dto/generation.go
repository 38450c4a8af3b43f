package dto

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docforge-ai-api/internal/domain/entity"
)

// UserIDHeader 调用方标识头（上游网关注入）
const UserIDHeader = "X-User-ID"

// BindUserID 从请求头提取用户 ID
func BindUserID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(UserIDHeader))
}

// BindJobID 从路径参数提取任务 ID
func BindJobID(c *gin.Context) string {
	return strings.TrimSpace(c.Param("jid"))
}

// GenerateDocumentRequest 文档生成请求体
type GenerateDocumentRequest struct {
	DocumentType string         `json:"document_type" binding:"required"`
	Input        map[string]any `json:"input" binding:"required"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	UseCache     *bool          `json:"use_cache,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
	ContainsPII  bool           `json:"contains_pii,omitempty"`
	IsTemplate   bool           `json:"is_template,omitempty"`
}

// ToEntity 转换为领域请求；use_cache 缺省为开启
func (r *GenerateDocumentRequest) ToEntity(userID string) *entity.GenerationRequest {
	useCache := true
	if r.UseCache != nil {
		useCache = *r.UseCache
	}
	return &entity.GenerationRequest{
		DocumentType: entity.DocumentType(r.DocumentType),
		RawInput:     r.Input,
		Provider:     r.Provider,
		Model:        r.Model,
		UserID:       userID,
		Temperature:  r.Temperature,
		MaxTokens:    r.MaxTokens,
		UseCache:     useCache,
		ForceRefresh: r.ForceRefresh,
		ContainsPII:  r.ContainsPII,
		IsTemplate:   r.IsTemplate,
	}
}

// GenerateDocumentResponse 生成请求受理响应
type GenerateDocumentResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse 任务详情响应
type JobResponse struct {
	ID           string          `json:"id"`
	DocumentType string          `json:"document_type"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FailureStage string          `json:"failure_stage,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ToJobResponse 实体转响应
func ToJobResponse(job *entity.GenerationJob) *JobResponse {
	return &JobResponse{
		ID:           job.ID,
		DocumentType: string(job.DocumentType),
		JobType:      string(job.JobType),
		Status:       string(job.Status),
		Progress:     job.Progress,
		Result:       job.OutputResult,
		ErrorMessage: job.ErrorMessage,
		FailureStage: job.FailureStage,
		Provider:     job.LLMProvider,
		Model:        job.LLMModel,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// CancelJobResponse 取消任务响应
type CancelJobResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// WarmCacheRequest 缓存预热请求体
type WarmCacheRequest struct {
	Targets []WarmTargetRequest `json:"targets" binding:"required,min=1"`
}

// WarmTargetRequest 单个预热目标
type WarmTargetRequest struct {
	DocumentType string         `json:"document_type" binding:"required"`
	Input        map[string]any `json:"input" binding:"required"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
}

// WarmCacheResponse 预热任务受理响应
type WarmCacheResponse struct {
	JobID   string `json:"job_id"`
	Targets int    `json:"targets"`
}

// CacheStatsResponse 缓存统计响应
type CacheStatsResponse struct {
	TotalEntries     int64   `json:"total_entries"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	HitRate          float64 `json:"hit_rate"`
	TotalCostSaved   float64 `json:"total_cost_saved"`
}

// ClearCacheResponse 缓存清理响应
type ClearCacheResponse struct {
	Scope   string `json:"scope"`
	Removed int64  `json:"removed"`
}

// PreferenceRequest 提供商偏好写入请求
type PreferenceRequest struct {
	DocumentType string   `json:"document_type,omitempty"` // 为空表示用户默认
	Provider     string   `json:"provider" binding:"required"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	CacheEnabled *bool    `json:"cache_enabled,omitempty"`
}

// PreferenceResponse 提供商偏好响应
type PreferenceResponse struct {
	DocumentType string   `json:"document_type,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	CacheEnabled bool     `json:"cache_enabled"`
}

// ToPreferenceResponse 实体转响应
func ToPreferenceResponse(pref *entity.ProviderPreference) *PreferenceResponse {
	return &PreferenceResponse{
		DocumentType: string(pref.DocumentType),
		Provider:     pref.Provider,
		Model:        pref.Model,
		Temperature:  pref.Temperature,
		MaxTokens:    pref.MaxTokens,
		CacheEnabled: pref.CacheEnabled,
	}
}
