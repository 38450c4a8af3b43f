package repository

import (
	"context"
	"time"

	"docforge-ai-api/internal/domain/entity"
)

// AdmissionResult 准入检查结果
type AdmissionResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// QuotaChecker 用量准入协作方：管线 Initializing 阶段咨询，
// 拒绝时在任何提供商调用发生前快速失败。
type QuotaChecker interface {
	CheckCostLimit(ctx context.Context, userID string) (*AdmissionResult, error)
}

// PreferenceRepository 用户提供商偏好协作方
type PreferenceRepository interface {
	// GetProviderForDocumentType 按文档类型查找偏好；无记录时返回 nil, nil
	GetProviderForDocumentType(ctx context.Context, userID string, docType entity.DocumentType) (*entity.ProviderPreference, error)
	// GetDefault 用户级默认偏好；无记录时返回 nil, nil
	GetDefault(ctx context.Context, userID string) (*entity.ProviderPreference, error)
	Upsert(ctx context.Context, pref *entity.ProviderPreference) error
}

// DocumentRepository 持久化协作方：只负责落库管线产出的终态记录
type DocumentRepository interface {
	SaveResult(ctx context.Context, jobID, userID string, docType entity.DocumentType, result *entity.GenerationResult) error
}

// LLMUsageRecord 单次 LLM 调用的审计记录
type LLMUsageRecord struct {
	UserID           string    `json:"user_id"`
	JobID            string    `json:"job_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Stage            string    `json:"stage"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	DurationMs       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageRepository LLM 用量审计与成本汇总
type UsageRepository interface {
	Record(ctx context.Context, rec *LLMUsageRecord) error
	// GetDailyCost 统计用户在 [start, end) 区间内的累计成本
	GetDailyCost(ctx context.Context, userID string, start, end time.Time) (float64, error)
}

// JobRepository 任务仓储
type JobRepository interface {
	Create(ctx context.Context, job *entity.GenerationJob) error
	GetByID(ctx context.Context, id string) (*entity.GenerationJob, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetResult(ctx context.Context, id string, result []byte, errMsg string) error
	UpdateStatus(ctx context.Context, id string, status entity.JobStatus) error
}
