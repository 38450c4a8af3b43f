package entity

import (
	"encoding/json"
	"time"
)

// JobType 任务类型
type JobType string

const (
	JobTypeDocumentGen JobType = "document_gen"
	JobTypeCacheWarm   JobType = "cache_warm"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// GenerationJob 生成任务
type GenerationJob struct {
	ID             string          `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID         string          `json:"user_id" gorm:"type:varchar(64);index;not null"`
	DocumentType   DocumentType    `json:"document_type" gorm:"type:varchar(32);index;not null"`
	JobType        JobType         `json:"job_type" gorm:"type:varchar(32);not null"`
	Status         JobStatus       `json:"status" gorm:"type:varchar(20);index;default:'pending'"`
	InputParams    json.RawMessage `json:"input_params" gorm:"type:jsonb"`
	OutputResult   json.RawMessage `json:"output_result,omitempty" gorm:"type:jsonb"`
	ErrorMessage   string          `json:"error_message,omitempty" gorm:"type:text"`
	FailureStage   string          `json:"failure_stage,omitempty" gorm:"type:varchar(32)"`
	LLMProvider    string          `json:"llm_provider,omitempty" gorm:"type:varchar(64)"`
	LLMModel       string          `json:"llm_model,omitempty" gorm:"type:varchar(128)"`
	TokensPrompt   int             `json:"tokens_prompt,omitempty"`
	TokensComplete int             `json:"tokens_completion,omitempty"`
	DurationMs     int             `json:"duration_ms,omitempty"`
	RetryCount     int             `json:"retry_count" gorm:"default:0"`
	Progress       int             `json:"progress" gorm:"default:0"` // 任务进度 (0-100)
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// NewGenerationJob 创建新任务
func NewGenerationJob(userID string, docType DocumentType, jobType JobType, inputParams json.RawMessage) *GenerationJob {
	return &GenerationJob{
		UserID:       userID,
		DocumentType: docType,
		JobType:      jobType,
		Status:       JobStatusPending,
		InputParams:  inputParams,
		CreatedAt:    time.Now(),
	}
}

// Start 开始执行任务
func (j *GenerationJob) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// Complete 完成任务
func (j *GenerationJob) Complete(result json.RawMessage) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.OutputResult = result
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.DurationMs = int(now.Sub(*j.StartedAt).Milliseconds())
	}
}

// Fail 任务失败，记录失败阶段与使用的提供商
func (j *GenerationJob) Fail(stage, errMsg string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.FailureStage = stage
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.DurationMs = int(now.Sub(*j.StartedAt).Milliseconds())
	}
}

// Cancel 取消任务
func (j *GenerationJob) Cancel() {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
}

// IsTerminal 是否已达终态
func (j *GenerationJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// SetLLMMetrics 设置 LLM 使用指标
func (j *GenerationJob) SetLLMMetrics(provider, model string, promptTokens, completionTokens int) {
	j.LLMProvider = provider
	j.LLMModel = model
	j.TokensPrompt = promptTokens
	j.TokensComplete = completionTokens
}

// UpdateProgress 更新任务进度
func (j *GenerationJob) UpdateProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
}
