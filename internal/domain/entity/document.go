// Package entity 定义领域实体
package entity

import (
	"fmt"
	"strings"
	"time"
)

// DocumentType 文档类型
type DocumentType string

const (
	DocTypeBiography     DocumentType = "biography"
	DocTypeBusinessPlan  DocumentType = "business_plan"
	DocTypeGrantProposal DocumentType = "grant_proposal"
	DocTypeCaseSummary   DocumentType = "case_summary"
	DocTypeMedicalReport DocumentType = "medical_report"
)

// AllDocumentTypes 所有支持的文档类型
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		DocTypeBiography,
		DocTypeBusinessPlan,
		DocTypeGrantProposal,
		DocTypeCaseSummary,
		DocTypeMedicalReport,
	}
}

// IsValid 检查文档类型是否受支持
func (t DocumentType) IsValid() bool {
	switch t {
	case DocTypeBiography, DocTypeBusinessPlan, DocTypeGrantProposal,
		DocTypeCaseSummary, DocTypeMedicalReport:
		return true
	}
	return false
}

// GenerationRequest 一次文档生成请求。创建后不可变。
type GenerationRequest struct {
	DocumentType DocumentType   `json:"document_type"`
	RawInput     map[string]any `json:"raw_input"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	UserID       string         `json:"user_id"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	UseCache     bool           `json:"use_cache"`
	ForceRefresh bool           `json:"force_refresh"`
	// ContainsPII 输入被标记为包含个人身份信息（由上游校验层设置）
	ContainsPII bool `json:"contains_pii,omitempty"`
	// IsTemplate 模板类请求永远允许缓存
	IsTemplate bool `json:"is_template,omitempty"`
}

// requiredInputFields 各文档类型 rawInput 的必填字段（tagged union 校验）
var requiredInputFields = map[DocumentType][]string{
	DocTypeBiography:     {"subject"},
	DocTypeBusinessPlan:  {"company", "industry"},
	DocTypeGrantProposal: {"organization", "project"},
	DocTypeCaseSummary:   {"case", "jurisdiction"},
	DocTypeMedicalReport: {"patient", "encounter"},
}

// Validate 校验请求。未校验的动态输入不得进入提示词构造。
func (r *GenerationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if !r.DocumentType.IsValid() {
		return fmt.Errorf("unsupported document type: %q", r.DocumentType)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(r.RawInput) == 0 {
		return fmt.Errorf("raw_input is required")
	}
	for _, field := range requiredInputFields[r.DocumentType] {
		if _, ok := r.RawInput[field]; !ok {
			return fmt.Errorf("raw_input missing required field %q for %s", field, r.DocumentType)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature out of range: %v", *r.Temperature)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// GenerationStatus 生成终态
type GenerationStatus string

const (
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
	GenerationCancelled GenerationStatus = "cancelled"
)

// GenerationStats 单次生成的缓存/成本统计，运行结束后即丢弃
type GenerationStats struct {
	OutlineFromCache  bool    `json:"outline_from_cache"`
	SectionsFromCache int     `json:"sections_from_cache"`
	TotalSections     int     `json:"total_sections"`
	CostSaved         float64 `json:"cost_saved"`
	ElapsedMillis     int64   `json:"elapsed_millis"`
}

// TokenUsage 累计 token 用量
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult 管线产出的终态记录，由持久化协作方负责落库
type GenerationResult struct {
	Status       GenerationStatus  `json:"status"`
	Content      string            `json:"content,omitempty"`
	Sections     map[string]string `json:"sections,omitempty"`
	OutlineJSON  []byte            `json:"outline,omitempty"`
	Stats        GenerationStats   `json:"stats"`
	TokenUsage   TokenUsage        `json:"token_usage"`
	CostUSD      float64           `json:"cost_usd"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	FailureStage string            `json:"failure_stage,omitempty"`
	FailureMsg   string            `json:"failure_msg,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// ProviderPreference 用户（按文档类型）的提供商偏好
type ProviderPreference struct {
	ID           string       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID       string       `json:"user_id" gorm:"type:varchar(64);uniqueIndex:idx_pref_user_doc;not null"`
	DocumentType DocumentType `json:"document_type,omitempty" gorm:"type:varchar(32);uniqueIndex:idx_pref_user_doc;default:''"` // 为空表示用户默认
	Provider     string       `json:"provider" gorm:"type:varchar(64);not null"`
	Model        string       `json:"model,omitempty" gorm:"type:varchar(128)"`
	Temperature  *float64     `json:"temperature,omitempty"`
	MaxTokens    *int         `json:"max_tokens,omitempty"`
	CacheEnabled bool         `json:"cache_enabled" gorm:"default:true"`
	CreatedAt    time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (ProviderPreference) TableName() string {
	return "provider_preferences"
}
