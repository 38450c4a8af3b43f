package entity

import (
	"encoding/json"
	"time"
)

// GeneratedDocument 管线终态产物的持久化记录
type GeneratedDocument struct {
	ID               string           `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	JobID            string           `json:"job_id" gorm:"type:uuid;index;not null"`
	UserID           string           `json:"user_id" gorm:"type:varchar(64);index;not null"`
	DocumentType     DocumentType     `json:"document_type" gorm:"type:varchar(32);index;not null"`
	Status           GenerationStatus `json:"status" gorm:"type:varchar(20);not null"`
	Content          string           `json:"content,omitempty" gorm:"type:text"`
	Sections         json.RawMessage  `json:"sections,omitempty" gorm:"type:jsonb"`
	Outline          json.RawMessage  `json:"outline,omitempty" gorm:"type:jsonb"`
	Provider         string           `json:"provider" gorm:"type:varchar(64)"`
	Model            string           `json:"model" gorm:"type:varchar(128)"`
	TokensPrompt     int              `json:"tokens_prompt"`
	TokensCompletion int              `json:"tokens_completion"`
	CostUSD          float64          `json:"cost_usd"`
	CostSaved        float64          `json:"cost_saved"`
	FailureStage     string           `json:"failure_stage,omitempty" gorm:"type:varchar(32)"`
	FailureMsg       string           `json:"failure_msg,omitempty" gorm:"type:text"`
	CreatedAt        time.Time        `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (GeneratedDocument) TableName() string {
	return "generated_documents"
}
