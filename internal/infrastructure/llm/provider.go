// Package llm 提供 LLM 提供商抽象与基于 Eino 的实现
package llm

import (
	"context"
)

// CompletionRequest 单次补全请求
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	// Model 为空时使用提供商配置的默认模型
	Model       string
	Temperature *float32
	MaxTokens   *int
}

// CompletionResult 补全结果与 token 用量
type CompletionResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Model 实际使用的模型名
	Model string
}

// Provider LLM 提供商接口。所有实现的失败必须归一为 *ProviderError。
type Provider interface {
	// Name 提供商标识（openai/anthropic/deepseek/zhipu/moonshot）
	Name() string
	// Complete 同步补全
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
	// CountTokens 估算文本 token 数，用于成本预估
	CountTokens(text string) int
	// EstimateCost 按价格表估算指定 token 用量的成本（USD）
	EstimateCost(model string, promptTokens, completionTokens int) float64
}

// SearchCapable 支持联网检索增强的提供商
type SearchCapable interface {
	Provider
	CompleteWithSearch(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// VisionCapable 支持图像输入的提供商
type VisionCapable interface {
	Provider
	CompleteWithImages(ctx context.Context, req *CompletionRequest, imageURLs []string) (*CompletionResult, error)
}
