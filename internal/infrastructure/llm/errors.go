package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 提供商错误分类，决定上游的重试策略
type ErrorKind string

const (
	// KindRateLimited 限流，可退避重试
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnauthorized 鉴权失败，重试无意义
	KindUnauthorized ErrorKind = "unauthorized"
	// KindInvalidRequest 请求本身非法，重试无意义
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindUnavailable 提供商侧临时故障，可退避重试
	KindUnavailable ErrorKind = "unavailable"
)

// ProviderError 归一化的提供商错误
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable 是否值得退避重试
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

// AsProviderError 提取错误链中的 *ProviderError
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify 把底层 SDK 错误归一为 ProviderError。
// OpenAI 兼容端点没有统一的错误类型，只能按报文特征匹配。
func Classify(provider string, err error) *ProviderError {
	if pe, ok := AsProviderError(err); ok {
		return pe
	}

	msg := strings.ToLower(err.Error())
	kind := KindUnavailable
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota"):
		kind = KindRateLimited
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"):
		kind = KindUnauthorized
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "maximum context"),
		strings.Contains(msg, "unknown parameter"):
		kind = KindInvalidRequest
	}

	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
		Err:      err,
	}
}
