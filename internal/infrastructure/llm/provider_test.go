package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/config"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"rate limit status", errors.New("request failed with status 429"), KindRateLimited, true},
		{"rate limit message", errors.New("Rate limit exceeded, slow down"), KindRateLimited, true},
		{"quota", errors.New("insufficient quota for this request"), KindRateLimited, true},
		{"unauthorized", errors.New("401 Unauthorized"), KindUnauthorized, false},
		{"bad key", errors.New("invalid api key provided"), KindUnauthorized, false},
		{"invalid request", errors.New("400 invalid request: missing field"), KindInvalidRequest, false},
		{"context length", errors.New("maximum context length is 128000 tokens"), KindInvalidRequest, false},
		{"server error", errors.New("502 bad gateway"), KindUnavailable, true},
		{"timeout", errors.New("context deadline exceeded"), KindUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("openai", tt.err)
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.Equal(t, "openai", pe.Provider)
			assert.ErrorIs(t, pe, tt.err)
		})
	}
}

func TestClassifyPreservesProviderError(t *testing.T) {
	orig := &ProviderError{Provider: "deepseek", Kind: KindUnauthorized, Message: "bad key"}
	wrapped := fmt.Errorf("call failed: %w", orig)

	pe := Classify("openai", wrapped)
	assert.Same(t, orig, pe)
}

func TestCountTokens(t *testing.T) {
	p := &einoProvider{cfg: config.ProviderConfig{CharsPerToken: 4}}

	assert.Equal(t, 0, p.CountTokens(""))
	assert.Equal(t, 1, p.CountTokens("abc"))
	assert.Equal(t, 3, p.CountTokens("twelve chars"))

	// 未配置比例时使用默认值
	fallback := &einoProvider{cfg: config.ProviderConfig{}}
	assert.Equal(t, 3, fallback.CountTokens("twelve chars"))
}

func TestEstimateCost(t *testing.T) {
	p := &einoProvider{
		name: "openai",
		cfg: config.ProviderConfig{
			Model: "gpt-4o",
			Pricing: map[string]config.PricingConfig{
				"gpt-4o": {InputPer1K: 0.005, OutputPer1K: 0.015},
			},
		},
		inputShare: 0.6,
	}

	cost := p.EstimateCost("gpt-4o", 1000, 2000)
	assert.InDelta(t, 0.005+0.030, cost, 1e-9)

	// 空模型名落到默认模型
	assert.InDelta(t, cost, p.EstimateCost("", 1000, 2000), 1e-9)

	// 未登记价格返回 0
	assert.Zero(t, p.EstimateCost("unknown-model", 1000, 2000))
}

func TestEstimateCostFromTotal(t *testing.T) {
	p := &einoProvider{
		cfg: config.ProviderConfig{
			Model: "gpt-4o",
			Pricing: map[string]config.PricingConfig{
				"gpt-4o": {InputPer1K: 0.005, OutputPer1K: 0.015},
			},
		},
		inputShare: 0.6,
	}

	// 1000 token 按 60/40 拆：600 输入 + 400 输出
	cost := p.EstimateCostFromTotal("gpt-4o", 1000)
	assert.InDelta(t, 0.6*0.005+0.4*0.015, cost, 1e-9)
}

func TestDecorateCapabilities(t *testing.T) {
	base := func(caps ...string) *einoProvider {
		return &einoProvider{name: "zhipu", cfg: config.ProviderConfig{
			SearchModel:  "glm-4-alltools",
			Capabilities: caps,
		}}
	}

	_, isSearch := decorate(base()).(SearchCapable)
	assert.False(t, isSearch)

	_, isSearch = decorate(base("search")).(SearchCapable)
	assert.True(t, isSearch)
	_, isVision := decorate(base("search")).(VisionCapable)
	assert.False(t, isVision)

	both := decorate(base("search", "vision"))
	_, isSearch = both.(SearchCapable)
	_, isVision = both.(VisionCapable)
	assert.True(t, isSearch)
	assert.True(t, isVision)

	// 声明了 search 能力但未配置 search_model 时不暴露检索接口
	bare := &einoProvider{name: "zhipu", cfg: config.ProviderConfig{Capabilities: []string{"search"}}}
	_, isSearch = decorate(bare).(SearchCapable)
	assert.False(t, isSearch)
}

// captureChatModel 记录每次调用实际生效的模型名
type captureChatModel struct {
	models []string
}

func (m *captureChatModel) Generate(_ context.Context, _ []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	o := model.GetCommonOptions(&model.Options{}, opts...)
	name := ""
	if o.Model != nil {
		name = *o.Model
	}
	m.models = append(m.models, name)
	return &schema.Message{Role: schema.Assistant, Content: "ok"}, nil
}

func (m *captureChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func TestCompleteWithSearchPinsSearchModel(t *testing.T) {
	capture := &captureChatModel{}
	p := &einoProvider{
		name: "zhipu",
		cfg: config.ProviderConfig{
			Model:        "glm-4-plus",
			SearchModel:  "glm-4-alltools",
			Capabilities: []string{"search"},
		},
		chatModel: capture,
	}

	sp, ok := decorate(p).(SearchCapable)
	require.True(t, ok)

	// 请求中的模型覆盖被替换为检索模型
	res, err := sp.CompleteWithSearch(context.Background(), &CompletionRequest{
		Prompt: "近期行业动态",
		Model:  "glm-4-flash",
	})
	require.NoError(t, err)
	assert.Equal(t, "glm-4-alltools", res.Model)
	require.Len(t, capture.models, 1)
	assert.Equal(t, "glm-4-alltools", capture.models[0])

	// 普通补全不受影响
	res, err = sp.Complete(context.Background(), &CompletionRequest{Prompt: "继续"})
	require.NoError(t, err)
	assert.Equal(t, "glm-4-plus", res.Model)
}
