package llm

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"

	"docforge-ai-api/pkg/metrics"
)

// 能力以装饰器形式附加：只有配置声明了对应能力的提供商
// 才会被包装出 SearchCapable / VisionCapable 接口。
const (
	capabilitySearch = "search"
	capabilityVision = "vision"
)

// decorate 按配置能力包装基础提供商。search 能力还要求配置了
// search_model，否则检索请求无从路由，不包装。
func decorate(p *einoProvider) Provider {
	search := p.hasCapability(capabilitySearch) && p.cfg.SearchModel != ""
	vision := p.hasCapability(capabilityVision)
	switch {
	case search && vision:
		return &searchVisionProvider{p}
	case search:
		return &searchProvider{p}
	case vision:
		return &visionProvider{p}
	default:
		return p
	}
}

type searchProvider struct{ *einoProvider }

func (p *searchProvider) CompleteWithSearch(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	return completeWithSearch(ctx, p.einoProvider, req)
}

type visionProvider struct{ *einoProvider }

func (p *visionProvider) CompleteWithImages(ctx context.Context, req *CompletionRequest, imageURLs []string) (*CompletionResult, error) {
	return completeWithImages(ctx, p.einoProvider, req, imageURLs)
}

type searchVisionProvider struct{ *einoProvider }

func (p *searchVisionProvider) CompleteWithSearch(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	return completeWithSearch(ctx, p.einoProvider, req)
}

func (p *searchVisionProvider) CompleteWithImages(ctx context.Context, req *CompletionRequest, imageURLs []string) (*CompletionResult, error) {
	return completeWithImages(ctx, p.einoProvider, req, imageURLs)
}

// completeWithSearch 把请求固定到配置的检索增强模型上再发起补全，
// 联网检索由端点侧在该模型上完成。请求中的模型覆盖会被替换。
func completeWithSearch(ctx context.Context, p *einoProvider, req *CompletionRequest) (*CompletionResult, error) {
	pinned := *req
	pinned.Model = p.cfg.SearchModel
	return p.Complete(ctx, &pinned)
}

// completeWithImages 以多模态消息体发起补全
func completeWithImages(ctx context.Context, p *einoProvider, req *CompletionRequest, imageURLs []string) (*CompletionResult, error) {
	parts := make([]schema.ChatMessagePart, 0, len(imageURLs)+1)
	parts = append(parts, schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeText,
		Text: req.Prompt,
	})
	for _, u := range imageURLs {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: u},
		})
	}

	msgs := []*schema.Message{
		schema.SystemMessage(req.SystemPrompt),
		{
			Role:         schema.User,
			MultiContent: parts,
		},
	}

	modelName := p.resolveModel(req)
	start := time.Now()
	outMsg, err := p.chatModel.Generate(ctx, msgs, p.buildOptions(req)...)
	if err != nil {
		metrics.LLMCallTotal.WithLabelValues(p.name, modelName, "error").Inc()
		return nil, Classify(p.name, err)
	}
	metrics.LLMCallTotal.WithLabelValues(p.name, modelName, "success").Inc()
	metrics.LLMCallDuration.WithLabelValues(p.name, modelName).Observe(time.Since(start).Seconds())

	result := &CompletionResult{
		Content: outMsg.Content,
		Model:   modelName,
	}
	if outMsg.ResponseMeta != nil && outMsg.ResponseMeta.Usage != nil {
		u := outMsg.ResponseMeta.Usage
		result.PromptTokens = u.PromptTokens
		result.CompletionTokens = u.CompletionTokens
		result.TotalTokens = u.TotalTokens
	}
	return result, nil
}
