package llm

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"docforge-ai-api/internal/config"
	"docforge-ai-api/pkg/metrics"
)

var providerTracer = otel.Tracer("llm.provider")

const defaultCharsPerToken = 4.0

// einoProvider 基于 Eino OpenAI 适配器的提供商实现。
// 五个内置提供商均暴露 OpenAI 兼容端点，差异全部收敛到配置。
type einoProvider struct {
	name       string
	cfg        config.ProviderConfig
	chatModel  model.BaseChatModel
	inputShare float64
}

var _ Provider = (*einoProvider)(nil)

func newEinoProvider(ctx context.Context, name string, cfg config.ProviderConfig, inputShare float64) (*einoProvider, error) {
	temperature := float32(cfg.Temperature)
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   &cfg.MaxTokens,
		Temperature: &temperature,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eino chat model for %s: %w", name, err)
	}

	return &einoProvider{
		name:       name,
		cfg:        cfg,
		chatModel:  chatModel,
		inputShare: inputShare,
	}, nil
}

func (p *einoProvider) Name() string {
	return p.name
}

func (p *einoProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	ctx, span := providerTracer.Start(ctx, "llm.Complete",
		trace.WithAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", p.resolveModel(req)),
		))
	defer span.End()

	msgs := []*schema.Message{
		schema.SystemMessage(req.SystemPrompt),
		schema.UserMessage(req.Prompt),
	}

	start := time.Now()
	outMsg, err := p.chatModel.Generate(ctx, msgs, p.buildOptions(req)...)
	elapsed := time.Since(start)

	modelName := p.resolveModel(req)
	if err != nil {
		span.RecordError(err)
		metrics.LLMCallTotal.WithLabelValues(p.name, modelName, "error").Inc()
		return nil, Classify(p.name, err)
	}

	metrics.LLMCallTotal.WithLabelValues(p.name, modelName, "success").Inc()
	metrics.LLMCallDuration.WithLabelValues(p.name, modelName).Observe(elapsed.Seconds())

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
	if result.TotalTokens == 0 {
		// 部分兼容端点不回报用量，退化为字符估算
		result.PromptTokens = p.CountTokens(req.SystemPrompt + req.Prompt)
		result.CompletionTokens = p.CountTokens(outMsg.Content)
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
	}

	metrics.LLMTokensUsed.WithLabelValues(p.name, modelName, "prompt").Add(float64(result.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(p.name, modelName, "completion").Add(float64(result.CompletionTokens))

	return result, nil
}

// CountTokens 按字符数估算 token。比例因提供商的分词器不同而可配置。
func (p *einoProvider) CountTokens(text string) int {
	cpt := p.cfg.CharsPerToken
	if cpt <= 0 {
		cpt = defaultCharsPerToken
	}
	return int(math.Ceil(float64(len([]rune(text))) / cpt))
}

// EstimateCost 按价格表计算成本；模型未登记价格时返回 0
func (p *einoProvider) EstimateCost(modelName string, promptTokens, completionTokens int) float64 {
	if modelName == "" {
		modelName = p.cfg.Model
	}
	pricing, ok := p.cfg.Pricing[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*pricing.InputPer1K +
		float64(completionTokens)/1000*pricing.OutputPer1K
}

// EstimateCostFromTotal 只有总 token 数时按输入占比拆分估算
func (p *einoProvider) EstimateCostFromTotal(modelName string, totalTokens int) float64 {
	share := p.inputShare
	if share <= 0 || share >= 1 {
		share = 0.6
	}
	promptTokens := int(float64(totalTokens) * share)
	return p.EstimateCost(modelName, promptTokens, totalTokens-promptTokens)
}

func (p *einoProvider) hasCapability(name string) bool {
	return slices.Contains(p.cfg.Capabilities, name)
}

func (p *einoProvider) resolveModel(req *CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *einoProvider) buildOptions(req *CompletionRequest) []model.Option {
	var opts []model.Option
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*req.MaxTokens))
	}
	return opts
}
