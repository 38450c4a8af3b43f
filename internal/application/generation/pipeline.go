package generation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/llm"
	wfmodel "docforge-ai-api/internal/workflow/model"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

const (
	defaultMaxAttempts      = 3
	defaultRetryBase        = time.Second
	defaultRetryMax         = 30 * time.Second
	defaultSectionWordCount = 600
)

// selection 一次生成最终采用的提供商配置
type selection struct {
	provider    string
	model       string
	temperature *float32
	maxTokens   *int
}

// resolveSelection 决定提供商与模型。
// 优先级：请求覆盖 > 文档类型偏好 > 用户默认偏好 > 系统默认。
func (o *Orchestrator) resolveSelection(ctx context.Context, req *entity.GenerationRequest) (selection, error) {
	sel := selection{
		provider: req.Provider,
		model:    req.Model,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		sel.temperature = &t
	}
	sel.maxTokens = req.MaxTokens

	if sel.provider == "" && o.prefs != nil {
		pref, err := o.prefs.GetProviderForDocumentType(ctx, req.UserID, req.DocumentType)
		if err != nil {
			logger.Warn(ctx, "document type preference lookup failed", "error", err.Error())
		}
		if pref == nil {
			pref, err = o.prefs.GetDefault(ctx, req.UserID)
			if err != nil {
				logger.Warn(ctx, "default preference lookup failed", "error", err.Error())
			}
		}
		if pref != nil {
			sel.provider = pref.Provider
			if sel.model == "" {
				sel.model = pref.Model
			}
			if sel.temperature == nil && pref.Temperature != nil {
				t := float32(*pref.Temperature)
				sel.temperature = &t
			}
			if sel.maxTokens == nil {
				sel.maxTokens = pref.MaxTokens
			}
		}
	}

	if sel.provider == "" {
		sel.provider = o.providers.DefaultName()
	}
	return sel, nil
}

// providerModel 提供商配置的默认模型名
func (o *Orchestrator) providerModel(name string) string {
	if cfg, ok := o.cfg.LLM.Providers[name]; ok {
		return cfg.Model
	}
	return ""
}

// refinementEnabled 文档类型是否启用润色阶段
func (o *Orchestrator) refinementEnabled(docType entity.DocumentType) bool {
	for _, t := range o.cfg.Pipeline.RefinementTypes {
		if t == string(docType) {
			return true
		}
	}
	return false
}

// callWithRetry 带指数退避的提供商调用。
// 只重试限流与临时故障，鉴权/请求非法立即失败。
func (o *Orchestrator) callWithRetry(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	maxAttempts := o.cfg.Pipeline.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := o.cfg.Pipeline.RetryBase
	if backoff <= 0 {
		backoff = defaultRetryBase
	}
	backoffMax := o.cfg.Pipeline.RetryMax
	if backoffMax <= 0 {
		backoffMax = defaultRetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := provider.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		pe, ok := llm.AsProviderError(err)
		if !ok || !pe.Retryable() || attempt == maxAttempts {
			return nil, err
		}

		metrics.LLMRetriesTotal.WithLabelValues(provider.Name(), string(pe.Kind)).Inc()
		logger.Warn(ctx, "llm call failed, retrying",
			"provider", provider.Name(),
			"kind", pe.Kind,
			"attempt", attempt,
			"backoff", backoff.String(),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
	return nil, lastErr
}

// recordCall 记录一次成功的提供商调用：累计 token 与成本，写审计表。
// 返回本次调用的估算成本，供缓存条目记录。
func (o *Orchestrator) recordCall(
	ctx context.Context,
	req *entity.GenerationRequest,
	jobID string,
	provider llm.Provider,
	stage string,
	res *llm.CompletionResult,
	result *entity.GenerationResult,
) float64 {
	result.TokenUsage.PromptTokens += res.PromptTokens
	result.TokenUsage.CompletionTokens += res.CompletionTokens
	result.TokenUsage.TotalTokens += res.TotalTokens

	cost := provider.EstimateCost(res.Model, res.PromptTokens, res.CompletionTokens)
	result.CostUSD += cost

	if o.usage != nil {
		rec := &repository.LLMUsageRecord{
			UserID:           req.UserID,
			JobID:            jobID,
			Provider:         provider.Name(),
			Model:            res.Model,
			Stage:            stage,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			CostUSD:          cost,
			CreatedAt:        time.Now().UTC(),
		}
		if err := o.usage.Record(ctx, rec); err != nil {
			logger.Warn(ctx, "usage record write failed", "error", err.Error())
		}
	}
	return cost
}

// previousSectionsTail 取最近完成章节的结尾片段作为上下文，
// 控制在配置的章节数与字符数之内
func (o *Orchestrator) previousSectionsTail(outline *wfmodel.Outline, done map[string]string) string {
	tailSections := o.cfg.Pipeline.ContextTailSections
	if tailSections <= 0 {
		tailSections = 2
	}
	tailChars := o.cfg.Pipeline.ContextTailChars
	if tailChars <= 0 {
		tailChars = 2000
	}

	var completed []string
	for _, id := range outline.OrderedSectionIDs() {
		if content, ok := done[id]; ok && content != "" {
			completed = append(completed, outline.Sections[id].Title+"\n"+content)
		}
	}
	if len(completed) == 0 {
		return "（无）"
	}
	if len(completed) > tailSections {
		completed = completed[len(completed)-tailSections:]
	}

	joined := strings.Join(completed, "\n\n")
	runes := []rune(joined)
	if len(runes) > tailChars {
		runes = runes[len(runes)-tailChars:]
	}
	return string(runes)
}

func formatKeyPoints(points []string) string {
	if len(points) == 0 {
		return "（无）"
	}
	var b strings.Builder
	for _, p := range points {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func sectionWordCount(sec wfmodel.OutlineSection) int {
	if sec.EstimatedWordCount > 0 {
		return sec.EstimatedWordCount
	}
	return defaultSectionWordCount
}

// assembleDocument 按大纲顺序拼接章节为完整文档
func assembleDocument(outline *wfmodel.Outline, orderedIDs []string, sections map[string]string) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(outline.Title)
	b.WriteString("\n\n")

	if intro := outline.Introduction; intro.Hook != "" || intro.Thesis != "" {
		for _, part := range []string{intro.Hook, intro.Thesis, intro.Preview} {
			if part != "" {
				b.WriteString(part)
				b.WriteString("\n\n")
			}
		}
	}

	for _, id := range orderedIDs {
		b.WriteString("## ")
		b.WriteString(outline.Sections[id].Title)
		b.WriteString("\n\n")
		b.WriteString(sections[id])
		b.WriteString("\n\n")
	}

	if outline.Conclusion != "" {
		b.WriteString(outline.Conclusion)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// publish 发布进度事件并同步任务进度。progress 为负表示终态事件，
// 不回写任务进度。
func (o *Orchestrator) publish(ctx context.Context, jobID string, stage events.Stage, progress int, message, sectionID string, fromCache bool) {
	ev := events.ProgressEvent{
		JobID:     jobID,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		SectionID: sectionID,
		FromCache: fromCache,
	}
	if progress < 0 {
		ev.Progress = 0
	}
	o.bus.Publish(ctx, ev)

	if progress >= 0 && o.jobs != nil && jobID != "" {
		if err := o.jobs.UpdateProgress(ctx, jobID, progress); err != nil {
			logger.Debug(ctx, "job progress update failed", "error", err.Error())
		}
	}
}

// cancelled 协作式取消检查：context 或任务状态任一生效
func (o *Orchestrator) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	if o.jobs == nil || jobID == "" {
		return false
	}
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == entity.JobStatusCancelled
}

// fail 统一失败收尾：落库、发事件、关事件流
func (o *Orchestrator) fail(ctx context.Context, jobID string, req *entity.GenerationRequest, result *entity.GenerationResult, start time.Time, stage events.Stage, err error) (*entity.GenerationResult, error) {
	result.Status = entity.GenerationFailed
	result.FailureStage = string(stage)
	result.FailureMsg = err.Error()
	result.CompletedAt = time.Now().UTC()
	result.Stats.ElapsedMillis = time.Since(start).Milliseconds()

	metrics.GenerationTotal.WithLabelValues(docTypeLabel(req), "failed").Inc()
	logger.Error(ctx, "document generation failed", err, "stage", stage)

	o.persist(ctx, jobID, req, result, err.Error())
	o.publish(ctx, jobID, events.StageFailed, -1, err.Error(), "", false)
	o.bus.Close(jobID)
	return result, err
}

// cancel 统一取消收尾
func (o *Orchestrator) cancel(ctx context.Context, jobID string, req *entity.GenerationRequest, result *entity.GenerationResult, start time.Time) (*entity.GenerationResult, error) {
	result.Status = entity.GenerationCancelled
	result.CompletedAt = time.Now().UTC()
	result.Stats.ElapsedMillis = time.Since(start).Milliseconds()

	metrics.GenerationTotal.WithLabelValues(docTypeLabel(req), "cancelled").Inc()
	logger.Info(ctx, "document generation cancelled")

	if o.jobs != nil && jobID != "" {
		if err := o.jobs.UpdateStatus(ctx, jobID, entity.JobStatusCancelled); err != nil {
			logger.Warn(ctx, "job cancel status update failed", "error", err.Error())
		}
	}
	o.publish(ctx, jobID, events.StageCancelled, -1, "", "", false)
	o.bus.Close(jobID)
	return result, context.Canceled
}

// persist 终态落库，全部尽力而为
func (o *Orchestrator) persist(ctx context.Context, jobID string, req *entity.GenerationRequest, result *entity.GenerationResult, errMsg string) {
	if o.jobs != nil && jobID != "" {
		raw, err := json.Marshal(result)
		if err == nil {
			if err := o.jobs.SetResult(ctx, jobID, raw, errMsg); err != nil {
				logger.Warn(ctx, "job result write failed", "error", err.Error())
			}
		}
	}
	if o.docs != nil && req != nil {
		if err := o.docs.SaveResult(ctx, jobID, req.UserID, req.DocumentType, result); err != nil {
			logger.Warn(ctx, "document result write failed", "error", err.Error())
		}
	}
}

// docTypeLabel 失败可能发生在校验前，非法类型不得进入指标标签
func docTypeLabel(req *entity.GenerationRequest) string {
	if req == nil || !req.DocumentType.IsValid() {
		return "invalid"
	}
	return string(req.DocumentType)
}
