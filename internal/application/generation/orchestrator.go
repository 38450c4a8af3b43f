// Package generation 实现文档生成管线的编排
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	appcache "docforge-ai-api/internal/application/cache"
	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/llm"
	wfmodel "docforge-ai-api/internal/workflow/model"
	"docforge-ai-api/internal/workflow/node"
	"docforge-ai-api/internal/workflow/prompt"
	apperrors "docforge-ai-api/pkg/errors"
	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

// ProviderFactory 提供商获取入口
type ProviderFactory interface {
	Get(ctx context.Context, name string) (llm.Provider, error)
	DefaultName() string
}

// Orchestrator 文档生成管线编排器。
// 阶段推进：Initializing -> GeneratingOutline -> GeneratingSections
// -> Refining -> Completed，任意阶段可转入 Failed / Cancelled。
type Orchestrator struct {
	cfg       *config.Config
	providers ProviderFactory
	cache     *appcache.Manager
	prompts   *prompt.Registry
	bus       *events.Bus

	// outlineFlight 合并同一缓存键上的并发大纲生成，避免重复的提供商调用
	outlineFlight singleflight.Group

	// 以下协作方均可为 nil，缺席时对应能力降级
	quota repository.QuotaChecker
	prefs repository.PreferenceRepository
	docs  repository.DocumentRepository
	usage repository.UsageRepository
	jobs  repository.JobRepository
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	cfg *config.Config,
	providers ProviderFactory,
	cacheMgr *appcache.Manager,
	prompts *prompt.Registry,
	bus *events.Bus,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		providers: providers,
		cache:     cacheMgr,
		prompts:   prompts,
		bus:       bus,
	}
}

// WithQuota 挂接用量准入协作方
func (o *Orchestrator) WithQuota(q repository.QuotaChecker) *Orchestrator {
	o.quota = q
	return o
}

// WithPreferences 挂接提供商偏好协作方
func (o *Orchestrator) WithPreferences(p repository.PreferenceRepository) *Orchestrator {
	o.prefs = p
	return o
}

// WithDocuments 挂接文档持久化协作方
func (o *Orchestrator) WithDocuments(d repository.DocumentRepository) *Orchestrator {
	o.docs = d
	return o
}

// WithUsage 挂接用量审计协作方
func (o *Orchestrator) WithUsage(u repository.UsageRepository) *Orchestrator {
	o.usage = u
	return o
}

// WithJobs 挂接任务仓储
func (o *Orchestrator) WithJobs(j repository.JobRepository) *Orchestrator {
	o.jobs = j
	return o
}

// Run 执行一次完整的文档生成。返回的 result 永不为 nil，
// 失败与取消时同样携带已知的统计信息。
func (o *Orchestrator) Run(ctx context.Context, jobID string, req *entity.GenerationRequest) (*entity.GenerationResult, error) {
	start := time.Now()
	ctx = logger.WithContext(ctx, logger.JobIDKey, jobID)
	ctx = logger.WithContext(ctx, logger.UserIDKey, req.UserID)

	result := &entity.GenerationResult{
		Sections: make(map[string]string),
	}

	// ---- Initializing ----
	o.publish(ctx, jobID, events.StageInitializing, 0, "", "", false)

	if err := req.Validate(); err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
			apperrors.Wrap(err, apperrors.CodeValidationFailed, "invalid generation request"))
	}

	if o.quota != nil {
		admission, err := o.quota.CheckCostLimit(ctx, req.UserID)
		if err != nil {
			return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
				apperrors.Wrap(err, apperrors.CodeInternalError, "quota check failed"))
		}
		if !admission.Allowed {
			return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
				apperrors.New(apperrors.CodeQuotaExceeded, "daily cost limit reached").WithDetail(admission.Reason))
		}
	}

	sel, err := o.resolveSelection(ctx, req)
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
			apperrors.Wrap(err, apperrors.CodeInvalidParam, "provider selection failed"))
	}
	ctx = logger.WithContext(ctx, logger.ProviderKey, sel.provider)

	provider, err := o.providers.Get(ctx, sel.provider)
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
			apperrors.Wrap(err, apperrors.CodeInvalidParam, "unknown provider"))
	}
	result.Provider = sel.provider
	result.Model = sel.model
	if result.Model == "" {
		result.Model = o.providerModel(sel.provider)
	}

	if o.jobs != nil && jobID != "" {
		if err := o.jobs.MarkRunning(ctx, jobID); err != nil {
			logger.Warn(ctx, "failed to mark job running", "error", err.Error())
		}
	}

	reqFP, err := cachekey.FingerprintRequest(req.RawInput)
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageInitializing,
			apperrors.Wrap(err, apperrors.CodeInternalError, "input fingerprint failed"))
	}

	cacheable := o.cache.ShouldCache(req)

	// ---- GeneratingOutline ----
	o.publish(ctx, jobID, events.StageGeneratingOutline, 10, "", "", false)

	outline, outlineJSON, fromCache, err := o.runOutlineStage(ctx, jobID, req, provider, sel, reqFP, cacheable, result)
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageGeneratingOutline, err)
	}
	result.OutlineJSON = outlineJSON
	result.Stats.OutlineFromCache = fromCache
	o.publish(ctx, jobID, events.StageGeneratingOutline, 30, outline.Title, "", fromCache)

	if o.cancelled(ctx, jobID) {
		return o.cancel(ctx, jobID, req, result, start)
	}

	// ---- GeneratingSections ----
	outlineFP, err := cachekey.FingerprintValue(json.RawMessage(outlineJSON))
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageGeneratingSections,
			apperrors.Wrap(err, apperrors.CodeInternalError, "outline fingerprint failed"))
	}
	sectionFP, err := cachekey.FingerprintValue(map[string]string{
		"request": reqFP,
		"outline": outlineFP,
	})
	if err != nil {
		return o.fail(ctx, jobID, req, result, start, events.StageGeneratingSections,
			apperrors.Wrap(err, apperrors.CodeInternalError, "section fingerprint failed"))
	}

	orderedIDs := outline.OrderedSectionIDs()
	result.Stats.TotalSections = len(orderedIDs)

	for i, sectionID := range orderedIDs {
		if o.cancelled(ctx, jobID) {
			return o.cancel(ctx, jobID, req, result, start)
		}

		content, hit, err := o.runSectionStage(ctx, jobID, req, provider, sel, outline, sectionID, sectionFP, cacheable, result)
		if err != nil {
			return o.fail(ctx, jobID, req, result, start, events.StageGeneratingSections, err)
		}
		result.Sections[sectionID] = content
		if hit {
			result.Stats.SectionsFromCache++
		}

		progress := 30 + 50*(i+1)/len(orderedIDs)
		o.publish(ctx, jobID, events.StageGeneratingSections, progress,
			outline.Sections[sectionID].Title, sectionID, hit)
	}

	if o.cancelled(ctx, jobID) {
		return o.cancel(ctx, jobID, req, result, start)
	}

	// ---- Refining ----
	o.publish(ctx, jobID, events.StageRefining, 80, "", "", false)
	result.Content = o.runRefineStage(ctx, jobID, req, provider, sel, outline, orderedIDs, sectionFP, cacheable, result)

	// ---- Completed ----
	result.Status = entity.GenerationCompleted
	result.CompletedAt = time.Now().UTC()
	result.Stats.ElapsedMillis = time.Since(start).Milliseconds()

	metrics.GenerationTotal.WithLabelValues(string(req.DocumentType), "completed").Inc()
	metrics.GenerationDuration.WithLabelValues(string(req.DocumentType)).Observe(time.Since(start).Seconds())
	metrics.GenerationSectionsFromCache.WithLabelValues(string(req.DocumentType)).Observe(float64(result.Stats.SectionsFromCache))

	o.persist(ctx, jobID, req, result, "")
	o.publish(ctx, jobID, events.StageCompleted, 100, "", "", false)
	o.bus.Close(jobID)

	logger.Info(ctx, "document generation completed",
		"document_type", req.DocumentType,
		"sections", result.Stats.TotalSections,
		"sections_from_cache", result.Stats.SectionsFromCache,
		"outline_from_cache", result.Stats.OutlineFromCache,
		"cost_usd", result.CostUSD,
		"cost_saved", result.Stats.CostSaved,
		"elapsed_ms", result.Stats.ElapsedMillis,
	)
	return result, nil
}

// runOutlineStage 获取大纲：优先缓存，未命中则调用提供商并解析
func (o *Orchestrator) runOutlineStage(
	ctx context.Context,
	jobID string,
	req *entity.GenerationRequest,
	provider llm.Provider,
	sel selection,
	reqFP string,
	cacheable bool,
	result *entity.GenerationResult,
) (*wfmodel.Outline, []byte, bool, error) {
	key := cachekey.Key{
		Prefix:       o.cache.Prefix(),
		DocumentType: req.DocumentType,
		Stage:        cachekey.StageOutline,
		Provider:     sel.provider,
		Model:        result.Model,
		Fingerprint:  reqFP,
	}

	if cacheable {
		if ent, hit := o.cache.Lookup(ctx, key, req.ForceRefresh); hit {
			outline, err := wfmodel.ParseOutline(ent.Value)
			if err == nil {
				result.Stats.CostSaved += ent.CostEstimateUSD
				return outline, ent.Value, true, nil
			}
			// 缓存中的大纲损坏：删掉重新生成
			logger.Warn(ctx, "cached outline invalid, regenerating", "key", key.String())
			_ = o.cache.Invalidate(ctx, key)
		}
	}

	if cacheable {
		// 同一缓存键上的并发未命中只放行一次提供商调用
		v, err, shared := o.outlineFlight.Do(key.String(), func() (interface{}, error) {
			return o.generateOutline(ctx, jobID, req, provider, sel, key, cacheable, result)
		})
		if err != nil {
			return nil, nil, false, err
		}
		fr := v.(*outlineFlightResult)
		outline, err := wfmodel.ParseOutline(fr.outlineJSON)
		if err != nil {
			return nil, nil, false, apperrors.Wrap(err, apperrors.CodeInternalError, "outline serialization failed")
		}
		if shared {
			result.Stats.CostSaved += fr.cost
		}
		return outline, fr.outlineJSON, shared, nil
	}

	fr, err := o.generateOutline(ctx, jobID, req, provider, sel, key, cacheable, result)
	if err != nil {
		return nil, nil, false, err
	}
	outline, err := wfmodel.ParseOutline(fr.outlineJSON)
	if err != nil {
		return nil, nil, false, apperrors.Wrap(err, apperrors.CodeInternalError, "outline serialization failed")
	}
	return outline, fr.outlineJSON, false, nil
}

// outlineFlightResult 大纲生成结果，供 singleflight 的共享方复用
type outlineFlightResult struct {
	outlineJSON []byte
	cost        float64
}

// generateOutline 调用提供商生成并解析大纲
func (o *Orchestrator) generateOutline(
	ctx context.Context,
	jobID string,
	req *entity.GenerationRequest,
	provider llm.Provider,
	sel selection,
	key cachekey.Key,
	cacheable bool,
	result *entity.GenerationResult,
) (*outlineFlightResult, error) {
	inputJSON, err := cachekey.CanonicalJSON(cachekey.Normalize(req.RawInput))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "input serialization failed")
	}

	system, user, err := o.prompts.Render(ctx, prompt.PromptOutlineV1, map[string]any{
		"document_type": string(req.DocumentType),
		"guidance":      prompt.Guidance(req.DocumentType),
		"input_json":    string(inputJSON),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "outline prompt render failed")
	}

	res, err := o.callWithRetry(ctx, provider, &llm.CompletionRequest{
		SystemPrompt: system,
		Prompt:       user,
		Model:        sel.model,
		Temperature:  sel.temperature,
		MaxTokens:    sel.maxTokens,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProviderError, "outline generation failed")
	}
	cost := o.recordCall(ctx, req, jobID, provider, "outline", res, result)

	outline, err := wfmodel.ParseOutline([]byte(node.ExtractJSONObject(res.Content)))
	if err != nil {
		outline, err = node.ParseOutlineFallback(ctx, res.Content)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeOutlineParse, "outline unparseable")
		}
	}

	outlineJSON, err := outline.Marshal()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "outline serialization failed")
	}

	if cacheable {
		o.cache.Store(ctx, key, outlineJSON, cost)
	}
	return &outlineFlightResult{outlineJSON: outlineJSON, cost: cost}, nil
}

// runSectionStage 生成单个章节：优先缓存，未命中则调用提供商
func (o *Orchestrator) runSectionStage(
	ctx context.Context,
	jobID string,
	req *entity.GenerationRequest,
	provider llm.Provider,
	sel selection,
	outline *wfmodel.Outline,
	sectionID string,
	sectionFP string,
	cacheable bool,
	result *entity.GenerationResult,
) (string, bool, error) {
	sec := outline.Sections[sectionID]
	key := cachekey.Key{
		Prefix:       o.cache.Prefix(),
		DocumentType: req.DocumentType,
		Stage:        cachekey.StageSection,
		Provider:     sel.provider,
		Model:        result.Model,
		Fingerprint:  sectionFP,
		SectionID:    sectionID,
	}

	if cacheable {
		if ent, hit := o.cache.Lookup(ctx, key, req.ForceRefresh); hit {
			var content string
			if err := json.Unmarshal(ent.Value, &content); err == nil && content != "" {
				result.Stats.CostSaved += ent.CostEstimateUSD
				return content, true, nil
			}
			logger.Warn(ctx, "cached section invalid, regenerating", "key", key.String())
			_ = o.cache.Invalidate(ctx, key)
		}
	}

	inputJSON, err := cachekey.CanonicalJSON(cachekey.Normalize(req.RawInput))
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.CodeInternalError, "input serialization failed")
	}

	system, user, err := o.prompts.Render(ctx, prompt.PromptSectionV1, map[string]any{
		"document_type":       string(req.DocumentType),
		"guidance":            prompt.Guidance(req.DocumentType),
		"word_count":          sectionWordCount(sec),
		"document_title":      outline.Title,
		"section_title":       sec.Title,
		"section_description": sec.Description,
		"key_points":          formatKeyPoints(sec.KeyPoints),
		"previous_sections":   o.previousSectionsTail(outline, result.Sections),
		"input_json":          string(inputJSON),
	})
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.CodeInternalError, "section prompt render failed")
	}

	res, err := o.callWithRetry(ctx, provider, &llm.CompletionRequest{
		SystemPrompt: system,
		Prompt:       user,
		Model:        sel.model,
		Temperature:  sel.temperature,
		MaxTokens:    sel.maxTokens,
	})
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.CodeLLMProviderError,
			fmt.Sprintf("section %s generation failed", sectionID))
	}
	cost := o.recordCall(ctx, req, jobID, provider, "section", res, result)

	if cacheable {
		if raw, marshalErr := json.Marshal(res.Content); marshalErr == nil {
			o.cache.Store(ctx, key, raw, cost)
		}
	}
	return res.Content, false, nil
}

// runRefineStage 对拼接稿做整体润色。仅配置列出的文档类型执行润色，
// 润色失败退回拼接稿，不视为管线失败。
func (o *Orchestrator) runRefineStage(
	ctx context.Context,
	jobID string,
	req *entity.GenerationRequest,
	provider llm.Provider,
	sel selection,
	outline *wfmodel.Outline,
	orderedIDs []string,
	sectionFP string,
	cacheable bool,
	result *entity.GenerationResult,
) string {
	draft := assembleDocument(outline, orderedIDs, result.Sections)

	if !o.refinementEnabled(req.DocumentType) {
		return draft
	}

	key := cachekey.Key{
		Prefix:       o.cache.Prefix(),
		DocumentType: req.DocumentType,
		Stage:        cachekey.StageDocument,
		Provider:     sel.provider,
		Model:        result.Model,
		Fingerprint:  sectionFP,
	}
	if cacheable {
		if ent, hit := o.cache.Lookup(ctx, key, req.ForceRefresh); hit {
			var content string
			if err := json.Unmarshal(ent.Value, &content); err == nil && content != "" {
				result.Stats.CostSaved += ent.CostEstimateUSD
				return content
			}
		}
	}

	system, user, err := o.prompts.Render(ctx, prompt.PromptRefineV1, map[string]any{
		"document_type": string(req.DocumentType),
		"draft":         draft,
	})
	if err != nil {
		logger.Warn(ctx, "refine prompt render failed, keeping draft", "error", err.Error())
		return draft
	}

	refineTemp := float32(o.cfg.Pipeline.RefineTemperature)
	res, err := o.callWithRetry(ctx, provider, &llm.CompletionRequest{
		SystemPrompt: system,
		Prompt:       user,
		Model:        sel.model,
		Temperature:  &refineTemp,
	})
	if err != nil {
		logger.Warn(ctx, "refinement failed, falling back to concatenation", "error", err.Error())
		return draft
	}
	cost := o.recordCall(ctx, req, jobID, provider, "refine", res, result)

	if res.Content == "" {
		return draft
	}
	if cacheable {
		if raw, marshalErr := json.Marshal(res.Content); marshalErr == nil {
			o.cache.Store(ctx, key, raw, cost)
		}
	}
	return res.Content
}
