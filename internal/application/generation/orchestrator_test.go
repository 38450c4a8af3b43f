package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcache "docforge-ai-api/internal/application/cache"
	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/llm"
	"docforge-ai-api/internal/workflow/prompt"
)

const testOutlineJSON = `{
	"title": "Ada Lovelace",
	"introduction": {"hook": "h", "thesis": "t", "preview": "p"},
	"sections": {
		"a": {"title": "Legacy", "order": 2},
		"b": {"title": "Early Life", "order": 0},
		"c": {"title": "The Analytical Engine", "order": 1}
	},
	"conclusion": "end"
}`

// scriptedProvider 按提示词类型返回脚本化结果
type scriptedProvider struct {
	mu sync.Mutex

	outlineErrs []error // 依次消费，耗尽后成功
	refineErr   error

	outlineCalls   int
	sectionCalls   int
	refineCalls    int
	sectionPrompts []string
}

func (p *scriptedProvider) Name() string { return "stub" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(req.SystemPrompt, "大纲"):
		p.outlineCalls++
		if len(p.outlineErrs) > 0 {
			err := p.outlineErrs[0]
			p.outlineErrs = p.outlineErrs[1:]
			return nil, err
		}
		return p.result(testOutlineJSON), nil
	case strings.Contains(req.SystemPrompt, "润色"):
		p.refineCalls++
		if p.refineErr != nil {
			return nil, p.refineErr
		}
		return p.result("REFINED DOCUMENT"), nil
	default:
		p.sectionCalls++
		p.sectionPrompts = append(p.sectionPrompts, req.Prompt)
		return p.result(fmt.Sprintf("section body %d", p.sectionCalls)), nil
	}
}

func (p *scriptedProvider) result(content string) *llm.CompletionResult {
	return &llm.CompletionResult{
		Content:          content,
		PromptTokens:     100,
		CompletionTokens: 200,
		TotalTokens:      300,
		Model:            "stub-model",
	}
}

func (p *scriptedProvider) CountTokens(text string) int { return len(text) / 4 }

func (p *scriptedProvider) EstimateCost(_ string, promptTokens, completionTokens int) float64 {
	return float64(promptTokens+completionTokens) / 1000 * 0.01
}

type stubFactory struct{ p llm.Provider }

func (f *stubFactory) Get(context.Context, string) (llm.Provider, error) { return f.p, nil }
func (f *stubFactory) DefaultName() string                               { return "stub" }

// memJobs 任务仓储测试替身
type memJobs struct {
	mu       sync.Mutex
	status   entity.JobStatus
	progress []int
}

func (j *memJobs) Create(context.Context, *entity.GenerationJob) error { return nil }
func (j *memJobs) GetByID(_ context.Context, id string) (*entity.GenerationJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &entity.GenerationJob{ID: id, Status: j.status}, nil
}
func (j *memJobs) MarkRunning(context.Context, string) error { return nil }
func (j *memJobs) UpdateProgress(_ context.Context, _ string, p int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = append(j.progress, p)
	return nil
}
func (j *memJobs) SetResult(context.Context, string, []byte, string) error { return nil }
func (j *memJobs) UpdateStatus(_ context.Context, _ string, s entity.JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	return nil
}

// memCacheStore 进程内 CacheStore 测试替身
type memCacheStore struct {
	mu      sync.Mutex
	entries map[string]*entity.CacheEntry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: make(map[string]*entity.CacheEntry)}
}

func (s *memCacheStore) Get(_ context.Context, key string, opts repository.GetOptions) (*entity.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.ForceRefresh {
		return nil, repository.ErrCacheMiss
	}
	ent, ok := s.entries[key]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	ent.RecordHit(time.Now().UTC())
	return ent, nil
}

func (s *memCacheStore) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration, costEstimate float64, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.entries[key] = &entity.CacheEntry{
		Key: key, Value: value, CostEstimateUSD: costEstimate,
		CreatedAt: now, ExpiresAt: now.Add(ttl), Metadata: meta,
	}
	return nil
}

func (s *memCacheStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memCacheStore) ClearByPattern(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memCacheStore) HealthCheck(context.Context) bool { return true }

func (s *memCacheStore) Stats(context.Context) (*repository.CacheStats, error) {
	return &repository.CacheStats{}, nil
}

func testConfig(refinementTypes ...string) *config.Config {
	return &config.Config{
		Cache: config.CacheConfig{
			KeyPrefix: "docgen",
			TTL:       map[string]time.Duration{"biography": time.Hour},
		},
		LLM: config.LLMConfig{
			DefaultProvider: "stub",
			Providers: map[string]config.ProviderConfig{
				"stub": {Model: "stub-model"},
			},
		},
		Pipeline: config.PipelineConfig{
			MaxAttempts:       3,
			RetryBase:         time.Millisecond,
			RetryMax:          5 * time.Millisecond,
			RefinementTypes:   refinementTypes,
			RefineTemperature: 0.3,
		},
	}
}

func newTestOrchestrator(cfg *config.Config, p llm.Provider) (*Orchestrator, *memCacheStore) {
	store := newMemCacheStore()
	manager := appcache.NewManager(store, &cfg.Cache)
	orch := NewOrchestrator(cfg, &stubFactory{p: p}, manager, prompt.NewRegistry(), events.NewBus())
	return orch, store
}

func bioRequest() *entity.GenerationRequest {
	return &entity.GenerationRequest{
		DocumentType: entity.DocTypeBiography,
		RawInput:     map[string]any{"subject": "Ada Lovelace"},
		UserID:       "u1",
		UseCache:     true,
	}
}

func TestRunGeneratesDocument(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.NoError(t, err)

	assert.Equal(t, entity.GenerationCompleted, result.Status)
	assert.Equal(t, "stub", result.Provider)
	assert.Equal(t, "stub-model", result.Model)
	assert.Equal(t, 1, provider.outlineCalls)
	assert.Equal(t, 3, provider.sectionCalls)
	assert.Zero(t, provider.refineCalls)

	// 章节严格按 order 升序生成：b(0), c(1), a(2)
	require.Len(t, provider.sectionPrompts, 3)
	assert.Contains(t, provider.sectionPrompts[0], "Early Life")
	assert.Contains(t, provider.sectionPrompts[1], "The Analytical Engine")
	assert.Contains(t, provider.sectionPrompts[2], "Legacy")

	assert.Equal(t, 3, result.Stats.TotalSections)
	assert.False(t, result.Stats.OutlineFromCache)
	assert.Zero(t, result.Stats.SectionsFromCache)
	assert.Equal(t, 400, result.TokenUsage.PromptTokens)
	assert.Equal(t, 800, result.TokenUsage.CompletionTokens)
	assert.InDelta(t, 4*0.003, result.CostUSD, 1e-9)

	// 拼接稿包含标题与全部章节
	assert.Contains(t, result.Content, "# Ada Lovelace")
	assert.Contains(t, result.Content, "## Early Life")
	assert.Contains(t, result.Content, "section body 1")
}

func TestRunServesFromCacheOnSecondRun(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)
	ctx := context.Background()

	_, err := orch.Run(ctx, "job-1", bioRequest())
	require.NoError(t, err)

	result, err := orch.Run(ctx, "job-2", bioRequest())
	require.NoError(t, err)

	// 第二次运行不触达提供商
	assert.Equal(t, 1, provider.outlineCalls)
	assert.Equal(t, 3, provider.sectionCalls)

	assert.True(t, result.Stats.OutlineFromCache)
	assert.Equal(t, 3, result.Stats.SectionsFromCache)
	assert.Zero(t, result.TokenUsage.TotalTokens)
	assert.Greater(t, result.Stats.CostSaved, 0.0)
	assert.Zero(t, result.CostUSD)
}

func TestRunForceRefreshBypassesCache(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)
	ctx := context.Background()

	_, err := orch.Run(ctx, "job-1", bioRequest())
	require.NoError(t, err)

	req := bioRequest()
	req.ForceRefresh = true
	result, err := orch.Run(ctx, "job-2", req)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.outlineCalls)
	assert.Equal(t, 6, provider.sectionCalls)
	assert.False(t, result.Stats.OutlineFromCache)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	provider := &scriptedProvider{
		outlineErrs: []error{
			&llm.ProviderError{Provider: "stub", Kind: llm.KindRateLimited, Message: "429"},
		},
	}
	orch, _ := newTestOrchestrator(testConfig(), provider)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationCompleted, result.Status)
	assert.Equal(t, 2, provider.outlineCalls)
}

func TestRunDoesNotRetryUnauthorized(t *testing.T) {
	provider := &scriptedProvider{
		outlineErrs: []error{
			&llm.ProviderError{Provider: "stub", Kind: llm.KindUnauthorized, Message: "401"},
			&llm.ProviderError{Provider: "stub", Kind: llm.KindUnauthorized, Message: "401"},
			&llm.ProviderError{Provider: "stub", Kind: llm.KindUnauthorized, Message: "401"},
		},
	}
	orch, _ := newTestOrchestrator(testConfig(), provider)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.Error(t, err)
	assert.Equal(t, entity.GenerationFailed, result.Status)
	assert.Equal(t, string(events.StageGeneratingOutline), result.FailureStage)
	assert.Equal(t, 1, provider.outlineCalls)
}

func TestRunRefinement(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig("biography"), provider)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.refineCalls)
	assert.Equal(t, "REFINED DOCUMENT", result.Content)
}

func TestRunRefinementFallsBackToConcatenation(t *testing.T) {
	provider := &scriptedProvider{
		refineErr: &llm.ProviderError{Provider: "stub", Kind: llm.KindUnauthorized, Message: "401"},
	}
	orch, _ := newTestOrchestrator(testConfig("biography"), provider)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationCompleted, result.Status)
	assert.Contains(t, result.Content, "# Ada Lovelace")
	assert.Contains(t, result.Content, "section body 1")
}

func TestRunCancelledJob(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)
	jobs := &memJobs{status: entity.JobStatusCancelled}
	orch.WithJobs(jobs)

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.Error(t, err)
	assert.Equal(t, entity.GenerationCancelled, result.Status)
	// 大纲之后第一处取消检查生效，章节不再生成
	assert.Zero(t, provider.sectionCalls)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)

	req := bioRequest()
	req.RawInput = map[string]any{"unrelated": "x"}
	result, err := orch.Run(context.Background(), "job-1", req)
	require.Error(t, err)
	assert.Equal(t, entity.GenerationFailed, result.Status)
	assert.Equal(t, string(events.StageInitializing), result.FailureStage)
	assert.Zero(t, provider.outlineCalls)
}

func TestRunQuotaDenied(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)
	orch.WithQuota(deniedQuota{})

	result, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.Error(t, err)
	assert.Equal(t, entity.GenerationFailed, result.Status)
	assert.Zero(t, provider.outlineCalls)
}

type deniedQuota struct{}

func (deniedQuota) CheckCostLimit(context.Context, string) (*repository.AdmissionResult, error) {
	return &repository.AdmissionResult{Allowed: false, Reason: "limit reached"}, nil
}

func TestRunPublishesProgress(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := newTestOrchestrator(testConfig(), provider)
	jobs := &memJobs{status: entity.JobStatusRunning}
	orch.WithJobs(jobs)

	_, err := orch.Run(context.Background(), "job-1", bioRequest())
	require.NoError(t, err)

	// 进度单调不减且以 100 结束
	require.NotEmpty(t, jobs.progress)
	last := -1
	for _, p := range jobs.progress {
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100, last)
}
