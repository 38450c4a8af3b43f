package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/infrastructure/messaging"
)

type stubRunner struct {
	calls []entity.GenerationRequest
	fail  map[entity.DocumentType]bool
}

func (r *stubRunner) Run(_ context.Context, _ string, req *entity.GenerationRequest) (*entity.GenerationResult, error) {
	r.calls = append(r.calls, *req)
	if r.fail[req.DocumentType] {
		return nil, errors.New("provider unavailable")
	}
	return &entity.GenerationResult{Status: entity.GenerationCompleted}, nil
}

func TestWarmSkipsCachedTargets(t *testing.T) {
	store := newMemStore()
	manager := NewManager(store, testCacheConfig())
	runner := &stubRunner{}
	warmer := NewWarmer(manager, runner, "openai", map[string]string{"openai": "gpt-4o"}, 60000)

	warmInput := map[string]any{"subject": "Ada Lovelace"}
	fp, err := cachekey.FingerprintRequest(warmInput)
	require.NoError(t, err)
	manager.Store(context.Background(), cachekey.Key{
		Prefix: "docgen", DocumentType: entity.DocTypeBiography,
		Stage: cachekey.StageOutline, Provider: "openai", Model: "gpt-4o", Fingerprint: fp,
	}, json.RawMessage(`{"title":"t"}`), 0)

	result, err := warmer.Warm(context.Background(), "warm-user", []messaging.WarmTarget{
		{DocumentType: entity.DocTypeBiography, Input: warmInput},
		{DocumentType: entity.DocTypeBusinessPlan, Input: map[string]any{"company": "Acme", "industry": "saas"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Warmed)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, entity.DocTypeBusinessPlan, runner.calls[0].DocumentType)
	assert.True(t, runner.calls[0].IsTemplate)
	assert.True(t, runner.calls[0].UseCache)
}

func TestWarmContinuesPastFailures(t *testing.T) {
	manager := NewManager(newMemStore(), testCacheConfig())
	runner := &stubRunner{fail: map[entity.DocumentType]bool{entity.DocTypeCaseSummary: true}}
	warmer := NewWarmer(manager, runner, "openai", nil, 60000)

	result, err := warmer.Warm(context.Background(), "warm-user", []messaging.WarmTarget{
		{DocumentType: entity.DocTypeCaseSummary, Input: map[string]any{"case": "c", "jurisdiction": "j"}},
		{DocumentType: entity.DocTypeGrantProposal, Input: map[string]any{"organization": "o", "project": "p"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Warmed)
	assert.Len(t, runner.calls, 2)
}

func TestWarmHonorsContextCancellation(t *testing.T) {
	manager := NewManager(newMemStore(), testCacheConfig())
	warmer := NewWarmer(manager, &stubRunner{}, "openai", nil, 60000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := warmer.Warm(ctx, "warm-user", []messaging.WarmTarget{
		{DocumentType: entity.DocTypeBiography, Input: map[string]any{"subject": "x"}},
	})
	assert.Error(t, err)
}
