package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/infrastructure/messaging"
	wfmodel "docforge-ai-api/internal/workflow/model"
)

func TestSyntheticRunnerSeedsOutlineCache(t *testing.T) {
	manager := NewManager(newMemStore(), testCacheConfig())
	runner := NewSyntheticRunner(manager)
	ctx := context.Background()

	input := map[string]any{"subject": "Ada Lovelace"}
	result, err := runner.Run(ctx, "", &entity.GenerationRequest{
		DocumentType: entity.DocTypeBiography,
		RawInput:     input,
		Provider:     "openai",
		Model:        "gpt-4o",
		UseCache:     true,
		IsTemplate:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationCompleted, result.Status)

	fp, err := cachekey.FingerprintRequest(input)
	require.NoError(t, err)
	ent, hit := manager.Lookup(ctx, cachekey.Key{
		Prefix: "docgen", DocumentType: entity.DocTypeBiography,
		Stage: cachekey.StageOutline, Provider: "openai", Model: "gpt-4o", Fingerprint: fp,
	}, false)
	require.True(t, hit)
	// 合成条目零推理成本
	assert.Zero(t, ent.CostEstimateUSD)

	outline, err := wfmodel.ParseOutline(ent.Value)
	require.NoError(t, err)
	assert.NotEmpty(t, outline.OrderedSectionIDs())
	assert.Equal(t, "cache-warmer", outline.Metadata["source"])
}

func TestSyntheticOutlineDeterministic(t *testing.T) {
	input := map[string]any{"company": "Acme", "industry": "saas"}

	first, err := BuildSyntheticOutline(entity.DocTypeBusinessPlan, input)
	require.NoError(t, err)
	second, err := BuildSyntheticOutline(entity.DocTypeBusinessPlan, input)
	require.NoError(t, err)

	rawFirst, err := first.Marshal()
	require.NoError(t, err)
	rawSecond, err := second.Marshal()
	require.NoError(t, err)
	assert.Equal(t, rawFirst, rawSecond)
}

func TestSyntheticOutlineRejectsUnknownType(t *testing.T) {
	_, err := BuildSyntheticOutline(entity.DocumentType("novel"), nil)
	assert.Error(t, err)
}

// 预热链路只经过合成执行器：冷目标一次写入，再次预热整批跳过
func TestWarmWithSyntheticRunnerNeverCallsProviders(t *testing.T) {
	manager := NewManager(newMemStore(), testCacheConfig())
	warmer := NewWarmer(manager, NewSyntheticRunner(manager),
		"openai", map[string]string{"openai": "gpt-4o"}, 60000)
	ctx := context.Background()

	targets := []messaging.WarmTarget{
		{DocumentType: entity.DocTypeBiography, Input: map[string]any{"subject": "Ada Lovelace"}},
		{DocumentType: entity.DocTypeGrantProposal, Input: map[string]any{"organization": "o", "project": "p"}},
	}

	result, err := warmer.Warm(ctx, "cache-warmer", targets)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Warmed)
	assert.Zero(t, result.Failed)

	// 写入的键正是跳过检查读取的键
	result, err = warmer.Warm(ctx, "cache-warmer", targets)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Warmed)
}
