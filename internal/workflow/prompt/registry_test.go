package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/domain/entity"
)

func TestRenderOutline(t *testing.T) {
	r := NewRegistry()

	system, user, err := r.Render(context.Background(), PromptOutlineV1, map[string]any{
		"document_type": "biography",
		"guidance":      Guidance(entity.DocTypeBiography),
		"input_json":    `{"subject":"Ada Lovelace"}`,
	})
	require.NoError(t, err)
	assert.Contains(t, system, "biography")
	assert.Contains(t, user, "Ada Lovelace")
}

func TestRenderSection(t *testing.T) {
	r := NewRegistry()

	system, user, err := r.Render(context.Background(), PromptSectionV1, map[string]any{
		"document_type":       "business_plan",
		"guidance":            Guidance(entity.DocTypeBusinessPlan),
		"word_count":          800,
		"document_title":      "CloudKitchen 商业计划书",
		"section_title":       "市场分析",
		"section_description": "目标市场与竞争格局",
		"key_points":          "- 市场规模\n- 竞品对比",
		"previous_sections":   "（无）",
		"input_json":          `{"company":"CloudKitchen"}`,
	})
	require.NoError(t, err)
	assert.Contains(t, system, "800")
	assert.Contains(t, user, "市场分析")
}

func TestRenderRefine(t *testing.T) {
	r := NewRegistry()

	_, user, err := r.Render(context.Background(), PromptRefineV1, map[string]any{
		"document_type": "grant_proposal",
		"draft":         "第一章……第二章……",
	})
	require.NoError(t, err)
	assert.Contains(t, user, "第一章")
}

func TestUnknownPrompt(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Render(context.Background(), PromptID("nope"), nil)
	assert.Error(t, err)
}

func TestGuidanceCoversAllTypes(t *testing.T) {
	for _, dt := range entity.AllDocumentTypes() {
		assert.NotEmpty(t, Guidance(dt), string(dt))
	}
}
