package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean object", `{"a":1}`, `{"a":1}`},
		{"clean array", `[1,2,3]`, `[1,2,3]`},
		{"leading prose", `Here is the outline: {"a":1}`, `{"a":1}`},
		{"trailing prose", `{"a":1} hope this helps!`, `{"a":1}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"empty", "", ""},
		{"no json at all", "just some text", "just some text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.input))
		})
	}
}

func TestParseOutlineFallback(t *testing.T) {
	raw := `# 张伟传记

1. 早年经历 - 家庭背景与求学之路
2. 职业生涯：从工程师到创始人
3. 个人生活
`
	outline, err := ParseOutlineFallback(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "张伟传记", outline.Title)
	require.Len(t, outline.Sections, 3)

	ids := outline.OrderedSectionIDs()
	assert.Equal(t, []string{"sec-1", "sec-2", "sec-3"}, ids)
	assert.Equal(t, "早年经历", outline.Sections["sec-1"].Title)
	assert.Equal(t, "家庭背景与求学之路", outline.Sections["sec-1"].Description)
	assert.Equal(t, "职业生涯", outline.Sections["sec-2"].Title)
	assert.Equal(t, "从工程师到创始人", outline.Sections["sec-2"].Description)
	assert.Empty(t, outline.Sections["sec-3"].Description)
}

func TestParseOutlineFallbackBulletList(t *testing.T) {
	raw := `Executive Overview
- Market Analysis - competitive landscape
- Financial Projections
`
	outline, err := ParseOutlineFallback(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "Executive Overview", outline.Title)
	assert.Len(t, outline.Sections, 2)
}

func TestParseOutlineFallbackNoSections(t *testing.T) {
	_, err := ParseOutlineFallback(context.Background(), "nothing structured here")
	assert.Error(t, err)
}
