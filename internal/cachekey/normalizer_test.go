package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterminism(t *testing.T) {
	a := map[string]any{
		"subject":    map[string]any{"name": "Ada Lovelace", "born": "1815"},
		"focusAreas": []any{"mathematics", "legacy"},
		"userId":     "user-1",
		"createdAt":  "2026-01-01T00:00:00Z",
	}
	// 字段顺序不同、易变字段不同、白名单列表顺序不同
	b := map[string]any{
		"createdAt":  "2026-08-31T12:00:00Z",
		"userId":     "user-999",
		"focusAreas": []any{"legacy", "mathematics"},
		"subject":    map[string]any{"born": "1815", "name": "  ada   LOVELACE "},
	}

	fpA, err := FingerprintRequest(a)
	require.NoError(t, err)
	fpB, err := FingerprintRequest(b)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, FingerprintLength)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := map[string]any{
		"subject":  map[string]any{"name": "ada lovelace"},
		"keywords": []any{"analytical engine"},
	}
	changed := map[string]any{
		"subject":  map[string]any{"name": "charles babbage"},
		"keywords": []any{"analytical engine"},
	}

	fpBase, err := FingerprintRequest(base)
	require.NoError(t, err)
	fpChanged, err := FingerprintRequest(changed)
	require.NoError(t, err)

	assert.NotEqual(t, fpBase, fpChanged)
}

func TestNormalizeStripsVolatileFields(t *testing.T) {
	raw := map[string]any{
		"id":         "rec-1",
		"user_id":    "u-1",
		"timestamp":  "now",
		"updated_at": "later",
		"subject":    map[string]any{"id": "nested-id", "name": "x"},
	}
	norm := Normalize(raw)

	assert.NotContains(t, norm, "id")
	assert.NotContains(t, norm, "user_id")
	assert.NotContains(t, norm, "timestamp")
	assert.NotContains(t, norm, "updated_at")

	nested, ok := norm["subject"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, nested, "id")
	assert.Contains(t, nested, "name")
}

func TestNormalizeSortsWhitelistedLists(t *testing.T) {
	norm := Normalize(map[string]any{
		"keywords": []any{"zebra", "apple", "mango"},
		"steps":    []any{"third", "first"},
	})

	assert.Equal(t, []any{"apple", "mango", "zebra"}, norm["keywords"])
	// 非白名单列表保持原序
	assert.Equal(t, []any{"third", "first"}, norm["steps"])
}

func TestNormalizeFoldsDesignatedText(t *testing.T) {
	norm := Normalize(map[string]any{
		"name":  "  Ada   LOVELACE ",
		"notes": "  Keep  Case ",
	})

	assert.Equal(t, "ada lovelace", norm["name"])
	// 未指定的文本字段保持原样
	assert.Equal(t, "  Keep  Case ", norm["notes"])
}

func TestFingerprintIgnoresMixedTypeListOrderOnlyForStrings(t *testing.T) {
	norm := Normalize(map[string]any{
		"tags": []any{"b", 1, "a"},
	})
	// 含非字符串项的列表不排序
	assert.Equal(t, []any{"b", 1, "a"}, norm["tags"])
}

func TestKeyString(t *testing.T) {
	k := Key{
		Prefix:       "docgen",
		DocumentType: "biography",
		Stage:        StageOutline,
		Provider:     "openai",
		Model:        "gpt-4o",
		Fingerprint:  "abcdef0123456789",
	}
	assert.Equal(t, "docgen:biography:outline:openai:gpt-4o:abcdef0123456789", k.String())

	k.Stage = StageSection
	k.SectionID = "sec-2"
	assert.Equal(t, "docgen:biography:section:openai:gpt-4o:abcdef0123456789:sec-2", k.String())
}

func TestPatterns(t *testing.T) {
	assert.Equal(t, "docgen:biography:*", DocumentTypePattern("docgen", "biography"))
	assert.Equal(t, "docgen:*:*:openai:*", ProviderPattern("docgen", "openai"))
	assert.Equal(t, "docgen:*", AllPattern("docgen"))
}
