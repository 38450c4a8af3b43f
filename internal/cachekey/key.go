// Package cachekey 提供生成请求的规范化与指纹计算。
// 所有函数均为纯函数，可并发调用。
package cachekey

import (
	"fmt"
	"strings"

	"docforge-ai-api/internal/domain/entity"
)

// Stage 缓存粒度阶段
type Stage string

const (
	StageOutline   Stage = "outline"
	StageSection   Stage = "section"
	StageEmbedding Stage = "embedding"
	StageDocument  Stage = "document"
)

// Key 复合缓存键。两个语义相同的请求必须得到相同的 Key。
type Key struct {
	Prefix       string
	DocumentType entity.DocumentType
	Stage        Stage
	Provider     string
	Model        string
	Fingerprint  string
	SectionID    string
}

// String 生成 Redis 键。布局保证按文档类型/提供商的前缀批量失效可用 glob 匹配。
func (k Key) String() string {
	prefix := k.Prefix
	if prefix == "" {
		prefix = "docgen"
	}
	s := fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		prefix, k.DocumentType, k.Stage, k.Provider, k.Model, k.Fingerprint)
	if k.SectionID != "" {
		s += ":" + k.SectionID
	}
	return s
}

// DocumentTypePattern 按文档类型批量失效的匹配模式
func DocumentTypePattern(prefix string, docType entity.DocumentType) string {
	if prefix == "" {
		prefix = "docgen"
	}
	return fmt.Sprintf("%s:%s:*", prefix, docType)
}

// ProviderPattern 按提供商批量失效的匹配模式
func ProviderPattern(prefix, provider string) string {
	if prefix == "" {
		prefix = "docgen"
	}
	return fmt.Sprintf("%s:*:*:%s:*", prefix, provider)
}

// AllPattern 全部条目的匹配模式
func AllPattern(prefix string) string {
	if prefix == "" {
		prefix = "docgen"
	}
	return prefix + ":*"
}

// BelongsTo 检查键是否属于本缓存命名空间（统计用途）
func BelongsTo(prefix, key string) bool {
	if prefix == "" {
		prefix = "docgen"
	}
	return strings.HasPrefix(key, prefix+":")
}
