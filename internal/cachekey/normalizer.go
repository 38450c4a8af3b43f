package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FingerprintLength 指纹长度（十六进制字符数）。
// 截断只为控制键长度，不作为安全边界。
const FingerprintLength = 16

// volatileFields 请求易变字段：进入指纹会让每个键都唯一，从而让缓存失效。
// 同时覆盖 snake_case 与 camelCase 两种命名。
var volatileFields = map[string]struct{}{
	"id":         {},
	"user_id":    {},
	"userId":     {},
	"created_at": {},
	"createdAt":  {},
	"updated_at": {},
	"updatedAt":  {},
	"timestamp":  {},
}

// sortedListFields 白名单列表字段：排序后哈希，输入顺序不影响指纹
var sortedListFields = map[string]struct{}{
	"keywords":    {},
	"focus_areas": {},
	"focusAreas":  {},
	"tags":        {},
}

// foldedTextFields 指定自由文本字段：小写并折叠空白。
// 这是有意为之的模糊匹配：近似重复的请求落入同一个缓存桶。
var foldedTextFields = map[string]struct{}{
	"name":        {},
	"subject":     {},
	"title":       {},
	"description": {},
	"industry":    {},
}

// Normalize 将原始输入转为规范形式：剔除易变字段、排序白名单列表、
// 折叠指定文本字段。递归处理嵌套对象。
func Normalize(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, volatile := volatileFields[k]; volatile {
			continue
		}
		out[k] = normalizeValue(k, v)
	}
	return out
}

func normalizeValue(field string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Normalize(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue("", item)
		}
		if _, sorted := sortedListFields[field]; sorted {
			sortStringItems(items)
		}
		return items
	case string:
		if _, fold := foldedTextFields[field]; fold {
			return foldText(val)
		}
		return val
	default:
		return v
	}
}

// foldText 小写、去首尾空白并折叠内部空白
func foldText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// sortStringItems 对全字符串列表按字典序排序；含非字符串项时保持原序
func sortStringItems(items []any) {
	strs := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return
		}
		strs[i] = s
	}
	sort.Strings(strs)
	for i, s := range strs {
		items[i] = s
	}
}

// CanonicalJSON 规范序列化：对象键递归排序，保证插入顺序不影响输出。
// encoding/json 对 map 键排序，先经 map 往返即可得到稳定形式。
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	return json.Marshal(generic)
}

// Fingerprint 规范化输入的定长指纹：SHA-256 截断为 16 个十六进制字符
func Fingerprint(canonical map[string]any) (string, error) {
	return FingerprintValue(canonical)
}

// FingerprintValue 任意可序列化值的定长指纹（章节键引用大纲哈希时使用）
func FingerprintValue(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:FingerprintLength], nil
}

// FingerprintRequest 一步完成规范化与指纹计算
func FingerprintRequest(raw map[string]any) (string, error) {
	return Fingerprint(Normalize(raw))
}
