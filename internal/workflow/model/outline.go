// Package model 定义生成管线的中间产物结构
package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OutlineIntroduction 大纲引言
type OutlineIntroduction struct {
	Hook    string `json:"hook"`
	Thesis  string `json:"thesis"`
	Preview string `json:"preview"`
}

// OutlineSection 大纲中的单个章节
type OutlineSection struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	KeyPoints          []string `json:"key_points,omitempty"`
	EstimatedWordCount int      `json:"estimated_word_count,omitempty"`
	// Order 决定章节生成顺序，严格升序执行
	Order int `json:"order"`
}

// Outline 文档大纲。Sections 的 key 为章节 ID。
type Outline struct {
	Title        string                    `json:"title"`
	Introduction OutlineIntroduction       `json:"introduction"`
	Sections     map[string]OutlineSection `json:"sections"`
	Conclusion   string                    `json:"conclusion,omitempty"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
}

// ParseOutline 解析并校验大纲 JSON
func ParseOutline(raw []byte) (*Outline, error) {
	var o Outline
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to parse outline: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate 检查大纲最低完整性
func (o *Outline) Validate() error {
	if o.Title == "" {
		return fmt.Errorf("outline missing title")
	}
	if len(o.Sections) == 0 {
		return fmt.Errorf("outline has no sections")
	}
	for id, sec := range o.Sections {
		if sec.Title == "" {
			return fmt.Errorf("outline section %s missing title", id)
		}
	}
	return nil
}

// OrderedSectionIDs 按 Order 升序返回章节 ID；Order 相同时按 ID 字典序，
// 保证遍历顺序确定
func (o *Outline) OrderedSectionIDs() []string {
	ids := make([]string, 0, len(o.Sections))
	for id := range o.Sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := o.Sections[ids[i]].Order, o.Sections[ids[j]].Order
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Marshal 输出前保证结构完整，避免空 map 序列化为 null
func (o *Outline) Marshal() ([]byte, error) {
	if o.Sections == nil {
		o.Sections = map[string]OutlineSection{}
	}
	return json.Marshal(o)
}
