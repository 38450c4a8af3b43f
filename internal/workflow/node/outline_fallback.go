package node

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"docforge-ai-api/internal/workflow/model"
	"docforge-ai-api/pkg/logger"
)

// 行首的列表/编号标记：`1.`、`1)`、`-`、`*`、`一、` 等
var sectionLinePattern = regexp.MustCompile(`^\s*(?:\d+[.)、]|[-*•]|[一二三四五六七八九十]+[、.])\s*(.+)$`)

var headingPattern = regexp.MustCompile(`^#+\s*(.+)$`)

// ParseOutlineFallback 在模型输出不是合法 JSON 时按行启发式解析大纲。
// 每个列表项成为一个章节，标题后的破折号部分作为描述。
func ParseOutlineFallback(ctx context.Context, raw string) (*model.Outline, error) {
	logger.Warn(ctx, "outline JSON parse failed, falling back to line heuristics")

	outline := &model.Outline{
		Sections: make(map[string]model.OutlineSection),
	}

	order := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := headingPattern.FindStringSubmatch(line); m != nil && outline.Title == "" {
			outline.Title = strings.TrimSpace(m[1])
			continue
		}

		m := sectionLinePattern.FindStringSubmatch(line)
		if m == nil {
			// 第一行普通文本当作标题
			if outline.Title == "" {
				outline.Title = line
			}
			continue
		}

		title, desc := splitTitleDescription(m[1])
		id := fmt.Sprintf("sec-%d", order+1)
		outline.Sections[id] = model.OutlineSection{
			Title:       title,
			Description: desc,
			Order:       order,
		}
		order++
	}

	if err := outline.Validate(); err != nil {
		return nil, fmt.Errorf("outline fallback parse produced invalid outline: %w", err)
	}

	logger.Info(ctx, "outline recovered via fallback parser", "sections", len(outline.Sections))
	return outline, nil
}

// splitTitleDescription 拆分 "标题 - 描述" 或 "标题：描述" 形式的行
func splitTitleDescription(s string) (title, desc string) {
	for _, sep := range []string{" - ", " — ", "：", ": "} {
		if idx := strings.Index(s, sep); idx > 0 {
			return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+len(sep):])
		}
	}
	return strings.TrimSpace(s), ""
}
