// Package prompt 管理内嵌的提示词模板
package prompt

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"docforge-ai-api/internal/domain/entity"
)

//go:embed templates/*.txt
var templatesFS embed.FS

type PromptID string

const (
	PromptOutlineV1 PromptID = "outline_v1"
	PromptSectionV1 PromptID = "section_v1"
	PromptRefineV1  PromptID = "refine_v1"
)

// 按文档类型的写作指引，在模板的 guidance 占位符处展开
var documentTypeGuidance = map[entity.DocumentType]string{
	entity.DocTypeBiography:     "以时间线为主轴组织内容，突出人物的关键转折点与成就，保持叙事性。",
	entity.DocTypeBusinessPlan:  "面向投资人写作，用数据支撑论点，市场与财务部分给出量化结论。",
	entity.DocTypeGrantProposal: "严格对应资助方的评审标准，明确研究目标、方法与预期影响。",
	entity.DocTypeCaseSummary:   "以客观中立的语气归纳事实、争议焦点与处理结果，避免主观评价。",
	entity.DocTypeMedicalReport: "使用规范的医学术语，按主诉、病史、检查、诊断、建议的结构组织。",
}

type Registry struct {
	mu    sync.RWMutex
	cache map[PromptID]einoprompt.ChatTemplate
}

func NewRegistry() *Registry {
	return &Registry{
		cache: make(map[PromptID]einoprompt.ChatTemplate),
	}
}

// Render 渲染模板为 system/user 两段提示词
func (r *Registry) Render(ctx context.Context, id PromptID, vars map[string]any) (system, user string, err error) {
	tpl, err := r.ChatTemplate(id)
	if err != nil {
		return "", "", err
	}

	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", "", fmt.Errorf("failed to format prompt %s: %w", id, err)
	}

	for _, msg := range msgs {
		switch msg.Role {
		case schema.System:
			system = msg.Content
		case schema.User:
			user = msg.Content
		}
	}
	return system, user, nil
}

// Guidance 返回文档类型的写作指引
func Guidance(docType entity.DocumentType) string {
	return documentTypeGuidance[docType]
}

func (r *Registry) ChatTemplate(id PromptID) (einoprompt.ChatTemplate, error) {
	if r == nil {
		return nil, fmt.Errorf("prompt registry is nil")
	}

	r.mu.RLock()
	if tpl, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[id]; ok {
		return tpl, nil
	}

	systemPath, userPath, err := resolvePromptFiles(id)
	if err != nil {
		return nil, err
	}
	system, err := readEmbeddedText(systemPath)
	if err != nil {
		return nil, err
	}
	user, err := readEmbeddedText(userPath)
	if err != nil {
		return nil, err
	}

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	r.cache[id] = tpl
	return tpl, nil
}

func resolvePromptFiles(id PromptID) (systemFile string, userFile string, err error) {
	switch id {
	case PromptOutlineV1:
		return "templates/outline_v1.system.txt", "templates/outline_v1.user.txt", nil
	case PromptSectionV1:
		return "templates/section_v1.system.txt", "templates/section_v1.user.txt", nil
	case PromptRefineV1:
		return "templates/refine_v1.system.txt", "templates/refine_v1.user.txt", nil
	default:
		return "", "", fmt.Errorf("unknown prompt id: %s", id)
	}
}

func readEmbeddedText(path string) (string, error) {
	b, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
