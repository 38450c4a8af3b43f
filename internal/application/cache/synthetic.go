package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docforge-ai-api/internal/cachekey"
	"docforge-ai-api/internal/domain/entity"
	wfmodel "docforge-ai-api/internal/workflow/model"
)

// SyntheticRunner 预热专用的生成入口。用确定性的骨架大纲直接写入
// 缓存，全程不触达任何 LLM 提供商，预热零推理成本。后续真实请求
// 命中该大纲后只需生成章节内容。
type SyntheticRunner struct {
	manager *Manager
}

// NewSyntheticRunner 创建合成大纲预热执行器
func NewSyntheticRunner(manager *Manager) *SyntheticRunner {
	return &SyntheticRunner{manager: manager}
}

var _ GenerationRunner = (*SyntheticRunner)(nil)

// Run 为预热目标写入大纲缓存条目。缓存键与生成管线的大纲键
// 构造方式一致，预热后的目标在下次批次中会被跳过。
func (r *SyntheticRunner) Run(ctx context.Context, _ string, req *entity.GenerationRequest) (*entity.GenerationResult, error) {
	outline, err := BuildSyntheticOutline(req.DocumentType, req.RawInput)
	if err != nil {
		return nil, err
	}
	raw, err := outline.Marshal()
	if err != nil {
		return nil, err
	}

	fp, err := cachekey.FingerprintRequest(req.RawInput)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint warm input: %w", err)
	}
	key := cachekey.Key{
		Prefix:       r.manager.Prefix(),
		DocumentType: req.DocumentType,
		Stage:        cachekey.StageOutline,
		Provider:     req.Provider,
		Model:        req.Model,
		Fingerprint:  fp,
	}

	// 合成条目没有推理成本，成本估算记 0
	r.manager.Store(ctx, key, raw, 0)

	return &entity.GenerationResult{
		Status:      entity.GenerationCompleted,
		OutlineJSON: raw,
		Provider:    req.Provider,
		Model:       req.Model,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// outlineSkeleton 单个文档类型的骨架定义
type outlineSkeleton struct {
	// subjectField 用于拼标题的主输入字段
	subjectField string
	titleFormat  string
	sections     []skeletonSection
	conclusion   string
}

type skeletonSection struct {
	title       string
	description string
}

var outlineSkeletons = map[entity.DocumentType]outlineSkeleton{
	entity.DocTypeBiography: {
		subjectField: "subject",
		titleFormat:  "%s：生平纪事",
		sections: []skeletonSection{
			{"早年经历", "出身背景与成长环境"},
			{"求学与起步", "教育经历与职业起点"},
			{"主要成就", "代表性工作与关键贡献"},
			{"影响与评价", "对领域及后人的影响"},
		},
		conclusion: "生平回顾与历史定位",
	},
	entity.DocTypeBusinessPlan: {
		subjectField: "company",
		titleFormat:  "%s 商业计划书",
		sections: []skeletonSection{
			{"执行摘要", "业务定位与核心价值主张"},
			{"市场分析", "目标市场规模与竞争格局"},
			{"产品与服务", "产品形态、定价与差异化"},
			{"运营计划", "团队、渠道与关键里程碑"},
			{"财务规划", "收入模型、成本结构与融资需求"},
		},
		conclusion: "风险提示与发展展望",
	},
	entity.DocTypeGrantProposal: {
		subjectField: "organization",
		titleFormat:  "%s 项目资助申请书",
		sections: []skeletonSection{
			{"项目背景", "问题陈述与需求依据"},
			{"目标与意义", "预期成果与社会价值"},
			{"实施方案", "方法路径与阶段安排"},
			{"预算与时间表", "经费构成与进度计划"},
		},
		conclusion: "可持续性与评估机制",
	},
	entity.DocTypeCaseSummary: {
		subjectField: "case",
		titleFormat:  "%s 案件摘要",
		sections: []skeletonSection{
			{"案件背景", "当事方与事实经过"},
			{"争议焦点", "核心法律问题"},
			{"法律分析", "适用法条与论证路径"},
			{"结论与建议", "处理意见与后续动作"},
		},
		conclusion: "要点归纳",
	},
	entity.DocTypeMedicalReport: {
		subjectField: "patient",
		titleFormat:  "%s 诊疗报告",
		sections: []skeletonSection{
			{"主诉与病史", "就诊原因与既往史"},
			{"检查结果", "体格检查与辅助检查"},
			{"诊断分析", "诊断依据与鉴别诊断"},
			{"治疗方案与随访", "处置措施与随访计划"},
		},
		conclusion: "小结与医嘱",
	},
}

// BuildSyntheticOutline 按文档类型骨架构造确定性大纲。
// 相同输入永远产出相同大纲，保证缓存条目可复现。
func BuildSyntheticOutline(docType entity.DocumentType, input map[string]any) (*wfmodel.Outline, error) {
	skeleton, ok := outlineSkeletons[docType]
	if !ok {
		return nil, fmt.Errorf("no outline skeleton for document type: %s", docType)
	}

	subject := stringField(input, skeleton.subjectField)
	if subject == "" {
		subject = string(docType)
	}

	outline := &wfmodel.Outline{
		Title: fmt.Sprintf(skeleton.titleFormat, subject),
		Introduction: wfmodel.OutlineIntroduction{
			Thesis:  fmt.Sprintf("围绕%s展开的结构化文档", subject),
			Preview: sectionPreview(skeleton.sections),
		},
		Sections:   make(map[string]wfmodel.OutlineSection, len(skeleton.sections)),
		Conclusion: skeleton.conclusion,
		Metadata: map[string]string{
			"source": "cache-warmer",
		},
	}
	for i, sec := range skeleton.sections {
		outline.Sections[fmt.Sprintf("sec-%d", i+1)] = wfmodel.OutlineSection{
			Title:              sec.title,
			Description:        sec.description,
			EstimatedWordCount: 600,
			Order:              i,
		}
	}

	if err := outline.Validate(); err != nil {
		return nil, err
	}
	return outline, nil
}

func stringField(input map[string]any, field string) string {
	if v, ok := input[field].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func sectionPreview(sections []skeletonSection) string {
	titles := make([]string, 0, len(sections))
	for _, sec := range sections {
		titles = append(titles, sec.title)
	}
	return strings.Join(titles, "、")
}
