package assignment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"assigndoc/pkg/contract"
)

// Options 为“作业生成（Chat）” PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
// - InlineContext / ContextPath: 学术背景（二选一）；均为空或文件为空时使用内置默认背景。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineUserTemplate   string `json:"inline_user_template"`
	InlineContext        string `json:"inline_context"`
	ContextPath          string `json:"context_path"`
	// RefineInstructions: 精修轮追加的指令；为空使用默认。
	RefineInstructions string `json:"refine_instructions"`
}

// Builder: 以 Request 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板与背景在构造期加载。
type Builder struct {
	sysT   *template.Template
	userT  *template.Template
	ctx    string
	refine string
}

// New 创建作业生成 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}

	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	sysT, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	usrc := defaultUserTemplate
	if o.InlineUserTemplate != "" {
		usrc = o.InlineUserTemplate
	}
	userT, err := template.New("user").Option("missingkey=error").Parse(usrc)
	if err != nil {
		return nil, fmt.Errorf("user template parse: %w", err)
	}

	academic := strings.TrimSpace(o.InlineContext)
	if academic == "" && o.ContextPath != "" {
		b, err := os.ReadFile(o.ContextPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("context read: %w", err)
		}
		academic = strings.TrimSpace(string(b))
	}
	if academic == "" {
		academic = DefaultAcademicContext
	}

	refine := strings.TrimSpace(o.RefineInstructions)
	if refine == "" {
		refine = DefaultRefineInstructions
	}
	return &Builder{sysT: sysT, userT: userT, ctx: academic, refine: refine}, nil
}

// view: 模板可见的请求字段，缺省值已补全。
type view struct {
	Title                  string
	Subject                string
	Professor              string
	Classroom              string
	GradeLevel             string
	DifficultyLevel        string
	DetailLevel            string
	Language               string
	Deadline               string
	NumberOfTasks          string
	TotalMarksWeightage    string
	EvaluationCriteria     string
	AdditionalInstructions string
}

func viewOf(r contract.Request) view {
	v := view{
		Title:                  or(r.Title, "Untitled Assignment"),
		Subject:                or(r.Subject, "General"),
		Professor:              r.Professor,
		Classroom:              r.Classroom,
		GradeLevel:             or(r.GradeLevel, "Not specified"),
		DifficultyLevel:        or(r.DifficultyLevel, "Not specified"),
		DetailLevel:            or(r.DetailLevel, "Not specified"),
		Language:               or(r.Language, "English"),
		Deadline:               or(r.Deadline, "Deadline not specified"),
		NumberOfTasks:          "n",
		TotalMarksWeightage:    or(r.TotalMarksWeightage.String(), "100"),
		EvaluationCriteria:     or(r.EvaluationCriteria, "Auto-generated evaluation criteria"),
		AdditionalInstructions: or(r.AdditionalInstructions, "None"),
	}
	if r.NumberOfTasks > 0 {
		v.NumberOfTasks = strconv.Itoa(r.NumberOfTasks)
	}
	return v
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// system: 渲染 system 模板并附加学术背景（请求自带背景在前）。
func (b *Builder) system(reqContext string) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, nil); err != nil {
		return "", err
	}
	buf.WriteString("\n\n<academic_context>\n")
	if c := strings.TrimSpace(reqContext); c != "" {
		buf.WriteString(c)
		buf.WriteString("\n\n")
	}
	buf.WriteString(b.ctx)
	buf.WriteString("\n</academic_context>")
	return buf.String(), nil
}

// Build: 基于 Request 构造 ChatPrompt（system+user）。
func (b *Builder) Build(ctx context.Context, req contract.Request) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("prompt: %w: request has neither title nor subject", contract.ErrInvalidInput)
	}
	sys, err := b.system(req.Context)
	if err != nil {
		return nil, fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}
	var uw bytes.Buffer
	if err := b.userT.Execute(&uw, viewOf(req)); err != nil {
		return nil, fmt.Errorf("user render: %v: %w", err, contract.ErrInvalidInput)
	}
	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: uw.String()},
	}, nil
}

// Refine: 将上一轮结果与精修指令拼接为新一轮 user 消息；system 不变。
func (b *Builder) Refine(ctx context.Context, req contract.Request, previous string) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if strings.TrimSpace(previous) == "" {
		return nil, fmt.Errorf("prompt: %w: empty previous content", contract.ErrInvalidInput)
	}
	sys, err := b.system(req.Context)
	if err != nil {
		return nil, fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}
	var uw strings.Builder
	uw.WriteString(strings.TrimSpace(previous))
	uw.WriteString("\n\n")
	uw.WriteString(b.refine)
	uw.WriteString("\n\nKeep exactly ")
	uw.WriteString(viewOf(req).NumberOfTasks)
	uw.WriteString(" tasks and return ONLY the JSON object in the same structure.\n")
	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: uw.String()},
	}, nil
}

// EstimateOverheadTokens: 估算与请求无关的固定开销（system+背景+user 模板骨架）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	sys, _ := b.system("")
	var uw bytes.Buffer
	_ = b.userT.Execute(&uw, view{})
	return estimate(sys) + estimate(uw.String())
}

// 静态接口断言
var (
	_ contract.PromptBuilder = (*Builder)(nil)
	_ contract.Refiner       = (*Builder)(nil)
)

// DefaultAcademicContext 背景文件缺失或为空时使用。
const DefaultAcademicContext = `Academic assignments should follow a structured format with an introduction, clearly defined objectives, well-researched content, and a robust grading rubric.
Assignments must challenge students to apply critical thinking and demonstrate their understanding of the subject.`

// DefaultRefineInstructions 精修轮默认指令。
const DefaultRefineInstructions = `Refine the assignment to enhance:
- Clarity and conciseness.
- Academic quality and depth.
- Structured task descriptions with explicit instructions and grading expectations.
- Alignment with professional educational standards.`

const defaultSystemTemplate = `You are an experienced professor creating structured assignments.
Ensure your response is STRICTLY formatted as valid JSON (no commentary). Structure:
{"title": "Assignment Title", "deadline": "Due date", "totalMarksWeightage": "Overall marks weightage", "evaluationCriteria": "Evaluation criteria", "numberOfTasks": "Number of tasks", "tasks": [ { "description": "Task details", "weightage": "Task weightage" } ]}`

const defaultUserTemplate = `Assignment Generation for Top-Tier Academia
You are a world-class professor at a prestigious university, responsible for designing structured, high-quality academic assignments that meet the highest educational standards.

Generate the assignment in the following language: {{.Language}}

## Assignment Specifications
- Title: {{.Title}}
- Subject: {{.Subject}}
- Grade Level: {{.GradeLevel}}
- Difficulty Level: {{.DifficultyLevel}}
- Detail Level: {{.DetailLevel}}
- Language: {{.Language}}
- Deadline: {{.Deadline}}
- Number of Tasks: {{.NumberOfTasks}}
- Total Marks: {{.TotalMarksWeightage}}
- Evaluation Criteria: {{.EvaluationCriteria}}
- Additional Instructions: {{.AdditionalInstructions}}
{{- if .Professor}}
- Professor: {{.Professor}}
{{- end}}
{{- if .Classroom}}
- Classroom: {{.Classroom}}
{{- end}}

Return exactly {{.NumberOfTasks}} tasks; task weightages should add up to the total marks.
`
