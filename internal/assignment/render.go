package assignment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"assigndoc/pkg/contract"
)

// Fallbacks: 渲染时各字段缺失的占位文本。
// PlaceholderTask 中的 {n} 替换为 1 起始的序号。
type Fallbacks struct {
	Title                string `json:"title"`
	Deadline             string `json:"deadline"`
	NumberOfTasks        string `json:"number_of_tasks"`
	TaskDescription      string `json:"task_description"`
	TaskWeightage        string `json:"task_weightage"`
	TotalMarksWeightage  string `json:"total_marks_weightage"`
	EvaluationCriteria   string `json:"evaluation_criteria"`
	PlaceholderTasks     int    `json:"placeholder_tasks"`
	PlaceholderTask      string `json:"placeholder_task"`
	PlaceholderWeightage string `json:"placeholder_weightage"`
}

// DefaultFallbacks 返回默认占位文本。
func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Title:                "Untitled Assignment",
		Deadline:             "Deadline not specified",
		NumberOfTasks:        "Not specified",
		TaskDescription:      "No description provided",
		TaskWeightage:        "Not specified",
		TotalMarksWeightage:  "100",
		EvaluationCriteria:   "Auto-generated evaluation criteria",
		PlaceholderTasks:     3,
		PlaceholderTask:      "Auto-generated Task {n} details",
		PlaceholderWeightage: "Auto-generated weightage",
	}
}

// Merge 以 over 中的非零字段覆盖 f。
func (f Fallbacks) Merge(over Fallbacks) Fallbacks {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&f.Title, over.Title)
	pick(&f.Deadline, over.Deadline)
	pick(&f.NumberOfTasks, over.NumberOfTasks)
	pick(&f.TaskDescription, over.TaskDescription)
	pick(&f.TaskWeightage, over.TaskWeightage)
	pick(&f.TotalMarksWeightage, over.TotalMarksWeightage)
	pick(&f.EvaluationCriteria, over.EvaluationCriteria)
	pick(&f.PlaceholderTask, over.PlaceholderTask)
	pick(&f.PlaceholderWeightage, over.PlaceholderWeightage)
	if over.PlaceholderTasks > 0 {
		f.PlaceholderTasks = over.PlaceholderTasks
	}
	return f
}

// Renderer: 记录 → Markdown。纯函数、全函数、确定性输出。
type Renderer struct {
	Fallbacks Fallbacks
}

// NewRenderer 以 DefaultFallbacks 为底，合并 over。
func NewRenderer(over Fallbacks) Renderer {
	return Renderer{Fallbacks: DefaultFallbacks().Merge(over)}
}

// Render 使用默认占位文本渲染。
func Render(rec contract.AssignmentRecord) string {
	return Renderer{Fallbacks: DefaultFallbacks()}.Render(rec)
}

func (r Renderer) Render(rec contract.AssignmentRecord) string {
	fb := r.Fallbacks
	var b strings.Builder
	section := func(name, body string) {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, body)
	}

	fmt.Fprintf(&b, "# %s\n\n", or(rec.Title, fb.Title))
	section("Deadline", or(rec.Deadline, fb.Deadline))

	count := fb.NumberOfTasks
	switch {
	case rec.NumberOfTasks > 0:
		count = strconv.Itoa(rec.NumberOfTasks)
	case len(rec.Tasks) > 0:
		count = strconv.Itoa(len(rec.Tasks))
	}
	section("Number of Tasks", count)

	b.WriteString("## Tasks\n\n")
	if len(rec.Tasks) > 0 {
		for i, t := range rec.Tasks {
			fmt.Fprintf(&b, "**Task %d:** %s (Weightage: %s marks)\n\n",
				i+1, or(t.Description, fb.TaskDescription), or(string(t.Weightage), fb.TaskWeightage))
		}
	} else {
		for i := 1; i <= fb.PlaceholderTasks; i++ {
			desc := strings.ReplaceAll(fb.PlaceholderTask, "{n}", strconv.Itoa(i))
			fmt.Fprintf(&b, "Task %d: %s (Weightage: %s marks)\n\n", i, desc, fb.PlaceholderWeightage)
		}
	}

	section("Total Weightage Marks", or(string(rec.TotalMarksWeightage), fb.TotalMarksWeightage))
	section("Evaluation Criteria", or(rec.EvaluationCriteria, fb.EvaluationCriteria))
	return strings.TrimSpace(b.String())
}

// RenderContent 处理任意生成内容：形如作业 JSON（可带围栏）时宽松解码后渲染，
// 否则视为叙述性 Markdown 原样返回。宽松解码不做必填与数量校验。
func (r Renderer) RenderContent(content string) (string, error) {
	if !LooksLikeJSON(content) {
		return content, nil
	}
	cleaned := Clean(content)
	fields, err := decodeObject(cleaned)
	if err != nil {
		return "", &ValidationError{Kind: contract.ErrMalformedJSON, Cleaned: cleaned, Err: err}
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return "", &ValidationError{Kind: contract.ErrMalformedJSON, Cleaned: cleaned, Err: err}
	}
	return r.Render(rec), nil
}

// MarshalRecord 以缩进 JSON 输出记录（持久化工件使用）。
func MarshalRecord(rec contract.AssignmentRecord) ([]byte, error) {
	if rec.Tasks == nil {
		rec.Tasks = []contract.Task{}
	}
	return json.MarshalIndent(rec, "", "  ")
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
