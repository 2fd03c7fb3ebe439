package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"assigndoc/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 任务描述前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 可选的响应模式（用于集成测试与无网络联调）。
	//  - "" / "valid": 严格 JSON 作业记录，任务数取自提示词中的 "Number of Tasks"（缺省 3）。
	//  - "fenced": 同 valid，但包裹在 ```json 围栏中。
	//  - "surplus": 任务数比声明多 2 条。
	//  - "deficit": 任务数比声明少 1 条。
	//  - "malformed": 无法解析的 JSON。
	//  - "echo": 回显 Prompt 摘要。
	ResponseMode string `json:"response_mode,omitempty"`
}

type Client struct {
	prefix string
	mode   string
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "valid"
	}
	return &Client{prefix: o.Prefix, mode: mode}, nil
}

var (
	reTitle = regexp.MustCompile(`(?m)^- Title: (.+)$`)
	reJSONT = regexp.MustCompile(`"title"\s*:\s*"([^"]*)"`)
	reCount = regexp.MustCompile(`(?m)(?:^- Number of Tasks: |Keep exactly )(\d+)`)
	reDead  = regexp.MustCompile(`(?m)^- Deadline: (.+)$`)
)

func promptText(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return string(v)
	case contract.ChatPrompt:
		var sb strings.Builder
		for _, m := range v {
			sb.WriteString(m.Content)
			sb.WriteByte('\n')
		}
		return sb.String()
	default:
		return ""
	}
}

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	text := promptText(p)
	switch c.mode {
	case "valid", "fenced", "surplus", "deficit":
		n := 3
		if m := reCount.FindStringSubmatch(text); m != nil {
			n, _ = strconv.Atoi(m[1])
		}
		title := "Mock Assignment"
		if m := reTitle.FindStringSubmatch(text); m != nil {
			title = strings.TrimSpace(m[1])
		} else if m := reJSONT.FindStringSubmatch(text); m != nil {
			title = m[1]
		}
		deadline := "Deadline not specified"
		if m := reDead.FindStringSubmatch(text); m != nil {
			deadline = strings.TrimSpace(m[1])
		}
		count := n
		switch c.mode {
		case "surplus":
			count = n + 2
		case "deficit":
			count = max(n-1, 0)
		}
		out := Record(c.prefix, title, deadline, n, count)
		if c.mode == "fenced" {
			out = "```json\n" + out + "\n```"
		}
		return contract.Raw{Text: out}, nil
	case "malformed":
		return contract.Raw{Text: `{"title": "broken", "tasks": [`}, nil
	}

	// 兜底：回显 Prompt 摘要（echo 或未知模式）
	switch v := p.(type) {
	case contract.TextPrompt:
		return contract.Raw{Text: fmt.Sprintf("%s(text): %s", c.prefix, string(v))}, nil
	case contract.ChatPrompt:
		if len(v) == 0 {
			return contract.Raw{Text: fmt.Sprintf("%s(chat): <empty>", c.prefix)}, nil
		}
		last := v[len(v)-1]
		return contract.Raw{Text: fmt.Sprintf("%s(chat:%s): %s", c.prefix, last.Role, last.Content)}, nil
	default:
		return contract.Raw{Text: fmt.Sprintf("%s(unknown prompt type)", c.prefix)}, nil
	}
}

// Record 生成一条声明 declared 个任务、实际含 count 个任务的作业 JSON；权重均分 100。
func Record(prefix, title, deadline string, declared, count int) string {
	type task struct {
		Description string `json:"description"`
		Weightage   string `json:"weightage"`
	}
	tasks := make([]task, count)
	w := 100
	if declared > 0 {
		w = 100 / declared
	}
	for i := range tasks {
		tasks[i] = task{
			Description: fmt.Sprintf("%s: task %d for %s", prefix, i+1, title),
			Weightage:   strconv.Itoa(w),
		}
	}
	b, _ := json.Marshal(map[string]any{
		"title":               title,
		"deadline":            deadline,
		"totalMarksWeightage": "100",
		"evaluationCriteria":  "Clarity, correctness and depth of analysis",
		"numberOfTasks":       strconv.Itoa(declared),
		"tasks":               tasks,
	})
	return string(b)
}

var _ contract.LLMClient = (*Client)(nil)
