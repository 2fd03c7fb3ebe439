package config

import (
	"encoding/json"

	"assigndoc/internal/assignment"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；文件可为 JSON 或 YAML；未知字段在解析期失败。
type Config struct {
	Inputs      []string `json:"inputs"`
	Concurrency int      `json:"concurrency"`
	MaxTokens   int      `json:"max_tokens"`
	// MaxRetries: 生成/校验阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int `json:"max_retries"`
	RetryBackoffMS int `json:"retry_backoff_ms,omitempty"`
	// RefineRounds: 精修轮数（>=0）。
	RefineRounds int     `json:"refine_rounds"`
	Logging      Logging `json:"logging"`

	// Render: 记录渲染为 Markdown 时各字段的占位文本；空字段使用内置默认。
	Render  assignment.Fallbacks `json:"render"`
	Compile Compile              `json:"compile"`
	Publish Publish              `json:"publish"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Compile: 文档操作编译配置。
type Compile struct {
	// FallbackPrefix: 无任何操作产出时原文前的提示行；空使用默认。
	FallbackPrefix string `json:"fallback_prefix,omitempty"`
}

// Publish: 文档发布后的共享与通知。
type Publish struct {
	// Share: 应用操作后共享给请求中的学生。nil 视为 true。
	Share *bool `json:"share,omitempty"`
	// NotifySubject: 通知主题，%s 替换为作业标题。
	NotifySubject string `json:"notify_subject,omitempty"`
	// NotifyRequired: 通知失败是否致命。nil 视为 false。
	NotifyRequired *bool `json:"notify_required,omitempty"`
}

// Components: 组件名选择（注册表中的实现名）。Notifier 为空表示不发送通知。
type Components struct {
	Reader        string `json:"reader"`
	PromptBuilder string `json:"prompt_builder"`
	Tokenizer     string `json:"tokenizer"`
	Sink          string `json:"sink"`
	Writer        string `json:"writer"`
	Notifier      string `json:"notifier"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Tokenizer     json.RawMessage `json:"tokenizer,omitempty"`
	Sink          json.RawMessage `json:"sink,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
	Notifier      json.RawMessage `json:"notifier,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
