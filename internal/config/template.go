package config

import (
	"encoding/json"

	"sigs.k8s.io/yaml"

	"assigndoc/internal/assignment"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// 使用 mock LLM 与本地 fs 文档落地，离线即可跑通；
// 默认输入为 STDIN（"-"），工件输出到 ./out；
// openai/gemini provider 与 gdocs/gmail 选项给出全部键，切换时只需改名称与密钥。
func DefaultTemplateConfig() Config {
	d := Defaults()
	share := true
	required := false
	cfg := Config{
		Inputs:       []string{"-"},
		Concurrency:  d.Concurrency,
		MaxTokens:    4096,
		MaxRetries:   2,
		RefineRounds: 0,
		Logging:      Logging{Level: "info"},
		Render:       assignment.DefaultFallbacks(),
		Publish:      Publish{Share: &share, NotifySubject: "New assignment: %s", NotifyRequired: &required},
		Components:   d.Components,
		LLM:          "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":""}`),
				Limits:  Limits{RPM: 60, TPM: 20000, MaxTokensPerReq: 8192},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "https://openrouter.ai/api/v1",
  "model": "google/gemini-flash-1.5-8b-exp",
  "api_key_env": "OPENROUTER_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "json_mode": false,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 20, TPM: 0, MaxTokensPerReq: 0},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-1.5-flash-8b",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": false,
  "extra_headers": {},
  "json_mode": true,
  "temperature": null
}`),
				Limits: Limits{RPM: 15, TPM: 1000000, MaxTokensPerReq: 0},
			},
		},
	}
	cfg.Components.Sink = "fs"
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "extensions": [".json", ".yaml", ".yml"],
  "include_hidden": false
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_user_template": "",
  "inline_context": "",
  "context_path": "",
  "refine_instructions": ""
}`)
	cfg.Options.Tokenizer = json.RawMessage(`{"keep_soft_breaks": false}`)
	cfg.Options.Sink = json.RawMessage(`{"output_dir": "out", "subdir": "documents"}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": false,
  "overwrite": true,
  "max_size": "8 MiB",
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	// gmail 需设置 components.notifier: gmail 才会启用
	cfg.Options.Notifier = json.RawMessage(`{
  "base_url": "",
  "access_token": "",
  "access_token_env": "GOOGLE_ACCESS_TOKEN",
  "from": "",
  "timeout_seconds": 30,
  "bcc": true
}`)
	return cfg
}

// MarshalYAML 以 YAML 输出配置（--init-config 使用）。
func MarshalYAML(c Config) ([]byte, error) { return yaml.Marshal(c) }
