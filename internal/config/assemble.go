package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"assigndoc/internal/assignment"
	"assigndoc/internal/docops"
	"assigndoc/internal/pipeline"
	"assigndoc/internal/rate"
	"assigndoc/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return errors.New("config: input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxTokens <= 0 {
		return errors.New("config: max_tokens must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.RefineRounds < 0 {
		return errors.New("config: refine_rounds must be >= 0")
	}
	if cfg.Render.PlaceholderTasks < 0 {
		return errors.New("config: render.placeholder_tasks must be >= 0")
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	n := names(cfg)
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", n.Reader, registry.Reader[n.Reader] != nil},
		{"prompt_builder", n.PromptBuilder, registry.PromptBuilder[n.PromptBuilder] != nil},
		{"tokenizer", n.Tokenizer, registry.Tokenizer[n.Tokenizer] != nil},
		{"sink", n.Sink, registry.Sink[n.Sink] != nil},
		{"writer", n.Writer, registry.Writer[n.Writer] != nil},
		{"notifier", n.Notifier, n.Notifier == "" || registry.Notifier[n.Notifier] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("config: %s %q not registered", c.kind, c.name)
		}
	}
	return nil
}

// names 返回生效的组件名（空则取默认）。
func names(cfg Config) Components {
	d := Defaults().Components
	c := cfg.Components
	return Components{
		Reader:        effName(c.Reader, d.Reader),
		PromptBuilder: effName(c.PromptBuilder, d.PromptBuilder),
		Tokenizer:     effName(c.Tokenizer, d.Tokenizer),
		Sink:          effName(c.Sink, d.Sink),
		Writer:        effName(c.Writer, d.Writer),
		Notifier:      strings.TrimSpace(c.Notifier),
	}
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。log 接收编译诊断。
func Assemble(cfg Config, log logr.Logger) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
	fail := func(err error) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	if err := Validate(cfg); err != nil {
		return fail(err)
	}
	n := names(cfg)

	var comp pipeline.Components
	var err error
	if comp.Reader, err = registry.Reader[n.Reader](cfg.Options.Reader); err != nil {
		return fail(fmt.Errorf("reader %s: %w", n.Reader, err))
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[n.PromptBuilder](cfg.Options.PromptBuilder); err != nil {
		return fail(fmt.Errorf("prompt_builder %s: %w", n.PromptBuilder, err))
	}
	if comp.Tokenizer, err = registry.Tokenizer[n.Tokenizer](cfg.Options.Tokenizer); err != nil {
		return fail(fmt.Errorf("tokenizer %s: %w", n.Tokenizer, err))
	}
	if comp.Sink, err = registry.Sink[n.Sink](cfg.Options.Sink); err != nil {
		return fail(fmt.Errorf("sink %s: %w", n.Sink, err))
	}
	if comp.Writer, err = registry.Writer[n.Writer](cfg.Options.Writer); err != nil {
		return fail(fmt.Errorf("writer %s: %w", n.Writer, err))
	}
	if n.Notifier != "" {
		if comp.Notifier, err = registry.Notifier[n.Notifier](cfg.Options.Notifier); err != nil {
			return fail(fmt.Errorf("notifier %s: %w", n.Notifier, err))
		}
	}

	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return fail(fmt.Errorf("llm %s: %w", cfg.LLM, err))
	}
	comp.Renderer = assignment.NewRenderer(cfg.Render)
	comp.Compiler = docops.New(docops.Options{FallbackPrefix: cfg.Compile.FallbackPrefix, Logger: log})

	// 限流 Gate：分组键从 options 中的 API Key 派生；失败则退化为 provider 名称
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	set := pipeline.Settings{
		Inputs:         cloneStrings(cfg.Inputs),
		Concurrency:    cfg.Concurrency,
		MaxTokens:      cfg.MaxTokens,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoff:   time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		RefineRounds:   cfg.RefineRounds,
		Gate:           gate,
		GateKey:        key,
		Share:          cfg.Publish.Share == nil || *cfg.Publish.Share,
		NotifySubject:  cfg.Publish.NotifySubject,
		NotifyRequired: cfg.Publish.NotifyRequired != nil && *cfg.Publish.NotifyRequired,
	}
	return comp, set, gate, key, nil
}

func effName(got, def string) string {
	if got = strings.TrimSpace(got); got == "" {
		return def
	}
	return got
}
