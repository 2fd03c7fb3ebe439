package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "ASSIGNDOC_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由配置/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency: 1,
		Components: Components{
			Reader:        "fs",
			PromptBuilder: "assignment",
			Tokenizer:     "markdown",
			Sink:          "gdocs",
			Writer:        "fs",
		},
	}
}

// Load 从文件路径或原始字节解析 Config（JSON 或 YAML，严格拒绝未知字段）。
// raw 非空时优先。
func Load(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = b
	default:
		return cfg, errors.New("no config source provided")
	}
	js, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv 读取 .env 文件注入进程环境；已存在的变量不被覆盖，缺失文件忽略。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("dotenv %s: %w", p, err)
		}
	}
	return nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// MaxRetries/RefineRounds 的 0 具有语义；约定 <0 表示未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.RefineRounds >= 0 {
		out.RefineRounds = over.RefineRounds
	}
	if over.RetryBackoffMS > 0 {
		out.RetryBackoffMS = over.RetryBackoffMS
	}
	if lv := strings.TrimSpace(over.Logging.Level); lv != "" {
		out.Logging.Level = lv
	}

	out.Render = out.Render.Merge(over.Render)
	if over.Compile.FallbackPrefix != "" {
		out.Compile.FallbackPrefix = over.Compile.FallbackPrefix
	}
	if over.Publish.Share != nil {
		v := *over.Publish.Share
		out.Publish.Share = &v
	}
	if over.Publish.NotifyRequired != nil {
		v := *over.Publish.NotifyRequired
		out.Publish.NotifyRequired = &v
	}
	if over.Publish.NotifySubject != "" {
		out.Publish.NotifySubject = over.Publish.NotifySubject
	}

	// 组件名（空不覆盖）
	pick := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	pick(&out.Components.Reader, over.Components.Reader)
	pick(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	pick(&out.Components.Tokenizer, over.Components.Tokenizer)
	pick(&out.Components.Sink, over.Components.Sink)
	pick(&out.Components.Writer, over.Components.Writer)
	pick(&out.Components.Notifier, over.Components.Notifier)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	raw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	raw(&out.Options.Reader, over.Options.Reader)
	raw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	raw(&out.Options.Tokenizer, over.Options.Tokenizer)
	raw(&out.Options.Sink, over.Options.Sink)
	raw(&out.Options.Writer, over.Options.Writer)
	raw(&out.Options.Notifier, over.Options.Notifier)

	pick(&out.LLM, over.LLM)
	return out
}

// Unset 返回“不覆盖任何字段”的 Config，用作 ENV/CLI 覆盖层的起点。
func Unset() Config {
	return Config{MaxRetries: -1, RefineRounds: -1}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 前缀 ASSIGNDOC_；支持 INPUTS, CONCURRENCY, MAX_TOKENS, MAX_RETRIES, REFINE_ROUNDS, LLM, LOG_LEVEL,
// SHARE, NOTIFY_REQUIRED, COMPONENTS_*，以及
// PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := Unset()
	prov := map[string]Provider{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || len(key) == len(EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		tv := strings.TrimSpace(val)
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "CONCURRENCY":
			if v, err := atoi(val); err == nil {
				over.Concurrency = v
			}
		case "MAX_TOKENS":
			if v, err := atoi(val); err == nil {
				over.MaxTokens = v
			}
		case "MAX_RETRIES":
			if v, err := atoi(val); err == nil {
				over.MaxRetries = v
			}
		case "REFINE_ROUNDS":
			if v, err := atoi(val); err == nil {
				over.RefineRounds = v
			}
		case "LLM":
			over.LLM = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "SHARE":
			if b, err := strconv.ParseBool(tv); err == nil {
				over.Publish.Share = &b
			} else if tv != "" {
				return over, fmt.Errorf("%sSHARE: %w", EnvPrefix, err)
			}
		case "NOTIFY_REQUIRED":
			if b, err := strconv.ParseBool(tv); err == nil {
				over.Publish.NotifyRequired = &b
			} else if tv != "" {
				return over, fmt.Errorf("%sNOTIFY_REQUIRED: %w", EnvPrefix, err)
			}
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_TOKENIZER":
			over.Components.Tokenizer = tv
		case "COMPONENTS_SINK":
			over.Components.Sink = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "COMPONENTS_NOTIFIER":
			over.Components.Notifier = tv
		default:
			name, field, ok := strings.Cut(strings.TrimPrefix(nk, "PROVIDER__"), "__")
			if !strings.HasPrefix(nk, "PROVIDER__") || !ok || strings.TrimSpace(name) == "" {
				continue
			}
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv != "" {
					p.Client, changed = tv, true
				}
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM, changed = v, true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM, changed = v, true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq, changed = v, true
				}
			case "OPTIONS_JSON":
				// 空值视为未设置，避免清空现有配置
				if tv != "" {
					if !json.Valid([]byte(tv)) {
						return over, fmt.Errorf("%s: invalid JSON", key)
					}
					p.Options, changed = json.RawMessage(tv), true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) { return strconv.Atoi(strings.TrimSpace(s)) }
