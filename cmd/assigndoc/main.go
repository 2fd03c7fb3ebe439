package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/k0kubun/pp"

	"assigndoc/internal/assignment"
	cfgpkg "assigndoc/internal/config"
	"assigndoc/internal/diag"
	"assigndoc/internal/docops"
	"assigndoc/internal/pipeline"
	"assigndoc/pkg/contract"
	mdtok "assigndoc/plugins/tokenizer/markdown"
)

var pipelineRun = pipeline.Run

// 简化的 CLI：默认子命令 run。
// 位置参数为 roots（请求文件/目录 或 "-" 表示 STDIN，不能与其他根混用）。
// 辅助模式：--init-config 生成模板；--compile 离线把 Markdown 或作业 JSON 编译为文档操作。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		fprintf(os.Stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	logLevel := "info"
	// 先占位默认，合并配置后按最终 level 重建
	logger := diag.NewLogger(corrID, logLevel)
	var (
		flagConfig       string
		flagLLM          string
		flagConcurrency  int
		flagMaxTokens    int
		flagMaxRetries   int
		flagRefineRounds int
		flagInitDir      string
		flagStatus       bool
		flagCompile      string
		flagDump         bool
		flagMetricsOut   string
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（YAML/JSON）；缺省依次读取 ./config.yaml、./config.yml、./config.json（若存在）")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发度（覆盖配置）")
	flag.IntVar(&flagMaxTokens, "max-tokens", 0, "单次生成最大 token（覆盖配置）")
	// 允许显式设置为 0；默认 -1 表示“未覆盖”
	flag.IntVar(&flagMaxRetries, "max-retries", -1, "LLM 阶段最大重试次数（覆盖配置；0 表示不重试）")
	flag.IntVar(&flagRefineRounds, "refine-rounds", -1, "校验通过后的润色轮数（覆盖配置；0 表示不润色）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.yaml 和 .env 模板（已存在的 config.yaml 视为错误）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	flag.StringVar(&flagCompile, "compile", "", "离线编译：读取文件（Markdown 或作业 JSON，\"-\" 为 STDIN），将文档操作以 JSON 输出到 stdout")
	flag.BoolVar(&flagDump, "dump", false, "打印合并后的有效配置（stderr）")
	flag.StringVar(&flagMetricsOut, "metrics-out", "", "运行结束后将 Prometheus 指标以文本格式写入该文件")
	normalizeInitArg()
	flag.Parse()

	roots := flag.Args()

	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := initConfig(initDir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		return 0
	}

	// 配置来源：ENV ASSIGNDOC_CONFIG_JSON（原样内容）或文件
	var cfgRaw []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgRaw = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" && len(cfgRaw) == 0 {
		flagConfig = defaultConfigFile()
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgRaw) > 0 {
		base, err := cfgpkg.Load(flagConfig, cfgRaw)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖（优先级最高）
	overCLI := cfgpkg.Unset()
	overCLI.LLM = flagLLM
	if flagConcurrency > 0 {
		overCLI.Concurrency = flagConcurrency
	}
	if flagMaxTokens > 0 {
		overCLI.MaxTokens = flagMaxTokens
	}
	overCLI.MaxRetries = flagMaxRetries
	overCLI.RefineRounds = flagRefineRounds
	if len(roots) > 0 {
		overCLI.Inputs = roots
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		logLevel = lv
	}
	logger = diag.NewLogger(corrID, logLevel)
	defer func() { _ = logger.Sync() }()

	if flagDump {
		dumpConfig(os.Stderr, cfg)
	}

	if flagCompile != "" {
		var dump io.Writer
		if flagDump {
			dump = os.Stderr
		}
		if err := compileFile(os.Stdout, dump, flagCompile, cfg, logger); err != nil {
			fprintf(os.Stderr, "编译失败: %v\n", err)
			logger.Error("compile", string(diag.Classify(err)), "first error", &start)
			return 1
		}
		return 0
	}

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 打印有效配置，便于诊断
		if !flagDump {
			dumpConfig(os.Stderr, cfg)
		}
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// 预检：fs writer 的输出目录可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	comp, set, _, _, err := cfgpkg.Assemble(cfg, logger.Logr())
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	if term != nil {
		term.RunStart(cfg.Concurrency, cfg.LLM)
	}

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	t := logger.Start("pipeline", "run")
	runErr := pipelineRun(context.Background(), comp, set, logger)
	if flagMetricsOut != "" {
		defer func() {
			if err := diag.WriteMetrics(flagMetricsOut); err != nil {
				fprintf(os.Stderr, "指标写出失败: %v\n", err)
			}
		}()
	}
	if runErr != nil {
		code := string(diag.Classify(runErr))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(runErr, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", runErr)
		}
		if term != nil {
			term.RunFinish(false, time.Since(start))
		}
		return 1
	}
	if t != nil {
		t.Finish("run", 0)
	}
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	return 0
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func defaultConfigFile() string {
	for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// dumpConfig 以可读结构打印配置；provider options 中的密钥先脱敏。
func dumpConfig(w io.Writer, c cfgpkg.Config) {
	fprintf(w, "有效配置:\n")
	_, _ = pp.Fprintln(w, redact(c))
}

func redact(c cfgpkg.Config) cfgpkg.Config {
	out := c
	if len(c.Provider) > 0 {
		out.Provider = make(map[string]cfgpkg.Provider, len(c.Provider))
		for k, p := range c.Provider {
			p.Options = redactRaw(p.Options, "api_key")
			out.Provider[k] = p
		}
	}
	out.Options.Sink = redactRaw(c.Options.Sink, "access_token")
	out.Options.Notifier = redactRaw(c.Options.Notifier, "access_token")
	return out
}

func redactRaw(raw json.RawMessage, key string) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if v, ok := m[key].(string); !ok || v == "" {
		return raw
	}
	m[key] = "***"
	b, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return b
}

// effectiveKV 汇总运行时关键配置（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":   strconv.Itoa(len(cfg.Inputs)),
		"concurrency":    strconv.Itoa(cfg.Concurrency),
		"max_tokens":     strconv.Itoa(cfg.MaxTokens),
		"refine_rounds":  strconv.Itoa(cfg.RefineRounds),
		"llm":            cfg.LLM,
		"reader":         cfg.Components.Reader,
		"prompt_builder": cfg.Components.PromptBuilder,
		"tokenizer":      cfg.Components.Tokenizer,
		"sink":           cfg.Components.Sink,
		"writer":         cfg.Components.Writer,
		"notifier":       cfg.Components.Notifier,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	return kv
}

// compileFile 离线执行 渲染 → 分词 → 编译 → 校验，并把操作列表以 JSON 写到 w。
// dump 非 nil 时额外打印可读形式的操作与诊断。
func compileFile(w, dump io.Writer, path string, cfg cfgpkg.Config, logger *diag.Logger) error {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	source := string(b)
	rendered, err := assignment.NewRenderer(cfg.Render).RenderContent(source)
	if err != nil {
		return err
	}
	tok := mdtok.New(nil)
	comp := docops.New(docops.Options{FallbackPrefix: cfg.Compile.FallbackPrefix, Logger: logger.Logr()})
	res := comp.Compile(tok.Tokenize(rendered), rendered)
	if err := docops.Check(res.Ops, res.FinalCursor); err != nil {
		return err
	}
	if dump != nil {
		_, _ = pp.Fprintln(dump, res)
	}
	out, err := contract.MarshalOperations(res.Ops)
	if err != nil {
		return err
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

// initConfig 在 dir 下生成 config.yaml 与 .env 模板。
// config.yaml 已存在时报错；.env 已存在时跳过。
func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := cfgpkg.MarshalYAML(cfgpkg.DefaultTemplateConfig())
	if err != nil {
		return err
	}
	if err := writeNew(filepath.Join(dir, "config.yaml"), b); err != nil {
		return err
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

// writeNew 仅在文件不存在时创建并写入。
func writeNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// envTemplateKeys: .env 模板列出的覆盖项（值留空）。
var envTemplateKeys = []string{
	"CONFIG_FILE", "CONFIG_JSON",
	"INPUTS", "CONCURRENCY", "MAX_TOKENS", "MAX_RETRIES", "REFINE_ROUNDS", "LLM", "LOG_LEVEL",
	"SHARE", "NOTIFY_REQUIRED",
	"COMPONENTS_READER", "COMPONENTS_PROMPT_BUILDER", "COMPONENTS_TOKENIZER",
	"COMPONENTS_SINK", "COMPONENTS_WRITER", "COMPONENTS_NOTIFIER",
	"PROVIDER__openai__CLIENT", "PROVIDER__openai__LIMITS_RPM", "PROVIDER__openai__LIMITS_TPM",
	"PROVIDER__openai__LIMITS_MAX_TOKENS_PER_REQ", "PROVIDER__openai__OPTIONS_JSON",
	"PROVIDER__gemini__CLIENT", "PROVIDER__gemini__LIMITS_RPM", "PROVIDER__gemini__LIMITS_TPM",
	"PROVIDER__gemini__LIMITS_MAX_TOKENS_PER_REQ", "PROVIDER__gemini__OPTIONS_JSON",
}

// writeDotEnv 生成 .env 模板（已存在则跳过，不覆盖不合并）。
func writeDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	env := map[string]string{
		// 供应商密钥与 Google 访问令牌由各客户端直接读取，不经 ASSIGNDOC_ 前缀
		"OPENROUTER_API_KEY":  "",
		"GOOGLE_API_KEY":      "",
		"GOOGLE_ACCESS_TOKEN": "",
	}
	for _, k := range envTemplateKeys {
		env[cfgpkg.EnvPrefix+k] = ""
	}
	body, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# assigndoc .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件；空值表示未设置\n\n")
	b.WriteString(body)
	b.WriteString("\n")
	return writeNew(path, []byte(b.String()))
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// preflightCheckOutputDir: fs writer 启动前检查输出目录可写性。
// 目录存在时尝试创建并删除临时文件；不存在时检查父目录。其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 交由装配阶段报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
