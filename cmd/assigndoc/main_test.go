package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "assigndoc/internal/config"
	"assigndoc/internal/diag"
	"assigndoc/internal/pipeline"
	"assigndoc/pkg/contract"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// chdir 切换到临时目录，测试结束后恢复。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

// stubRun 替换流水线入口，返回调用时收到的 Settings。
func stubRun(t *testing.T, ret error) *pipeline.Settings {
	t.Helper()
	var got pipeline.Settings
	called := false
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		called = true
		got = set
		return ret
	}
	t.Cleanup(func() {
		pipelineRun = orig
		if !called {
			t.Errorf("pipelineRun not called")
		}
	})
	return &got
}

// templateEnv 将默认模板（输入为 STDIN，输出到 dir/out）写入 ASSIGNDOC_CONFIG_JSON。
func templateEnv(t *testing.T, dir string, mutate func(*cfgpkg.Config)) {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(filepath.Join(dir, "out")) + `}`)
	cfg.Options.Sink = json.RawMessage(`{"output_dir":` + quote(filepath.Join(dir, "out")) + `}`)
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv("ASSIGNDOC_CONFIG_JSON", string(b))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestRunSuccess(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, []string{"-"}, got.Inputs)
	assert.True(t, got.Share)
}

func TestRunWithYAMLConfigFile(t *testing.T) {
	dir := chdir(t)
	b, err := cfgpkg.MarshalYAML(cfgpkg.DefaultTemplateConfig())
	require.NoError(t, err)
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false", "--config", path, "--refine-rounds", "2"})
	require.Equal(t, 0, run())
	assert.Equal(t, 2, got.RefineRounds)
}

func TestRunDefaultConfigFile(t *testing.T) {
	chdir(t)
	b, err := cfgpkg.MarshalYAML(cfgpkg.DefaultTemplateConfig())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile("config.yaml", b, 0o644))
	stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false"})
	require.Equal(t, 0, run())
}

func TestRunConfigFileEnv(t *testing.T) {
	dir := chdir(t)
	b, err := json.Marshal(cfgpkg.DefaultTemplateConfig())
	require.NoError(t, err)
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	t.Setenv("ASSIGNDOC_CONFIG_FILE", path)
	stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false"})
	require.Equal(t, 0, run())
}

func TestRunConfigFileNotFound(t *testing.T) {
	chdir(t)
	resetFlag([]string{"assigndoc", "--config", "missing.yaml"})
	if code := run(); code != 3 {
		t.Fatalf("期望退出码 3，得到 %d", code)
	}
}

func TestRunValidateError(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, func(c *cfgpkg.Config) {
		c.LLM = ""
		c.Provider = map[string]cfgpkg.Provider{}
	})
	resetFlag([]string{"assigndoc"})
	if code := run(); code != 3 {
		t.Fatalf("期望退出码 3，得到 %d", code)
	}
}

func TestRunAssembleError(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, func(c *cfgpkg.Config) {
		c.Options.Reader = json.RawMessage(`{"unknown":1}`)
	})
	resetFlag([]string{"assigndoc"})
	if code := run(); code != 3 {
		t.Fatalf("期望退出码 3，得到 %d", code)
	}
}

func TestRunEnvOverlayError(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	t.Setenv("ASSIGNDOC_SHARE", "maybe")
	resetFlag([]string{"assigndoc"})
	if code := run(); code != 3 {
		t.Fatalf("期望退出码 3，得到 %d", code)
	}
}

func TestRunPipelineError(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	stubRun(t, errors.New("boom"))

	resetFlag([]string{"assigndoc", "--status=false"})
	if code := run(); code != 1 {
		t.Fatalf("期望退出码 1，得到 %d", code)
	}
}

func TestRunCLIOverrides(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, func(c *cfgpkg.Config) {
		c.Inputs = nil
		c.LLM = ""
	})
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false", "--llm", "mock", "--concurrency", "2", "--max-tokens", "100", "--max-retries", "1", "-"})
	require.Equal(t, 0, run())
	assert.Equal(t, 2, got.Concurrency)
	assert.Equal(t, 100, got.MaxTokens)
	assert.Equal(t, 1, got.MaxRetries)
}

// --max-retries=0 显式禁用重试
func TestRunMaxRetriesZeroCLI(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false", "--max-retries", "0"})
	require.Equal(t, 0, run())
	assert.Equal(t, 0, got.MaxRetries)
}

func TestRunEnvBeatsFileCLIBeatsEnv(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	t.Setenv("ASSIGNDOC_MAX_RETRIES", "0")
	t.Setenv("ASSIGNDOC_CONCURRENCY", "3")
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false", "--concurrency", "4"})
	require.Equal(t, 0, run())
	assert.Equal(t, 0, got.MaxRetries)
	assert.Equal(t, 4, got.Concurrency)
}

func TestRunDotEnvLoaded(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	require.NoError(t, os.WriteFile(".env", []byte("ASSIGNDOC_REFINE_ROUNDS=3\n"), 0o644))
	t.Setenv("ASSIGNDOC_REFINE_ROUNDS", "")
	os.Unsetenv("ASSIGNDOC_REFINE_ROUNDS")
	got := stubRun(t, nil)

	resetFlag([]string{"assigndoc", "--status=false"})
	require.Equal(t, 0, run())
	assert.Equal(t, 3, got.RefineRounds)
}

func TestRunMetricsOut(t *testing.T) {
	dir := chdir(t)
	templateEnv(t, dir, nil)
	stubRun(t, nil)
	out := filepath.Join(dir, "metrics.prom")

	resetFlag([]string{"assigndoc", "--status=false", "--metrics-out", out})
	require.Equal(t, 0, run())
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "assigndoc_")
}

func TestRunInitConfig(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "emit")
	resetFlag([]string{"assigndoc", "--init-config", outDir})
	if code := run(); code != 0 {
		t.Fatalf("run 返回 %d", code)
	}
	b, err := os.ReadFile(filepath.Join(outDir, "config.yaml"))
	require.NoError(t, err)
	cfg, err := cfgpkg.Load("", b)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM)
	require.NoError(t, cfgpkg.Validate(cfg))

	env, err := godotenv.Read(filepath.Join(outDir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, env, "ASSIGNDOC_LLM")
	assert.Contains(t, env, "ASSIGNDOC_PROVIDER__gemini__OPTIONS_JSON")
	assert.Contains(t, env, "GOOGLE_ACCESS_TOKEN")
}

func TestRunInitConfigDefault(t *testing.T) {
	chdir(t)
	resetFlag([]string{"assigndoc", "--init-config"})
	if code := run(); code != 0 {
		t.Fatalf("run 返回 %d", code)
	}
	if _, err := os.Stat("config.yaml"); err != nil {
		t.Fatalf("配置未生成: %v", err)
	}
}

func TestRunInitConfigFileExists(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "out2")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "config.yaml"), []byte("{}"), 0o644))
	resetFlag([]string{"assigndoc", "--init-config", outDir})
	if code := run(); code != 3 {
		t.Fatalf("期望退出码 3，得到 %d", code)
	}
}

func TestCompileFileMarkdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nHello"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, compileFile(&buf, nil, path, cfgpkg.Defaults(), diag.Nop()))
	ops, err := contract.UnmarshalOperations(buf.Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	first, ok := ops[0].(contract.InsertText)
	require.True(t, ok, "首个操作应为插入")
	assert.Equal(t, contract.CursorStart, first.Index)
	assert.Equal(t, "Title\n", first.Text)
}

func TestCompileFileAssignmentJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	rec := "```json\n{\"title\":\"Lab 1\",\"numberOfTasks\":1,\"tasks\":[{\"description\":\"Do it\",\"weightage\":5}]}\n```"
	require.NoError(t, os.WriteFile(path, []byte(rec), 0o644))

	var buf bytes.Buffer
	require.NoError(t, compileFile(&buf, nil, path, cfgpkg.Defaults(), diag.Nop()))
	ops, err := contract.UnmarshalOperations(buf.Bytes())
	require.NoError(t, err)
	var text strings.Builder
	for _, op := range ops {
		if in, ok := op.(contract.InsertText); ok {
			text.WriteString(in.Text)
		}
	}
	assert.Contains(t, text.String(), "Lab 1")
	assert.Contains(t, text.String(), "Do it")
}

func TestCompileFileDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("- one\n- two\n"), 0o644))

	var out, dump bytes.Buffer
	require.NoError(t, compileFile(&out, &dump, path, cfgpkg.Defaults(), diag.Nop()))
	assert.Contains(t, dump.String(), "SetListBullets")
	assert.Contains(t, dump.String(), "BULLET_ARROW_DIAMOND_DISC")
}

func TestRunCompileMissingFile(t *testing.T) {
	chdir(t)
	resetFlag([]string{"assigndoc", "--compile", "missing.md"})
	if code := run(); code != 1 {
		t.Fatalf("期望退出码 1，得到 %d", code)
	}
}

func TestRedactHidesSecrets(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Provider["openai"] = cfgpkg.Provider{Client: "openai", Options: json.RawMessage(`{"api_key":"sk-secret","model":"m"}`)}
	cfg.Options.Notifier = json.RawMessage(`{"access_token":"ya29.x"}`)

	out := redact(cfg)
	assert.NotContains(t, string(out.Provider["openai"].Options), "sk-secret")
	assert.Contains(t, string(out.Provider["openai"].Options), `"model":"m"`)
	assert.NotContains(t, string(out.Options.Notifier), "ya29")
	// 原配置不受影响
	assert.Contains(t, string(cfg.Provider["openai"].Options), "sk-secret")

	var buf bytes.Buffer
	dumpConfig(&buf, cfg)
	assert.NotContains(t, buf.String(), "sk-secret")
}

func TestNormalizeInitArg(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{[]string{"x", "--init-config"}, []string{"x", "--init-config", "."}},
		{[]string{"x", "--init-config", "--status=false"}, []string{"x", "--init-config", ".", "--status=false"}},
		{[]string{"x", "--init-config", "out"}, []string{"x", "--init-config", "out"}},
		{[]string{"x", "--init-config=out"}, []string{"x", "--init-config=out"}},
	}
	for _, c := range cases {
		os.Args = c.in
		normalizeInitArg()
		assert.Equal(t, c.want, os.Args)
	}
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Defaults()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(filepath.Join(dir, "new")) + `}`)
	assert.NoError(t, preflightCheckOutputDir(cfg))

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(file) + `}`)
	assert.Error(t, preflightCheckOutputDir(cfg))

	cfg.Components.Writer = "other"
	assert.NoError(t, preflightCheckOutputDir(cfg))
}
