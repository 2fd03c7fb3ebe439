package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"assigndoc/internal/assignment"
	"assigndoc/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	var hasCurrent, hasRotated bool
	for _, e := range files {
		switch {
		case e.Name() == "assigndoc-current.txt":
			hasCurrent = true
		case strings.HasPrefix(e.Name(), "assigndoc-") && strings.HasSuffix(e.Name(), ".txt"):
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent)
	assert.True(t, hasRotated)
}

// 直接覆盖 ensureOpen 与 rotate 内部分支
func TestRotatingFileEnsureAndRotate(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	require.NoError(t, w.ensureOpen())
	require.NotNil(t, w.f)
	require.NoError(t, w.rotate())
	w.f = nil
	require.NoError(t, w.rotate())
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ents), 2)
	require.NoError(t, w.Close())
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr-1", "info", zapcore.AddSync(&buf))
	timer := l.StartWith("validate", "validating", "req/a.yaml", "r1")
	timer.Finish("validated", 2)
	l.Warn("validate", "task_count_surplus", "truncated", "req/a.yaml", "r1", map[string]string{"expected": "2"})
	l.ErrorWithKV("llm", "network", "invoke failed", timer.Since(), "req/a.yaml", "r1", map[string]string{"http_status": "502"})
	l.DebugStart("llm", "filtered", "", "", nil)
	require.NoError(t, l.Sync())

	ev := decodeLines(t, &buf)
	require.Len(t, ev, 4, "debug 事件在 info 级别应被过滤")
	assert.Equal(t, "info", ev[0]["level"])
	assert.Equal(t, "corr-1", ev[0]["corr_id"])
	assert.Equal(t, "start", ev[0]["stage"])
	assert.Equal(t, "req/a.yaml", ev[0]["file_id"])
	assert.Equal(t, "r1", ev[0]["req_id"])
	assert.Equal(t, "finish", ev[1]["stage"])
	assert.EqualValues(t, 2, ev[1]["count"])
	assert.Equal(t, "warn", ev[2]["level"])
	assert.Equal(t, "task_count_surplus", ev[2]["code"])
	assert.Equal(t, "error", ev[3]["level"])
	assert.Equal(t, map[string]any{"http_status": "502"}, ev[3]["kv"])
	assert.Contains(t, ev[3], "dur_ms")
}

func TestLoggerLogrBridge(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("c", "info", zapcore.AddSync(&buf))
	raw := `{"title":"t","deadline":"d","totalMarksWeightage":1,"evaluationCriteria":"e","numberOfTasks":1,"tasks":[{},{}]}`
	_, err := assignment.ValidateWith(raw, l.Logr())
	require.NoError(t, err)
	require.NoError(t, l.Sync())
	ev := decodeLines(t, &buf)
	require.Len(t, ev, 1)
	assert.Equal(t, "task_count_surplus", ev[0]["code"])
	assert.EqualValues(t, 2, ev[0]["actual"])
}

func TestLoggerLevelsAndNil(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel(" debug "))

	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	assert.Nil(t, tnil.Since())

	var lnil *Logger
	lnil.Logr().Info("discarded")
	Nop().Error("comp", "code", "msg", nil)
}

func TestLoggerWithFileSink(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, "logs", "assigndoc-current.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"corr_id":"corr"`)
}

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("compile", "finish", "success"))
	IncOp("compile", "finish", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("compile", "finish", "success")))

	IncError("llm", "network")
	assert.GreaterOrEqual(t, testutil.ToFloat64(errorTotal.WithLabelValues("llm", "network")), 1.0)

	AddOperations("insert_text", 3)
	AddOperations("insert_text", 0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(operationsEmitted.WithLabelValues("insert_text")), 3.0)

	ObserveDuration("compile", "finish", 12)

	out := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteMetrics(out))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "assigndoc_op_total")
	assert.Contains(t, string(b), "assigndoc_operations_emitted_total")
}

func TestClassify(t *testing.T) {
	_, verr := assignment.Validate(`{"title":"only"}`)
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{verr, CodeProtocol},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrInvariantViolation, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s 预期 %s", c.err, got, c.want)
		}
	}
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "openai")
	term.FileStart("requests/week1.yaml", 6)
	term.FileProgress(3, 6, 0) // 非 TTY：不输出进度
	term.FileFinish(true, 1234, 1200, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=openai",
		"[file] week1.yaml | 计划步骤=6",
		"[done] week1.yaml | 操作 1,234 | 文本 1.2 kB | 总用时 5.1s",
		"[ok] 全部完成 | 请求 1 | 操作 1,234 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.FileStart("/a/b/c/longfilename.yaml", 6)

	term.FileProgress(1, 6, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.FileProgress(2, 6, 1)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.FileProgress(2, 6, 1)
	if len(sb.String()) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	term.FileFinish(false, 0, 0, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.FileStart("a", 0)
	term.FileProgress(0, 0, 0)
	term.FileFinish(true, 0, 0, 0)
	term.RunFinish(true, 0)

	var tn *Terminal
	tn.RunStart(1, "x")
	tn.FileFinish(true, 0, 0, 0)
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	if term.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "这是一个很长的文件名用…", shortenBase("/x/y/这是一个很长的文件名用于截断测试.txt", 12))
	assert.Equal(t, "", shortenBase("x", 0))
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(NewTerminal(os.Stderr, false))
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}
