package diag

import (
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为阶段化结构化日志器：单行 JSON，按级别过滤。
// 事件字段：level, ts, corr_id, comp, stage(start|finish|warn|error), code, dur_ms, count, file_id, req_id, kv。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，日志写入 logs/assigndoc-current.txt，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(corrID, level, sink)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入给定目标（测试或自定义介质）。
func NewLoggerTo(corrID, level string, ws zapcore.WriteSyncer) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(ws), parseLevel(level))
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// Nop 返回丢弃全部事件的日志器。
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logr 返回 logr 视图，供核心包输出诊断。
func (l *Logger) Logr() logr.Logger {
	if l == nil {
		return logr.Discard()
	}
	return zapr.NewLogger(l.z)
}

// Sync 刷新缓冲；Close 额外关闭文件句柄。
func (l *Logger) Sync() error { return l.z.Sync() }

func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func fields(comp, stage, fileID, reqID string, kv map[string]string) []zap.Field {
	fs := make([]zap.Field, 0, 5)
	fs = append(fs, zap.String("comp", comp), zap.String("stage", stage))
	if fileID != "" {
		fs = append(fs, zap.String("file_id", fileID))
	}
	if reqID != "" {
		fs = append(fs, zap.String("req_id", reqID))
	}
	if len(kv) > 0 {
		fs = append(fs, zap.Any("kv", kv))
	}
	return fs
}

func durSince(t *time.Time) []zap.Field {
	if t == nil {
		return nil
	}
	return []zap.Field{zap.Int64("dur_ms", time.Since(*t).Milliseconds())}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/req_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, reqID string) *Timer {
	return l.StartWithKV(comp, msg, fileID, reqID, nil)
}

// StartWithKV 记录带 file_id/req_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, reqID string, kv map[string]string) *Timer {
	l.z.Info(msg, fields(comp, "start", fileID, reqID, kv)...)
	return &Timer{l: l, comp: comp, fileID: fileID, reqID: reqID, t0: time.Now()}
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, reqID string, kv map[string]string) {
	l.z.Debug(msg, fields(comp, "start", fileID, reqID, kv)...)
}

// Warn 记录可恢复事件（如截断、回退）。
func (l *Logger) Warn(comp, code, msg, fileID, reqID string, kv map[string]string) {
	fs := append(fields(comp, "warn", fileID, reqID, kv), zap.String("code", code))
	l.z.Warn(msg, fs...)
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, since *time.Time) {
	l.ErrorWithKV(comp, code, msg, since, "", "", nil)
}

// ErrorWith 支持 file_id/req_id。
func (l *Logger) ErrorWith(comp, code, msg string, since *time.Time, fileID, reqID string) {
	l.ErrorWithKV(comp, code, msg, since, fileID, reqID, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, since *time.Time, fileID, reqID string, kv map[string]string) {
	fs := append(fields(comp, "error", fileID, reqID, kv), zap.String("code", code))
	l.z.Error(msg, append(fs, durSince(since)...)...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	fs := append(fields(comp, "finish", "", "", nil), durSince(&start)...)
	l.z.Info(msg, append(fs, zap.Int64("count", count))...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	reqID  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	fs := append(fields(t.comp, "finish", t.fileID, t.reqID, nil), durSince(&t.t0)...)
	if count > 0 {
		fs = append(fs, zap.Int64("count", count))
	}
	t.l.z.Info(msg, fs...)
	ObserveDuration(t.comp, "finish", time.Since(t.t0).Milliseconds())
}

// Since 返回计时起点（供 Error 计算 dur_ms）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
