package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry 汇集本进程的全部指标；CLI 可通过 --metrics-out 导出为文本格式。
var Registry = prometheus.NewRegistry()

var (
	opTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assigndoc_op_total",
			Help: "Pipeline stage completions by component and result",
		}, []string{"comp", "stage", "result"},
	)

	errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assigndoc_error_total",
			Help: "Errors by component and classification code",
		}, []string{"comp", "code"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assigndoc_op_duration_ms",
			Help:    "Stage latency in milliseconds",
			Buckets: []float64{5, 25, 100, 250, 1000, 5000, 15000, 60000},
		}, []string{"comp", "stage"},
	)

	operationsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assigndoc_operations_emitted_total",
			Help: "Document edit operations produced by the compiler",
		}, []string{"kind"},
	)
)

func init() {
	Registry.MustRegister(opTotal, errorTotal, opDuration, operationsEmitted)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddOperations 按操作类型累加编译产出。
func AddOperations(kind string, n int) {
	if n <= 0 {
		return
	}
	operationsEmitted.WithLabelValues(kind).Add(float64(n))
}

// WriteMetrics 将当前指标以文本格式写入文件。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
