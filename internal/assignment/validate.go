package assignment

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"assigndoc/pkg/contract"
)

// RequiredFields 为生成结果的必填字段（顺序即报告顺序）。
var RequiredFields = []string{
	"title",
	"deadline",
	"totalMarksWeightage",
	"evaluationCriteria",
	"numberOfTasks",
	"tasks",
}

// Result: 校验输出。
type Result struct {
	Record   contract.AssignmentRecord
	Warnings []Warning
	Cleaned  string
}

// Validate 将生成端原始文本校验为 AssignmentRecord。
func Validate(raw string) (Result, error) {
	return ValidateWith(raw, logr.Discard())
}

// ValidateWith 同 Validate；任务数溢出截断时额外通过 log 输出告警。
// 步骤：去围栏 → 解码对象 → 必填检查（报告全部缺失）→ 任务数对账。
// 少于声明数为致命错误；多于声明数截断为前 N 个并告警。
func ValidateWith(raw string, log logr.Logger) (Result, error) {
	cleaned := Clean(raw)
	if cleaned == "" {
		return Result{}, &ValidationError{Kind: contract.ErrMalformedEnvelope}
	}
	fields, err := decodeObject(cleaned)
	if err != nil {
		return Result{}, &ValidationError{Kind: contract.ErrMalformedJSON, Cleaned: cleaned, Err: err}
	}

	var missing []string
	for _, name := range RequiredFields {
		if isFalsy(fields[name]) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Result{}, &ValidationError{Kind: contract.ErrMissingField, Fields: missing, Cleaned: cleaned}
	}

	rec, err := decodeRecord(fields)
	if err != nil {
		return Result{}, &ValidationError{Kind: contract.ErrMalformedJSON, Cleaned: cleaned, Err: err}
	}
	expected, ok := parseLeadingInt(scalarText(fields["numberOfTasks"]))
	if !ok || expected <= 0 {
		return Result{}, &ValidationError{Kind: contract.ErrMissingField, Fields: []string{"numberOfTasks"}, Cleaned: cleaned}
	}
	rec.NumberOfTasks = expected

	res := Result{Cleaned: cleaned}
	actual := len(rec.Tasks)
	switch {
	case actual < expected:
		return Result{}, &ValidationError{Kind: contract.ErrTaskCountDeficit, Expected: expected, Actual: actual, Cleaned: cleaned}
	case actual > expected:
		rec.Tasks = rec.Tasks[:expected:expected]
		w := Warning{Code: contract.ErrTaskCountSurplus, Expected: expected, Actual: actual}
		res.Warnings = append(res.Warnings, w)
		log.Info("task count surplus, truncated", "code", "task_count_surplus", "expected", expected, "actual", actual)
	}
	res.Record = rec
	return res, nil
}

// decodeObject 解码顶层 JSON 对象；数组/标量/null 视为失败。
func decodeObject(s string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNotObject
	}
	return m, nil
}

// decodeRecord 宽松地把字段映射为记录：文本字段接受字符串或数字；
// tasks 非数组时视为空；任务元素为字符串时作为描述。
// NumberOfTasks 取前导整数（无法解析时为 0）。
func decodeRecord(fields map[string]json.RawMessage) (contract.AssignmentRecord, error) {
	var rec contract.AssignmentRecord
	text := []struct {
		name string
		dst  *string
	}{
		{"title", &rec.Title},
		{"deadline", &rec.Deadline},
		{"evaluationCriteria", &rec.EvaluationCriteria},
		{"language", &rec.Language},
		{"additionalInstructions", &rec.AdditionalInstructions},
	}
	for _, f := range text {
		v, err := decodeScalar(fields[f.name])
		if err != nil {
			return rec, fieldError(f.name, err)
		}
		*f.dst = string(v)
	}
	total, err := decodeScalar(fields["totalMarksWeightage"])
	if err != nil {
		return rec, fieldError("totalMarksWeightage", err)
	}
	rec.TotalMarksWeightage = total
	if n, ok := parseLeadingInt(scalarText(fields["numberOfTasks"])); ok {
		rec.NumberOfTasks = n
	}
	rec.Tasks = decodeTasks(fields["tasks"])
	return rec, nil
}

type taskWire struct {
	Description contract.Scalar `json:"description"`
	Weightage   contract.Scalar `json:"weightage"`
}

func decodeTasks(raw json.RawMessage) []contract.Task {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	tasks := make([]contract.Task, 0, len(items))
	for _, it := range items {
		var tw taskWire
		if err := json.Unmarshal(it, &tw); err == nil {
			tasks = append(tasks, contract.Task{Description: string(tw.Description), Weightage: tw.Weightage})
			continue
		}
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			tasks = append(tasks, contract.Task{Description: s})
			continue
		}
		tasks = append(tasks, contract.Task{})
	}
	return tasks
}

func decodeScalar(raw json.RawMessage) (contract.Scalar, error) {
	var v contract.Scalar
	if len(raw) == 0 {
		return v, nil
	}
	err := v.UnmarshalJSON(raw)
	return v, err
}

// scalarText 容错读取标量文本（解码失败返回空串）。
func scalarText(raw json.RawMessage) string {
	v, err := decodeScalar(raw)
	if err != nil {
		return ""
	}
	return string(v)
}

// isFalsy: 缺失、null、false、空串、数值 0 均视为缺失。
func isFalsy(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return true
	}
	switch string(b) {
	case "null", "false", `""`:
		return true
	}
	if b[0] == '-' || (b[0] >= '0' && b[0] <= '9') {
		f, err := strconv.ParseFloat(string(b), 64)
		return err == nil && f == 0
	}
	return false
}

// parseLeadingInt 解析前导整数："3"、" 3 tasks"、"3.9" 均得 3。
func parseLeadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
