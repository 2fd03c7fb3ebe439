package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FileID: 逻辑文档ID（通常为请求文件路径，需规范化，跨平台一致）。
type FileID string

// Scalar: 兼容字符串/数字/布尔形态的标量，统一保存为文本。
// 生成端常把 "100" 与 100 混用，这里不区分。
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		*s = Scalar(x)
	case json.Number:
		*s = Scalar(x.String())
	case bool:
		*s = Scalar(strconv.FormatBool(x))
	default:
		return fmt.Errorf("scalar: unsupported json value %s", string(b))
	}
	return nil
}

func (s Scalar) String() string { return string(s) }

// Request: 一次作业生成请求（对应一个请求文件）。
// 字段缺省值由 PromptBuilder 决定，Request 本身不做补全。
type Request struct {
	ID                     string `json:"id,omitempty"`
	Professor              string `json:"professor,omitempty"`
	Title                  string `json:"title"`
	Subject                string `json:"subject,omitempty"`
	Classroom              string `json:"classroom,omitempty"`
	Deadline               string `json:"deadline,omitempty"`
	TotalMarksWeightage    Scalar `json:"totalMarksWeightage,omitempty"`
	EvaluationCriteria     string `json:"evaluationCriteria,omitempty"`
	NumberOfTasks          int    `json:"numberOfTasks"`
	Language               string `json:"language,omitempty"`
	AdditionalInstructions string `json:"additionalInstructions,omitempty"`
	GradeLevel             string `json:"gradeLevel,omitempty"`
	DifficultyLevel        string `json:"difficultyLevel,omitempty"`
	DetailLevel            string `json:"detailLevel,omitempty"`
	// Context: 学术背景文本；为空时由 PromptBuilder 使用默认背景。
	Context string `json:"context,omitempty"`
	// Students: 文档共享与通知的收件人。
	Students []string `json:"students,omitempty"`

	// FileID: 请求来源（由 Reader 填充，不参与序列化）。
	FileID FileID `json:"-"`
}

// Task: 作业中的单个任务。
type Task struct {
	Description string `json:"description"`
	Weightage   Scalar `json:"weightage"`
}

// AssignmentRecord: 经校验的作业记录。
// 约束：len(Tasks) == NumberOfTasks；校验完成后不再修改。
type AssignmentRecord struct {
	Title                  string `json:"title"`
	Deadline               string `json:"deadline"`
	TotalMarksWeightage    Scalar `json:"totalMarksWeightage"`
	EvaluationCriteria     string `json:"evaluationCriteria"`
	NumberOfTasks          int    `json:"numberOfTasks"`
	Tasks                  []Task `json:"tasks"`
	Language               string `json:"language,omitempty"`
	AdditionalInstructions string `json:"additionalInstructions,omitempty"`
}
