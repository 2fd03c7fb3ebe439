package assignment

import (
	"errors"
	"fmt"
	"strings"

	"assigndoc/pkg/contract"
)

// ValidationError: 校验失败的具体信息。
// Kind 取 contract 中的校验哨兵；errors.Is 同时匹配 Kind 与 contract.ErrResponseInvalid，
// 编排层据此把校验失败归入 protocol 并重试生成。
type ValidationError struct {
	Kind     error
	Fields   []string // MissingField：全部缺失字段（按必填顺序）
	Expected int      // TaskCountDeficit
	Actual   int      // TaskCountDeficit
	Cleaned  string   // 去围栏后的文本，便于诊断
	Err      error    // 底层解码错误（可为 nil）
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	switch e.Kind {
	case contract.ErrMissingField:
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Fields, ", "))
	case contract.ErrTaskCountDeficit:
		fmt.Fprintf(&b, ": expected %d, got %d", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	errs := []error{e.Kind, contract.ErrResponseInvalid}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Warning: 可恢复的规范化事件（目前仅任务数溢出截断）。
type Warning struct {
	Code     error
	Expected int
	Actual   int
}

func (w Warning) String() string {
	return fmt.Sprintf("%v: expected %d, got %d (truncated)", w.Code, w.Expected, w.Actual)
}

var errNotObject = errors.New("top-level value is not an object")

func fieldError(name string, err error) error {
	return fmt.Errorf("field %s: %w", name, err)
}
