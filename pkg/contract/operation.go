package contract

import (
	"encoding/json"
	"fmt"
)

// CursorStart: 远端文档正文的首个可写偏移。
const CursorStart = 1

// OpKind: 编辑操作类型。
type OpKind string

const (
	OpInsertText        OpKind = "insert_text"
	OpSetParagraphStyle OpKind = "set_paragraph_style"
	OpSetListBullets    OpKind = "set_list_bullets"
	OpSetTextStyle      OpKind = "set_text_style"
)

// Operation: 基于绝对偏移的文档编辑操作（封闭集合）。
// 区间均为 [Start, End)，单位为 UTF-16 码元。
type Operation interface {
	Kind() OpKind
	isOperation()
}

// InsertText: 在 Index 处插入文本。
type InsertText struct {
	Index int
	Text  string
}

// SetParagraphStyle: 将区间内段落设为命名样式（如 HEADING_1）。
type SetParagraphStyle struct {
	Start     int
	End       int
	StyleName string
}

// SetListBullets: 将区间内段落设为项目符号列表。
type SetListBullets struct {
	Start  int
	End    int
	Preset string
}

// SetTextStyle: 设置区间内文本字体与字重。
type SetTextStyle struct {
	Start      int
	End        int
	FontFamily string
	Weight     int
}

func (InsertText) Kind() OpKind        { return OpInsertText }
func (SetParagraphStyle) Kind() OpKind { return OpSetParagraphStyle }
func (SetListBullets) Kind() OpKind    { return OpSetListBullets }
func (SetTextStyle) Kind() OpKind      { return OpSetTextStyle }

func (InsertText) isOperation()        {}
func (SetParagraphStyle) isOperation() {}
func (SetListBullets) isOperation()    {}
func (SetTextStyle) isOperation()      {}

// opEnvelope: 操作的 JSON 承载形状，kind 为判别字段。
type opEnvelope struct {
	Kind       OpKind `json:"kind"`
	Index      int    `json:"index,omitempty"`
	Start      int    `json:"start,omitempty"`
	End        int    `json:"end,omitempty"`
	Text       string `json:"text,omitempty"`
	Style      string `json:"style,omitempty"`
	Preset     string `json:"preset,omitempty"`
	FontFamily string `json:"font_family,omitempty"`
	Weight     int    `json:"weight,omitempty"`
}

// MarshalOperations 将操作序列编码为 JSON 数组（保持顺序）。
func MarshalOperations(ops []Operation) ([]byte, error) {
	env := make([]opEnvelope, 0, len(ops))
	for i, op := range ops {
		switch o := op.(type) {
		case InsertText:
			env = append(env, opEnvelope{Kind: o.Kind(), Index: o.Index, Text: o.Text})
		case SetParagraphStyle:
			env = append(env, opEnvelope{Kind: o.Kind(), Start: o.Start, End: o.End, Style: o.StyleName})
		case SetListBullets:
			env = append(env, opEnvelope{Kind: o.Kind(), Start: o.Start, End: o.End, Preset: o.Preset})
		case SetTextStyle:
			env = append(env, opEnvelope{Kind: o.Kind(), Start: o.Start, End: o.End, FontFamily: o.FontFamily, Weight: o.Weight})
		default:
			return nil, fmt.Errorf("operation %d: unsupported type %T: %w", i, op, ErrInvalidInput)
		}
	}
	return json.Marshal(env)
}

// UnmarshalOperations 解码 MarshalOperations 的输出；未知 kind 返回 ErrInvalidInput。
func UnmarshalOperations(b []byte) ([]Operation, error) {
	var env []opEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	ops := make([]Operation, 0, len(env))
	for i, e := range env {
		switch e.Kind {
		case OpInsertText:
			ops = append(ops, InsertText{Index: e.Index, Text: e.Text})
		case OpSetParagraphStyle:
			ops = append(ops, SetParagraphStyle{Start: e.Start, End: e.End, StyleName: e.Style})
		case OpSetListBullets:
			ops = append(ops, SetListBullets{Start: e.Start, End: e.End, Preset: e.Preset})
		case OpSetTextStyle:
			ops = append(ops, SetTextStyle{Start: e.Start, End: e.End, FontFamily: e.FontFamily, Weight: e.Weight})
		default:
			return nil, fmt.Errorf("operation %d: unknown kind %q: %w", i, e.Kind, ErrInvalidInput)
		}
	}
	return ops, nil
}
