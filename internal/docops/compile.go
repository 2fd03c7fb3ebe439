package docops

import (
	"iter"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/go-logr/logr"

	"assigndoc/pkg/contract"
)

const (
	HeadingStylePrefix = "HEADING_"
	BulletPreset       = "BULLET_ARROW_DIAMOND_DISC"
	BulletPrefix       = "• "
	CodeFontFamily     = "Courier New"
	CodeFontWeight     = 400

	// DefaultFallbackPrefix: 无任何操作产出时，原文之前的提示行。
	DefaultFallbackPrefix = "⚠️ Formatting failed. Raw content:\n"
)

// 诊断代码。
const (
	DiagUnrecognizedToken = "unrecognized_token"
	DiagFallback          = "fallback"
)

// Diagnostic: 编译期可观察事件（不是错误）。
type Diagnostic struct {
	Code   string
	Kind   string // 未识别的 token 类型
	Cursor int
}

// Result: 编译输出。
type Result struct {
	Ops         []contract.Operation
	FinalCursor int
	Diagnostics []Diagnostic
	Fallback    bool
}

// Inserted 返回全部插入文本的总长度（UTF-16 码元）。
func (r Result) Inserted() int { return r.FinalCursor - contract.CursorStart }

// Length 返回文本在远端文档中的长度，单位为 UTF-16 码元。
func Length(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Step 编译单个 token：返回其操作、推进后的游标，以及可选诊断。
// 样式区间依据本 token 刚插入的文本计算，游标在本 token 结束后才前移。
func Step(cursor int, tok contract.Token) ([]contract.Operation, int, *Diagnostic) {
	switch t := tok.(type) {
	case contract.Heading:
		text := t.Text + "\n"
		end := cursor + Length(text)
		return []contract.Operation{
			contract.InsertText{Index: cursor, Text: text},
			contract.SetParagraphStyle{Start: cursor, End: end, StyleName: HeadingStylePrefix + strconv.Itoa(t.Depth)},
		}, end, nil
	case contract.Paragraph:
		text := t.Text + "\n"
		return []contract.Operation{contract.InsertText{Index: cursor, Text: text}}, cursor + Length(text), nil
	case contract.List:
		var ops []contract.Operation
		for i, item := range t.Items {
			if strings.TrimSpace(item.Text) == "" {
				continue
			}
			prefix := BulletPrefix
			if t.Ordered {
				// 序号取列表内位置，被跳过的空项同样占号
				prefix = strconv.Itoa(i+1) + ". "
			}
			text := prefix + item.Text + "\n"
			n := Length(text)
			ops = append(ops, contract.InsertText{Index: cursor, Text: text})
			if !t.Ordered {
				ops = append(ops, contract.SetListBullets{Start: cursor, End: cursor + n - 1, Preset: BulletPreset})
			}
			cursor += n
		}
		return ops, cursor, nil
	case contract.Code:
		text := t.Text + "\n"
		end := cursor + Length(text)
		return []contract.Operation{
			contract.InsertText{Index: cursor, Text: text},
			contract.SetTextStyle{Start: cursor, End: end, FontFamily: CodeFontFamily, Weight: CodeFontWeight},
		}, end, nil
	case contract.Space:
		return nil, cursor, nil
	default:
		kind := "nil"
		if tok != nil {
			kind = tok.TokenKind()
		}
		return nil, cursor, &Diagnostic{Code: DiagUnrecognizedToken, Kind: kind, Cursor: cursor}
	}
}

// Options: 编译器配置。
type Options struct {
	// FallbackPrefix 为空时使用 DefaultFallbackPrefix。
	FallbackPrefix string
	// Logger 接收诊断；零值等价于丢弃。
	Logger logr.Logger
}

// Compiler: 将 token 序列折叠为操作列表。无内部状态，可并发使用。
type Compiler struct {
	fallbackPrefix string
	log            logr.Logger
}

func New(opts Options) *Compiler {
	c := &Compiler{fallbackPrefix: opts.FallbackPrefix, log: opts.Logger}
	if c.fallbackPrefix == "" {
		c.fallbackPrefix = DefaultFallbackPrefix
	}
	if c.log.GetSink() == nil {
		c.log = logr.Discard()
	}
	return c
}

// Compile 使用默认配置编译。
func Compile(tokens iter.Seq[contract.Token], source string) Result {
	return New(Options{}).Compile(tokens, source)
}

// Compile 从游标 1 起依次折叠 Step。source 为原始 Markdown，仅用于回退输出。
// 不返回错误：未识别 token 记为诊断；无操作时插入单条回退文本。
func (c *Compiler) Compile(tokens iter.Seq[contract.Token], source string) Result {
	res := Result{FinalCursor: contract.CursorStart}
	cursor := contract.CursorStart
	for tok := range tokens {
		ops, next, d := Step(cursor, tok)
		if d != nil {
			res.Diagnostics = append(res.Diagnostics, *d)
			c.log.Info("unrecognized token", "code", d.Code, "kind", d.Kind, "cursor", d.Cursor)
		}
		res.Ops = append(res.Ops, ops...)
		cursor = next
	}
	if len(res.Ops) == 0 {
		text := c.fallbackPrefix + source
		res.Ops = []contract.Operation{contract.InsertText{Index: contract.CursorStart, Text: text}}
		res.Fallback = true
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Code: DiagFallback, Cursor: contract.CursorStart})
		c.log.Info("no operations produced, inserting raw content", "code", DiagFallback, "source_len", len(source))
		cursor = contract.CursorStart + Length(text)
	}
	res.FinalCursor = cursor
	return res
}
