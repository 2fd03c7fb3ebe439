package contract

import "iter"

// Token: Markdown 词法单元（封闭集合）。
// 只建模标题、段落、列表、代码块与空行；其余一律映射为 Unknown。
type Token interface {
	TokenKind() string
	isToken()
}

// Heading: 标题，Depth 取值 1..6。
type Heading struct {
	Depth int
	Text  string
}

// Paragraph: 段落（行内格式已展平为纯文本）。
type Paragraph struct {
	Text string
}

// ListItem: 列表项；仅取首层纯文本，不建模嵌套。
type ListItem struct {
	Text string
}

// List: 有序或无序列表。
type List struct {
	Ordered bool
	Items   []ListItem
}

// Code: 代码块（不含围栏）。
type Code struct {
	Lang string
	Text string
}

// Space: 空行。
type Space struct{}

// Unknown: 未建模的词法单元（表格、HTML、引用等），Kind 为其来源类型名。
type Unknown struct {
	Kind string
}

func (Heading) TokenKind() string   { return "heading" }
func (Paragraph) TokenKind() string { return "paragraph" }
func (List) TokenKind() string      { return "list" }
func (Code) TokenKind() string      { return "code" }
func (Space) TokenKind() string     { return "space" }
func (u Unknown) TokenKind() string { return u.Kind }

func (Heading) isToken()   {}
func (Paragraph) isToken() {}
func (List) isToken()      {}
func (Code) isToken()      {}
func (Space) isToken()     {}
func (Unknown) isToken()   {}

// Tokenizer: Markdown → 有序、有限、惰性的 Token 序列。
// 约束：纯计算；同一输入产生同一序列；不返回错误（无法识别的结构产出 Unknown）。
type Tokenizer interface {
	Tokenize(markdown string) iter.Seq[Token]
}

// Tokens 将切片包装为 Token 序列（测试与离线场景使用）。
func Tokens(ts ...Token) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		for _, t := range ts {
			if !yield(t) {
				return
			}
		}
	}
}
