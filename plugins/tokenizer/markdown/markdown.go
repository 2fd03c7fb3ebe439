package markdown

import (
	"iter"
	"strings"

	bf "github.com/russross/blackfriday/v2"

	"assigndoc/pkg/contract"
)

// Options 为 Markdown 分词器的可选配置。
type Options struct {
	// KeepSoftBreaks: 段内软换行保留为 "\n"；默认折叠为空格。
	KeepSoftBreaks bool `json:"keep_soft_breaks"`
}

// Tokenizer 基于 blackfriday 的块级分词：
// 标题/段落/列表/代码块映射为对应 Token，行内格式展平为纯文本，
// 引用、表格、HTML、分隔线等映射为 Unknown。嵌套列表不建模，仅取每项首层文本。
type Tokenizer struct {
	softBreak string
}

var _ contract.Tokenizer = (*Tokenizer)(nil)

const extensions = bf.NoIntraEmphasis | bf.Tables | bf.FencedCode | bf.Autolink |
	bf.Strikethrough | bf.SpaceHeadings | bf.BackslashLineBreak

func New(opts *Options) *Tokenizer {
	t := &Tokenizer{softBreak: " "}
	if opts != nil && opts.KeepSoftBreaks {
		t.softBreak = "\n"
	}
	return t
}

// Tokenize 惰性产出顶层块对应的 Token；解析在首次迭代时进行。
func (t *Tokenizer) Tokenize(markdown string) iter.Seq[contract.Token] {
	return func(yield func(contract.Token) bool) {
		src := strings.ReplaceAll(markdown, "\r\n", "\n")
		root := bf.New(bf.WithExtensions(extensions)).Parse([]byte(src))
		for n := root.FirstChild; n != nil; n = n.Next {
			if !yield(t.block(n)) {
				return
			}
		}
	}
}

func (t *Tokenizer) block(n *bf.Node) contract.Token {
	switch n.Type {
	case bf.Heading:
		return contract.Heading{Depth: n.HeadingData.Level, Text: t.inline(n)}
	case bf.Paragraph:
		return contract.Paragraph{Text: t.inline(n)}
	case bf.CodeBlock:
		return contract.Code{
			Lang: strings.TrimSpace(string(n.CodeBlockData.Info)),
			Text: strings.TrimSuffix(string(n.Literal), "\n"),
		}
	case bf.List:
		l := contract.List{Ordered: n.ListFlags&bf.ListTypeOrdered != 0}
		for it := n.FirstChild; it != nil; it = it.Next {
			l.Items = append(l.Items, contract.ListItem{Text: t.item(it)})
		}
		return l
	case bf.BlockQuote:
		return contract.Unknown{Kind: "blockquote"}
	case bf.HTMLBlock:
		return contract.Unknown{Kind: "html"}
	case bf.Table:
		return contract.Unknown{Kind: "table"}
	case bf.HorizontalRule:
		return contract.Unknown{Kind: "hr"}
	default:
		return contract.Unknown{Kind: strings.ToLower(n.Type.String())}
	}
}

// item 取列表项首层块的文本，跳过嵌套列表。
func (t *Tokenizer) item(it *bf.Node) string {
	var parts []string
	for c := it.FirstChild; c != nil; c = c.Next {
		switch c.Type {
		case bf.List:
			continue
		case bf.CodeBlock:
			parts = append(parts, strings.TrimSuffix(string(c.Literal), "\n"))
		default:
			if s := t.inline(c); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

// inline 展平行内节点为纯文本（强调/链接仅保留文字，图片取替代文本）。
func (t *Tokenizer) inline(n *bf.Node) string {
	var b strings.Builder
	n.Walk(func(c *bf.Node, entering bool) bf.WalkStatus {
		if !entering {
			return bf.GoToNext
		}
		switch c.Type {
		case bf.Text:
			b.WriteString(strings.ReplaceAll(string(c.Literal), "\n", t.softBreak))
		case bf.Code, bf.HTMLSpan:
			b.Write(c.Literal)
		case bf.Softbreak:
			b.WriteString(t.softBreak)
		case bf.Hardbreak:
			b.WriteByte('\n')
		}
		return bf.GoToNext
	})
	return b.String()
}
