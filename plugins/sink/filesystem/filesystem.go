package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/google/uuid"

	"assigndoc/pkg/contract"
	writerfs "assigndoc/plugins/writer/filesystem"
)

// Options: 本地文档落地配置。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Subdir: 文档所在子目录，默认 documents。
	Subdir string `json:"subdir,omitempty"`
	Atomic *bool  `json:"atomic,omitempty"`
}

// Sink: 在本地重放操作序列，生成 HTML 文档。
// 语义与远端文档一致：偏移为 UTF-16 码元，正文从 1 开始，插入点不得越过文末。
type Sink struct {
	w      contract.Writer
	subdir string

	mu   sync.Mutex
	docs map[string]*document
}

func New(raw json.RawMessage) (*Sink, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("filesystem sink options: %w", err)
		}
	}
	w, err := writerfs.New(&writerfs.Options{OutputDir: o.OutputDir, Atomic: o.Atomic})
	if err != nil {
		return nil, err
	}
	return NewWithWriter(w, o.Subdir), nil
}

// NewWithWriter 以给定 Writer 构造；subdir 为空时使用 documents。
func NewWithWriter(w contract.Writer, subdir string) *Sink {
	if subdir == "" {
		subdir = "documents"
	}
	return &Sink{w: w, subdir: subdir, docs: map[string]*document{}}
}

var _ contract.OperationSink = (*Sink)(nil)

type pather interface {
	Path(id contract.ArtifactID) (string, error)
}

func (s *Sink) artifact(id string) contract.ArtifactID {
	return contract.ArtifactID(path.Join(s.subdir, id+".html"))
}

// Create 分配文档 ID；文档内容在 Apply 时写出。
func (s *Sink) Create(ctx context.Context, title string) (contract.Document, error) {
	if err := ctx.Err(); err != nil {
		return contract.Document{}, err
	}
	doc := contract.Document{ID: uuid.NewString(), Title: title}
	if p, ok := s.w.(pather); ok {
		if fp, err := p.Path(s.artifact(doc.ID)); err == nil {
			doc.Link = "file://" + fp
		}
	}
	s.mu.Lock()
	s.docs[doc.ID] = &document{}
	s.mu.Unlock()
	return doc, nil
}

// Apply 整批重放：任一操作越界则整批不生效。
func (s *Sink) Apply(ctx context.Context, doc contract.Document, ops []contract.Operation) (contract.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return contract.Outcome{}, err
	}
	s.mu.Lock()
	cur, ok := s.docs[doc.ID]
	s.mu.Unlock()
	if !ok {
		return contract.Outcome{}, fmt.Errorf("document %q: %w", doc.ID, contract.ErrInvalidInput)
	}
	next := cur.clone()
	for i, op := range ops {
		if err := next.apply(op); err != nil {
			return contract.Outcome{}, fmt.Errorf("operation %d: %v: %w", i, err, contract.ErrInvalidInput)
		}
	}
	var buf bytes.Buffer
	next.writeHTML(&buf, doc.Title)
	if err := s.w.Write(ctx, s.artifact(doc.ID), &buf); err != nil {
		return contract.Outcome{}, err
	}
	s.mu.Lock()
	s.docs[doc.ID] = next
	s.mu.Unlock()
	return contract.Outcome{Document: doc, Applied: len(ops)}, nil
}

// Text 返回文档当前纯文本（未知 ID 返回空）。
func (s *Sink) Text(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		return string(utf16.Decode(d.text))
	}
	return ""
}

type span struct {
	start, end int
	value      string
}

// document: UTF-16 文本与三类样式区间。
type document struct {
	text    []uint16
	heading []span
	bullets []span
	code    []span
}

func (d *document) clone() *document {
	return &document{
		text:    append([]uint16(nil), d.text...),
		heading: append([]span(nil), d.heading...),
		bullets: append([]span(nil), d.bullets...),
		code:    append([]span(nil), d.code...),
	}
}

// end 返回文末偏移（可插入的最大位置）。
func (d *document) end() int { return contract.CursorStart + len(d.text) }

func (d *document) apply(op contract.Operation) error {
	switch o := op.(type) {
	case contract.InsertText:
		if o.Index < contract.CursorStart || o.Index > d.end() {
			return fmt.Errorf("insert index %d outside [1,%d]", o.Index, d.end())
		}
		ins := utf16.Encode([]rune(o.Text))
		at := o.Index - contract.CursorStart
		d.text = append(d.text[:at], append(ins, d.text[at:]...)...)
		n := len(ins)
		for _, ss := range []*[]span{&d.heading, &d.bullets, &d.code} {
			for k := range *ss {
				sp := &(*ss)[k]
				if sp.start >= o.Index {
					sp.start += n
				}
				if sp.end > o.Index {
					sp.end += n
				}
			}
		}
		return nil
	case contract.SetParagraphStyle:
		return d.addSpan(&d.heading, o.Start, o.End, o.StyleName)
	case contract.SetListBullets:
		return d.addSpan(&d.bullets, o.Start, o.End, o.Preset)
	case contract.SetTextStyle:
		return d.addSpan(&d.code, o.Start, o.End, o.FontFamily)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func (d *document) addSpan(dst *[]span, start, end int, v string) error {
	if start < contract.CursorStart || end <= start || end > d.end() {
		return fmt.Errorf("range [%d,%d) outside [1,%d)", start, end, d.end())
	}
	*dst = append(*dst, span{start: start, end: end, value: v})
	return nil
}

// covering 返回覆盖 [start,end) 任一位置的最后一个区间。
func covering(spans []span, start, end int) (span, bool) {
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].start < end && spans[i].end > start {
			return spans[i], true
		}
	}
	return span{}, false
}

// writeHTML 逐段落输出：标题 → hN，项目符号 → ul/li，等宽字体 → pre，其余 → p。
func (d *document) writeHTML(buf *bytes.Buffer, title string) {
	fmt.Fprintf(buf, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n", html.EscapeString(title))
	inList := false
	closeList := func() {
		if inList {
			buf.WriteString("</ul>\n")
			inList = false
		}
	}
	pos := contract.CursorStart
	for _, para := range splitParagraphs(d.text) {
		start, end := pos, pos+len(para)+1
		pos = end
		body := html.EscapeString(string(utf16.Decode(para)))
		if _, ok := covering(d.bullets, start, end); ok {
			if !inList {
				buf.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(buf, "<li>%s</li>\n", strings.TrimPrefix(body, "• "))
			continue
		}
		closeList()
		if h, ok := covering(d.heading, start, end); ok {
			lvl := strings.TrimPrefix(h.value, "HEADING_")
			if len(lvl) != 1 || lvl[0] < '1' || lvl[0] > '6' {
				lvl = "1"
			}
			fmt.Fprintf(buf, "<h%s>%s</h%s>\n", lvl, body, lvl)
			continue
		}
		if _, ok := covering(d.code, start, end); ok {
			fmt.Fprintf(buf, "<pre>%s</pre>\n", body)
			continue
		}
		if body != "" {
			fmt.Fprintf(buf, "<p>%s</p>\n", body)
		}
	}
	closeList()
	buf.WriteString("</body></html>\n")
}

// splitParagraphs 以换行切分；末尾换行不产生空段落。
func splitParagraphs(text []uint16) [][]uint16 {
	var out [][]uint16
	last := 0
	for i, c := range text {
		if c == '\n' {
			out = append(out, text[last:i])
			last = i + 1
		}
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}
