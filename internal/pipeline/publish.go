package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"

	"assigndoc/internal/assignment"
	"assigndoc/internal/diag"
	"assigndoc/pkg/contract"
)

// 工件扩展名：校验后的记录、渲染后的 Markdown、操作清单、文档引用。
const (
	ExtRecord     = ".json"
	ExtMarkdown   = ".md"
	ExtOperations = ".ops.json"
	ExtDocument   = ".doc.json"
)

// publish: 按序提交单个请求：建文档 → 应用操作 → 共享 → 落盘 → 通知。
func (g *generator) publish(ctx context.Context, d *draft) (err error) {
	fid, rid := string(d.req.FileID), d.req.ID
	if t := diag.GetTerminal(); t != nil {
		t.FileStart(string(d.art), len(d.compiled.Ops))
	}
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(err == nil, len(d.compiled.Ops), len(d.markdown), time.Since(d.start))
		}
	}()

	title := d.record.Title
	if strings.TrimSpace(title) == "" {
		title = g.comp.Renderer.Fallbacks.Title
	}

	stimer := g.log.StartWith("sink", "create", fid, rid)
	doc, err := g.comp.Sink.Create(ctx, title)
	if err != nil {
		fail(g.log, "sink", "create failed", err, stimer.Since(), fid, rid)
		return fmt.Errorf("sink create: %w", err)
	}
	out, err := g.comp.Sink.Apply(ctx, doc, d.compiled.Ops)
	if err != nil {
		fail(g.log, "sink", "apply failed", err, stimer.Since(), fid, rid)
		return fmt.Errorf("sink apply: %w", err)
	}
	stimer.Finish("apply", int64(out.Applied))
	diag.IncOp("sink", "finish", "success")
	if out.Document.ID != "" {
		doc = out.Document
	}

	if sh, ok := g.comp.Sink.(contract.Sharer); ok && g.set.Share && len(d.req.Students) > 0 {
		shtimer := g.log.StartWith("sink", "share", fid, rid)
		if err := sh.Share(ctx, doc, d.req.Students); err != nil {
			fail(g.log, "sink", "share failed", err, shtimer.Since(), fid, rid)
			return fmt.Errorf("sink share: %w", err)
		}
		shtimer.Finish("share", int64(len(d.req.Students)))
	}

	if err := g.persist(ctx, d, doc, out.Applied); err != nil {
		return err
	}

	if g.comp.Notifier != nil && len(d.req.Students) > 0 {
		if err := g.notify(ctx, d, doc); err != nil {
			if g.set.NotifyRequired {
				return err
			}
			g.log.Warn("notifier", string(diag.Classify(err)), "notification skipped", fid, rid, nil)
		}
	}
	return nil
}

// persist 写出记录、Markdown、操作清单与文档引用。
func (g *generator) persist(ctx context.Context, d *draft, doc contract.Document, applied int) error {
	fid, rid := string(d.req.FileID), d.req.ID
	rec, err := assignment.MarshalRecord(d.record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ops, err := contract.MarshalOperations(d.compiled.Ops)
	if err != nil {
		return fmt.Errorf("marshal operations: %w", err)
	}
	ref, err := json.MarshalIndent(struct {
		RequestID string `json:"request_id"`
		ID        string `json:"document_id"`
		Title     string `json:"title"`
		Link      string `json:"link,omitempty"`
		Applied   int    `json:"applied"`
		Fallback  bool   `json:"fallback,omitempty"`
	}{rid, doc.ID, doc.Title, doc.Link, applied, d.compiled.Fallback}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	wtimer := g.log.StartWith("writer", "write", fid, rid)
	arts := []struct {
		ext  string
		body []byte
	}{
		{ExtRecord, rec},
		{ExtMarkdown, []byte(d.markdown + "\n")},
		{ExtOperations, ops},
		{ExtDocument, ref},
	}
	for _, a := range arts {
		id := contract.ArtifactFor(d.art, a.ext)
		if err := g.comp.Writer.Write(ctx, id, bytes.NewReader(a.body)); err != nil {
			fail(g.log, "writer", "write failed", err, wtimer.Since(), string(id), rid)
			return fmt.Errorf("writer write(%s): %w", a.ext, err)
		}
	}
	wtimer.Finish("write", int64(len(arts)))
	diag.IncOp("writer", "finish", "success")
	return nil
}

var noticeTmpl = template.Must(template.New("notice").Parse(`<html><body>
<p>Hello,</p>
<p>A new assignment <strong>{{.Title}}</strong> has been published{{if .Deadline}} (deadline: {{.Deadline}}){{end}}.</p>
{{if .Link}}<p><a href="{{.Link}}">Open the assignment document</a></p>{{end}}
<p>{{.Tasks}} task(s), total marks {{.Marks}}.</p>
</body></html>`))

func (g *generator) notify(ctx context.Context, d *draft, doc contract.Document) error {
	fid, rid := string(d.req.FileID), d.req.ID
	subj := g.set.NotifySubject
	if subj == "" {
		subj = DefaultNotifySubject
	}
	var buf bytes.Buffer
	err := noticeTmpl.Execute(&buf, map[string]any{
		"Title":    doc.Title,
		"Deadline": d.record.Deadline,
		"Link":     doc.Link,
		"Tasks":    len(d.record.Tasks),
		"Marks":    d.record.TotalMarksWeightage.String(),
	})
	if err != nil {
		return fmt.Errorf("notice template: %w", err)
	}
	ntimer := g.log.StartWith("notifier", "notify", fid, rid)
	n := contract.Notice{
		To:       d.req.Students,
		Subject:  strings.ReplaceAll(subj, "%s", doc.Title),
		HTML:     buf.String(),
		Document: doc,
	}
	if err := g.comp.Notifier.Notify(ctx, n); err != nil {
		fail(g.log, "notifier", "notify failed", err, ntimer.Since(), fid, rid)
		return fmt.Errorf("notify: %w", err)
	}
	ntimer.Finish("notify", int64(len(n.To)))
	diag.IncOp("notifier", "finish", "success")
	return nil
}
