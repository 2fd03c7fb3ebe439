package gdocs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"assigndoc/pkg/contract"
)

// Options: Google Docs / Drive REST 最小配置。
// 访问令牌由外部获取（OAuth 同意流程不在本组件内）。
type Options struct {
	DocsBaseURL    string `json:"docs_base_url"`  // 默认 https://docs.googleapis.com
	DriveBaseURL   string `json:"drive_base_url"` // 默认 https://www.googleapis.com
	AccessToken    string `json:"access_token"`
	AccessTokenEnv string `json:"access_token_env"` // 默认 GOOGLE_ACCESS_TOKEN
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// ShareRole: 共享角色，默认 reader。
	ShareRole string `json:"share_role,omitempty"`
	// SendNotificationEmail: 是否由 Drive 自行发送共享通知（默认否，通知由 notifier 负责）。
	SendNotificationEmail bool `json:"send_notification_email,omitempty"`
}

func (o *Options) defaults() {
	if o.DocsBaseURL == "" {
		o.DocsBaseURL = "https://docs.googleapis.com"
	}
	if o.DriveBaseURL == "" {
		o.DriveBaseURL = "https://www.googleapis.com"
	}
	if o.AccessTokenEnv == "" {
		o.AccessTokenEnv = "GOOGLE_ACCESS_TOKEN"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ShareRole == "" {
		o.ShareRole = "reader"
	}
}

// Sink: 在 Google Docs 中创建文档并以单次 batchUpdate 应用整批操作。
type Sink struct {
	hc     *http.Client
	docs   string
	drive  string
	token  string
	role   string
	notify bool
}

func New(raw json.RawMessage) (*Sink, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("gdocs options: %w", err)
		}
	}
	o.defaults()
	tok := o.AccessToken
	if tok == "" {
		tok = os.Getenv(o.AccessTokenEnv)
	}
	if tok == "" {
		return nil, fmt.Errorf("gdocs: %w: missing access token (%s)", contract.ErrInvalidInput, o.AccessTokenEnv)
	}
	return &Sink{
		hc:     &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second},
		docs:   strings.TrimRight(o.DocsBaseURL, "/"),
		drive:  strings.TrimRight(o.DriveBaseURL, "/"),
		token:  tok,
		role:   o.ShareRole,
		notify: o.SendNotificationEmail,
	}, nil
}

// DocumentLink 返回文档的编辑链接。
func DocumentLink(id string) string {
	return "https://docs.google.com/document/d/" + id + "/edit"
}

func (s *Sink) Create(ctx context.Context, title string) (contract.Document, error) {
	var out struct {
		DocumentID string `json:"documentId"`
		Title      string `json:"title"`
	}
	if err := s.call(ctx, s.docs+"/v1/documents", map[string]string{"title": title}, &out); err != nil {
		return contract.Document{}, fmt.Errorf("documents.create: %w", err)
	}
	if out.DocumentID == "" {
		return contract.Document{}, fmt.Errorf("documents.create: empty documentId: %w", contract.ErrResponseInvalid)
	}
	if out.Title == "" {
		out.Title = title
	}
	return contract.Document{ID: out.DocumentID, Title: out.Title, Link: DocumentLink(out.DocumentID)}, nil
}

func (s *Sink) Apply(ctx context.Context, doc contract.Document, ops []contract.Operation) (contract.Outcome, error) {
	if doc.ID == "" {
		return contract.Outcome{}, fmt.Errorf("gdocs apply: %w: empty document id", contract.ErrInvalidInput)
	}
	if len(ops) == 0 {
		return contract.Outcome{Document: doc}, nil
	}
	reqs, err := Requests(ops)
	if err != nil {
		return contract.Outcome{}, err
	}
	u := s.docs + "/v1/documents/" + url.PathEscape(doc.ID) + ":batchUpdate"
	var out struct {
		Replies []json.RawMessage `json:"replies"`
	}
	if err := s.call(ctx, u, map[string]any{"requests": reqs}, &out); err != nil {
		return contract.Outcome{}, fmt.Errorf("documents.batchUpdate: %w", err)
	}
	return contract.Outcome{Document: doc, Applied: len(ops)}, nil
}

// Share 逐个追加协作者（Drive permissions.create）。
func (s *Sink) Share(ctx context.Context, doc contract.Document, emails []string) error {
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		q := url.Values{"sendNotificationEmail": {fmt.Sprintf("%t", s.notify)}}
		u := s.drive + "/drive/v3/files/" + url.PathEscape(doc.ID) + "/permissions?" + q.Encode()
		body := map[string]string{"role": s.role, "type": "user", "emailAddress": e}
		if err := s.call(ctx, u, body, nil); err != nil {
			return fmt.Errorf("permissions.create %s: %w", e, err)
		}
	}
	return nil
}

// Requests 将操作映射为 Docs API batchUpdate 请求。区间均为 [start, end)。
func Requests(ops []contract.Operation) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(ops))
	rng := func(start, end int) map[string]any {
		return map[string]any{"startIndex": start, "endIndex": end}
	}
	for i, op := range ops {
		switch v := op.(type) {
		case contract.InsertText:
			out = append(out, map[string]any{"insertText": map[string]any{
				"location": map[string]any{"index": v.Index},
				"text":     v.Text,
			}})
		case contract.SetParagraphStyle:
			out = append(out, map[string]any{"updateParagraphStyle": map[string]any{
				"range":          rng(v.Start, v.End),
				"paragraphStyle": map[string]any{"namedStyleType": v.StyleName},
				"fields":         "namedStyleType",
			}})
		case contract.SetListBullets:
			out = append(out, map[string]any{"createParagraphBullets": map[string]any{
				"range":        rng(v.Start, v.End),
				"bulletPreset": v.Preset,
			}})
		case contract.SetTextStyle:
			out = append(out, map[string]any{"updateTextStyle": map[string]any{
				"range": rng(v.Start, v.End),
				"textStyle": map[string]any{"weightedFontFamily": map[string]any{
					"fontFamily": v.FontFamily,
					"weight":     v.Weight,
				}},
				"fields": "weightedFontFamily",
			}})
		default:
			return nil, fmt.Errorf("gdocs: %w: op %d has unsupported type %T", contract.ErrInvalidInput, i, op)
		}
	}
	return out, nil
}

// upstreamError 实现 net.Error 与 contract.UpstreamError：5xx/408 视为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("google upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// call: POST JSON 并解码响应；out 为 nil 时丢弃响应体。
func (s *Sink) call(ctx context.Context, u string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := apiMessage(slurp)
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return upstreamError{status: resp.StatusCode, msg: msg}
		}
		return fmt.Errorf("%w: %w", contract.ErrInvalidInput, upstreamError{status: resp.StatusCode, msg: msg})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	return nil
}

// apiMessage 提取 Google 错误体 {"error":{"message":...}}；否则返回原文。
func apiMessage(b []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(b))
}

var (
	_ contract.OperationSink = (*Sink)(nil)
	_ contract.Sharer        = (*Sink)(nil)
)
