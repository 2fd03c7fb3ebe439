package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"assigndoc/pkg/contract"
)

// Options: Gmail users.messages.send 最小配置。访问令牌由外部获取。
type Options struct {
	BaseURL        string `json:"base_url"` // 默认 https://gmail.googleapis.com
	AccessToken    string `json:"access_token"`
	AccessTokenEnv string `json:"access_token_env"` // 默认 GOOGLE_ACCESS_TOKEN
	// From: 发件人；为空时由服务端按令牌所属账户填充。
	From           string `json:"from,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// BCC: 收件人放入密送，避免学生互见邮箱。默认 true。
	BCC *bool `json:"bcc,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://gmail.googleapis.com"
	}
	if o.AccessTokenEnv == "" {
		o.AccessTokenEnv = "GOOGLE_ACCESS_TOKEN"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

// Notifier 将 Notice 编码为 multipart/alternative 邮件（纯文本 + HTML）并发送。
type Notifier struct {
	hc    *http.Client
	url   string
	token string
	from  string
	bcc   bool
}

func New(raw json.RawMessage) (*Notifier, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("gmail options: %w", err)
		}
	}
	o.defaults()
	tok := o.AccessToken
	if tok == "" {
		tok = os.Getenv(o.AccessTokenEnv)
	}
	if tok == "" {
		return nil, fmt.Errorf("gmail: %w: missing access token (%s)", contract.ErrInvalidInput, o.AccessTokenEnv)
	}
	return &Notifier{
		hc:    &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second},
		url:   strings.TrimRight(o.BaseURL, "/") + "/gmail/v1/users/me/messages/send",
		token: tok,
		from:  o.From,
		bcc:   o.BCC == nil || *o.BCC,
	}, nil
}

var _ contract.Notifier = (*Notifier)(nil)

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gmail upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Notify 发送一封邮件；无收件人时为 no-op。
func (n *Notifier) Notify(ctx context.Context, nt contract.Notice) error {
	if len(nt.To) == 0 {
		return nil
	}
	msg, err := n.Compose(nt)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"raw": base64.URLEncoding.EncodeToString(msg)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.hc.Do(req)
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
		ue := upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
		if ue.Temporary() || ue.Timeout() {
			return ue
		}
		return fmt.Errorf("%w: %w", contract.ErrInvalidInput, ue)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Compose 生成 RFC 5322 邮件字节：multipart/alternative，纯文本部分由 HTML 提取。
func (n *Notifier) Compose(nt contract.Notice) ([]byte, error) {
	text, err := PlainText(nt.HTML)
	if err != nil {
		return nil, fmt.Errorf("notice html: %v: %w", err, contract.ErrInvalidInput)
	}
	if nt.Document.Link != "" && !strings.Contains(text, nt.Document.Link) {
		text += "\n\n" + nt.Document.Link
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	if n.from != "" {
		hdr("From", n.from)
	}
	if n.bcc {
		hdr("To", "undisclosed-recipients:;")
		hdr("Bcc", strings.Join(nt.To, ", "))
	} else {
		hdr("To", strings.Join(nt.To, ", "))
	}
	hdr("Subject", mime.QEncoding.Encode("utf-8", nt.Subject))
	hdr("MIME-Version", "1.0")
	hdr("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	for _, part := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", nt.HTML},
	} {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", part.ctype)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := io.WriteString(qp, part.body); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PlainText 将通知 HTML 转为纯文本：块级元素各占一段，链接追加其地址。
func PlainText(h string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(h))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		if href := s.AttrOr("href", ""); href != "" && strings.TrimSpace(s.Text()) != href {
			s.AppendHtml(" (" + html.EscapeString(href) + ")")
		}
	})
	var paras []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("p, li").Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			if goquery.NodeName(s) == "li" {
				t = "- " + t
			}
			paras = append(paras, t)
		}
	})
	if len(paras) == 0 {
		return collapse(doc.Text()), nil
	}
	return strings.Join(paras, "\n\n"), nil
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

