package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/pkg/contract"
)

const noticeHTML = `<html><body>
<p>Hello,</p>
<p>A new assignment <strong>Lab 1</strong> has been published.</p>
<p><a href="https://docs.google.com/document/d/D1/edit">Open the assignment document</a></p>
<ul><li>Task one</li><li>Task two</li></ul>
</body></html>`

func newNotifier(t *testing.T, url string, bcc bool) *Notifier {
	t.Helper()
	raw, _ := json.Marshal(Options{BaseURL: url, AccessToken: "tok", From: "prof@x.edu", BCC: &bcc})
	n, err := New(raw)
	require.NoError(t, err)
	return n
}

// parts 解析 multipart/alternative 邮件，返回 Content-Type → 解码后的正文。
func parts(t *testing.T, raw []byte) (*mail.Message, map[string]string) {
	t.Helper()
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mt)
	out := map[string]string{}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		// quoted-printable 由 NextPart 自动解码，软换行之外的 CRLF 原样保留
		b, _ := io.ReadAll(p)
		ct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		out[ct] = strings.ReplaceAll(string(b), "\r\n", "\n")
	}
	return msg, out
}

func TestPlainText(t *testing.T) {
	got, err := PlainText(noticeHTML)
	require.NoError(t, err)
	want := "Hello,\n\nA new assignment Lab 1 has been published.\n\n" +
		"Open the assignment document (https://docs.google.com/document/d/D1/edit)\n\n" +
		"- Task one\n\n- Task two"
	assert.Equal(t, want, got)
}

func TestPlainTextWithoutBlocks(t *testing.T) {
	got, err := PlainText("just   some\n text")
	require.NoError(t, err)
	assert.Equal(t, "just some text", got)
}

func TestNotifySendsMultipart(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		var err error
		raw, err = base64.URLEncoding.DecodeString(body.Raw)
		require.NoError(t, err)
		io.WriteString(w, `{"id":"m1"}`)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL, true)
	err := n.Notify(context.Background(), contract.Notice{
		To:       []string{"a@x.edu", "b@x.edu"},
		Subject:  "New assignment: 实验一",
		HTML:     noticeHTML,
		Document: contract.Document{ID: "D1", Link: "https://docs.google.com/document/d/D1/edit"},
	})
	require.NoError(t, err)

	msg, ps := parts(t, raw)
	assert.Equal(t, "prof@x.edu", msg.Header.Get("From"))
	assert.Equal(t, "a@x.edu, b@x.edu", msg.Header.Get("Bcc"))
	subj, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "New assignment: 实验一", subj)
	assert.Contains(t, ps["text/plain"], "(https://docs.google.com/document/d/D1/edit)")
	assert.Contains(t, ps["text/html"], "<strong>Lab 1</strong>")
}

func TestComposeVisibleRecipientsAndLink(t *testing.T) {
	n := newNotifier(t, "http://unused", false)
	raw, err := n.Compose(contract.Notice{
		To:       []string{"a@x.edu"},
		Subject:  "s",
		HTML:     "<p>Published.</p>",
		Document: contract.Document{Link: "file:///tmp/d.html"},
	})
	require.NoError(t, err)
	msg, ps := parts(t, raw)
	assert.Equal(t, "a@x.edu", msg.Header.Get("To"))
	assert.Empty(t, msg.Header.Get("Bcc"))
	assert.Equal(t, "Published.\n\nfile:///tmp/d.html", ps["text/plain"])
}

func TestNotifyNoRecipients(t *testing.T) {
	n := newNotifier(t, "http://127.0.0.1:1", true)
	assert.NoError(t, n.Notify(context.Background(), contract.Notice{HTML: "<p>x</p>"}))
}

func TestNotifyErrorMapping(t *testing.T) {
	status := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, `{"error":{"message":"nope"}}`)
	}))
	defer srv.Close()
	n := newNotifier(t, srv.URL, true)
	nt := contract.Notice{To: []string{"a@x.edu"}, HTML: "<p>x</p>"}

	status = http.StatusTooManyRequests
	assert.ErrorIs(t, n.Notify(context.Background(), nt), contract.ErrRateLimited)

	status = http.StatusForbidden
	err := n.Notify(context.Background(), nt)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	var up interface{ UpstreamStatus() int }
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusForbidden, up.UpstreamStatus())

	status = http.StatusBadGateway
	err = n.Notify(context.Background(), nt)
	assert.NotErrorIs(t, err, contract.ErrInvalidInput)
	var te interface{ Temporary() bool }
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Temporary())
}

func TestNewMissingToken(t *testing.T) {
	t.Setenv("GMAIL_TOKEN_UNSET", "")
	_, err := New(json.RawMessage(`{"access_token_env":"GMAIL_TOKEN_UNSET"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
