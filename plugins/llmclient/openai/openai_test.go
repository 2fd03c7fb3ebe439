package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/pkg/contract"
)

func newClient(t *testing.T, h http.HandlerFunc, extra string) contract.LLMClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw := `{"base_url":"` + srv.URL + `","api_key":"k"` + extra + `}`
	c, err := New(json.RawMessage(raw))
	require.NoError(t, err)
	return c
}

func TestInvokeOK(t *testing.T) {
	var got oaReq
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "assigndoc", r.Header.Get("X-Title"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		io.WriteString(w, `{"choices":[{"message":{"content":"  {\"title\":\"x\"}  "}}]}`)
	}, `,"json_mode":true,"extra_headers":{"X-Title":"assigndoc"}`)

	raw, err := c.Invoke(context.Background(), contract.ChatPrompt{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, raw.Text)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Len(t, got.Messages, 2)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestInvokeContentParts(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}]}`)
	}, "")
	raw, err := c.Invoke(context.Background(), contract.TextPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ab", raw.Text)
}

func TestInvokeErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"限流", 429, ``, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrRateLimited) }},
		{"客户端错误", 400, `bad`, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrInvalidInput) }},
		{"上游错误", 503, `down`, func(t *testing.T, err error) {
			var ne net.Error
			require.True(t, errors.As(err, &ne))
			var ue contract.UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, 503, ue.UpstreamStatus())
			assert.Equal(t, "down", ue.UpstreamMessage())
		}},
		{"空 choices", 200, `{"choices":[]}`, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrResponseInvalid) }},
		{"空内容", 200, `{"choices":[{"message":{"content":""}}]}`, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrResponseInvalid) }},
		{"非 JSON", 200, `<html>`, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrResponseInvalid) }},
		{"200 携带 error", 200, `{"error":{"message":"provider overloaded"}}`, func(t *testing.T, err error) {
			var ue contract.UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, "provider overloaded", ue.UpstreamMessage())
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}, "")
			_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestInvokeBadPrompt(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("不应发出请求")
	}, "")
	_, err := c.Invoke(context.Background(), 42)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = c.Invoke(context.Background(), contract.ChatPrompt{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestNewOptions(t *testing.T) {
	t.Setenv(DefaultAPIKeyEnv, "")
	_, err := New(nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	t.Setenv(DefaultAPIKeyEnv, "env-key")
	c, err := New(nil)
	require.NoError(t, err)
	cl := c.(*Client)
	assert.Equal(t, "env-key", cl.apiKey)
	assert.Equal(t, DefaultBaseURL+"/chat/completions", cl.url)

	c, err = New(json.RawMessage(`{"api_key":"k","endpoint_path":"https://x.example/v1/chat"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/v1/chat", c.(*Client).url)

	_, err = New(json.RawMessage(`{`))
	assert.Error(t, err)
}
