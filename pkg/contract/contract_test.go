package contract

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeFileID 验证路径规范化逻辑。
func TestNormalizeFileID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"本地分隔符", filepath.Join("a", "b", "c"), "a/b/c"},
		{"空串", "", "."},
		{"Windows路径", "C:\\Users\\test\\req.yaml", "C:/Users/test/req.yaml"},
		{"清理多余斜杠", "path//to///file.json", "path/to/file.json"},
		{"处理父目录", "path/to/../from/file.json", "path/from/file.json"},
		{"混合分隔符", "req\\..\\week/./1\\\\a.yaml", "week/1/a.yaml"},
		{"中文路径", "作业\\第一周/请求.yaml", "作业/第一周/请求.yaml"},
		{"仅分隔符", "\\\\\\///", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeFileID(tt.input); string(got) != tt.expected {
				t.Errorf("NormalizeFileID(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestArtifactFor(t *testing.T) {
	cases := []struct {
		id   FileID
		ext  string
		want ArtifactID
	}{
		{"req/week1.yaml", ".md", "req/week1.md"},
		{"req/week1", ".json", "req/week1.json"},
		{"a.b/c", ".md", "a.b/c.md"},
		{".hidden", ".md", ".hidden.md"},
		{"-", ".ops.json", "stdin.ops.json"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ArtifactFor(c.id, c.ext), "id=%s", c.id)
	}
}

func TestScalarUnmarshal(t *testing.T) {
	var v struct {
		A Scalar `json:"a"`
		B Scalar `json:"b"`
		C Scalar `json:"c"`
		D Scalar `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"100","b":25.5,"c":null,"d":true}`), &v))
	assert.Equal(t, Scalar("100"), v.A)
	assert.Equal(t, Scalar("25.5"), v.B)
	assert.Equal(t, Scalar(""), v.C)
	assert.Equal(t, Scalar("true"), v.D)

	var bad struct {
		A Scalar `json:"a"`
	}
	require.Error(t, json.Unmarshal([]byte(`{"a":[1]}`), &bad))
}

func TestOperationsEnvelope(t *testing.T) {
	ops := []Operation{
		InsertText{Index: 1, Text: "Intro\n"},
		SetParagraphStyle{Start: 1, End: 7, StyleName: "HEADING_1"},
		SetListBullets{Start: 7, End: 10, Preset: "BULLET_ARROW_DIAMOND_DISC"},
		SetTextStyle{Start: 10, End: 14, FontFamily: "Courier New", Weight: 400},
	}
	b, err := MarshalOperations(ops)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"set_paragraph_style"`)

	back, err := UnmarshalOperations(b)
	require.NoError(t, err)
	assert.Equal(t, ops, back)

	_, err = UnmarshalOperations([]byte(`[{"kind":"delete_range","start":1,"end":2}]`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("未知 kind 应返回 ErrInvalidInput, got %v", err)
	}
}

func TestTokensStopsEarly(t *testing.T) {
	n := 0
	for range Tokens(Space{}, Paragraph{Text: "a"}, Space{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, "paragraph", Paragraph{}.TokenKind())
	assert.Equal(t, "html", Unknown{Kind: "html"}.TokenKind())
}
