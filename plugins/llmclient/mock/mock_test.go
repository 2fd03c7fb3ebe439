package mock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/internal/assignment"
	"assigndoc/pkg/contract"
)

func prompt(title string, n int) contract.Prompt {
	return contract.ChatPrompt{
		{Role: "system", Content: "json please"},
		{Role: "user", Content: "## Assignment Specifications\n- Title: " + title + "\n- Deadline: June 1\n- Number of Tasks: " + string(rune('0'+n)) + "\n"},
	}
}

func invoke(t *testing.T, mode string, p contract.Prompt) string {
	t.Helper()
	c, err := New(json.RawMessage(`{"response_mode":"` + mode + `","prefix":"X"}`))
	require.NoError(t, err)
	raw, err := c.Invoke(context.Background(), p)
	require.NoError(t, err)
	return raw.Text
}

// TestValidMode 默认模式产出可通过校验的记录
func TestValidMode(t *testing.T) {
	for _, mode := range []string{"", "valid", "fenced"} {
		res, err := assignment.Validate(invoke(t, mode, prompt("Essay", 4)))
		require.NoError(t, err, mode)
		assert.Equal(t, "Essay", res.Record.Title)
		assert.Equal(t, "June 1", res.Record.Deadline)
		assert.Len(t, res.Record.Tasks, 4)
		assert.Equal(t, contract.Scalar("25"), res.Record.Tasks[0].Weightage)
		assert.True(t, strings.HasPrefix(res.Record.Tasks[0].Description, "X: task 1"))
	}
	assert.True(t, strings.HasPrefix(invoke(t, "fenced", prompt("a", 1)), "```json\n"))
}

func TestCountModes(t *testing.T) {
	res, err := assignment.Validate(invoke(t, "surplus", prompt("S", 2)))
	require.NoError(t, err)
	assert.Len(t, res.Record.Tasks, 2)
	require.Len(t, res.Warnings, 1)

	_, err = assignment.Validate(invoke(t, "deficit", prompt("D", 2)))
	assert.ErrorIs(t, err, contract.ErrTaskCountDeficit)

	_, err = assignment.Validate(invoke(t, "malformed", prompt("M", 2)))
	assert.ErrorIs(t, err, contract.ErrMalformedJSON)
}

// TestRefinePrompt 精修提示词：标题取自上一轮 JSON，任务数取自 "Keep exactly"
func TestRefinePrompt(t *testing.T) {
	p := contract.ChatPrompt{{Role: "user", Content: `{"title":"Prev"}` + "\n\nRefine.\n\nKeep exactly 2 tasks"}}
	res, err := assignment.Validate(invoke(t, "valid", p))
	require.NoError(t, err)
	assert.Equal(t, "Prev", res.Record.Title)
	assert.Len(t, res.Record.Tasks, 2)
}

func TestEchoMode(t *testing.T) {
	assert.Equal(t, "X(text): hi", invoke(t, "echo", contract.TextPrompt("hi")))
	assert.Equal(t, "X(chat:user): u", invoke(t, "echo", contract.ChatPrompt{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}}))
	assert.Equal(t, "X(chat): <empty>", invoke(t, "echo", contract.ChatPrompt{}))
}

func TestCanceled(t *testing.T) {
	c, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
