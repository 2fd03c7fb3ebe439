package flaky

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/internal/assignment"
	"assigndoc/pkg/contract"
)

func TestSequence(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	raw, _ := json.Marshal(Options{LogPath: logPath})
	c, err := New(raw)
	require.NoError(t, err)
	p := contract.TextPrompt("- Title: T\n- Number of Tasks: 2\n")
	ctx := context.Background()

	_, err = c.Invoke(ctx, p)
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	r, err := c.Invoke(ctx, p)
	require.NoError(t, err)
	_, err = assignment.Validate(r.Text)
	assert.ErrorIs(t, err, contract.ErrMalformedJSON)

	r, err = c.Invoke(ctx, p)
	require.NoError(t, err)
	res, err := assignment.Validate(r.Text)
	require.NoError(t, err)
	assert.Equal(t, "T", res.Record.Title)
	assert.Len(t, res.Record.Tasks, 2)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "rate_limited\ninvalid_json\nok\n", string(b))
}

func TestPrefixPassedToMock(t *testing.T) {
	ctx := context.Background()
	p := contract.TextPrompt("- Title: T\n- Number of Tasks: 1\n")
	for prefix, want := range map[string]string{
		"":               "FLAKY: task 1",
		`Q "quoted" \ P`: `Q "quoted" \ P: task 1`,
	} {
		raw, err := json.Marshal(Options{Prefix: prefix})
		require.NoError(t, err)
		c, err := New(raw)
		require.NoError(t, err)
		_, _ = c.Invoke(ctx, p)
		_, _ = c.Invoke(ctx, p)
		r, err := c.Invoke(ctx, p)
		require.NoError(t, err)
		res, err := assignment.Validate(r.Text)
		require.NoError(t, err)
		require.Len(t, res.Record.Tasks, 1)
		assert.True(t, strings.HasPrefix(res.Record.Tasks[0].Description, want), res.Record.Tasks[0].Description)
	}
}

func TestBadOptions(t *testing.T) {
	_, err := New(json.RawMessage(`{"prefix":1}`))
	assert.Error(t, err)
}
