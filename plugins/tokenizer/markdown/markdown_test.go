package markdown

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/internal/assignment"
	"assigndoc/internal/docops"
	"assigndoc/pkg/contract"
)

func collect(md string, opts *Options) []contract.Token {
	return slices.Collect(New(opts).Tokenize(md))
}

func TestTokenizeBlocks(t *testing.T) {
	got := collect("# Intro\n\nHello\n\n* A\n* B\n\n1. one\n2. two\n\n```go\nx := 1\n```\n", nil)
	want := []contract.Token{
		contract.Heading{Depth: 1, Text: "Intro"},
		contract.Paragraph{Text: "Hello"},
		contract.List{Items: []contract.ListItem{{Text: "A"}, {Text: "B"}}},
		contract.List{Ordered: true, Items: []contract.ListItem{{Text: "one"}, {Text: "two"}}},
		contract.Code{Lang: "go", Text: "x := 1"},
	}
	assert.Equal(t, want, got)
}

func TestTokenizeFlattensInline(t *testing.T) {
	got := collect("**Task 1:** Write *an* essay about `maps`, see [docs](https://go.dev).", nil)
	require.Len(t, got, 1)
	assert.Equal(t, contract.Paragraph{Text: "Task 1: Write an essay about maps, see docs."}, got[0])
}

func TestTokenizeSoftBreaks(t *testing.T) {
	md := "line one\nline two"
	assert.Equal(t, []contract.Token{contract.Paragraph{Text: "line one line two"}}, collect(md, nil))
	assert.Equal(t, []contract.Token{contract.Paragraph{Text: "line one\nline two"}}, collect(md, &Options{KeepSoftBreaks: true}))
}

func TestTokenizeUnmodeledBlocks(t *testing.T) {
	got := collect("> quoted\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\nafter\n\n---\n", nil)
	var kinds []string
	for _, tok := range got {
		kinds = append(kinds, tok.TokenKind())
	}
	assert.Equal(t, []string{"blockquote", "table", "paragraph", "hr"}, kinds)
}

func TestTokenizeSkipsNestedLists(t *testing.T) {
	got := collect("- a\n    - nested\n- c\n", nil)
	require.Len(t, got, 1)
	l, ok := got[0].(contract.List)
	require.True(t, ok)
	assert.Equal(t, []contract.ListItem{{Text: "a"}, {Text: "c"}}, l.Items)
}

func TestTokenizeIsLazy(t *testing.T) {
	n := 0
	for range New(nil).Tokenize("# a\n\nb\n\nc\n") {
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Empty(t, collect("", nil))
}

func TestRenderedAssignmentCompiles(t *testing.T) {
	rec := contract.AssignmentRecord{
		Title:               "Sorting",
		Deadline:            "Friday",
		TotalMarksWeightage: "100",
		EvaluationCriteria:  "Correctness",
		NumberOfTasks:       1,
		Tasks:               []contract.Task{{Description: "Merge sort", Weightage: "100"}},
	}
	md := assignment.Render(rec)
	res := docops.Compile(New(nil).Tokenize(md), md)
	require.False(t, res.Fallback)
	require.NoError(t, docops.Check(res.Ops, res.FinalCursor))
	assert.Equal(t, contract.InsertText{Index: 1, Text: "Sorting\n"}, res.Ops[0])
	assert.Equal(t, contract.SetParagraphStyle{Start: 1, End: 9, StyleName: "HEADING_1"}, res.Ops[1])
	assert.Contains(t, res.Ops, contract.Operation(contract.InsertText{Index: res.FinalCursor - len("Correctness\n"), Text: "Correctness\n"}))
}
