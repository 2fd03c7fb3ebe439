package assignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assigndoc/pkg/contract"
)

func TestRenderFullRecord(t *testing.T) {
	rec := contract.AssignmentRecord{
		Title:               "Essay",
		Deadline:            "Friday",
		TotalMarksWeightage: "50",
		EvaluationCriteria:  "Clarity",
		NumberOfTasks:       2,
		Tasks: []contract.Task{
			{Description: "Outline", Weightage: "20"},
			{Description: "Draft"},
		},
	}
	want := "# Essay\n\n" +
		"## Deadline\n\nFriday\n\n" +
		"## Number of Tasks\n\n2\n\n" +
		"## Tasks\n\n" +
		"**Task 1:** Outline (Weightage: 20 marks)\n\n" +
		"**Task 2:** Draft (Weightage: Not specified marks)\n\n" +
		"## Total Weightage Marks\n\n50\n\n" +
		"## Evaluation Criteria\n\nClarity"
	assert.Equal(t, want, Render(rec))
}

func TestRenderEmptyRecordIsTotal(t *testing.T) {
	want := "# Untitled Assignment\n\n" +
		"## Deadline\n\nDeadline not specified\n\n" +
		"## Number of Tasks\n\nNot specified\n\n" +
		"## Tasks\n\n" +
		"Task 1: Auto-generated Task 1 details (Weightage: Auto-generated weightage marks)\n\n" +
		"Task 2: Auto-generated Task 2 details (Weightage: Auto-generated weightage marks)\n\n" +
		"Task 3: Auto-generated Task 3 details (Weightage: Auto-generated weightage marks)\n\n" +
		"## Total Weightage Marks\n\n100\n\n" +
		"## Evaluation Criteria\n\nAuto-generated evaluation criteria"
	got := Render(contract.AssignmentRecord{})
	assert.Equal(t, want, got)
	assert.Equal(t, got, Render(contract.AssignmentRecord{}), "输出应确定")
}

func TestRenderCountFallsBackToTaskLength(t *testing.T) {
	got := Render(contract.AssignmentRecord{Tasks: []contract.Task{{}, {}}})
	assert.Contains(t, got, "## Number of Tasks\n\n2\n\n")
	assert.Contains(t, got, "**Task 2:** No description provided (Weightage: Not specified marks)")
}

func TestRendererOverrides(t *testing.T) {
	r := NewRenderer(Fallbacks{Title: "TBD", PlaceholderTasks: 1, PlaceholderTask: "Task {n} pending"})
	got := r.Render(contract.AssignmentRecord{})
	assert.Contains(t, got, "# TBD\n")
	assert.Contains(t, got, "Task 1: Task 1 pending (Weightage: Auto-generated weightage marks)")
	assert.NotContains(t, got, "Task 2:")
	assert.Contains(t, got, "Deadline not specified", "未覆盖字段保持默认")
}

func TestRenderContent(t *testing.T) {
	r := NewRenderer(Fallbacks{})

	md := "# Notes\n\nPlain markdown."
	got, err := r.RenderContent(md)
	require.NoError(t, err)
	assert.Equal(t, md, got)

	got, err = r.RenderContent("```json\n{\"title\":\"Quiz\",\"tasks\":[{\"description\":\"Q1\",\"weightage\":5}]}\n```")
	require.NoError(t, err)
	assert.Contains(t, got, "# Quiz")
	assert.Contains(t, got, "**Task 1:** Q1 (Weightage: 5 marks)")

	_, err = r.RenderContent("{oops")
	assert.ErrorIs(t, err, contract.ErrMalformedJSON)
}

func TestMarshalRecordEmptyTasks(t *testing.T) {
	b, err := MarshalRecord(contract.AssignmentRecord{Title: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tasks": []`)
}
