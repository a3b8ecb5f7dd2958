package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func TestBuildMinimal(t *testing.T) {
	got := Build(Input{Task: &v1.Task{Description: "fix the login bug"}})
	assert.Equal(t, "## Task: fix the login bug", got)
}

func TestBuildSectionOrder(t *testing.T) {
	got := Build(Input{
		Task:       &v1.Task{Description: "add caching", Input: "use the existing redis client"},
		Lane:       &v1.Lane{ContextInstructions: "This repo uses Go 1.22."},
		Persona:    &v1.Persona{Personality: "careful", Expertise: []string{"go", "redis"}},
		Guild:      "Prefer small PRs.",
		MemoryLoad: "Read NOTES.md before starting.",
		MemorySave: "Append learnings to NOTES.md when done.",
		AutoClose:  true,
		SignalID:   "abcd1234",
	})

	order := []string{
		"This repo uses Go 1.22.",
		"## Working Style",
		"Expertise: go, redis",
		"## Team Knowledge",
		"Read NOTES.md",
		"## Task: add caching",
		"use the existing redis client",
		"Append learnings",
		"## Completion Protocol",
		"<promise>abcd1234-DONE</promise>",
		"<promise-summary>abcd1234",
	}
	pos := -1
	for _, marker := range order {
		idx := strings.Index(got, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q", marker)
		assert.Greater(t, idx, pos, "%q out of order", marker)
		pos = idx
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	got := Build(Input{
		Task:    &v1.Task{Description: "t"},
		Persona: &v1.Persona{},
	})
	assert.NotContains(t, got, "## Working Style")
	assert.NotContains(t, got, "## Completion Protocol")
	assert.NotContains(t, got, "## Team Knowledge")
}

func TestBuildNoProtocolWithoutAutoClose(t *testing.T) {
	got := Build(Input{Task: &v1.Task{Description: "t"}, SignalID: "abcd1234"})
	assert.NotContains(t, got, "promise")
}

func TestBuildBundleForm(t *testing.T) {
	got := Build(Input{
		Task: &v1.Task{Description: "release prep", Input: "overall notes"},
		Subtasks: []*v1.Task{
			{Description: "bump version"},
			{Description: "update changelog", Input: "include all merged PRs"},
		},
	})
	assert.Contains(t, got, "## Task Bundle: release prep")
	assert.Contains(t, got, "1. bump version")
	assert.Contains(t, got, "2. update changelog")
	assert.Contains(t, got, "   include all merged PRs")
}

func TestBuildToggleInstructions(t *testing.T) {
	got := Build(Input{
		Task:              &v1.Task{Description: "t"},
		AskForContext:     true,
		ProgressReporting: true,
	})
	ask := strings.Index(got, "clarifying questions")
	report := strings.Index(got, "Report your progress")
	require.GreaterOrEqual(t, ask, 0)
	require.GreaterOrEqual(t, report, 0)
	assert.Less(t, ask, report)
}

func TestBuildDeterministic(t *testing.T) {
	in := Input{
		Task:      &v1.Task{Description: "same"},
		AutoClose: true,
		SignalID:  "deadbeef",
	}
	assert.Equal(t, Build(in), Build(in))
}
