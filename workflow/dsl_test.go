package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlan_RoundTrip(t *testing.T) {
	steps := []Step{
		{ID: "s1", Peer: "p", Instruction: "start"},
		{ID: "s2", Peer: "p", Instruction: "left"},
		{ID: "s3", Peer: "p", Instruction: "right"},
		{ID: "s4", Peer: "p", Instruction: "join"},
	}
	edges := []Edge{
		{From: "s1", To: "s2"},
		{From: "s1", To: "s3"},
		{From: "s2", To: "s4"},
		{From: "s3", To: "s4"},
	}

	compiled, err := Compile(steps, edges)
	assert.NoError(t, err)

	parsed, err := ParsePlan(compiled.Render())
	assert.NoError(t, err)

	assert.Len(t, parsed.Groups, len(compiled.Groups))
	for i, g := range parsed.Groups {
		assert.Equal(t, compiled.Groups[i].Label, g.Label)
		assert.Len(t, g.Steps, len(compiled.Groups[i].Steps))
		for j, s := range g.Steps {
			assert.Equal(t, compiled.Groups[i].Steps[j].Instruction, s.Instruction)
		}
	}
}

func TestParsePlan_ParallelSiblings(t *testing.T) {
	plan, err := ParsePlan("1. gather\n2a. analyze web\n2b. analyze papers\n3. report")
	assert.NoError(t, err)
	assert.Len(t, plan.Groups, 3)
	assert.False(t, plan.Groups[0].Parallel())
	assert.True(t, plan.Groups[1].Parallel())
	assert.Equal(t, "analyze papers", plan.Groups[1].Steps[1].Instruction)
}

func TestParsePlan_SkipsBlankLines(t *testing.T) {
	plan, err := ParsePlan("\n1. first\n\n2. second\n")
	assert.NoError(t, err)
	assert.Equal(t, 2, plan.StepCount())
}

func TestParsePlan_Malformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no label", "do something"},
		{"letters must start at a", "1. ok\n2b. wrong start"},
		{"non-contiguous letters", "1a. one\n1c. three"},
		{"out of order integers", "2. second\n1. first"},
		{"duplicate integer", "1. one\n1. again"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestSplitTarget(t *testing.T) {
	peer, rest := SplitTarget("web-researcher: find recent papers")
	assert.Equal(t, "web-researcher", peer)
	assert.Equal(t, "find recent papers", rest)

	peer, rest = SplitTarget("no target here")
	assert.Empty(t, peer)
	assert.Equal(t, "no target here", rest)

	// A colon inside a sentence is not a target prefix.
	peer, _ = SplitTarget("remember this: be concise")
	assert.Empty(t, peer)
}
