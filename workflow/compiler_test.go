package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompile_Sequential(t *testing.T) {
	steps := []Step{
		{ID: "a", Peer: "p1", Instruction: "first"},
		{ID: "b", Peer: "p2", Instruction: "second"},
		{ID: "c", Peer: "p3", Instruction: "third"},
	}
	edges := []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}

	plan, err := Compile(steps, edges)
	assert.NoError(t, err)
	assert.Len(t, plan.Groups, 3)
	for i, g := range plan.Groups {
		assert.Equal(t, i+1, g.Label)
		assert.False(t, g.Parallel())
	}
	assert.Equal(t, "1. first\n2. second\n3. third", plan.Render())
}

func TestCompile_FanOutFanIn(t *testing.T) {
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

	plan, err := Compile(steps, edges)
	assert.NoError(t, err)
	assert.Len(t, plan.Groups, 3)

	assert.Equal(t, "1", plan.Groups[0].MemberLabel(0))
	assert.True(t, plan.Groups[1].Parallel())
	assert.Equal(t, "2a", plan.Groups[1].MemberLabel(0))
	assert.Equal(t, "2b", plan.Groups[1].MemberLabel(1))
	assert.Equal(t, "3", plan.Groups[2].MemberLabel(0))

	// The fan-in step appears exactly once.
	assert.Equal(t, 4, plan.StepCount())
	assert.Equal(t, "s4", plan.Groups[2].Steps[0].ID)
}

func TestCompile_MultipleRootsFormOneGroup(t *testing.T) {
	steps := []Step{
		{ID: "r1", Peer: "p", Instruction: "root one"},
		{ID: "r2", Peer: "p", Instruction: "root two"},
		{ID: "sink", Peer: "p", Instruction: "sink"},
	}
	edges := []Edge{{From: "r1", To: "sink"}, {From: "r2", To: "sink"}}

	plan, err := Compile(steps, edges)
	assert.NoError(t, err)
	assert.Len(t, plan.Groups, 2)
	assert.True(t, plan.Groups[0].Parallel())
	assert.Len(t, plan.Groups[0].Steps, 2)
}

func TestCompile_RootOrderHonorsOrderField(t *testing.T) {
	steps := []Step{
		{ID: "b", Peer: "p", Instruction: "second", Order: 2},
		{ID: "a", Peer: "p", Instruction: "first", Order: 1},
	}

	plan, err := Compile(steps, nil)
	assert.NoError(t, err)
	assert.Len(t, plan.Groups, 1)
	assert.Equal(t, "a", plan.Groups[0].Steps[0].ID)
	assert.Equal(t, "b", plan.Groups[0].Steps[1].ID)
}

func TestCompile_CycleDetected(t *testing.T) {
	steps := []Step{
		{ID: "a", Peer: "p", Instruction: "x"},
		{ID: "b", Peer: "p", Instruction: "y"},
	}
	edges := []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}

	_, err := Compile(steps, edges)
	assert.ErrorIs(t, err, ErrCyclicGraph)
}

func TestCompile_UnknownEdgeEndpoint(t *testing.T) {
	steps := []Step{{ID: "a", Peer: "p", Instruction: "x"}}
	edges := []Edge{{From: "a", To: "ghost"}}

	_, err := Compile(steps, edges)
	assert.Error(t, err)
}

func TestCompile_DuplicateStepID(t *testing.T) {
	steps := []Step{
		{ID: "a", Peer: "p", Instruction: "x"},
		{ID: "a", Peer: "p", Instruction: "y"},
	}

	_, err := Compile(steps, nil)
	assert.Error(t, err)
}

func TestCompile_EmptyGraph(t *testing.T) {
	plan, err := Compile(nil, nil)
	assert.NoError(t, err)
	assert.True(t, plan.Empty())
}
