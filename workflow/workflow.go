// Package workflow turns a step-and-dependency graph into an ordered execution
// plan. A plan is a linear sequence of groups; a group with one member runs
// sequentially, a group with several members is a fan-out set executed
// concurrently by the dispatch engine. Groups carry stable human-readable
// labels (1, 2a, 2b, 3) that double as the line labels of the text DSL.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCyclicGraph is returned by Compile when the edge set contains a cycle.
var ErrCyclicGraph = errors.New("workflow: cyclic graph")

// Step is one unit of a workflow graph. X/Y are presentation-only layout
// hints and are ignored by the compiler and the engine.
type Step struct {
	ID          string  `json:"id" yaml:"id"`
	Peer        string  `json:"peer" yaml:"peer"`
	Instruction string  `json:"instruction" yaml:"instruction"`
	X           float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y           float64 `json:"y,omitempty" yaml:"y,omitempty"`
	Order       int     `json:"order,omitempty" yaml:"order,omitempty"`
}

// Edge is a directed dependency between two steps. Condition optionally labels
// the edge for branch-style steps; the compiler treats conditional edges as
// ordinary dependencies and carries the label through as data.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition *bool  `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Group is one slot of a compiled plan: either a single step or a parallel
// fan-out set sharing the same numeric label.
type Group struct {
	Label int
	Steps []Step
}

// Parallel reports whether the group is a fan-out set.
func (g Group) Parallel() bool { return len(g.Steps) > 1 }

// MemberLabel returns the rendered label of member i: the bare integer for a
// single-step group, or integer plus letter suffix (2a, 2b, ...) assigned by
// fan-out order for parallel members.
func (g Group) MemberLabel(i int) string {
	if !g.Parallel() {
		return fmt.Sprintf("%d", g.Label)
	}
	return fmt.Sprintf("%d%c", g.Label, 'a'+i)
}

// Plan is an ordered list of groups preserving a topological order consistent
// with the workflow edges: a step never appears in a group before all its
// predecessors' groups.
type Plan struct {
	Groups []Group
}

// Empty reports whether the plan contains no groups, meaning sequencing is
// delegated to the caller.
func (p Plan) Empty() bool { return len(p.Groups) == 0 }

// StepCount returns the total number of steps across all groups.
func (p Plan) StepCount() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Steps)
	}
	return n
}

// Render produces the newline-separated text DSL consumed by the free-form
// delegation collaborator: one "<label>. <instruction>" line per step, with
// letter-suffixed labels for parallel members.
func (p Plan) Render() string {
	var b strings.Builder
	for _, g := range p.Groups {
		for i, s := range g.Steps {
			b.WriteString(g.MemberLabel(i))
			b.WriteString(". ")
			b.WriteString(s.Instruction)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
