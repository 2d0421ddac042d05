package workflow

import (
	"fmt"
	"sort"
)

// Compile turns a step/edge graph into a Plan. An empty step set compiles to
// an empty plan (no fixed sequencing). Compile returns ErrCyclicGraph when the
// edges contain a cycle and an error when an edge references an unknown step.
//
// Traversal is breadth-first over "ready" steps (all predecessors already
// planned). Root steps with no incoming edge form the first group; multiple
// roots become one parallel group. Each emitted group consumes the next
// sequential integer label; members of a multi-step group additionally get a
// letter suffix in stable insertion order. A fan-in step is only scheduled
// once all of its predecessors' groups have been emitted and is never
// duplicated, no matter how many paths reach it.
func Compile(steps []Step, edges []Edge) (Plan, error) {
	if len(steps) == 0 {
		return Plan{}, nil
	}

	byID := make(map[string]Step, len(steps))
	insertion := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return Plan{}, fmt.Errorf("workflow: duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
		insertion[s.ID] = i
	}

	preds := make(map[string][]string, len(steps))
	succs := make(map[string][]string, len(steps))
	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			return Plan{}, fmt.Errorf("workflow: edge references unknown step %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return Plan{}, fmt.Errorf("workflow: edge references unknown step %q", e.To)
		}
		preds[e.To] = append(preds[e.To], e.From)
		succs[e.From] = append(succs[e.From], e.To)
	}

	// Roots: steps with no incoming edge, in declared order.
	var frontier []string
	for _, s := range steps {
		if len(preds[s.ID]) == 0 {
			frontier = append(frontier, s.ID)
		}
	}
	sortStable(frontier, byID, insertion)

	if len(frontier) == 0 {
		return Plan{}, ErrCyclicGraph
	}

	planned := make(map[string]bool, len(steps))
	var plan Plan
	label := 0

	for len(frontier) > 0 {
		label++
		group := Group{Label: label, Steps: make([]Step, 0, len(frontier))}
		for _, id := range frontier {
			group.Steps = append(group.Steps, byID[id])
			planned[id] = true
		}
		plan.Groups = append(plan.Groups, group)

		// Successors of this group become the next sibling set once every
		// one of their predecessors has been planned.
		var next []string
		seen := make(map[string]bool)
		for _, id := range frontier {
			for _, succ := range succs[id] {
				if planned[succ] || seen[succ] {
					continue
				}
				if !allPlanned(preds[succ], planned) {
					continue
				}
				seen[succ] = true
				next = append(next, succ)
			}
		}
		sortStable(next, byID, insertion)
		frontier = next
	}

	if len(planned) != len(steps) {
		// Unreached steps with unsatisfiable predecessors form a cycle.
		return Plan{}, ErrCyclicGraph
	}

	return plan, nil
}

func allPlanned(ids []string, planned map[string]bool) bool {
	for _, id := range ids {
		if !planned[id] {
			return false
		}
	}
	return true
}

// sortStable orders a sibling set by declared Order, falling back to step
// insertion order so fan-out lettering is deterministic.
func sortStable(ids []string, byID map[string]Step, insertion map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return insertion[ids[i]] < insertion[ids[j]]
	})
}
