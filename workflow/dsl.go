package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var lineRe = regexp.MustCompile(`^(\d+)([a-z]?)\.\s+(.*)$`)

// ParsePlan parses the text DSL back into a Plan. Lines are
// "<label>. <instruction>" where the label is a bare integer for sequential
// steps or integer+letter for parallel siblings. Parallel siblings of one
// integer must appear contiguously with ascending letters starting at 'a';
// the first following label indicates convergence. Round-tripping a compiled
// plan through Render and ParsePlan preserves group membership and relative
// ordering.
func ParsePlan(text string) (Plan, error) {
	var plan Plan
	var current *Group

	lineNo := 0
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo++

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return Plan{}, fmt.Errorf("workflow: malformed plan line %d: %q", lineNo, line)
		}

		num, err := strconv.Atoi(m[1])
		if err != nil {
			return Plan{}, fmt.Errorf("workflow: malformed plan label on line %d: %q", lineNo, line)
		}
		letter := m[2]
		instruction := m[3]

		step := Step{ID: m[1] + letter, Instruction: instruction}

		switch {
		case letter == "":
			if current != nil {
				plan.Groups = append(plan.Groups, *current)
				current = nil
			}
			if n := len(plan.Groups); n > 0 && num <= plan.Groups[n-1].Label {
				return Plan{}, fmt.Errorf("workflow: out-of-order label %d on line %d", num, lineNo)
			}
			plan.Groups = append(plan.Groups, Group{Label: num, Steps: []Step{step}})

		case current == nil:
			if letter != "a" {
				return Plan{}, fmt.Errorf("workflow: parallel group %d must start at %da, got %s%s", num, num, m[1], letter)
			}
			if n := len(plan.Groups); n > 0 && num <= plan.Groups[n-1].Label {
				return Plan{}, fmt.Errorf("workflow: out-of-order label %d on line %d", num, lineNo)
			}
			current = &Group{Label: num, Steps: []Step{step}}

		default:
			if num != current.Label {
				// New integer while a parallel group is open: close it first.
				plan.Groups = append(plan.Groups, *current)
				if letter != "a" {
					return Plan{}, fmt.Errorf("workflow: parallel group %d must start at %da, got %s%s", num, num, m[1], letter)
				}
				if num <= plan.Groups[len(plan.Groups)-1].Label {
					return Plan{}, fmt.Errorf("workflow: out-of-order label %d on line %d", num, lineNo)
				}
				current = &Group{Label: num, Steps: []Step{step}}
				continue
			}
			want := string(rune('a' + len(current.Steps)))
			if letter != want {
				return Plan{}, fmt.Errorf("workflow: non-contiguous parallel label %d%s on line %d, want %d%s", num, letter, lineNo, num, want)
			}
			current.Steps = append(current.Steps, step)
		}
	}

	if current != nil {
		plan.Groups = append(plan.Groups, *current)
	}

	return plan, nil
}

// SplitTarget splits an instruction of the form "peer-name: do something"
// into its target peer and the remaining instruction text. Instructions
// produced by the planner use this convention so parsed plans stay routable.
// Returns an empty peer when no target prefix is present.
func SplitTarget(instruction string) (peer, rest string) {
	idx := strings.Index(instruction, ":")
	if idx <= 0 {
		return "", instruction
	}
	candidate := strings.TrimSpace(instruction[:idx])
	if candidate == "" || strings.ContainsAny(candidate, " \t") {
		return "", instruction
	}
	return candidate, strings.TrimSpace(instruction[idx+1:])
}
