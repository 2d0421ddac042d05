// Package planner compiles a free-form goal into an executable workflow plan
// by prompting a language model for the text plan DSL and parsing the result.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/workflow"
)

// Planner turns a goal into a plan over the given peers.
type Planner interface {
	Plan(ctx context.Context, goal string, peers []registry.Descriptor) (workflow.Plan, error)
}

const systemPrompt = `You are a task planner for a mesh of remote task-execution peers.
Break the user's goal into numbered steps, one line per step, using exactly this format:

<label>. <peer-name>: <instruction>

Labels are sequential integers. Steps that can run at the same time share an
integer and get ascending letter suffixes starting at 'a' (for example 2a, 2b).
Use only the listed peers. Do not add commentary before or after the plan.`

// Options configures a ModelPlanner.
type Options struct {
	// MaxSteps rejects degenerate plans that exceed this size. Zero
	// disables the check.
	MaxSteps int
	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// ModelPlanner prompts a model.Model for a plan.
type ModelPlanner struct {
	model    model.Model
	maxSteps int
	logger   logging.Logger
}

// NewModelPlanner constructs a planner on the given model.
func NewModelPlanner(m model.Model, optFns ...func(o *Options)) *ModelPlanner {
	opts := Options{
		MaxSteps: 25,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelPlanner{model: m, maxSteps: opts.MaxSteps, logger: opts.Logger}
}

// Plan implements Planner. Every step of the returned plan is routed to one
// of the given peers via the "peer-name: instruction" convention; steps naming
// unknown peers fail planning rather than dispatch.
func (p *ModelPlanner) Plan(ctx context.Context, goal string, peers []registry.Descriptor) (workflow.Plan, error) {
	if len(peers) == 0 {
		return workflow.Plan{}, fmt.Errorf("planner: no peers to plan over")
	}

	resp, err := p.model.Complete(ctx, model.Request{
		System: systemPrompt,
		Prompt: buildPrompt(goal, peers),
	})
	if err != nil {
		return workflow.Plan{}, fmt.Errorf("planner: model completion: %w", err)
	}

	plan, err := workflow.ParsePlan(stripFences(resp.Text))
	if err != nil {
		return workflow.Plan{}, fmt.Errorf("planner: model produced unparseable plan: %w", err)
	}
	if plan.Empty() {
		return workflow.Plan{}, fmt.Errorf("planner: model produced an empty plan")
	}
	if p.maxSteps > 0 && plan.StepCount() > p.maxSteps {
		return workflow.Plan{}, fmt.Errorf("planner: plan has %d steps, limit is %d", plan.StepCount(), p.maxSteps)
	}

	known := make(map[string]struct{}, len(peers))
	for _, d := range peers {
		known[d.Name] = struct{}{}
	}
	for gi := range plan.Groups {
		for si := range plan.Groups[gi].Steps {
			step := &plan.Groups[gi].Steps[si]
			peer, rest := workflow.SplitTarget(step.Instruction)
			if peer == "" {
				return workflow.Plan{}, fmt.Errorf("planner: step %s has no target peer: %q", plan.Groups[gi].MemberLabel(si), step.Instruction)
			}
			if _, ok := known[peer]; !ok {
				return workflow.Plan{}, fmt.Errorf("planner: step %s targets unknown peer %q", plan.Groups[gi].MemberLabel(si), peer)
			}
			step.Peer = peer
			step.Instruction = rest
		}
	}

	p.logger.Debug("planner produced plan groups=%d steps=%d", len(plan.Groups), plan.StepCount())
	return plan, nil
}

func buildPrompt(goal string, peers []registry.Descriptor) string {
	var b strings.Builder
	b.WriteString("Available peers:\n")
	for _, d := range peers {
		b.WriteString("- ")
		b.WriteString(d.Name)
		if len(d.Capabilities) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(d.Capabilities, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nGoal: ")
	b.WriteString(goal)
	return b.String()
}

// stripFences removes a surrounding markdown code fence if the model added one.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.Index(t, "\n"); idx >= 0 {
		t = t[idx+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
