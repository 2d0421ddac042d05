// Package dispatch executes compiled workflow plans against remote peers. It
// walks the plan's groups in order, fans parallel groups out under a bounded
// concurrency limit, folds member outcomes into a group verdict using the
// minimum success fraction, and maintains the session state shared by all
// units of a run.
package dispatch

import (
	"context"
	"time"

	"github.com/hupe1980/taskmesh/protocol"
)

// Defaults applied by New when options are left zero.
const (
	// DefaultMaxParallel caps concurrently executing units of one group.
	DefaultMaxParallel = 10
	// DefaultUnitTimeout bounds one unit from submission to terminal state.
	DefaultUnitTimeout = 10 * time.Minute
	// DefaultMinSuccessFraction is the share of parallel members that must
	// succeed for the group to count as successful.
	DefaultMinSuccessFraction = 0.5
)

// TaskClient is the slice of the protocol client the engine drives. It is
// satisfied by *protocol.Client; tests substitute fakes.
type TaskClient interface {
	Submit(ctx context.Context, addr, instruction string, opts protocol.SubmitOptions) (*protocol.Task, error)
	AwaitCompletion(ctx context.Context, addr, taskID string, opts protocol.AwaitOptions) (*protocol.Result, error)
	Resume(ctx context.Context, addr, taskID, input string, opts protocol.SubmitOptions) (*protocol.Task, error)
	Cancel(ctx context.Context, addr, taskID string) error
}

// InputRequest is handed to the input provider when a peer pauses for input.
type InputRequest struct {
	SessionID string
	Peer      string
	TaskID    string
	// Prompt is the peer's message describing what input it needs.
	Prompt string
}

// InputProvider supplies the human input a paused task is waiting for. A nil
// provider turns input_required into a unit failure.
type InputProvider func(ctx context.Context, req InputRequest) (string, error)

// UnitResult is the outcome of one dispatched unit.
type UnitResult struct {
	Label    string
	StepID   string
	Peer     string
	TaskID   string
	State    protocol.TaskState
	Output   string
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the unit completed.
func (r UnitResult) Succeeded() bool {
	return r.Err == nil && r.State == protocol.TaskStateCompleted
}

// GroupResult aggregates the member outcomes of one plan group.
type GroupResult struct {
	Label    int
	Parallel bool
	Units    []UnitResult
	Duration time.Duration
}

// Failures counts failed members.
func (g GroupResult) Failures() int {
	n := 0
	for _, u := range g.Units {
		if !u.Succeeded() {
			n++
		}
	}
	return n
}

// SuccessFraction returns the share of members that succeeded.
func (g GroupResult) SuccessFraction() float64 {
	if len(g.Units) == 0 {
		return 1
	}
	return float64(len(g.Units)-g.Failures()) / float64(len(g.Units))
}

// PlanResult is the outcome of one plan execution.
type PlanResult struct {
	RunID     string
	SessionID string
	Groups    []GroupResult
	// Completed reports whether every group was executed; tolerated member
	// failures do not clear it.
	Completed bool
	// Err is the failure that halted the plan, nil when Completed.
	Err error
}

// Output returns the output text of the final executed unit, the natural
// result of a sequential pipeline.
func (p *PlanResult) Output() string {
	for gi := len(p.Groups) - 1; gi >= 0; gi-- {
		units := p.Groups[gi].Units
		for ui := len(units) - 1; ui >= 0; ui-- {
			if units[ui].Succeeded() {
				return units[ui].Output
			}
		}
	}
	return ""
}
