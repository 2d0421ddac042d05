package dispatch

import (
	"context"

	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/workflow"
)

// Run executes the plan asynchronously and returns the run id plus a channel
// delivering the single final result. The run can be stopped early with
// CancelRun; cancellation surfaces as a halting failure in the result.
func (e *Engine) Run(ctx context.Context, sessionID string, plan workflow.Plan) (string, <-chan PlanResult) {
	runID := util.NewID()
	runCtx, cancel := context.WithCancel(ctx)

	e.runMu.Lock()
	e.activeRuns[runID] = cancel
	e.runMu.Unlock()

	out := make(chan PlanResult, 1)
	go func() {
		res := e.execute(runCtx, runID, sessionID, plan)

		// Unregister before delivering so a caller that received the result
		// observes the run as finished.
		e.runMu.Lock()
		delete(e.activeRuns, runID)
		e.runMu.Unlock()
		cancel()

		out <- *res
		close(out)
	}()

	return runID, out
}

// CancelRun stops an in-flight run. Canceling an unknown or finished run is a
// no-op returning false.
func (e *Engine) CancelRun(runID string) bool {
	e.runMu.Lock()
	cancel, ok := e.activeRuns[runID]
	e.runMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns returns the number of runs currently executing.
func (e *Engine) ActiveRuns() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return len(e.activeRuns)
}
