package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/workflow"
)

// ErrGroupFailed halts a plan when a parallel group's success fraction falls
// below the configured minimum.
var ErrGroupFailed = errors.New("dispatch: group failed below success threshold")

// ErrPeerCoolingDown fails a unit without contacting its peer because the
// peer was recently rate limited.
var ErrPeerCoolingDown = errors.New("dispatch: peer cooling down")

// ErrInputUnavailable fails a unit whose task paused for input when no input
// provider is configured.
var ErrInputUnavailable = errors.New("dispatch: task paused for input with no provider")

// Options configures an Engine.
type Options struct {
	// MaxParallel bounds concurrent units within one parallel group.
	MaxParallel int
	// UnitTimeout bounds one unit from submission to terminal state.
	UnitTimeout time.Duration
	// MinSuccessFraction is the share of a parallel group's members that
	// must succeed for the plan to continue.
	MinSuccessFraction float64
	// ContinueOnError keeps a plan going past failed sequential groups.
	ContinueOnError bool
	// CooldownOnRateLimit is how long a peer is benched after exhausting
	// its rate limit retries.
	CooldownOnRateLimit time.Duration
	// InputProvider supplies input for paused tasks. Nil fails them.
	InputProvider InputProvider
	// Sessions persists shared per-session state. Defaults to in-memory.
	Sessions session.Store
	// Artifacts stores the outputs of completed tasks. Nil disables.
	Artifacts artifact.Store
	// Hub receives lifecycle envelopes. Nil disables.
	Hub *relay.Hub
	// Metrics records engine counters. Nil disables.
	Metrics *metrics.Collector
	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Engine executes plans. It is safe for concurrent use; concurrent runs
// share the registry and client but each hold their own session context.
type Engine struct {
	registry *registry.Registry
	client   TaskClient

	maxParallel        int
	unitTimeout        time.Duration
	minSuccessFraction float64
	continueOnError    bool
	cooldown           time.Duration
	inputProvider      InputProvider
	sessions           session.Store
	artifacts          artifact.Store
	hub                *relay.Hub
	metrics            *metrics.Collector
	logger             logging.Logger

	runMu      sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// New constructs an Engine over the given registry and protocol client.
func New(reg *registry.Registry, client TaskClient, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxParallel:         DefaultMaxParallel,
		UnitTimeout:         DefaultUnitTimeout,
		MinSuccessFraction:  DefaultMinSuccessFraction,
		CooldownOnRateLimit: time.Minute,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}

	return &Engine{
		registry:           reg,
		client:             client,
		maxParallel:        opts.MaxParallel,
		unitTimeout:        opts.UnitTimeout,
		minSuccessFraction: opts.MinSuccessFraction,
		continueOnError:    opts.ContinueOnError,
		cooldown:           opts.CooldownOnRateLimit,
		inputProvider:      opts.InputProvider,
		sessions:           opts.Sessions,
		artifacts:          opts.Artifacts,
		hub:                opts.Hub,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		activeRuns:         make(map[string]context.CancelFunc),
	}
}

// ExecutePlan runs the plan to completion within the caller's context and
// returns the aggregate result. A halting failure is reported both in the
// result and as the returned error.
func (e *Engine) ExecutePlan(ctx context.Context, sessionID string, plan workflow.Plan) (*PlanResult, error) {
	runID := util.NewID()
	res := e.execute(ctx, runID, sessionID, plan)
	return res, res.Err
}

func (e *Engine) execute(ctx context.Context, runID, sessionID string, plan workflow.Plan) *PlanResult {
	e.metrics.RunStarted()
	defer e.metrics.RunFinished()

	result := &PlanResult{RunID: runID, SessionID: sessionID}

	sc, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		result.Err = fmt.Errorf("load session %s: %w", sessionID, err)
		e.metrics.ObservePlan("failed")
		return result
	}

	e.logger.Info("dispatch run started run_id=%s session_id=%s groups=%d steps=%d", runID, sessionID, len(plan.Groups), plan.StepCount())

	for _, group := range plan.Groups {
		gr := e.executeGroup(ctx, sc, group)
		result.Groups = append(result.Groups, gr)

		if err := e.groupVerdict(group, gr); err != nil {
			result.Err = err
			e.emitPlanFailed(sessionID, fmt.Sprintf("%d", group.Label), err)
			e.metrics.ObservePlan("failed")
			e.logger.Warn("dispatch run halted run_id=%s group=%d err=%v", runID, group.Label, err)
			_ = e.sessions.Save(ctx, sc)
			return result
		}
	}

	result.Completed = true
	e.metrics.ObservePlan("completed")
	e.logger.Info("dispatch run completed run_id=%s session_id=%s", runID, sessionID)
	if err := e.sessions.Save(ctx, sc); err != nil {
		e.logger.Warn("dispatch could not save session %s: %v", sessionID, err)
	}
	return result
}

// groupVerdict decides whether the plan continues after a group. Parallel
// groups tolerate member failures down to the minimum success fraction;
// sequential failures halt unless ContinueOnError is set.
func (e *Engine) groupVerdict(group workflow.Group, gr GroupResult) error {
	if gr.Failures() == 0 {
		return nil
	}
	if group.Parallel() {
		if gr.SuccessFraction() >= e.minSuccessFraction {
			e.logger.Warn("dispatch group %d continuing with %d/%d failures", group.Label, gr.Failures(), len(gr.Units))
			return nil
		}
		return fmt.Errorf("%w: group %d succeeded %.0f%%, need %.0f%%",
			ErrGroupFailed, group.Label, gr.SuccessFraction()*100, e.minSuccessFraction*100)
	}
	if e.continueOnError {
		return nil
	}
	return fmt.Errorf("dispatch: step %s failed: %w", gr.Units[0].Label, gr.Units[0].Err)
}

// executeGroup runs one group: a lone member inline, a fan-out set under the
// concurrency limit. Member failures never cancel their siblings; partial
// failure is folded afterwards.
func (e *Engine) executeGroup(ctx context.Context, sc *session.Context, group workflow.Group) GroupResult {
	start := time.Now()
	gr := GroupResult{Label: group.Label, Parallel: group.Parallel(), Units: make([]UnitResult, len(group.Steps))}

	if !group.Parallel() {
		gr.Units[0] = e.executeUnit(ctx, sc, group.Steps[0], group.MemberLabel(0))
	} else {
		g := new(errgroup.Group)
		g.SetLimit(e.maxParallel)
		for i := range group.Steps {
			i := i
			g.Go(func() error {
				gr.Units[i] = e.executeUnit(ctx, sc, group.Steps[i], group.MemberLabel(i))
				return nil
			})
		}
		_ = g.Wait()
	}

	gr.Duration = time.Since(start)
	e.logger.Debug("dispatch group done label=%d members=%d failures=%d dur=%s", group.Label, len(gr.Units), gr.Failures(), gr.Duration)
	return gr
}

// executeUnit dispatches one step: render its instruction against the shared
// session values, resolve the peer, submit, await, and record the outcome
// back into the session.
func (e *Engine) executeUnit(ctx context.Context, sc *session.Context, step workflow.Step, label string) UnitResult {
	start := time.Now()
	res := UnitResult{Label: label, StepID: step.ID, Peer: step.Peer}

	peer := step.Peer
	instruction := step.Instruction
	if peer == "" {
		// Steps from parsed plans carry the target as an instruction prefix.
		peer, instruction = workflow.SplitTarget(step.Instruction)
		res.Peer = peer
	}
	if peer == "" {
		res.Err = fmt.Errorf("dispatch: step %s has no target peer", step.ID)
		return e.finishUnit(sc, res, start)
	}

	if remaining, cooling := sc.InCooldown(peer, time.Now()); cooling {
		res.Err = fmt.Errorf("%w: %s for %s", ErrPeerCoolingDown, peer, remaining.Round(time.Second))
		return e.finishUnit(sc, res, start)
	}

	rendered, err := util.RenderInstruction(instruction, sc.Values())
	if err != nil {
		res.Err = fmt.Errorf("render instruction for step %s: %w", step.ID, err)
		return e.finishUnit(sc, res, start)
	}

	addr, err := e.registry.Resolve(ctx, peer)
	if err != nil {
		res.Err = err
		return e.finishUnit(sc, res, start)
	}
	desc, _ := e.registry.Get(peer)

	priorTask, _ := sc.Task(peer)
	task, err := e.client.Submit(ctx, addr, rendered, protocol.SubmitOptions{
		SessionID:   sc.ID(),
		Peer:        peer,
		PriorTaskID: priorTask,
	})
	if err != nil {
		res.Err = err
		e.noteFailureClass(sc, peer, err)
		return e.finishUnit(sc, res, start)
	}
	res.TaskID = task.ID
	sc.SetTask(peer, task.ID)
	sc.AppendTurn(session.Turn{Role: "user", Peer: peer, Text: rendered})

	outcome, err := e.awaitUnit(ctx, sc, addr, peer, task.ID, desc.Streaming)
	if err != nil {
		res.Err = err
		e.noteFailureClass(sc, peer, err)
		return e.finishUnit(sc, res, start)
	}

	res.State = outcome.State
	res.Output = outcome.Text
	switch outcome.State {
	case protocol.TaskStateCompleted:
		sc.SetValue(step.ID, outcome.Text)
		sc.AppendTurn(session.Turn{Role: "peer", Peer: peer, Text: outcome.Text})
		sc.ClearTask(peer)
		e.saveArtifacts(sc.ID(), task.ID, outcome.Artifacts)
	case protocol.TaskStateFailed:
		res.Err = fmt.Errorf("dispatch: task %s on %s failed: %s", task.ID, peer, outcome.Text)
		sc.ClearTask(peer)
	case protocol.TaskStateCanceled:
		res.Err = fmt.Errorf("dispatch: task %s on %s canceled", task.ID, peer)
		sc.ClearTask(peer)
	}
	return e.finishUnit(sc, res, start)
}

// awaitUnit waits a unit out, looping through input_required pauses as long
// as the input provider keeps supplying answers.
func (e *Engine) awaitUnit(ctx context.Context, sc *session.Context, addr, peer, taskID string, streaming bool) (*protocol.Result, error) {
	opts := protocol.AwaitOptions{
		SessionID: sc.ID(),
		Peer:      peer,
		Timeout:   e.unitTimeout,
		Streaming: streaming,
	}
	for {
		res, err := e.client.AwaitCompletion(ctx, addr, taskID, opts)
		if err != nil {
			return nil, err
		}
		if res.State != protocol.TaskStateInputRequired {
			return res, nil
		}

		if e.inputProvider == nil {
			return nil, fmt.Errorf("%w: task %s on %s", ErrInputUnavailable, taskID, peer)
		}
		input, err := e.inputProvider(ctx, InputRequest{
			SessionID: sc.ID(),
			Peer:      peer,
			TaskID:    taskID,
			Prompt:    res.Text,
		})
		if err != nil {
			return nil, fmt.Errorf("input provider for task %s: %w", taskID, err)
		}
		if _, err := e.client.Resume(ctx, addr, taskID, input, protocol.SubmitOptions{SessionID: sc.ID(), Peer: peer}); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) finishUnit(sc *session.Context, res UnitResult, start time.Time) UnitResult {
	res.Duration = time.Since(start)
	outcome := "completed"
	if !res.Succeeded() {
		outcome = "failed"
		sc.RecordRetry(res.Peer)
	}
	e.metrics.ObserveUnit(res.Peer, outcome, res.Duration)
	if res.Err != nil {
		e.logger.Warn("dispatch unit failed label=%s peer=%s dur=%s err=%v", res.Label, res.Peer, res.Duration, res.Err)
	} else {
		e.logger.Debug("dispatch unit done label=%s peer=%s dur=%s", res.Label, res.Peer, res.Duration)
	}
	return res
}

// noteFailureClass benches rate limited peers for the cooldown window so
// sibling and later steps stop hammering them.
func (e *Engine) noteFailureClass(sc *session.Context, peer string, err error) {
	class := resilience.Classify(err)
	e.metrics.IncRetry(peer, class.String())
	if class == resilience.ClassRateLimited && e.cooldown > 0 {
		sc.SetCooldown(peer, time.Now().Add(e.cooldown))
		e.logger.Warn("dispatch benching rate limited peer=%s cooldown=%s", peer, e.cooldown)
	}
}

func (e *Engine) saveArtifacts(sessionID, taskID string, artifacts []protocol.Artifact) {
	if e.artifacts == nil || len(artifacts) == 0 {
		return
	}
	if err := e.artifacts.Save(sessionID, taskID, artifacts); err != nil {
		e.logger.Warn("dispatch could not save artifacts task=%s: %v", taskID, err)
	}
}

func (e *Engine) emitPlanFailed(sessionID, group string, cause error) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(relay.NewPlanFailed(sessionID, group, cause.Error()))
}
