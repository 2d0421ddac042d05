package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/resilience"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/workflow"
)

// fakeClient scripts per-peer outcomes and records the instructions it saw.
type fakeClient struct {
	mu           sync.Mutex
	nextID       int
	failPeers    map[string]error
	pauseOnce    map[string]bool
	outputs      map[string]string
	instructions map[string][]string
	resumed      map[string]string
	states       map[string]protocol.TaskState
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failPeers:    make(map[string]error),
		pauseOnce:    make(map[string]bool),
		outputs:      make(map[string]string),
		instructions: make(map[string][]string),
		resumed:      make(map[string]string),
		states:       make(map[string]protocol.TaskState),
	}
}

func (f *fakeClient) Submit(_ context.Context, _ string, instruction string, opts protocol.SubmitOptions) (*protocol.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPeers[opts.Peer]; err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.instructions[opts.Peer] = append(f.instructions[opts.Peer], instruction)
	f.states[id] = protocol.TaskStateSubmitted
	return &protocol.Task{ID: id, State: protocol.TaskStateSubmitted}, nil
}

func (f *fakeClient) AwaitCompletion(_ context.Context, _ string, taskID string, opts protocol.AwaitOptions) (*protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseOnce[opts.Peer] {
		f.pauseOnce[opts.Peer] = false
		f.states[taskID] = protocol.TaskStateInputRequired
		return &protocol.Result{State: protocol.TaskStateInputRequired, Text: "which region?"}, nil
	}
	out := f.outputs[opts.Peer]
	if out == "" {
		out = "ok from " + opts.Peer
	}
	f.states[taskID] = protocol.TaskStateCompleted
	return &protocol.Result{State: protocol.TaskStateCompleted, Text: out}, nil
}

func (f *fakeClient) Resume(_ context.Context, _ string, taskID, input string, opts protocol.SubmitOptions) (*protocol.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed[taskID] = input
	f.states[taskID] = protocol.TaskStateWorking
	return &protocol.Task{ID: taskID, State: protocol.TaskStateWorking}, nil
}

func (f *fakeClient) Cancel(_ context.Context, _ string, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[taskID] = protocol.TaskStateCanceled
	return nil
}

func newTestRegistry(peers ...string) *registry.Registry {
	reg := registry.New(func(o *registry.Options) {
		o.Prober = registry.ProberFunc(func(context.Context, string) error { return nil })
	})
	for _, name := range peers {
		reg.Register(registry.Descriptor{Name: name, URL: "http://" + name})
	}
	return reg
}

func parallelPlan(peers ...string) workflow.Plan {
	group := workflow.Group{Label: 1}
	for _, p := range peers {
		group.Steps = append(group.Steps, workflow.Step{ID: p, Peer: p, Instruction: "work"})
	}
	return workflow.Plan{Groups: []workflow.Group{group}}
}

func TestEngine_SequentialPlanSharesState(t *testing.T) {
	client := newFakeClient()
	client.outputs["gatherer"] = "the findings"
	reg := newTestRegistry("gatherer", "writer")
	e := New(reg, client)

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "gather", Peer: "gatherer", Instruction: "collect"}}},
		{Label: 2, Steps: []workflow.Step{{ID: "write", Peer: "writer", Instruction: "summarize: {{.gather}}"}}},
	}}

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Len(t, res.Groups, 2)

	// The second step saw the first step's output through the session.
	assert.Equal(t, []string{"summarize: the findings"}, client.instructions["writer"])
}

func TestEngine_ParallelToleratesFailuresAboveThreshold(t *testing.T) {
	client := newFakeClient()
	client.failPeers["p3"] = errors.New("down")
	client.failPeers["p4"] = errors.New("down")
	reg := newTestRegistry("p1", "p2", "p3", "p4")
	e := New(reg, client)

	// 2/4 succeed, exactly the default threshold.
	res, err := e.ExecutePlan(context.Background(), "s1", parallelPlan("p1", "p2", "p3", "p4"))
	assert.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Groups[0].Failures())
}

func TestEngine_ParallelHaltsBelowThreshold(t *testing.T) {
	client := newFakeClient()
	client.failPeers["p2"] = errors.New("down")
	client.failPeers["p3"] = errors.New("down")
	client.failPeers["p4"] = errors.New("down")
	reg := newTestRegistry("p1", "p2", "p3", "p4")
	e := New(reg, client)

	// 1/4 succeeds, below the 50% default.
	res, err := e.ExecutePlan(context.Background(), "s1", parallelPlan("p1", "p2", "p3", "p4"))
	assert.ErrorIs(t, err, ErrGroupFailed)
	assert.False(t, res.Completed)
}

func TestEngine_SequentialFailureHalts(t *testing.T) {
	client := newFakeClient()
	client.failPeers["flaky"] = errors.New("down")
	reg := newTestRegistry("flaky", "writer")
	e := New(reg, client)

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "flaky", Instruction: "x"}}},
		{Label: 2, Steps: []workflow.Step{{ID: "b", Peer: "writer", Instruction: "y"}}},
	}}

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.Error(t, err)
	assert.False(t, res.Completed)
	// The second group never ran.
	assert.Len(t, res.Groups, 1)
	assert.Empty(t, client.instructions["writer"])
}

func TestEngine_ContinueOnError(t *testing.T) {
	client := newFakeClient()
	client.failPeers["flaky"] = errors.New("down")
	reg := newTestRegistry("flaky", "writer")
	e := New(reg, client, func(o *Options) { o.ContinueOnError = true })

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "flaky", Instruction: "x"}}},
		{Label: 2, Steps: []workflow.Step{{ID: "b", Peer: "writer", Instruction: "y"}}},
	}}

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Len(t, res.Groups, 2)
}

func TestEngine_RateLimitedPeerBenched(t *testing.T) {
	client := newFakeClient()
	client.failPeers["limited"] = &resilience.StatusError{Code: 429}
	reg := newTestRegistry("limited")
	store := session.NewInMemoryStore()
	defer store.Close()
	e := New(reg, client, func(o *Options) {
		o.Sessions = store
		o.ContinueOnError = true
		o.CooldownOnRateLimit = time.Minute
	})

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "limited", Instruction: "x"}}},
		{Label: 2, Steps: []workflow.Step{{ID: "b", Peer: "limited", Instruction: "y"}}},
	}}

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.NoError(t, err)
	assert.True(t, res.Completed)

	// The second unit failed fast on the cooldown without another submit.
	assert.Len(t, client.instructions["limited"], 0)
	assert.ErrorIs(t, res.Groups[1].Units[0].Err, ErrPeerCoolingDown)

	sc, _ := store.Get(context.Background(), "s1")
	_, cooling := sc.InCooldown("limited", time.Now())
	assert.True(t, cooling)
}

func TestEngine_InputRequiredResumedByProvider(t *testing.T) {
	client := newFakeClient()
	client.pauseOnce["asker"] = true
	reg := newTestRegistry("asker")

	var gotPrompt string
	e := New(reg, client, func(o *Options) {
		o.InputProvider = func(_ context.Context, req InputRequest) (string, error) {
			gotPrompt = req.Prompt
			return "eu-west-1", nil
		}
	})

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "asker", Instruction: "deploy"}}},
	}}

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, "which region?", gotPrompt)
	assert.Equal(t, "eu-west-1", client.resumed["task-1"])
}

func TestEngine_InputRequiredWithoutProviderFails(t *testing.T) {
	client := newFakeClient()
	client.pauseOnce["asker"] = true
	reg := newTestRegistry("asker")
	e := New(reg, client)

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "asker", Instruction: "deploy"}}},
	}}

	_, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.ErrorIs(t, err, ErrInputUnavailable)
}

func TestEngine_RoutesTargetPrefixedInstructions(t *testing.T) {
	client := newFakeClient()
	reg := newTestRegistry("researcher")
	e := New(reg, client)

	// Steps from parsed text plans have no Peer field.
	plan, err := workflow.ParsePlan("1. researcher: find the papers")
	assert.NoError(t, err)

	res, err := e.ExecutePlan(context.Background(), "s1", plan)
	assert.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"find the papers"}, client.instructions["researcher"])
}

func TestEngine_RunAndCancel(t *testing.T) {
	client := newFakeClient()
	reg := newTestRegistry("worker")
	e := New(reg, client)

	plan := workflow.Plan{Groups: []workflow.Group{
		{Label: 1, Steps: []workflow.Step{{ID: "a", Peer: "worker", Instruction: "x"}}},
	}}

	runID, results := e.Run(context.Background(), "s1", plan)
	assert.NotEmpty(t, runID)

	res := <-results
	assert.True(t, res.Completed)
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, 0, e.ActiveRuns())

	// Canceling a finished run is a no-op.
	assert.False(t, e.CancelRun(runID))
}
