// Package taskmesh provides a high-level façade over the workflow compiler,
// the dispatch engine and the supporting services (peer registry, protocol
// client, session store, artifact store, event relay). Most applications
// interact with this package by:
//  1. Creating a TaskMesh via New() (optionally overriding default in-memory services)
//  2. Registering one or more peers
//  3. Executing a workflow graph (ExecuteWorkflow) or a free-form goal (ExecuteGoal)
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable session store, a broker-backed relay
// forwarder and a structured logger.
package taskmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/planner"
	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/workflow"
)

// Options configures the TaskMesh instance.
type Options struct {
	// Dispatch configuration (concurrency, timeouts, failure tolerance).
	Dispatch dispatch.Options

	// Retry is the backoff schedule for rate limited peer calls.
	Retry resilience.RetryPolicy
	// Dial holds the cold-start connection timeout.
	Dial resilience.DialPolicy
	// Poll is the adaptive polling cadence for non-streaming peers.
	Poll resilience.PollSchedule

	// Stores (default to in-memory implementations if not provided).
	SessionStore  session.Store
	ArtifactStore artifact.Store

	// Relay tunes the event hub (buffer size, keepalive cadence). Zero
	// fields keep the hub defaults.
	Relay relay.Options

	// Forwarder optionally mirrors relay envelopes to an external broker.
	Forwarder relay.Forwarder

	// Planner compiles free-form goals; required only for ExecuteGoal.
	Planner planner.Planner

	// Metrics optionally records engine and relay counters.
	Metrics *metrics.Collector

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// TaskMesh is the high-level façade aggregating the engine and its services.
type TaskMesh struct {
	registry  *registry.Registry
	client    *protocol.Client
	hub       *relay.Hub
	engine    *dispatch.Engine
	sessions  session.Store
	artifacts artifact.Store
	planner   planner.Planner
	logger    logging.Logger
}

// New creates a TaskMesh instance with optional overrides. Any unset service
// is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *TaskMesh {
	opts := Options{
		Retry:  resilience.DefaultRetryPolicy(),
		Dial:   resilience.DefaultDialPolicy(),
		Poll:   resilience.DefaultPollSchedule(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore()
	}
	if opts.ArtifactStore == nil {
		opts.ArtifactStore = artifact.NewInMemoryStore()
	}

	reg := registry.New(func(o *registry.Options) {
		o.Logger = opts.Logger
	})

	hub := relay.NewHub(func(o *relay.Options) {
		if opts.Relay.BufferSize > 0 {
			o.BufferSize = opts.Relay.BufferSize
		}
		if opts.Relay.KeepaliveInterval > 0 {
			o.KeepaliveInterval = opts.Relay.KeepaliveInterval
		}
		if opts.Relay.FailureThreshold > 0 {
			o.FailureThreshold = opts.Relay.FailureThreshold
		}
		o.Forwarder = opts.Forwarder
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})

	client := protocol.NewClient(func(o *protocol.Options) {
		o.Retry = opts.Retry
		o.Dial = opts.Dial
		o.Poll = opts.Poll
		o.Emit = hub.Publish
		o.Logger = opts.Logger
	})

	engine := dispatch.New(reg, client, func(o *dispatch.Options) {
		*o = opts.Dispatch
		if o.MaxParallel == 0 {
			o.MaxParallel = dispatch.DefaultMaxParallel
		}
		if o.UnitTimeout == 0 {
			o.UnitTimeout = dispatch.DefaultUnitTimeout
		}
		if o.MinSuccessFraction == 0 {
			o.MinSuccessFraction = dispatch.DefaultMinSuccessFraction
		}
		if o.CooldownOnRateLimit == 0 {
			o.CooldownOnRateLimit = time.Minute
		}
		o.Sessions = opts.SessionStore
		o.Artifacts = opts.ArtifactStore
		o.Hub = hub
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})

	return &TaskMesh{
		registry:  reg,
		client:    client,
		hub:       hub,
		engine:    engine,
		sessions:  opts.SessionStore,
		artifacts: opts.ArtifactStore,
		planner:   opts.Planner,
		logger:    opts.Logger,
	}
}

// RegisterPeer adds or updates a peer descriptor.
func (m *TaskMesh) RegisterPeer(d registry.Descriptor) { m.registry.Register(d) }

// Registry exposes the peer directory.
func (m *TaskMesh) Registry() *registry.Registry { return m.registry }

// Client exposes the protocol client for direct task-level access.
func (m *TaskMesh) Client() *protocol.Client { return m.client }

// Engine exposes the dispatch engine for run-level control (Run, CancelRun).
func (m *TaskMesh) Engine() *dispatch.Engine { return m.engine }

// Artifacts exposes the artifact store.
func (m *TaskMesh) Artifacts() artifact.Store { return m.artifacts }

// Subscribe attaches an observer to a session's lifecycle events. Call
// Unsubscribe with the returned subscriber when done.
func (m *TaskMesh) Subscribe(sessionID string) *relay.Subscriber {
	return m.hub.Subscribe(sessionID)
}

// Unsubscribe detaches an observer.
func (m *TaskMesh) Unsubscribe(sub *relay.Subscriber) { m.hub.Unsubscribe(sub) }

// CompileWorkflow turns a step and edge set into an executable plan.
func (m *TaskMesh) CompileWorkflow(steps []workflow.Step, edges []workflow.Edge) (workflow.Plan, error) {
	return workflow.Compile(steps, edges)
}

// ExecuteWorkflow compiles the graph and runs the plan synchronously within
// the session.
func (m *TaskMesh) ExecuteWorkflow(ctx context.Context, sessionID string, steps []workflow.Step, edges []workflow.Edge) (*dispatch.PlanResult, error) {
	plan, err := workflow.Compile(steps, edges)
	if err != nil {
		return nil, err
	}
	return m.engine.ExecutePlan(ctx, sessionID, plan)
}

// ExecutePlan runs an already compiled or parsed plan synchronously.
func (m *TaskMesh) ExecutePlan(ctx context.Context, sessionID string, plan workflow.Plan) (*dispatch.PlanResult, error) {
	return m.engine.ExecutePlan(ctx, sessionID, plan)
}

// ExecuteGoal plans the free-form goal over the registered peers and runs the
// resulting plan synchronously. Requires a configured Planner.
func (m *TaskMesh) ExecuteGoal(ctx context.Context, sessionID, goal string) (*dispatch.PlanResult, error) {
	if m.planner == nil {
		return nil, fmt.Errorf("taskmesh: no planner configured")
	}
	plan, err := m.planner.Plan(ctx, goal, m.registry.List())
	if err != nil {
		return nil, err
	}
	return m.engine.ExecutePlan(ctx, sessionID, plan)
}

// EndSession drops the session's shared state and stored artifacts.
func (m *TaskMesh) EndSession(ctx context.Context, sessionID string) error {
	if err := m.artifacts.Purge(sessionID); err != nil {
		m.logger.Warn("taskmesh could not purge artifacts for session %s: %v", sessionID, err)
	}
	return m.sessions.End(ctx, sessionID)
}

// Close releases the relay and its subscribers.
func (m *TaskMesh) Close() {
	m.hub.Close()
}
