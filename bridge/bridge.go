// Package bridge exposes the whole peer surface as a single routed "action"
// operation so a model-facing caller needs exactly one tool definition
// regardless of how many peers are registered. The action argument selects
// the operation; the bridge resolves the peer, drives the protocol client and
// normalizes peer output before returning it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/session"
)

// ToolExecutionError carries the failing peer, the attempted action and the
// raw peer output so callers can surface actionable diagnostics.
type ToolExecutionError struct {
	Peer   string `json:"peer"`
	Action string `json:"action"`
	Raw    string `json:"raw,omitempty"`
	Err    error  `json:"-"`
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("action %q on peer %q failed: %v", e.Action, e.Peer, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// TaskClient is the slice of the protocol client the bridge drives.
type TaskClient interface {
	Submit(ctx context.Context, addr, instruction string, opts protocol.SubmitOptions) (*protocol.Task, error)
	AwaitCompletion(ctx context.Context, addr, taskID string, opts protocol.AwaitOptions) (*protocol.Result, error)
	GetTask(ctx context.Context, addr, taskID string) (*protocol.Task, error)
	Resume(ctx context.Context, addr, taskID, input string, opts protocol.SubmitOptions) (*protocol.Task, error)
	Cancel(ctx context.Context, addr, taskID string) error
}

// Options configures a Bridge.
type Options struct {
	// AwaitTimeout bounds one send_task round trip.
	AwaitTimeout time.Duration
	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Bridge routes action calls to registered peers.
type Bridge struct {
	registry *registry.Registry
	client   TaskClient
	sessions session.Store
	timeout  time.Duration
	logger   logging.Logger

	actions map[string]actionFunc
}

type actionFunc func(ctx context.Context, args Args) (any, error)

// Args are the arguments of one action call. Fields irrelevant to the chosen
// action are ignored.
type Args struct {
	Action    string `json:"action"`
	Peer      string `json:"peer,omitempty"`
	Message   string `json:"message,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// New constructs a Bridge over the given registry, client and session store.
func New(reg *registry.Registry, client TaskClient, sessions session.Store, optFns ...func(o *Options)) *Bridge {
	opts := Options{
		AwaitTimeout: 10 * time.Minute,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	b := &Bridge{
		registry: reg,
		client:   client,
		sessions: sessions,
		timeout:  opts.AwaitTimeout,
		logger:   opts.Logger,
	}
	b.actions = map[string]actionFunc{
		"list_peers":  b.listPeers,
		"send_task":   b.sendTask,
		"task_status": b.taskStatus,
		"resume_task": b.resumeTask,
		"cancel_task": b.cancelTask,
	}
	return b
}

// Name returns the tool identifier.
func (b *Bridge) Name() string { return "peer_action" }

// Description returns the tool description shown to a model-facing caller.
func (b *Bridge) Description() string {
	var names []string
	for _, d := range b.registry.List() {
		names = append(names, d.Name)
	}
	return fmt.Sprintf(
		"Interact with remote task-execution peers. Actions: %s. Known peers: %s.",
		strings.Join(b.ActionNames(), ", "), strings.Join(names, ", "),
	)
}

// ActionNames returns the supported actions sorted alphabetically.
func (b *Bridge) ActionNames() []string {
	names := make([]string, 0, len(b.actions))
	for name := range b.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parameters returns the JSON schema of the action arguments.
func (b *Bridge) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        b.ActionNames(),
				"description": "The operation to perform.",
			},
			"peer": map[string]any{
				"type":        "string",
				"description": "Logical name of the target peer.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Instruction text for send_task, or input for resume_task.",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task handle for task_status, resume_task and cancel_task.",
			},
			"session_id": map[string]any{
				"type":        "string",
				"description": "Session the call belongs to.",
			},
		},
		"required": []string{"action"},
	}
}

// Call routes one action invocation. Unknown actions fail without touching
// any peer.
func (b *Bridge) Call(ctx context.Context, rawArgs map[string]any) (any, error) {
	encoded, err := json.Marshal(rawArgs)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode args: %w", err)
	}
	var args Args
	if err := json.Unmarshal(encoded, &args); err != nil {
		return nil, fmt.Errorf("bridge: decode args: %w", err)
	}

	fn, ok := b.actions[args.Action]
	if !ok {
		return nil, &ToolExecutionError{
			Peer:   args.Peer,
			Action: args.Action,
			Err:    fmt.Errorf("unknown action, expected one of %s", strings.Join(b.ActionNames(), ", ")),
		}
	}
	b.logger.Debug("bridge action=%s peer=%s session=%s", args.Action, args.Peer, args.SessionID)
	return fn(ctx, args)
}

func (b *Bridge) resolve(ctx context.Context, args Args) (string, registry.Descriptor, error) {
	if args.Peer == "" {
		return "", registry.Descriptor{}, &ToolExecutionError{Action: args.Action, Err: fmt.Errorf("peer is required")}
	}
	addr, err := b.registry.Resolve(ctx, args.Peer)
	if err != nil {
		return "", registry.Descriptor{}, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	d, _ := b.registry.Get(args.Peer)
	return addr, d, nil
}

func (b *Bridge) listPeers(_ context.Context, _ Args) (any, error) {
	return b.registry.List(), nil
}

// sendTask submits an instruction and blocks until the task settles, then
// returns the unwrapped output text along with the task handle.
func (b *Bridge) sendTask(ctx context.Context, args Args) (any, error) {
	if args.Message == "" {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: fmt.Errorf("message is required")}
	}
	addr, desc, err := b.resolve(ctx, args)
	if err != nil {
		return nil, err
	}

	task, err := b.client.Submit(ctx, addr, args.Message, protocol.SubmitOptions{
		SessionID: args.SessionID,
		Peer:      args.Peer,
	})
	if err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	b.recordTask(ctx, args.SessionID, args.Peer, task.ID)

	res, err := b.client.AwaitCompletion(ctx, addr, task.ID, protocol.AwaitOptions{
		SessionID: args.SessionID,
		Peer:      args.Peer,
		Timeout:   b.timeout,
		Streaming: desc.Streaming,
	})
	if err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	if res.State == protocol.TaskStateFailed {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Raw: res.Text, Err: fmt.Errorf("task failed")}
	}

	return map[string]any{
		"task_id":   task.ID,
		"state":     string(res.State),
		"output":    Unwrap(res.Text),
		"artifacts": len(res.Artifacts),
	}, nil
}

func (b *Bridge) taskStatus(ctx context.Context, args Args) (any, error) {
	addr, _, err := b.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	taskID, err := b.taskHandle(ctx, args)
	if err != nil {
		return nil, err
	}
	task, err := b.client.GetTask(ctx, addr, taskID)
	if err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	return task, nil
}

func (b *Bridge) resumeTask(ctx context.Context, args Args) (any, error) {
	if args.Message == "" {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: fmt.Errorf("message is required")}
	}
	addr, desc, err := b.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	taskID, err := b.taskHandle(ctx, args)
	if err != nil {
		return nil, err
	}

	task, err := b.client.Resume(ctx, addr, taskID, args.Message, protocol.SubmitOptions{
		SessionID: args.SessionID,
		Peer:      args.Peer,
	})
	if err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	if task.State.Terminal() {
		return resumeResult(task), nil
	}

	res, err := b.client.AwaitCompletion(ctx, addr, task.ID, protocol.AwaitOptions{
		SessionID: args.SessionID,
		Peer:      args.Peer,
		Timeout:   b.timeout,
		Streaming: desc.Streaming,
	})
	if err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	return map[string]any{
		"task_id": task.ID,
		"state":   string(res.State),
		"output":  Unwrap(res.Text),
	}, nil
}

func (b *Bridge) cancelTask(ctx context.Context, args Args) (any, error) {
	addr, _, err := b.resolve(ctx, args)
	if err != nil {
		return nil, err
	}
	taskID, err := b.taskHandle(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := b.client.Cancel(ctx, addr, taskID); err != nil {
		return nil, &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: err}
	}
	return map[string]any{"task_id": taskID, "canceled": true}, nil
}

// taskHandle resolves the task id from the args or, when omitted, from the
// session's recorded handle for the peer.
func (b *Bridge) taskHandle(ctx context.Context, args Args) (string, error) {
	if args.TaskID != "" {
		return args.TaskID, nil
	}
	if b.sessions != nil && args.SessionID != "" {
		sc, err := b.sessions.Get(ctx, args.SessionID)
		if err == nil {
			if id, ok := sc.Task(args.Peer); ok {
				return id, nil
			}
		}
	}
	return "", &ToolExecutionError{Peer: args.Peer, Action: args.Action, Err: fmt.Errorf("task_id is required")}
}

func (b *Bridge) recordTask(ctx context.Context, sessionID, peer, taskID string) {
	if b.sessions == nil || sessionID == "" {
		return
	}
	sc, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		b.logger.Warn("bridge could not load session %s: %v", sessionID, err)
		return
	}
	sc.SetTask(peer, taskID)
	if err := b.sessions.Save(ctx, sc); err != nil {
		b.logger.Warn("bridge could not save session %s: %v", sessionID, err)
	}
}

func resumeResult(task *protocol.Task) map[string]any {
	out := map[string]any{"task_id": task.ID, "state": string(task.State)}
	if task.Status != nil {
		out["output"] = Unwrap(task.Status.Text())
	}
	return out
}
