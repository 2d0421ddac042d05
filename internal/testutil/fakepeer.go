// Package testutil provides a scriptable fake peer speaking the JSON-RPC task
// lifecycle protocol over httptest, shared by client, bridge and engine tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/hupe1980/taskmesh/protocol"
)

// FakePeerOptions scripts the behavior of a fake peer.
type FakePeerOptions struct {
	// CompleteAfterPolls is how many tasks/get calls a task stays working
	// before completing. Zero completes on the first poll.
	CompleteAfterPolls int
	// ResultText is the final status message text of completed tasks.
	ResultText string
	// Artifacts are attached to completed tasks.
	Artifacts []protocol.Artifact
	// FailTasks makes every task end in the failed state.
	FailTasks bool
	// PauseForInput makes a task pause in input_required once; resuming it
	// runs it to completion.
	PauseForInput bool
	// RejectSubmits answers the first N message/send calls with the given
	// HTTP status before accepting.
	RejectSubmits int
	// RejectStatus is the status used for rejected submits, 429 by default.
	RejectStatus int
	// Streaming serves tasks/subscribe as an SSE stream of task frames.
	Streaming bool
}

// FakePeer is a scriptable in-process peer.
type FakePeer struct {
	Server *httptest.Server

	mu       sync.Mutex
	opts     FakePeerOptions
	tasks    map[string]*taskState
	submits  int
	rejected int
	nextID   int
}

type taskState struct {
	task   protocol.Task
	polls  int
	paused bool
}

// NewFakePeer starts a fake peer. Callers own the returned server and must
// Close it.
func NewFakePeer(optFns ...func(o *FakePeerOptions)) *FakePeer {
	opts := FakePeerOptions{
		ResultText:   "done",
		RejectStatus: http.StatusTooManyRequests,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := &FakePeer{opts: opts, tasks: make(map[string]*taskState)}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// URL returns the peer address.
func (p *FakePeer) URL() string { return p.Server.URL }

// Close shuts the server down.
func (p *FakePeer) Close() { p.Server.Close() }

// Submits returns how many message/send calls were accepted or rejected.
func (p *FakePeer) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type sendParams struct {
	Message   protocol.Message `json:"message"`
	TaskID    string           `json:"task_id"`
	SessionID string           `json:"session_id"`
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

func (p *FakePeer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch req.Method {
	case "message/send":
		p.handleSend(w, req)
	case "tasks/get":
		p.handleGet(w, req)
	case "tasks/cancel":
		p.handleCancel(w, req)
	case "tasks/subscribe":
		p.handleSubscribe(w, req)
	default:
		writeRPCError(w, req.ID, -32601, "method not found")
	}
}

func (p *FakePeer) handleSend(w http.ResponseWriter, req rpcRequest) {
	p.mu.Lock()
	p.submits++
	if p.rejected < p.opts.RejectSubmits {
		p.rejected++
		status := p.opts.RejectStatus
		p.mu.Unlock()
		http.Error(w, "rejected", status)
		return
	}

	var params sendParams
	_ = json.Unmarshal(req.Params, &params)

	if params.TaskID != "" {
		// Resume path.
		ts, ok := p.tasks[params.TaskID]
		if !ok {
			p.mu.Unlock()
			writeRPCError(w, req.ID, -32000, "unknown task")
			return
		}
		ts.paused = false
		ts.task.State = protocol.TaskStateWorking
		task := ts.task
		p.mu.Unlock()
		writeRPCResult(w, req.ID, task)
		return
	}

	p.nextID++
	id := fmt.Sprintf("task-%d", p.nextID)
	ts := &taskState{
		task: protocol.Task{
			ID:        id,
			ContextID: params.SessionID,
			State:     protocol.TaskStateSubmitted,
		},
		paused: p.opts.PauseForInput,
	}
	p.tasks[id] = ts
	task := ts.task
	p.mu.Unlock()

	writeRPCResult(w, req.ID, task)
}

// advance moves a task through its scripted lifecycle by one poll.
func (p *FakePeer) advance(ts *taskState) protocol.Task {
	if ts.task.State.Terminal() {
		return ts.task
	}
	ts.polls++
	switch {
	case ts.polls <= p.opts.CompleteAfterPolls:
		ts.task.State = protocol.TaskStateWorking
	case ts.paused:
		ts.task.State = protocol.TaskStateInputRequired
		ts.task.Status = &protocol.Message{Role: "peer", Parts: []protocol.Part{protocol.TextPart{Text: "need input"}}}
	case p.opts.FailTasks:
		ts.task.State = protocol.TaskStateFailed
		ts.task.Status = &protocol.Message{Role: "peer", Parts: []protocol.Part{protocol.TextPart{Text: "boom"}}}
	default:
		ts.task.State = protocol.TaskStateCompleted
		ts.task.Status = &protocol.Message{Role: "peer", Parts: []protocol.Part{protocol.TextPart{Text: p.opts.ResultText}}}
		ts.task.Artifacts = p.opts.Artifacts
	}
	return ts.task
}

func (p *FakePeer) handleGet(w http.ResponseWriter, req rpcRequest) {
	var params taskParams
	_ = json.Unmarshal(req.Params, &params)

	p.mu.Lock()
	ts, ok := p.tasks[params.TaskID]
	if !ok {
		p.mu.Unlock()
		writeRPCError(w, req.ID, -32000, "unknown task")
		return
	}
	task := p.advance(ts)
	p.mu.Unlock()

	writeRPCResult(w, req.ID, task)
}

func (p *FakePeer) handleCancel(w http.ResponseWriter, req rpcRequest) {
	var params taskParams
	_ = json.Unmarshal(req.Params, &params)

	p.mu.Lock()
	ts, ok := p.tasks[params.TaskID]
	if ok && !ts.task.State.Terminal() {
		ts.task.State = protocol.TaskStateCanceled
	}
	p.mu.Unlock()

	if !ok {
		writeRPCError(w, req.ID, -32000, "unknown task")
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"canceled": true})
}

func (p *FakePeer) handleSubscribe(w http.ResponseWriter, req rpcRequest) {
	if !p.opts.Streaming {
		writeRPCError(w, req.ID, -32601, "streaming not supported")
		return
	}
	var params taskParams
	_ = json.Unmarshal(req.Params, &params)

	p.mu.Lock()
	ts, ok := p.tasks[params.TaskID]
	p.mu.Unlock()
	if !ok {
		writeRPCError(w, req.ID, -32000, "unknown task")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for {
		p.mu.Lock()
		task := p.advance(ts)
		p.mu.Unlock()

		raw, _ := json.Marshal(task)
		fmt.Fprintf(w, "data: %s\n\n", raw)
		if flusher != nil {
			flusher.Flush()
		}
		if task.State.Terminal() || task.State == protocol.TaskStateInputRequired {
			return
		}
	}
}

func writeRPCResult(w http.ResponseWriter, id string, result any) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(raw),
	})
}

func writeRPCError(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	})
}
