// Package protocol implements the JSON-RPC task lifecycle client used to talk
// to remote task-execution peers: submitting work, awaiting completion via
// polling or server-streamed updates, resuming paused tasks with human input,
// and canceling in-flight work.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
)

// ErrAwaitTimeout is returned when a task did not reach a terminal state
// within the await deadline. The client cancels the remote task best effort
// before returning it.
var ErrAwaitTimeout = errors.New("protocol: await timed out")

// PeerError is a JSON-RPC level error returned by a peer.
type PeerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	// HTTPClient performs the requests. Defaults to a client whose dialer
	// waits out peer cold starts per DialPolicy.
	HTTPClient *http.Client
	// Dial supplies the cold-start timeout for the default HTTP client.
	Dial resilience.DialPolicy
	// Retry is the backoff schedule applied to rate limited submissions.
	Retry resilience.RetryPolicy
	// Poll is the cadence used when awaiting a non-streaming peer.
	Poll resilience.PollSchedule
	// Emit receives lifecycle envelopes (task created, state transitions).
	// Nil disables emission.
	Emit func(relay.Envelope)
	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Client talks JSON-RPC 2.0 over HTTP to task-execution peers. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	retry      resilience.RetryPolicy
	poll       resilience.PollSchedule
	emit       func(relay.Envelope)
	logger     logging.Logger
}

// NewClient constructs a Client.
func NewClient(optFns ...func(o *Options)) *Client {
	opts := Options{
		Dial:   resilience.DefaultDialPolicy(),
		Retry:  resilience.DefaultRetryPolicy(),
		Poll:   resilience.DefaultPollSchedule(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = opts.Dial.HTTPClient()
	}

	return &Client{
		httpClient: opts.HTTPClient,
		retry:      opts.Retry,
		poll:       opts.Poll,
		emit:       opts.Emit,
		logger:     opts.Logger,
	}
}

// SubmitOptions scopes a submission to a session and, for resumption, to an
// existing task handle.
type SubmitOptions struct {
	// SessionID groups tasks of one orchestration session.
	SessionID string
	// Peer is the logical peer name, used for event attribution only.
	Peer string
	// PriorTaskID, when set, continues the identified task instead of
	// opening a new one.
	PriorTaskID string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *PeerError      `json:"error,omitempty"`
}

type sendParams struct {
	Message   Message `json:"message"`
	TaskID    string  `json:"task_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

// call performs one JSON-RPC request against addr and decodes the result.
func (c *Client) call(ctx context.Context, addr, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      util.NewID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &resilience.StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Submit sends an instruction to the peer at addr and returns the accepted
// task. Rate limited responses are retried per the retry policy; transient
// network failures get one extra attempt after the cold-start dial window.
func (c *Client) Submit(ctx context.Context, addr, instruction string, opts SubmitOptions) (*Task, error) {
	params := sendParams{
		Message:   NewTextMessage("user", instruction),
		TaskID:    opts.PriorTaskID,
		SessionID: opts.SessionID,
	}

	start := time.Now()
	var task Task
	err := c.retry.Retry(ctx, func() error {
		return c.call(ctx, addr, "message/send", params, &task)
	})
	if err != nil && resilience.Classify(err) == resilience.ClassTransientNetwork && ctx.Err() == nil {
		// One follow-up attempt: the dialer already waited out a cold
		// start, so a second refusal means the peer is genuinely down.
		c.logger.Warn("protocol submit transient failure, retrying once peer=%s err=%v", opts.Peer, err)
		err = c.call(ctx, addr, "message/send", params, &task)
	}
	c.logger.Debug("protocol submit peer=%s task=%s dur=%s err=%v", opts.Peer, task.ID, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("submit to %s: %w", opts.Peer, err)
	}

	if c.emit != nil {
		c.emit(relay.NewTaskCreated(opts.SessionID, opts.Peer, task.ID, string(task.State)))
	}
	return &task, nil
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, addr, taskID string) (*Task, error) {
	var task Task
	if err := c.call(ctx, addr, "tasks/get", taskParams{TaskID: taskID}, &task); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &task, nil
}

// Resume continues a paused task with human-supplied input. Resuming a task
// that already reached a terminal state is a no-op returning the final task.
func (c *Client) Resume(ctx context.Context, addr, taskID, input string, opts SubmitOptions) (*Task, error) {
	current, err := c.GetTask(ctx, addr, taskID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return current, nil
	}

	opts.PriorTaskID = taskID
	params := sendParams{
		Message:   NewTextMessage("user", input),
		TaskID:    taskID,
		SessionID: opts.SessionID,
	}
	var task Task
	err = c.retry.Retry(ctx, func() error {
		return c.call(ctx, addr, "message/send", params, &task)
	})
	if err != nil {
		return nil, fmt.Errorf("resume task %s: %w", taskID, err)
	}

	if c.emit != nil {
		c.emit(relay.NewTaskUpdated(opts.SessionID, opts.Peer, task.ID, string(task.State), len(task.Artifacts)))
	}
	return &task, nil
}

// Cancel requests cancellation of a task. Canceling an already terminal task
// is a peer-side no-op.
func (c *Client) Cancel(ctx context.Context, addr, taskID string) error {
	if err := c.call(ctx, addr, "tasks/cancel", taskParams{TaskID: taskID}, nil); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return nil
}
