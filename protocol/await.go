package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
)

// AwaitOptions configures how the client waits for a task to finish.
type AwaitOptions struct {
	// SessionID attributes emitted envelopes.
	SessionID string
	// Peer is the logical peer name, for event attribution and logging.
	Peer string
	// Timeout bounds the whole wait. Zero means no client-side deadline
	// beyond the passed context.
	Timeout time.Duration
	// Streaming selects the server-streamed backend when the peer supports
	// it; otherwise the client polls. Callers pick this from the peer's
	// declared capability and never branch on it anywhere else.
	Streaming bool
}

// AwaitCompletion blocks until the task reaches a terminal state or pauses
// for input, emitting a task_updated envelope per observed transition. The
// input_required state is surfaced as a Result so the caller can decide how
// to obtain the missing input; resume with Resume.
func (c *Client) AwaitCompletion(ctx context.Context, addr, taskID string, opts AwaitOptions) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		res *Result
		err error
	)
	if opts.Streaming {
		res, err = c.awaitStream(ctx, addr, taskID, opts)
		if err != nil && ctx.Err() == nil {
			// Stream setup or transport failure: fall back to polling so a
			// flaky streaming endpoint does not fail the whole unit.
			c.logger.Warn("protocol stream failed, falling back to polling peer=%s task=%s err=%v", opts.Peer, taskID, err)
			res, err = c.awaitPoll(ctx, addr, taskID, opts)
		}
	} else {
		res, err = c.awaitPoll(ctx, addr, taskID, opts)
	}

	if err != nil && ctx.Err() != nil {
		// The deadline fired. Cancel the remote task so the peer does not
		// keep burning work, then surface the timeout.
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := c.Cancel(cancelCtx, addr, taskID); cerr != nil {
			c.logger.Debug("protocol best-effort cancel failed task=%s err=%v", taskID, cerr)
		}
		return nil, fmt.Errorf("%w: task %s on %s", ErrAwaitTimeout, taskID, opts.Peer)
	}
	return res, err
}

// awaitPoll repeatedly fetches the task on the adaptive schedule until it
// leaves the active states.
func (c *Client) awaitPoll(ctx context.Context, addr, taskID string, opts AwaitOptions) (*Result, error) {
	var lastState TaskState
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 0; ; attempt++ {
		task, err := c.GetTask(ctx, addr, taskID)
		if err != nil {
			if resilience.Classify(err) != resilience.ClassPermanent && ctx.Err() == nil {
				// Missed poll against a busy peer: the next tick retries.
				c.logger.Debug("protocol poll miss task=%s err=%v", taskID, err)
			} else {
				return nil, err
			}
		} else {
			if task.State != lastState {
				c.emitTransition(opts, task)
				lastState = task.State
			}
			if task.State.Terminal() || task.State == TaskStateInputRequired {
				return resultFromTask(task), nil
			}
		}

		timer.Reset(c.poll.Interval(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// awaitStream subscribes to server-sent task updates and consumes them until
// a terminal or input_required state arrives.
func (c *Client) awaitStream(ctx context.Context, addr, taskID string, opts AwaitOptions) (*Result, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      util.NewID(),
		Method:  "tasks/subscribe",
		Params:  taskParams{TaskID: taskID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &resilience.StatusError{Code: resp.StatusCode}
	}

	var lastState TaskState
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			c.logger.Debug("protocol stream skipped malformed frame task=%s err=%v", taskID, err)
			continue
		}
		if task.State != lastState {
			c.emitTransition(opts, &task)
			lastState = task.State
		}
		if task.State.Terminal() || task.State == TaskStateInputRequired {
			return resultFromTask(&task), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream task %s: %w", taskID, err)
	}
	// Stream ended without a terminal frame. One final fetch settles it.
	task, err := c.GetTask(ctx, addr, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() || task.State == TaskStateInputRequired {
		return resultFromTask(task), nil
	}
	return nil, fmt.Errorf("protocol: stream for task %s ended in state %s", taskID, task.State)
}

func (c *Client) emitTransition(opts AwaitOptions, task *Task) {
	if c.emit == nil {
		return
	}
	c.emit(relay.NewTaskUpdated(opts.SessionID, opts.Peer, task.ID, string(task.State), len(task.Artifacts)))
	for _, a := range task.Artifacts {
		if a.URI != "" {
			c.emit(relay.NewFileUploaded(opts.SessionID, a.Name, a.Size, a.MediaType))
		}
	}
}
