package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/bridge"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/resilience"
	"github.com/hupe1980/taskmesh/session"
)

func newTestBridge(t *testing.T, peer *testutil.FakePeer) (*bridge.Bridge, session.Store) {
	t.Helper()

	reg := registry.New(func(o *registry.Options) {
		o.Prober = registry.ProberFunc(func(context.Context, string) error { return nil })
	})
	reg.Register(registry.Descriptor{Name: "worker", URL: peer.URL()})

	client := protocol.NewClient(func(o *protocol.Options) {
		o.Retry = resilience.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 1}
		o.Poll = resilience.PollSchedule{Initial: time.Millisecond, FastChecks: 5, Step: time.Millisecond, Max: 5 * time.Millisecond}
	})

	sessions := session.NewInMemoryStore()
	t.Cleanup(sessions.Close)

	return bridge.New(reg, client, sessions, func(o *bridge.Options) {
		o.AwaitTimeout = 5 * time.Second
	}), sessions
}

func TestBridge_UnknownAction(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	_, err := b.Call(context.Background(), map[string]any{"action": "teleport"})
	var toolErr *bridge.ToolExecutionError
	assert.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "teleport", toolErr.Action)
}

func TestBridge_ListPeers(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	out, err := b.Call(context.Background(), map[string]any{"action": "list_peers"})
	assert.NoError(t, err)
	descriptors, ok := out.([]registry.Descriptor)
	assert.True(t, ok)
	assert.Len(t, descriptors, 1)
	assert.Equal(t, "worker", descriptors[0].Name)
}

func TestBridge_SendTask(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.ResultText = "task output"
	})
	defer peer.Close()
	b, sessions := newTestBridge(t, peer)

	out, err := b.Call(context.Background(), map[string]any{
		"action":     "send_task",
		"peer":       "worker",
		"message":    "do the thing",
		"session_id": "s1",
	})
	assert.NoError(t, err)

	result, ok := out.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "task output", result["output"])
	assert.Equal(t, string(protocol.TaskStateCompleted), result["state"])

	// The task handle was recorded in the session for later actions.
	sc, err := sessions.Get(context.Background(), "s1")
	assert.NoError(t, err)
	id, ok := sc.Task("worker")
	assert.True(t, ok)
	assert.Equal(t, result["task_id"], id)
}

func TestBridge_SendTaskFailureCarriesContext(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.FailTasks = true
	})
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	_, err := b.Call(context.Background(), map[string]any{
		"action":  "send_task",
		"peer":    "worker",
		"message": "doomed",
	})
	var toolErr *bridge.ToolExecutionError
	assert.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "worker", toolErr.Peer)
	assert.Equal(t, "send_task", toolErr.Action)
	assert.Equal(t, "boom", toolErr.Raw)
}

func TestBridge_TaskStatusUsesSessionHandle(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	out, err := b.Call(context.Background(), map[string]any{
		"action":     "send_task",
		"peer":       "worker",
		"message":    "work",
		"session_id": "s1",
	})
	assert.NoError(t, err)
	taskID := out.(map[string]any)["task_id"]

	// task_id omitted on purpose: the bridge falls back to the session.
	status, err := b.Call(context.Background(), map[string]any{
		"action":     "task_status",
		"peer":       "worker",
		"session_id": "s1",
	})
	assert.NoError(t, err)
	task, ok := status.(*protocol.Task)
	assert.True(t, ok)
	assert.Equal(t, taskID, task.ID)
}

func TestBridge_CancelRequiresHandle(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	_, err := b.Call(context.Background(), map[string]any{
		"action": "cancel_task",
		"peer":   "worker",
	})
	var toolErr *bridge.ToolExecutionError
	assert.ErrorAs(t, err, &toolErr)
}

func TestBridge_Parameters(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()
	b, _ := newTestBridge(t, peer)

	params := b.Parameters()
	assert.Equal(t, "object", params["type"])
	props := params["properties"].(map[string]any)
	action := props["action"].(map[string]any)
	assert.ElementsMatch(t, []string{"cancel_task", "list_peers", "resume_task", "send_task", "task_status"}, action["enum"])
}
