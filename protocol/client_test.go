package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/protocol"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
)

func fastClient(emit func(relay.Envelope)) *protocol.Client {
	return protocol.NewClient(func(o *protocol.Options) {
		o.Retry = resilience.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3}
		o.Poll = resilience.PollSchedule{Initial: time.Millisecond, FastChecks: 5, Step: time.Millisecond, Max: 5 * time.Millisecond}
		o.Emit = emit
	})
}

func TestClient_SubmitAndPollToCompletion(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.CompleteAfterPolls = 2
		o.ResultText = "all done"
	})
	defer peer.Close()

	var events []relay.Envelope
	client := fastClient(func(env relay.Envelope) { events = append(events, env) })

	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{
		SessionID: "sess-1",
		Peer:      "worker",
	})
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateSubmitted, task.State)

	res, err := client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{
		SessionID: "sess-1",
		Peer:      "worker",
		Timeout:   5 * time.Second,
	})
	assert.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "all done", res.Text)

	// task_created plus the observed transitions.
	assert.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, relay.EventTaskCreated, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, relay.EventTaskUpdated, last.Type)
	assert.Equal(t, string(protocol.TaskStateCompleted), last.Task.State)
}

func TestClient_SubmitRetriesRateLimit(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.RejectSubmits = 2
	})
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 3, peer.Submits())
}

func TestClient_SubmitSurfacesAfterRetryBudget(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.RejectSubmits = 10
	})
	defer peer.Close()

	client := fastClient(nil)
	_, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.Error(t, err)
	assert.Equal(t, resilience.ClassRateLimited, resilience.Classify(err))
	// Initial attempt plus three retries.
	assert.Equal(t, 4, peer.Submits())
}

func TestClient_AwaitStream(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.Streaming = true
		o.CompleteAfterPolls = 3
		o.ResultText = "streamed"
	})
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)

	res, err := client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{
		Peer:      "worker",
		Timeout:   5 * time.Second,
		Streaming: true,
	})
	assert.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "streamed", res.Text)
}

func TestClient_AwaitSurfacesInputRequired(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.PauseForInput = true
	})
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)

	res, err := client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{
		Peer:    "worker",
		Timeout: 5 * time.Second,
	})
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateInputRequired, res.State)

	// Resuming moves the task back to working and on to completion.
	resumed, err := client.Resume(context.Background(), peer.URL(), task.ID, "here you go", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateWorking, resumed.State)

	res, err = client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{
		Peer:    "worker",
		Timeout: 5 * time.Second,
	})
	assert.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestClient_ResumeTerminalTaskIsNoOp(t *testing.T) {
	peer := testutil.NewFakePeer()
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)

	res, err := client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{Peer: "worker", Timeout: 5 * time.Second})
	assert.NoError(t, err)
	assert.True(t, res.Succeeded())

	submitsBefore := peer.Submits()
	resumed, err := client.Resume(context.Background(), peer.URL(), task.ID, "ignored", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateCompleted, resumed.State)
	assert.Equal(t, submitsBefore, peer.Submits())
}

func TestClient_Cancel(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.CompleteAfterPolls = 100
	})
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)

	assert.NoError(t, client.Cancel(context.Background(), peer.URL(), task.ID))

	got, err := client.GetTask(context.Background(), peer.URL(), task.ID)
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateCanceled, got.State)
}

func TestClient_AwaitTimeoutCancelsTask(t *testing.T) {
	peer := testutil.NewFakePeer(func(o *testutil.FakePeerOptions) {
		o.CompleteAfterPolls = 10000
	})
	defer peer.Close()

	client := fastClient(nil)
	task, err := client.Submit(context.Background(), peer.URL(), "do work", protocol.SubmitOptions{Peer: "worker"})
	assert.NoError(t, err)

	_, err = client.AwaitCompletion(context.Background(), peer.URL(), task.ID, protocol.AwaitOptions{
		Peer:    "worker",
		Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, protocol.ErrAwaitTimeout)

	got, err := client.GetTask(context.Background(), peer.URL(), task.ID)
	assert.NoError(t, err)
	assert.Equal(t, protocol.TaskStateCanceled, got.State)
}
