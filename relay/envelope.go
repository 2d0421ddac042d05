package relay

import (
	"time"

	"github.com/hupe1980/taskmesh/internal/util"
)

// EventType tags a lifecycle envelope so observers can switch on it without
// inspecting the payload.
type EventType string

const (
	// EventTaskCreated signals that a unit of work was accepted by a peer.
	EventTaskCreated EventType = "task_created"
	// EventTaskUpdated signals a task lifecycle state transition.
	EventTaskUpdated EventType = "task_updated"
	// EventMessage carries conversational output produced by a peer.
	EventMessage EventType = "message"
	// EventFileUploaded signals that a peer produced a file artifact.
	EventFileUploaded EventType = "file_uploaded"
	// EventPlanFailed signals that a plan stopped before completion.
	EventPlanFailed EventType = "plan_failed"
	// EventKeepalive is sent periodically on idle channels so observers and
	// intermediaries do not reap the connection.
	EventKeepalive EventType = "keepalive"
)

// TaskPayload describes the task a task_created/task_updated envelope refers to.
type TaskPayload struct {
	Peer      string `json:"peer"`
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Artifacts int    `json:"artifacts"`
}

// MessagePayload carries role-attributed conversational content.
type MessagePayload struct {
	Role  string   `json:"role"`
	Parts []string `json:"parts"`
}

// FilePayload describes an uploaded artifact.
type FilePayload struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
}

// PlanPayload carries the terminal failure cause of a plan.
type PlanPayload struct {
	Group string `json:"group,omitempty"`
	Cause string `json:"cause"`
}

// Envelope is the lifecycle event pushed through the relay. Exactly one of the
// typed payload pointers is set, matching Type. After publication it should be
// treated as immutable.
type Envelope struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Task      *TaskPayload    `json:"task,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	File      *FilePayload    `json:"file,omitempty"`
	Plan      *PlanPayload    `json:"plan,omitempty"`
}

func newEnvelope(t EventType, sessionID string) Envelope {
	return Envelope{
		Type:      t,
		ID:        util.NewID(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// NewTaskCreated constructs a task_created envelope.
func NewTaskCreated(sessionID, peer, taskID, state string) Envelope {
	e := newEnvelope(EventTaskCreated, sessionID)
	e.Task = &TaskPayload{Peer: peer, TaskID: taskID, State: state}
	return e
}

// NewTaskUpdated constructs a task_updated envelope.
func NewTaskUpdated(sessionID, peer, taskID, state string, artifacts int) Envelope {
	e := newEnvelope(EventTaskUpdated, sessionID)
	e.Task = &TaskPayload{Peer: peer, TaskID: taskID, State: state, Artifacts: artifacts}
	return e
}

// NewMessage constructs a message envelope.
func NewMessage(sessionID, role string, parts ...string) Envelope {
	e := newEnvelope(EventMessage, sessionID)
	e.Message = &MessagePayload{Role: role, Parts: parts}
	return e
}

// NewFileUploaded constructs a file_uploaded envelope.
func NewFileUploaded(sessionID, name string, size int64, mediaType string) Envelope {
	e := newEnvelope(EventFileUploaded, sessionID)
	e.File = &FilePayload{Name: name, Size: size, MediaType: mediaType}
	return e
}

// NewPlanFailed constructs a plan_failed envelope carrying the triggering cause.
func NewPlanFailed(sessionID, group, cause string) Envelope {
	e := newEnvelope(EventPlanFailed, sessionID)
	e.Plan = &PlanPayload{Group: group, Cause: cause}
	return e
}

// NewKeepalive constructs a keepalive envelope.
func NewKeepalive(sessionID string) Envelope {
	return newEnvelope(EventKeepalive, sessionID)
}
