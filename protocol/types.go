package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskState is the lifecycle state of a submitted unit of work on a peer.
//
// Transitions: submitted → working → {input_required, completed, failed};
// input_required → working on resumption; every non-terminal state may
// transition to canceled on explicit cancellation or timeout.
type TaskState string

const (
	// TaskStateSubmitted means the peer accepted the unit but has not started.
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateWorking means the peer is executing the unit.
	TaskStateWorking TaskState = "working"
	// TaskStateInputRequired means the peer paused for human-supplied input.
	TaskStateInputRequired TaskState = "input_required"
	// TaskStateCompleted is the successful terminal state.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed is the unsuccessful terminal state.
	TaskStateFailed TaskState = "failed"
	// TaskStateCanceled is the terminal state after cancellation.
	TaskStateCanceled TaskState = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// Part is a polymorphic segment of role-based content. Concrete part types
// implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. a JSON object map).
type DataPart struct {
	Data map[string]any
}

func (DataPart) isPart() {}

// FilePart references a file produced or consumed by a peer.
type FilePart struct {
	Name      string
	URI       string
	MediaType string
	Size      int64
}

func (FilePart) isPart() {}

// Message holds a role plus ordered parts. It marshals parts as tagged JSON
// objects so heterogeneous parts survive the wire.
type Message struct {
	Role  string
	Parts []Part
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

type wirePart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Name      string         `json:"name,omitempty"`
	URI       string         `json:"uri,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Size      int64          `json:"size,omitempty"`
}

type wireMessage struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	wm := wireMessage{Role: m.Role, Parts: make([]wirePart, 0, len(m.Parts))}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			wm.Parts = append(wm.Parts, wirePart{Type: "text", Text: v.Text})
		case DataPart:
			wm.Parts = append(wm.Parts, wirePart{Type: "data", Data: v.Data})
		case FilePart:
			wm.Parts = append(wm.Parts, wirePart{Type: "file", Name: v.Name, URI: v.URI, MediaType: v.MediaType, Size: v.Size})
		default:
			return nil, fmt.Errorf("protocol: unknown part type %T", p)
		}
	}
	return json.Marshal(wm)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}
	m.Role = wm.Role
	m.Parts = m.Parts[:0]
	for _, wp := range wm.Parts {
		switch wp.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: wp.Text})
		case "data":
			m.Parts = append(m.Parts, DataPart{Data: wp.Data})
		case "file":
			m.Parts = append(m.Parts, FilePart{Name: wp.Name, URI: wp.URI, MediaType: wp.MediaType, Size: wp.Size})
		default:
			return fmt.Errorf("protocol: unknown part type %q", wp.Type)
		}
	}
	return nil
}

// NewTextMessage builds a single text part message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Artifact is a typed output collected from a completed task.
type Artifact struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	URI       string `json:"uri,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Task is the peer-side view of one submitted unit, identified by an opaque
// handle. The protocol client owns Task values for their lifetime; session
// state keeps only the handle for resumption.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"context_id,omitempty"`
	State     TaskState  `json:"state"`
	Status    *Message   `json:"status,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Result is the outcome of awaiting a task: final text, collected artifacts
// and the terminal state reached.
type Result struct {
	State     TaskState  `json:"state"`
	Text      string     `json:"text"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Succeeded reports whether the task reached the completed state.
func (r *Result) Succeeded() bool { return r != nil && r.State == TaskStateCompleted }

func resultFromTask(t *Task) *Result {
	res := &Result{State: t.State, Artifacts: t.Artifacts}
	if t.Status != nil {
		res.Text = t.Status.Text()
	}
	return res
}
