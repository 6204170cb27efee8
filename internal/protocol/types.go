package protocol

import (
	"strings"
	"time"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
)

// Terminal reports whether the state accepts no further turns
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	}
	return false
}

// Role identifies the author of a message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind represents the content type of a message part
type PartKind string

const (
	PartKindText    PartKind = "text"
	PartKindThought PartKind = "thought"
	PartKindData    PartKind = "data"
)

// Part is one unit of message content
type Part struct {
	Kind PartKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a plain text part
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// ThoughtPart builds a thinking-annotation part
func ThoughtPart(text string) Part {
	return Part{Kind: PartKindThought, Text: text}
}

// DataPart builds a structured data part
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is one conversational message in a task's history
type Message struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// Text concatenates the text parts of the message
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TaskStatus pairs a lifecycle state with an optional message
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact describes produced output attached to a task
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is the protocol-level task record. Metadata is opaque to the
// transport; the orchestrator stores its persisted state there and reads
// no other field back.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"context_id"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
