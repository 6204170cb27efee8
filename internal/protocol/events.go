package protocol

// EventKind distinguishes the published event variants
type EventKind string

const (
	EventKindStatusUpdate   EventKind = "status-update"
	EventKindArtifactUpdate EventKind = "artifact-update"
)

// Metadata keys and values tagging status updates so the transport can
// tell orchestrator-originated transitions apart from conversational ones.
const (
	MetadataUpdateKind    = "update_kind"
	UpdateKindStateChange = "state-change"
	UpdateKindToolCall    = "tool-call-update"
	MetadataToolCallID    = "tool_call_id"
	MetadataToolStatus    = "tool_status"
)

// Event is a message published to the external event sink
type Event interface {
	Kind() EventKind
}

// StatusUpdateEvent reports a task status to the transport. Final marks
// the end of a logical turn so the transport can flush.
type StatusUpdateEvent struct {
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Kind implements Event
func (e *StatusUpdateEvent) Kind() EventKind { return EventKindStatusUpdate }

// StateChange reports whether the update carries the state-change marker
func (e *StatusUpdateEvent) StateChange() bool {
	return e.Metadata != nil && e.Metadata[MetadataUpdateKind] == UpdateKindStateChange
}

// ArtifactUpdateEvent reports incremental artifact content to the transport
type ArtifactUpdateEvent struct {
	TaskID    string   `json:"task_id"`
	ContextID string   `json:"context_id"`
	Artifact  Artifact `json:"artifact"`
}

// Kind implements Event
func (e *ArtifactUpdateEvent) Kind() EventKind { return EventKindArtifactUpdate }

// Publisher is the protocol-facing sink for published events
type Publisher interface {
	Publish(Event) error
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(Event) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ev Event) error { return f(ev) }

// MultiPublisher fans one event out to several sinks, returning the first
// error after attempting all of them
type MultiPublisher []Publisher

// Publish implements Publisher
func (m MultiPublisher) Publish(ev Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
