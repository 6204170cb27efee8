package protocol

// ToolCallStatus represents the lifecycle state of one tool call
type ToolCallStatus string

const (
	ToolCallScheduled            ToolCallStatus = "scheduled"
	ToolCallAwaitingConfirmation ToolCallStatus = "awaiting_confirmation"
	ToolCallExecuting            ToolCallStatus = "executing"
	ToolCallCompleted            ToolCallStatus = "completed"
	ToolCallCancelled            ToolCallStatus = "cancelled"
	ToolCallFailed               ToolCallStatus = "failed"
)

// Terminal reports whether the tool call has finished
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallCancelled, ToolCallFailed:
		return true
	}
	return false
}

// ToolCallRequest is one invocation requested by the model
type ToolCallRequest struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// ToolCallRecord is the mutable projection of a ToolCallRequest through
// its lifecycle. CorrelationID is set once a confirmation has been
// requested and must be echoed back verbatim in the confirmation response.
type ToolCallRecord struct {
	CallID        string         `json:"call_id"`
	Name          string         `json:"name"`
	Status        ToolCallStatus `json:"status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// ConfirmationOutcome is an external decision about a pending tool call
type ConfirmationOutcome string

const (
	OutcomeProceedOnce   ConfirmationOutcome = "proceed_once"
	OutcomeProceedAlways ConfirmationOutcome = "proceed_always"
	OutcomeCancel        ConfirmationOutcome = "cancel"
)

// Approved reports whether the outcome allows the tool call to run
func (o ConfirmationOutcome) Approved() bool {
	return o == OutcomeProceedOnce || o == OutcomeProceedAlways
}
