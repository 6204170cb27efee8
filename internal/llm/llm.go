// Package llm defines the port to the language-model collaborator. The
// orchestration core consumes model turns as channels of tagged events
// and never constructs prompts or decodes tokens itself.
package llm

import (
	"context"

	"github.com/iambrandonn/torc/internal/protocol"
)

// EventKind tags a model event
type EventKind string

const (
	EventConversational  EventKind = "conversational"
	EventToolCallRequest EventKind = "tool-call-request"
)

// Event is one item of a model turn's output stream. Exactly one of
// Message and ToolCall is set, according to Kind.
type Event struct {
	Kind     EventKind
	Message  *protocol.Message
	ToolCall *protocol.ToolCallRequest
}

// Conversational builds a conversational event
func Conversational(msg *protocol.Message) Event {
	return Event{Kind: EventConversational, Message: msg}
}

// ToolCall builds a tool-call-request event
func ToolCall(req *protocol.ToolCallRequest) Event {
	return Event{Kind: EventToolCallRequest, ToolCall: req}
}

// Client drives one model conversation. Both generators return a channel
// the producer closes when the model turn ends; consumers must drain it.
type Client interface {
	// Initialize prepares the conversation (system prompt, tool schema).
	Initialize(ctx context.Context) error

	// AcceptUserMessage starts a model turn from an inbound user message.
	AcceptUserMessage(ctx context.Context, msg *protocol.Message) (<-chan Event, error)

	// SendToolResults feeds completed tool-call records back into the
	// conversation and starts the follow-up model turn.
	SendToolResults(ctx context.Context, records []protocol.ToolCallRecord) (<-chan Event, error)
}
