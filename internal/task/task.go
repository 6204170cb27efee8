// Package task implements the per-conversation state machine. A Task owns
// its batch scheduler and one confirmation-bus subscription for its
// lifetime, projects tool-call lifecycle updates into externally published
// events, and funnels every lifecycle mutation through a single transition
// entry point.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/torc/internal/bus"
	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
	"github.com/iambrandonn/torc/internal/scheduler"
)

// inputQueueSize bounds follow-up messages queued while a turn is running
const inputQueueSize = 16

// Task is one logical conversation/workspace session
type Task struct {
	id        string
	contextID string
	settings  config.AgentSettings
	client    llm.Client
	sched     *scheduler.BatchScheduler
	bus       *bus.Bus
	logger    *slog.Logger
	inbox     chan *protocol.Message

	mu                   sync.Mutex
	state                protocol.TaskState
	history              []protocol.Message
	publisher            protocol.Publisher
	pendingConfirmations map[string]string // call id -> correlation id
}

// New creates a fresh task in the submitted state
func New(id, contextID string, settings config.AgentSettings, client llm.Client, runner scheduler.Runner, pub protocol.Publisher, logger *slog.Logger) *Task {
	return newTask(id, contextID, protocol.TaskStateSubmitted, settings, client, runner, pub, logger)
}

// NewFromState rehydrates a task with a previously persisted lifecycle state
func NewFromState(id, contextID string, state protocol.TaskState, settings config.AgentSettings, client llm.Client, runner scheduler.Runner, pub protocol.Publisher, logger *slog.Logger) *Task {
	return newTask(id, contextID, state, settings, client, runner, pub, logger)
}

func newTask(id, contextID string, state protocol.TaskState, settings config.AgentSettings, client llm.Client, runner scheduler.Runner, pub protocol.Publisher, logger *slog.Logger) *Task {
	b := bus.New(logger)
	t := &Task{
		id:                   id,
		contextID:            contextID,
		settings:             settings,
		client:               client,
		sched:                scheduler.New(runner, b, settings.AutoExecute, logger),
		bus:                  b,
		logger:               logger.With("task_id", id),
		inbox:                make(chan *protocol.Message, inputQueueSize),
		state:                state,
		pendingConfirmations: make(map[string]string),
	}
	t.publisher = pub

	updates, cancel := b.SubscribeUpdates()
	go t.projectUpdates(updates, cancel)

	return t
}

// ID returns the task id
func (t *Task) ID() string { return t.id }

// ContextID returns the context id
func (t *Task) ContextID() string { return t.contextID }

// Settings returns the immutable agent settings
func (t *Task) Settings() config.AgentSettings { return t.settings }

// State returns the current lifecycle state
func (t *Task) State() protocol.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetPublisher rebinds the protocol-facing publisher, used when a new
// external request attaches to an already-resident task.
func (t *Task) SetPublisher(pub protocol.Publisher) {
	if pub == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = pub
}

// Transition moves the task to the given state and publishes the
// corresponding status event. It is the only way lifecycle state changes.
// Transitions out of a terminal state are refused; the return value
// reports whether the transition was applied.
func (t *Task) Transition(state protocol.TaskState, msg *protocol.Message, final bool) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		t.logger.Debug("transition refused, task is terminal", "from", t.state, "to", state)
		return false
	}
	t.state = state
	pub := t.publisher
	t.mu.Unlock()

	t.publishStatus(pub, state, msg, final, map[string]any{
		protocol.MetadataUpdateKind: protocol.UpdateKindStateChange,
	})
	return true
}

// RepublishStatus publishes the current status again without any state
// change. Used for idempotent cancellation of already-terminal tasks.
func (t *Task) RepublishStatus(final bool) {
	t.mu.Lock()
	state := t.state
	pub := t.publisher
	t.mu.Unlock()

	t.publishStatus(pub, state, nil, final, map[string]any{
		protocol.MetadataUpdateKind: protocol.UpdateKindStateChange,
	})
}

// AppendHistory appends a message to the task transcript
func (t *Task) AppendHistory(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, msg)
}

// History returns a copy of the transcript
func (t *Task) History() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.history...)
}

// AcceptUserMessage records the inbound message and starts a model turn
func (t *Task) AcceptUserMessage(ctx context.Context, msg *protocol.Message) (<-chan llm.Event, error) {
	t.AppendHistory(*msg)
	return t.client.AcceptUserMessage(ctx, msg)
}

// SendToolResults records the drained tool records in the transcript and
// feeds them back into the model conversation, starting a new model turn.
func (t *Task) SendToolResults(ctx context.Context, records []protocol.ToolCallRecord) (<-chan llm.Event, error) {
	t.AppendHistory(toolResultsMessage(records))
	return t.client.SendToolResults(ctx, records)
}

// ApplyModelEvent applies a conversational model event to the transcript
// and surfaces it as a non-final working status update.
func (t *Task) ApplyModelEvent(ev llm.Event) {
	if ev.Kind != llm.EventConversational || ev.Message == nil {
		return
	}

	t.AppendHistory(*ev.Message)

	t.mu.Lock()
	pub := t.publisher
	t.mu.Unlock()

	t.publishStatus(pub, protocol.TaskStateWorking, ev.Message, false, nil)
}

// RecordToolResults appends drained tool records to the transcript
// without a model round-trip, for turns that end on cancellation.
func (t *Task) RecordToolResults(records []protocol.ToolCallRecord) {
	t.AppendHistory(toolResultsMessage(records))
}

// ScheduleToolCalls hands one batch of tool-call requests to the scheduler
func (t *Task) ScheduleToolCalls(ctx context.Context, batch []protocol.ToolCallRequest) {
	t.sched.Schedule(ctx, batch)
}

// WaitForTools blocks until the scheduler reports no pending calls
func (t *Task) WaitForTools(ctx context.Context) error {
	return t.sched.Wait(ctx)
}

// DrainToolResults atomically reads and clears completed tool records
func (t *Task) DrainToolResults() []protocol.ToolCallRecord {
	return t.sched.Drain()
}

// CancelPendingTools denies outstanding confirmations and cancels every
// non-terminal tool call, returning once all records have resolved.
func (t *Task) CancelPendingTools(reason string) {
	t.sched.CancelPending(reason)
}

// ResolveConfirmation routes an external confirmation decision to the
// scheduler via the bus. The call id must belong to a tool call currently
// awaiting confirmation; anything else is rejected.
func (t *Task) ResolveConfirmation(callID string, outcome protocol.ConfirmationOutcome) error {
	t.mu.Lock()
	corr, ok := t.pendingConfirmations[callID]
	if ok {
		delete(t.pendingConfirmations, callID)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("no confirmation pending for tool call %s", callID)
	}

	return t.bus.Resolve(bus.ConfirmationResponse{
		CorrelationID: corr,
		Confirmed:     outcome.Approved(),
		Outcome:       outcome,
	})
}

// EnqueueInput delivers a follow-up message to the running turn loop. The
// caller returns once the message is queued, not once it takes effect.
func (t *Task) EnqueueInput(msg *protocol.Message) error {
	select {
	case t.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("input queue full for task %s", t.id)
	}
}

// NextQueuedInput pops the next queued follow-up message, if any
func (t *Task) NextQueuedInput() (*protocol.Message, bool) {
	select {
	case msg := <-t.inbox:
		return msg, true
	default:
		return nil, false
	}
}

// Snapshot builds the protocol task record for persistence or transport.
// Metadata is left to the caller (the orchestrator owns the state codec).
func (t *Task) Snapshot() *protocol.Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &protocol.Task{
		ID:        t.id,
		ContextID: t.contextID,
		Status: protocol.TaskStatus{
			State:     t.state,
			Timestamp: time.Now().UTC(),
		},
		History: append([]protocol.Message(nil), t.history...),
	}
}

// Close releases the task's bus subscription and denies any confirmation
// still pending.
func (t *Task) Close() {
	t.bus.Close()
}

func (t *Task) publishStatus(pub protocol.Publisher, state protocol.TaskState, msg *protocol.Message, final bool, metadata map[string]any) {
	if pub == nil {
		return
	}
	ev := &protocol.StatusUpdateEvent{
		TaskID:    t.id,
		ContextID: t.contextID,
		Status: protocol.TaskStatus{
			State:     state,
			Message:   msg,
			Timestamp: time.Now().UTC(),
		},
		Final:    final,
		Metadata: metadata,
	}
	if err := pub.Publish(ev); err != nil {
		t.logger.Warn("failed to publish status update", "state", state, "error", err)
	}
}

// projectUpdates consumes the task's bus subscription, stashing pending
// confirmation correlations and surfacing each lifecycle update to the
// external publisher.
func (t *Task) projectUpdates(updates <-chan protocol.ToolCallRecord, cancel func()) {
	defer cancel()

	for rec := range updates {
		t.mu.Lock()
		switch {
		case rec.Status == protocol.ToolCallAwaitingConfirmation && rec.CorrelationID != "":
			t.pendingConfirmations[rec.CallID] = rec.CorrelationID
		case rec.Status.Terminal():
			delete(t.pendingConfirmations, rec.CallID)
		}
		pub := t.publisher
		t.mu.Unlock()

		if pub == nil {
			continue
		}

		if rec.Status == protocol.ToolCallExecuting && rec.Output != "" {
			artifact := &protocol.ArtifactUpdateEvent{
				TaskID:    t.id,
				ContextID: t.contextID,
				Artifact: protocol.Artifact{
					ArtifactID: fmt.Sprintf("tool-%s-output", rec.CallID),
					Parts:      []protocol.Part{protocol.TextPart(rec.Output)},
				},
			}
			if err := pub.Publish(artifact); err != nil {
				t.logger.Warn("failed to publish tool output artifact", "call_id", rec.CallID, "error", err)
			}
		}

		status := &protocol.StatusUpdateEvent{
			TaskID:    t.id,
			ContextID: t.contextID,
			Status: protocol.TaskStatus{
				State:     protocol.TaskStateWorking,
				Timestamp: time.Now().UTC(),
			},
			Metadata: map[string]any{
				protocol.MetadataUpdateKind: protocol.UpdateKindToolCall,
				protocol.MetadataToolCallID: rec.CallID,
				protocol.MetadataToolStatus: string(rec.Status),
			},
		}
		if err := pub.Publish(status); err != nil {
			t.logger.Warn("failed to publish tool status update", "call_id", rec.CallID, "error", err)
		}
	}
}

func toolResultsMessage(records []protocol.ToolCallRecord) protocol.Message {
	parts := make([]protocol.Part, 0, len(records))
	for _, rec := range records {
		parts = append(parts, protocol.DataPart(map[string]any{
			"call_id": rec.CallID,
			"name":    rec.Name,
			"status":  string(rec.Status),
			"output":  rec.Output,
			"error":   rec.Error,
		}))
	}
	return protocol.Message{
		MessageID: uuid.New().String(),
		Role:      protocol.RoleAgent,
		Parts:     parts,
	}
}
