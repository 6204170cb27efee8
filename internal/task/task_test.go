package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
)

// capturePublisher records published events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (p *capturePublisher) Publish(ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) statusUpdates() []*protocol.StatusUpdateEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.StatusUpdateEvent
	for _, ev := range p.events {
		if s, ok := ev.(*protocol.StatusUpdateEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

// noopClient satisfies llm.Client for tests that never start a model turn
type noopClient struct{}

func (noopClient) Initialize(context.Context) error { return nil }

func (noopClient) AcceptUserMessage(ctx context.Context, msg *protocol.Message) (<-chan llm.Event, error) {
	ch := make(chan llm.Event)
	close(ch)
	return ch, nil
}

func (noopClient) SendToolResults(ctx context.Context, records []protocol.ToolCallRecord) (<-chan llm.Event, error) {
	ch := make(chan llm.Event)
	close(ch)
	return ch, nil
}

// confirmRunner requires confirmation for every call and records runs
type confirmRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *confirmRunner) RequiresConfirmation(protocol.ToolCallRequest) bool { return true }

func (r *confirmRunner) Run(ctx context.Context, req protocol.ToolCallRequest, emit func(string)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, req.Name)
	return "done", nil
}

func newTestTask(t *testing.T, settings config.AgentSettings) (*Task, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tk := New("T-0001", "ctx-1", settings, noopClient{}, &confirmRunner{}, pub, logger)
	t.Cleanup(tk.Close)
	return tk, pub
}

func TestTransitionPublishesStateChange(t *testing.T) {
	tk, pub := newTestTask(t, config.AgentSettings{})

	if !tk.Transition(protocol.TaskStateWorking, nil, false) {
		t.Fatal("Transition() refused a legal transition")
	}
	if tk.State() != protocol.TaskStateWorking {
		t.Errorf("State() = %s, want working", tk.State())
	}

	updates := pub.statusUpdates()
	if len(updates) != 1 {
		t.Fatalf("published %d status updates, want 1", len(updates))
	}
	if !updates[0].StateChange() {
		t.Error("transition update should carry the state-change marker")
	}
	if updates[0].Status.State != protocol.TaskStateWorking {
		t.Errorf("published state = %s", updates[0].Status.State)
	}
}

func TestTransitionRefusedFromTerminal(t *testing.T) {
	tk, _ := newTestTask(t, config.AgentSettings{})

	if !tk.Transition(protocol.TaskStateCompleted, nil, true) {
		t.Fatal("transition to completed refused")
	}
	if tk.Transition(protocol.TaskStateWorking, nil, false) {
		t.Error("transition out of a terminal state should be refused")
	}
	if tk.State() != protocol.TaskStateCompleted {
		t.Errorf("State() = %s, want completed", tk.State())
	}
}

func TestApplyModelEventAppendsHistory(t *testing.T) {
	tk, pub := newTestTask(t, config.AgentSettings{})

	msg := &protocol.Message{MessageID: "m-1", Role: protocol.RoleAgent, Parts: []protocol.Part{protocol.TextPart("hi")}}
	tk.ApplyModelEvent(llm.Conversational(msg))

	history := tk.History()
	if len(history) != 1 || history[0].Text() != "hi" {
		t.Errorf("history = %+v", history)
	}

	updates := pub.statusUpdates()
	if len(updates) != 1 {
		t.Fatalf("published %d updates, want 1", len(updates))
	}
	if updates[0].StateChange() {
		t.Error("conversational update must not carry the state-change marker")
	}
	if updates[0].Status.Message == nil || updates[0].Status.Message.Text() != "hi" {
		t.Error("conversational update should carry the message")
	}
}

func TestEnqueueInput(t *testing.T) {
	tk, _ := newTestTask(t, config.AgentSettings{})

	if _, ok := tk.NextQueuedInput(); ok {
		t.Error("NextQueuedInput() on empty queue should report false")
	}

	msg := &protocol.Message{MessageID: "m-1", Role: protocol.RoleUser}
	if err := tk.EnqueueInput(msg); err != nil {
		t.Fatalf("EnqueueInput() error = %v", err)
	}

	got, ok := tk.NextQueuedInput()
	if !ok || got.MessageID != "m-1" {
		t.Errorf("NextQueuedInput() = %+v, %v", got, ok)
	}
}

func TestResolveConfirmationUnknownCallRejected(t *testing.T) {
	tk, _ := newTestTask(t, config.AgentSettings{})

	if err := tk.ResolveConfirmation("c-bogus", protocol.OutcomeProceedOnce); err == nil {
		t.Error("ResolveConfirmation() with unknown call id should fail")
	}
}

func TestConfirmationFlowThroughProjection(t *testing.T) {
	tk, _ := newTestTask(t, config.AgentSettings{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tk.ScheduleToolCalls(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})

	// The projection goroutine stashes the correlation id when it sees the
	// awaiting_confirmation update; poll until it has.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := tk.ResolveConfirmation("c-1", protocol.OutcomeProceedOnce); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("confirmation never became resolvable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := tk.WaitForTools(ctx); err != nil {
		t.Fatalf("WaitForTools() error = %v", err)
	}

	records := tk.DrainToolResults()
	if len(records) != 1 || records[0].Status != protocol.ToolCallCompleted {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestSnapshot(t *testing.T) {
	tk, _ := newTestTask(t, config.AgentSettings{})
	tk.AppendHistory(protocol.Message{MessageID: "m-1", Role: protocol.RoleUser, Parts: []protocol.Part{protocol.TextPart("hello")}})
	tk.Transition(protocol.TaskStateInputRequired, nil, true)

	snap := tk.Snapshot()
	if snap.ID != "T-0001" || snap.ContextID != "ctx-1" {
		t.Errorf("identity = %s/%s", snap.ID, snap.ContextID)
	}
	if snap.Status.State != protocol.TaskStateInputRequired {
		t.Errorf("Status.State = %s", snap.Status.State)
	}
	if len(snap.History) != 1 {
		t.Errorf("history length = %d, want 1", len(snap.History))
	}
	if snap.Status.Timestamp.IsZero() {
		t.Error("snapshot timestamp not set")
	}
}
