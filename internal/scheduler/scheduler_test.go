package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/torc/internal/bus"
	"github.com/iambrandonn/torc/internal/protocol"
)

// stubRunner executes calls in-process for tests
type stubRunner struct {
	mu      sync.Mutex
	confirm map[string]bool // tool name -> requires confirmation
	fail    map[string]bool // tool name -> return an error
	block   chan struct{}   // when set, Run blocks until closed or ctx done
	started chan struct{}   // when set, receives one send as Run begins
	ran     []string
}

func (r *stubRunner) RequiresConfirmation(req protocol.ToolCallRequest) bool {
	return r.confirm[req.Name]
}

func (r *stubRunner) Run(ctx context.Context, req protocol.ToolCallRequest, emit func(string)) (string, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, req.Name)
	r.mu.Unlock()
	if r.fail[req.Name] {
		return "", fmt.Errorf("%s exploded", req.Name)
	}
	emit("partial")
	return "output of " + req.Name, nil
}

func (r *stubRunner) ranTools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func newTestScheduler(runner Runner, autoExecute bool) (*BatchScheduler, *bus.Bus) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	return New(runner, b, autoExecute, logger), b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduleAutoExecuteCompletes(t *testing.T) {
	runner := &stubRunner{confirm: map[string]bool{"shell": true}}
	s, _ := newTestScheduler(runner, true)
	ctx := waitCtx(t)

	s.Schedule(ctx, []protocol.ToolCallRequest{
		{CallID: "c-1", Name: "shell"},
		{CallID: "c-2", Name: "search"},
	})

	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	records := s.Drain()
	if len(records) != 2 {
		t.Fatalf("Drain() returned %d records, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Status != protocol.ToolCallCompleted {
			t.Errorf("call %s status = %s, want completed", rec.CallID, rec.Status)
		}
		if rec.Output == "" {
			t.Errorf("call %s has no output", rec.CallID)
		}
	}
}

func TestDrainIsExactlyOnce(t *testing.T) {
	runner := &stubRunner{}
	s, _ := newTestScheduler(runner, true)
	ctx := waitCtx(t)

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	first := s.Drain()
	if len(first) != 1 {
		t.Fatalf("first Drain() returned %d records, want 1", len(first))
	}
	second := s.Drain()
	if len(second) != 0 {
		t.Errorf("second Drain() returned %d records, want 0", len(second))
	}
}

func TestConfirmationApprovedRuns(t *testing.T) {
	runner := &stubRunner{confirm: map[string]bool{"shell": true}}
	s, b := newTestScheduler(runner, false)
	ctx := waitCtx(t)

	updates, cancel := b.SubscribeUpdates()
	defer cancel()

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})

	// Watch for the awaiting_confirmation update, then approve it.
	var corr string
	for upd := range updates {
		if upd.Status == protocol.ToolCallAwaitingConfirmation {
			corr = upd.CorrelationID
			break
		}
	}
	if corr == "" {
		t.Fatal("no correlation id published")
	}

	if err := b.Resolve(bus.ConfirmationResponse{
		CorrelationID: corr,
		Confirmed:     true,
		Outcome:       protocol.OutcomeProceedOnce,
	}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	records := s.Drain()
	if len(records) != 1 || records[0].Status != protocol.ToolCallCompleted {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := runner.ranTools(); len(got) != 1 || got[0] != "shell" {
		t.Errorf("ran tools = %v, want [shell]", got)
	}
}

func TestConfirmationDeniedCancels(t *testing.T) {
	runner := &stubRunner{confirm: map[string]bool{"shell": true}}
	s, b := newTestScheduler(runner, false)
	ctx := waitCtx(t)

	updates, cancel := b.SubscribeUpdates()
	defer cancel()

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})

	var corr string
	for upd := range updates {
		if upd.Status == protocol.ToolCallAwaitingConfirmation {
			corr = upd.CorrelationID
			break
		}
	}

	if err := b.Resolve(bus.ConfirmationResponse{
		CorrelationID: corr,
		Confirmed:     false,
		Outcome:       protocol.OutcomeCancel,
	}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	records := s.Drain()
	if len(records) != 1 || records[0].Status != protocol.ToolCallCancelled {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := runner.ranTools(); len(got) != 0 {
		t.Errorf("denied tool ran anyway: %v", got)
	}
}

func TestRunErrorMarksFailed(t *testing.T) {
	runner := &stubRunner{fail: map[string]bool{"shell": true}}
	s, _ := newTestScheduler(runner, true)
	ctx := waitCtx(t)

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	records := s.Drain()
	if len(records) != 1 || records[0].Status != protocol.ToolCallFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Error == "" {
		t.Error("failed record should carry the error message")
	}
}

func TestCancelPendingResolvesConfirmations(t *testing.T) {
	runner := &stubRunner{confirm: map[string]bool{"shell": true}}
	s, b := newTestScheduler(runner, false)
	ctx := waitCtx(t)

	updates, cancel := b.SubscribeUpdates()
	defer cancel()

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})

	for upd := range updates {
		if upd.Status == protocol.ToolCallAwaitingConfirmation {
			break
		}
	}

	s.CancelPending("task canceled")

	if got := b.PendingCorrelations(); len(got) != 0 {
		t.Errorf("dangling confirmations after cancel: %v", got)
	}

	records := s.Drain()
	if len(records) != 1 || records[0].Status != protocol.ToolCallCancelled {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Error != "task canceled" {
		t.Errorf("Error = %q, want %q", records[0].Error, "task canceled")
	}
}

func TestCancelPendingStopsExecutingCalls(t *testing.T) {
	runner := &stubRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s, _ := newTestScheduler(runner, true)
	ctx := waitCtx(t)

	s.Schedule(ctx, []protocol.ToolCallRequest{{CallID: "c-1", Name: "shell"}})

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the runner")
	}

	// The block channel is never closed: the only way the call can stop
	// is CancelPending cancelling the per-call context the runner holds.
	done := make(chan struct{})
	go func() {
		s.CancelPending("shutting down")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelPending did not interrupt the executing call")
	}

	records := s.Drain()
	if len(records) != 1 || records[0].Status != protocol.ToolCallCancelled {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestWaitReturnsImmediatelyWhenIdle(t *testing.T) {
	s, _ := newTestScheduler(&stubRunner{}, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() on idle scheduler error = %v", err)
	}
}
