// Package scheduler implements batch tool-call scheduling. A batch is the
// set of tool calls requested by one model response; calls are scheduled
// together, awaited together, and drained together. The scheduler talks
// to the rest of the system exclusively through the confirmation bus.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/iambrandonn/torc/internal/bus"
	"github.com/iambrandonn/torc/internal/protocol"
)

// Runner executes confirmed tool calls. Implementations own the actual
// tool registry; the orchestration core never calls tools directly.
type Runner interface {
	// RequiresConfirmation reports whether the call needs an external
	// confirmation decision before it may run.
	RequiresConfirmation(req protocol.ToolCallRequest) bool

	// Run executes the call. emit may be called with incremental output;
	// the returned string is the final output. Run must honor ctx.
	Run(ctx context.Context, req protocol.ToolCallRequest, emit func(chunk string)) (string, error)
}

type pendingCall struct {
	rec    protocol.ToolCallRecord
	ctx    context.Context
	cancel context.CancelFunc
}

// BatchScheduler schedules one batch of tool calls at a time and exposes
// "all pending resolved" as an awaitable condition and "drain completed,
// clear" as an atomic read.
type BatchScheduler struct {
	runner      Runner
	bus         *bus.Bus
	autoExecute bool
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	finished []protocol.ToolCallRecord
	idle     chan struct{} // closed whenever no calls are pending
}

// New creates a batch scheduler publishing on the given bus. When
// autoExecute is set, no call requires confirmation.
func New(runner Runner, b *bus.Bus, autoExecute bool, logger *slog.Logger) *BatchScheduler {
	idle := make(chan struct{})
	close(idle)
	return &BatchScheduler{
		runner:      runner,
		bus:         b,
		autoExecute: autoExecute,
		logger:      logger,
		pending:     make(map[string]*pendingCall),
		idle:        idle,
	}
}

// Schedule registers one model turn's tool calls and starts executing
// them. Each call gets a scheduled update immediately; progress continues
// asynchronously until the batch resolves.
func (s *BatchScheduler) Schedule(ctx context.Context, batch []protocol.ToolCallRequest) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.idle = make(chan struct{})
	}
	calls := make([]*pendingCall, 0, len(batch))
	for _, req := range batch {
		callCtx, cancel := context.WithCancel(ctx)
		pc := &pendingCall{
			rec: protocol.ToolCallRecord{
				CallID: req.CallID,
				Name:   req.Name,
				Status: protocol.ToolCallScheduled,
			},
			ctx:    callCtx,
			cancel: cancel,
		}
		s.pending[req.CallID] = pc
		calls = append(calls, pc)
	}
	s.mu.Unlock()

	for i, req := range batch {
		s.bus.PublishUpdate(calls[i].rec)
		go s.execute(calls[i].ctx, req)
	}
}

// Pending returns the number of unresolved calls
func (s *BatchScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until no tool calls are pending or ctx is done
func (s *BatchScheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Drain atomically reads and clears the finished records. Draining twice
// without new completions in between yields a full list, then an empty one.
func (s *BatchScheduler) Drain() []protocol.ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.finished
	s.finished = nil
	return out
}

// CancelPending resolves every outstanding confirmation as denied, cancels
// every running call, and returns once all records have resolved. No
// dangling confirmation survives this call.
func (s *BatchScheduler) CancelPending(reason string) {
	s.mu.Lock()
	var correlations []string
	var cancels []context.CancelFunc
	for _, pc := range s.pending {
		if pc.rec.CorrelationID != "" && pc.rec.Status == protocol.ToolCallAwaitingConfirmation {
			correlations = append(correlations, pc.rec.CorrelationID)
		}
		pc.rec.Error = reason
		cancels = append(cancels, pc.cancel)
	}
	idle := s.idle
	s.mu.Unlock()

	for _, corr := range correlations {
		if err := s.bus.Resolve(bus.ConfirmationResponse{
			CorrelationID: corr,
			Confirmed:     false,
			Outcome:       protocol.OutcomeCancel,
		}); err != nil {
			// Already resolved concurrently; the call will settle on its own.
			s.logger.Debug("confirmation already resolved during cancel", "correlation_id", corr)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}

	<-idle
}

func (s *BatchScheduler) execute(ctx context.Context, req protocol.ToolCallRequest) {
	if !s.autoExecute && s.runner.RequiresConfirmation(req) {
		corr := uuid.New().String()

		s.mu.Lock()
		pc, ok := s.pending[req.CallID]
		if !ok {
			s.mu.Unlock()
			return
		}
		pc.rec.CorrelationID = corr
		pc.rec.Status = protocol.ToolCallAwaitingConfirmation
		awaiting := pc.rec
		s.mu.Unlock()

		// Register the waiter before announcing it so a prompt response
		// cannot race the update.
		respCh := s.bus.AwaitConfirmation(corr)
		s.bus.PublishUpdate(awaiting)

		var resp bus.ConfirmationResponse
		select {
		case <-ctx.Done():
			if err := s.bus.Resolve(bus.ConfirmationResponse{
				CorrelationID: corr,
				Confirmed:     false,
				Outcome:       protocol.OutcomeCancel,
			}); err == nil {
				s.logger.Debug("confirmation abandoned by cancellation", "call_id", req.CallID)
			}
			resp = <-respCh
		case resp = <-respCh:
		}

		if !resp.Confirmed {
			s.finish(req.CallID, protocol.ToolCallCancelled, "", "")
			return
		}
	}

	s.setStatus(req.CallID, protocol.ToolCallExecuting)

	output, err := s.runner.Run(ctx, req, func(chunk string) {
		s.emitOutput(req.CallID, chunk)
	})
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		s.finish(req.CallID, protocol.ToolCallCancelled, "", "")
	case err != nil:
		s.finish(req.CallID, protocol.ToolCallFailed, "", err.Error())
	default:
		s.finish(req.CallID, protocol.ToolCallCompleted, output, "")
	}
}

func (s *BatchScheduler) setStatus(callID string, status protocol.ToolCallStatus) {
	s.mu.Lock()
	pc, ok := s.pending[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	pc.rec.Status = status
	rec := pc.rec
	s.mu.Unlock()

	s.bus.PublishUpdate(rec)
}

func (s *BatchScheduler) emitOutput(callID string, chunk string) {
	s.mu.Lock()
	pc, ok := s.pending[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec := pc.rec
	s.mu.Unlock()

	rec.Output = chunk
	s.bus.PublishUpdate(rec)
}

func (s *BatchScheduler) finish(callID string, status protocol.ToolCallStatus, output, errMsg string) {
	s.mu.Lock()
	pc, ok := s.pending[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, callID)
	pc.rec.Status = status
	if output != "" {
		pc.rec.Output = output
	}
	if errMsg != "" {
		pc.rec.Error = errMsg
	}
	rec := pc.rec
	s.finished = append(s.finished, rec)
	if len(s.pending) == 0 {
		close(s.idle)
	}
	s.mu.Unlock()

	s.bus.PublishUpdate(rec)
}
