// Package bus implements the per-task confirmation bus: a typed pub/sub
// channel carrying tool-call lifecycle updates from the scheduler to the
// task, and confirmation responses back from the task to the scheduler.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/iambrandonn/torc/internal/protocol"
)

// ErrUnknownCorrelation is returned when a confirmation response names a
// correlation id with no pending waiter. This signals misuse by the
// caller, not a fault in the bus.
var ErrUnknownCorrelation = errors.New("no pending confirmation for correlation id")

// updateBuffer sizes each subscriber channel. Batches are small; a full
// buffer means the subscriber stopped reading.
const updateBuffer = 128

// ConfirmationResponse resolves one pending confirmation. CorrelationID
// must echo the id published with the awaiting_confirmation update.
type ConfirmationResponse struct {
	CorrelationID string                       `json:"correlation_id"`
	Confirmed     bool                         `json:"confirmed"`
	Outcome       protocol.ConfirmationOutcome `json:"outcome"`
}

// Bus is a per-task pub/sub channel for tool-call lifecycle traffic
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	subs    map[int]chan protocol.ToolCallRecord
	nextSub int
	waiters map[string]chan ConfirmationResponse
}

// New creates a new confirmation bus
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		subs:    make(map[int]chan protocol.ToolCallRecord),
		waiters: make(map[string]chan ConfirmationResponse),
	}
}

// SubscribeUpdates registers a subscriber for tool-call lifecycle updates.
// The returned cancel func removes the subscription and closes the channel.
func (b *Bus) SubscribeUpdates() (<-chan protocol.ToolCallRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan protocol.ToolCallRecord, updateBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// PublishUpdate delivers a lifecycle update to every live subscriber in
// publish order. A subscriber that stopped draining its buffer loses the
// update; that is logged, never blocked on.
func (b *Bus) PublishUpdate(rec protocol.ToolCallRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			b.logger.Warn("confirmation bus subscriber full, dropping update",
				"call_id", rec.CallID,
				"status", rec.Status)
		}
	}
}

// AwaitConfirmation registers a waiter for the given correlation id and
// returns the channel its response will arrive on. The channel is
// buffered so Resolve never blocks.
func (b *Bus) AwaitConfirmation(correlationID string) <-chan ConfirmationResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ConfirmationResponse, 1)
	if b.closed {
		close(ch)
		return ch
	}
	b.waiters[correlationID] = ch
	return ch
}

// Resolve delivers a confirmation response to the matching waiter and
// removes it. Responses with no matching pending correlation id are
// rejected with ErrUnknownCorrelation and have no effect.
func (b *Bus) Resolve(resp ConfirmationResponse) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.waiters[resp.CorrelationID]
	if !ok {
		return ErrUnknownCorrelation
	}
	delete(b.waiters, resp.CorrelationID)
	ch <- resp
	return nil
}

// PendingCorrelations returns the correlation ids with unresolved waiters
func (b *Bus) PendingCorrelations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.waiters))
	for id := range b.waiters {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts the bus down: subscriber channels are closed and any
// pending waiters receive a denied response.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	for id, ch := range b.waiters {
		delete(b.waiters, id)
		ch <- ConfirmationResponse{CorrelationID: id, Confirmed: false, Outcome: protocol.OutcomeCancel}
		close(ch)
	}
}
