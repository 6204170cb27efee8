package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
	"github.com/iambrandonn/torc/internal/task"
)

// runTurn drives one inbound turn to a stable state: model events are
// consumed in emission order, tool-call batches are scheduled and awaited,
// and results loop back into the conversation until the model stops
// requesting tools. Errors never propagate past this boundary; they
// become a terminal failed status.
func (o *Orchestrator) runTurn(ctx context.Context, t *task.Task, msg *protocol.Message) {
	t.Transition(protocol.TaskStateWorking, nil, false)
	o.persist(ctx, t)

	stream, err := t.AcceptUserMessage(ctx, msg)
	if err != nil {
		o.failTurn(ctx, t, fmt.Errorf("model rejected message: %w", err))
		return
	}

	maxRounds := t.Settings().MaxTurns
	rounds := 0

	for {
		batch := o.consumeStream(ctx, t, stream)

		if ctx.Err() != nil {
			// Cancellation while consuming: collected tool calls are
			// never scheduled.
			o.abortTurn(ctx, t)
			return
		}
		if t.State().Terminal() {
			// CancelTask or a failure settled the task mid-stream.
			return
		}

		if len(batch) == 0 {
			if next, ok := t.NextQueuedInput(); ok {
				stream, err = t.AcceptUserMessage(ctx, next)
				if err != nil {
					o.failTurn(ctx, t, fmt.Errorf("model rejected queued message: %w", err))
					return
				}
				continue
			}
			o.endTurn(ctx, t)
			return
		}

		rounds++
		if rounds > maxRounds {
			o.failTurn(ctx, t, fmt.Errorf("tool-call round limit reached (%d)", maxRounds))
			return
		}

		t.ScheduleToolCalls(ctx, batch)
		if err := t.WaitForTools(ctx); err != nil {
			t.CancelPendingTools("turn aborted")
			records := t.DrainToolResults()
			if len(records) > 0 {
				t.RecordToolResults(records)
			}
			o.abortTurn(ctx, t)
			return
		}

		records := t.DrainToolResults()
		o.observeToolResults(t.ID(), records)

		if allCancelled(records) {
			t.RecordToolResults(records)
			if t.State().Terminal() {
				return
			}
			if next, ok := t.NextQueuedInput(); ok {
				stream, err = t.AcceptUserMessage(ctx, next)
				if err != nil {
					o.failTurn(ctx, t, fmt.Errorf("model rejected queued message: %w", err))
					return
				}
				continue
			}
			t.Transition(protocol.TaskStateInputRequired, nil, true)
			o.persist(ctx, t)
			return
		}

		stream, err = t.SendToolResults(ctx, records)
		if err != nil {
			o.failTurn(ctx, t, fmt.Errorf("model rejected tool results: %w", err))
			return
		}
	}
}

// consumeStream pulls one model turn's events, applying conversational
// events to the transcript immediately and collecting tool-call requests
// for batch scheduling.
func (o *Orchestrator) consumeStream(ctx context.Context, t *task.Task, stream <-chan llm.Event) []protocol.ToolCallRequest {
	var batch []protocol.ToolCallRequest

	for {
		select {
		case <-ctx.Done():
			return batch
		case ev, ok := <-stream:
			if !ok {
				return batch
			}
			if o.observer != nil {
				o.observer.ObserveModelEvent(t.ID(), ev)
			}
			switch ev.Kind {
			case llm.EventToolCallRequest:
				if ev.ToolCall != nil {
					batch = append(batch, *ev.ToolCall)
				}
			case llm.EventConversational:
				t.ApplyModelEvent(ev)
			}
		}
	}
}

// endTurn settles a turn that produced no further tool calls
func (o *Orchestrator) endTurn(ctx context.Context, t *task.Task) {
	state := protocol.TaskStateInputRequired
	if t.Settings().AutoComplete {
		state = protocol.TaskStateCompleted
	}
	t.Transition(state, nil, true)
	o.persist(ctx, t)
	o.logger.Info("turn complete", "task_id", t.ID(), "state", state)
}

// abortTurn settles a turn interrupted by context cancellation. An
// explicit CancelTask has already moved the task to canceled; anything
// else (client disconnect) parks the task at input-required so it can be
// resumed.
func (o *Orchestrator) abortTurn(ctx context.Context, t *task.Task) {
	t.CancelPendingTools("turn aborted")
	if t.Transition(protocol.TaskStateInputRequired, nil, true) {
		o.logger.Info("turn aborted, task parked for resumption", "task_id", t.ID())
	}
	o.persist(context.WithoutCancel(ctx), t)
}

// failTurn converts a loop error into a terminal failed status. Errors
// are recovered here, never thrown past the orchestrator boundary.
func (o *Orchestrator) failTurn(ctx context.Context, t *task.Task, err error) {
	o.logger.Error("turn failed", "task_id", t.ID(), "error", err)
	t.CancelPendingTools("task failed")

	msg := &protocol.Message{
		MessageID: uuid.New().String(),
		Role:      protocol.RoleAgent,
		Parts:     []protocol.Part{protocol.TextPart(err.Error())},
	}
	t.Transition(protocol.TaskStateFailed, msg, true)
	o.persist(context.WithoutCancel(ctx), t)
}

func (o *Orchestrator) observeToolResults(taskID string, records []protocol.ToolCallRecord) {
	if o.observer == nil {
		return
	}
	for _, rec := range records {
		o.observer.ObserveToolResult(taskID, rec)
	}
}

func allCancelled(records []protocol.ToolCallRecord) bool {
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if rec.Status != protocol.ToolCallCancelled {
			return false
		}
	}
	return true
}
