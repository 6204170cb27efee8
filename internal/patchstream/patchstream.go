// Package patchstream aggregates model text, thinking annotations, and
// tool-call summaries into incremental patch snapshots pushed to an
// external observer. It is strictly best-effort: delivery errors are
// swallowed and the primary loop is never blocked or failed by it.
package patchstream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
)

// Patch is one incremental snapshot of a task's visible progress
type Patch struct {
	TaskID    string   `json:"task_id"`
	Seq       int      `json:"seq"`
	Text      string   `json:"text,omitempty"`
	Thinking  string   `json:"thinking,omitempty"`
	ToolCalls []string `json:"tool_calls,omitempty"`
}

// Observer receives patch snapshots. Errors are logged and dropped.
type Observer func(Patch) error

type taskPatch struct {
	seq       int
	text      string
	thinking  string
	toolCalls []string
}

// Aggregator accumulates per-task patches and pushes a snapshot to the
// observer after every observed event.
type Aggregator struct {
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	patches map[string]*taskPatch
}

// New creates a patch aggregator pushing to observer
func New(observer Observer, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		observer: observer,
		logger:   logger,
		patches:  make(map[string]*taskPatch),
	}
}

// ObserveModelEvent folds one model event into the task's patch
func (a *Aggregator) ObserveModelEvent(taskID string, ev llm.Event) {
	a.mu.Lock()
	p := a.patch(taskID)
	switch {
	case ev.Kind == llm.EventToolCallRequest && ev.ToolCall != nil:
		p.toolCalls = append(p.toolCalls, fmt.Sprintf("%s requested", ev.ToolCall.Name))
	case ev.Kind == llm.EventConversational && ev.Message != nil:
		for _, part := range ev.Message.Parts {
			switch part.Kind {
			case protocol.PartKindText:
				p.text += part.Text
			case protocol.PartKindThought:
				p.thinking += part.Text
			}
		}
	}
	snap := a.snapshotLocked(taskID, p)
	a.mu.Unlock()

	a.push(snap)
}

// ObserveToolResult folds one finished tool record into the task's patch
func (a *Aggregator) ObserveToolResult(taskID string, rec protocol.ToolCallRecord) {
	a.mu.Lock()
	p := a.patch(taskID)
	p.toolCalls = append(p.toolCalls, fmt.Sprintf("%s %s", rec.Name, rec.Status))
	snap := a.snapshotLocked(taskID, p)
	a.mu.Unlock()

	a.push(snap)
}

func (a *Aggregator) patch(taskID string) *taskPatch {
	p, ok := a.patches[taskID]
	if !ok {
		p = &taskPatch{}
		a.patches[taskID] = p
	}
	return p
}

func (a *Aggregator) snapshotLocked(taskID string, p *taskPatch) Patch {
	p.seq++
	return Patch{
		TaskID:    taskID,
		Seq:       p.seq,
		Text:      p.text,
		Thinking:  p.thinking,
		ToolCalls: append([]string(nil), p.toolCalls...),
	}
}

func (a *Aggregator) push(snap Patch) {
	if a.observer == nil {
		return
	}
	if err := a.observer(snap); err != nil {
		a.logger.Debug("patch observer rejected snapshot", "task_id", snap.TaskID, "seq", snap.Seq, "error", err)
	}
}
