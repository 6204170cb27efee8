// Package orchestrator implements the top-level task orchestration engine:
// the live task registry, the per-task execution guard, recovery from the
// durable store, cancellation, and the turn-processing loop that
// interleaves model turns with tool-call batches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/patchstream"
	"github.com/iambrandonn/torc/internal/protocol"
	"github.com/iambrandonn/torc/internal/scheduler"
	"github.com/iambrandonn/torc/internal/store"
	"github.com/iambrandonn/torc/internal/task"
)

// ErrTaskExists is returned by CreateTask when a non-terminal task with
// the same id is already resident in memory.
var ErrTaskExists = errors.New("task already exists")

// ErrTaskNotFound is returned when an operation names an unknown task
var ErrTaskNotFound = errors.New("task not found")

// ClientFactory builds a model client for a task's settings
type ClientFactory func(settings config.AgentSettings) (llm.Client, error)

// Turn is one inbound user turn handed to Execute
type Turn struct {
	TaskID    string
	ContextID string
	Message   *protocol.Message
	// Record, when set, is the persisted record to reconstruct from if
	// the task is not resident in memory.
	Record *protocol.Task
	// Settings configures a freshly created task; ignored otherwise.
	Settings *config.AgentSettings
	// Publisher receives this turn's status and artifact events. It is
	// rebound onto the task, replacing the previous turn's publisher.
	Publisher protocol.Publisher
}

// Orchestrator drives task turns. All cross-task shared state (the
// registry and the executing guard) is mutated under one mutex.
type Orchestrator struct {
	store     store.Store
	newClient ClientFactory
	runner    scheduler.Runner
	logger    *slog.Logger
	observer  *patchstream.Aggregator

	mu          sync.Mutex
	tasks       map[string]*task.Task
	executing   map[string]struct{}
	turnCancels map[string]context.CancelFunc
}

// New creates a task orchestrator
func New(st store.Store, clients ClientFactory, runner scheduler.Runner, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       st,
		newClient:   clients,
		runner:      runner,
		logger:      logger,
		tasks:       make(map[string]*task.Task),
		executing:   make(map[string]struct{}),
		turnCancels: make(map[string]context.CancelFunc),
	}
}

// SetPatchObserver wires the optional streaming patch aggregation sidecar
func (o *Orchestrator) SetPatchObserver(agg *patchstream.Aggregator) {
	o.observer = agg
}

// Get returns the resident task for the id, if any
func (o *Orchestrator) Get(taskID string) (*task.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	return t, ok
}

// CreateTask registers a fresh task and persists its initial submitted
// record before returning. Creation is rejected when a non-terminal task
// with the same id is already resident; a terminal entry is replaced.
func (o *Orchestrator) CreateTask(ctx context.Context, taskID, contextID string, settings config.AgentSettings, pub protocol.Publisher) (*task.Task, error) {
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if contextID == "" {
		contextID = uuid.New().String()
	}
	settings = settings.WithDefaults()

	o.mu.Lock()
	if existing, ok := o.tasks[taskID]; ok && !existing.State().Terminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	o.mu.Unlock()

	client, err := o.newClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to build model client for task %s: %w", taskID, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize model client for task %s: %w", taskID, err)
	}

	t := task.New(taskID, contextID, settings, client, o.runner, pub, o.logger)

	// Re-check under the same critical section as registration; a
	// concurrent create for the same id may have won the race since the
	// fast-path check above.
	o.mu.Lock()
	if existing, ok := o.tasks[taskID]; ok && !existing.State().Terminal() {
		o.mu.Unlock()
		t.Close()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	o.tasks[taskID] = t
	o.mu.Unlock()

	o.logger.Info("task created", "task_id", taskID, "context_id", contextID)
	o.persist(ctx, t)

	return t, nil
}

// Reconstruct rebuilds a task from its persisted record and registers it,
// replacing any stale entry for the same id. It fails fast when the
// record's metadata holds no decodable persisted state.
func (o *Orchestrator) Reconstruct(ctx context.Context, record *protocol.Task, pub protocol.Publisher) (*task.Task, error) {
	state, err := store.DecodeState(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct task %s: %w", record.ID, err)
	}

	client, err := o.newClient(state.AgentSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to build model client for task %s: %w", record.ID, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize model client for task %s: %w", record.ID, err)
	}

	t := task.NewFromState(record.ID, record.ContextID, state.TaskState, state.AgentSettings, client, o.runner, pub, o.logger)

	o.mu.Lock()
	o.tasks[record.ID] = t
	o.mu.Unlock()

	o.logger.Info("task reconstructed", "task_id", record.ID, "state", state.TaskState)

	return t, nil
}

// Execute processes one inbound user turn. The target task is resolved
// in-memory first, then from the supplied persisted record, and finally
// created fresh. Exactly one primary loop runs per task id: when a loop
// is already active, the message is queued into it and Execute returns
// once the message is accepted.
func (o *Orchestrator) Execute(ctx context.Context, turn Turn) error {
	if turn.Message == nil {
		return fmt.Errorf("turn has no message")
	}

	t, err := o.resolveTask(ctx, turn)
	if err != nil {
		return err
	}
	t.SetPublisher(turn.Publisher)

	if t.State().Terminal() {
		o.logger.Info("refusing turn for terminal task", "task_id", t.ID(), "state", t.State())
		return nil
	}

	// The enqueue must happen in the same critical section as the guard
	// check: otherwise the running loop can release the guard between the
	// check and the enqueue, stranding the message in the inbox.
	o.mu.Lock()
	if _, busy := o.executing[t.ID()]; busy {
		err := t.EnqueueInput(turn.Message)
		o.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to queue message for running task: %w", err)
		}
		o.logger.Info("turn queued into running loop", "task_id", t.ID())
		return nil
	}
	o.executing[t.ID()] = struct{}{}
	turnCtx, cancelTurn := context.WithCancel(ctx)
	o.turnCancels[t.ID()] = cancelTurn
	o.mu.Unlock()

	defer func() {
		cancelTurn()
		o.persist(context.WithoutCancel(ctx), t)
	}()

	msg := turn.Message
	for {
		o.runTurn(turnCtx, t, msg)

		// Release the guard only if the inbox is empty, atomically with
		// the emptiness check; a message queued concurrently with loop
		// exit extends this invocation instead of stranding.
		o.mu.Lock()
		var next *protocol.Message
		if !t.State().Terminal() {
			next, _ = t.NextQueuedInput()
		}
		if next == nil {
			delete(o.executing, t.ID())
			delete(o.turnCancels, t.ID())
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()
		msg = next
	}
}

// CancelTask cancels a task. Unknown ids produce a synthetic terminal
// failed status; terminal tasks republish their current status
// idempotently; anything else cancels pending tools, transitions the task
// to canceled, publishes, and persists.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string, pub protocol.Publisher) error {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	cancelTurn := o.turnCancels[taskID]
	o.mu.Unlock()

	if !ok {
		o.logger.Warn("cancel requested for unknown task", "task_id", taskID)
		if pub != nil {
			ev := &protocol.StatusUpdateEvent{
				TaskID: taskID,
				Status: protocol.TaskStatus{
					State: protocol.TaskStateFailed,
					Message: &protocol.Message{
						MessageID: uuid.New().String(),
						Role:      protocol.RoleAgent,
						Parts:     []protocol.Part{protocol.TextPart("task not found")},
					},
					Timestamp: time.Now().UTC(),
				},
				Final: true,
				Metadata: map[string]any{
					protocol.MetadataUpdateKind: protocol.UpdateKindStateChange,
				},
			}
			if err := pub.Publish(ev); err != nil {
				o.logger.Warn("failed to publish not-found status", "task_id", taskID, "error", err)
			}
		}
		return nil
	}

	if t.State().Terminal() {
		o.logger.Info("cancel on terminal task, republishing status", "task_id", taskID, "state", t.State())
		t.RepublishStatus(true)
		return nil
	}

	t.Transition(protocol.TaskStateCanceled, nil, true)
	t.CancelPendingTools("task canceled")
	if cancelTurn != nil {
		cancelTurn()
	}
	o.persist(ctx, t)

	o.logger.Info("task canceled", "task_id", taskID)
	return nil
}

// ResolveToolConfirmation routes an external confirmation decision to the
// pending tool call it targets.
func (o *Orchestrator) ResolveToolConfirmation(taskID, callID string, outcome protocol.ConfirmationOutcome) error {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.ResolveConfirmation(callID, outcome)
}

func (o *Orchestrator) resolveTask(ctx context.Context, turn Turn) (*task.Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[turn.TaskID]
	o.mu.Unlock()
	if ok {
		return t, nil
	}

	if turn.Record != nil {
		return o.Reconstruct(ctx, turn.Record, turn.Publisher)
	}

	settings := config.AgentSettings{}
	if turn.Settings != nil {
		settings = *turn.Settings
	}
	created, err := o.CreateTask(ctx, turn.TaskID, turn.ContextID, settings, turn.Publisher)
	if errors.Is(err, ErrTaskExists) {
		// A concurrent turn created the task first; use the winner.
		o.mu.Lock()
		t, ok = o.tasks[turn.TaskID]
		o.mu.Unlock()
		if ok {
			return t, nil
		}
	}
	return created, err
}

// persist saves the task's current record. Save failures are logged and
// never escalated: the in-memory state stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, t *task.Task) {
	snap := t.Snapshot()
	meta, err := store.EncodeState(nil, store.PersistedState{
		AgentSettings: t.Settings(),
		TaskState:     snap.Status.State,
	})
	if err != nil {
		o.logger.Warn("failed to encode persisted state", "task_id", t.ID(), "error", err)
		return
	}
	snap.Metadata = meta

	if err := o.store.Save(ctx, snap); err != nil {
		o.logger.Warn("failed to persist task", "task_id", t.ID(), "state", snap.Status.State, "error", err)
	}
}
