// Package store persists protocol task records and defines the codec for
// the orchestrator's persisted state, carried in the record's opaque
// metadata field.
package store

import (
	"context"
	"errors"

	"github.com/iambrandonn/torc/internal/protocol"
)

// ErrNotFound is returned by Load when no record exists for the task id
var ErrNotFound = errors.New("task not found")

// Store is the durable task store consumed by the orchestrator. Save is
// idempotent; failures are advisory (the orchestrator logs them and keeps
// its in-memory state authoritative).
type Store interface {
	Save(ctx context.Context, task *protocol.Task) error
	Load(ctx context.Context, taskID string) (*protocol.Task, error)
}
