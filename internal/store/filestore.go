package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/torc/internal/fsutil"
	"github.com/iambrandonn/torc/internal/protocol"
)

// FileStore keeps one JSON document per task under <root>/tasks/,
// written atomically so a crash never leaves a partial record.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed task store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Save implements Store
func (s *FileStore) Save(ctx context.Context, task *protocol.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task == nil || task.ID == "" {
		return fmt.Errorf("cannot save task without an id")
	}
	return fsutil.AtomicWriteJSON(s.taskPath(task.ID), task)
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context, taskID string) (*protocol.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.taskPath(taskID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task record: %w", err)
	}

	var task protocol.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task record %s: %w", taskID, err)
	}
	return &task, nil
}

func (s *FileStore) taskPath(taskID string) string {
	return filepath.Join(s.root, "tasks", taskID+".json")
}

// MemoryStore is an in-process Store for tests and embedding without
// durability requirements.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*protocol.Task
}

// NewMemoryStore creates an empty in-memory task store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*protocol.Task)}
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, task *protocol.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task == nil || task.ID == "" {
		return fmt.Errorf("cannot save task without an id")
	}

	// Deep-copy through JSON so callers cannot mutate stored records.
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}
	var clone protocol.Task
	if err := json.Unmarshal(data, &clone); err != nil {
		return fmt.Errorf("failed to clone task record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = &clone
	return nil
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context, taskID string) (*protocol.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task, nil
}
