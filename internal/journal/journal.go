// Package journal appends every published protocol event to an NDJSON
// file. It is an observability sidecar: write failures are logged and
// swallowed, never surfaced to the orchestration loop.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/torc/internal/ndjson"
	"github.com/iambrandonn/torc/internal/protocol"
)

// Entry is one journal line wrapping a published event
type Entry struct {
	Kind      protocol.EventKind            `json:"kind"`
	Timestamp time.Time                     `json:"timestamp"`
	Status    *protocol.StatusUpdateEvent   `json:"status,omitempty"`
	Artifact  *protocol.ArtifactUpdateEvent `json:"artifact,omitempty"`
}

// Journal writes protocol events to an NDJSON file
type Journal struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// New creates a journal at the given path, creating parent directories
func New(path string, logger *slog.Logger) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one event to the journal
func (j *Journal) Write(ev protocol.Event) error {
	entry := Entry{Kind: ev.Kind(), Timestamp: time.Now().UTC()}
	switch e := ev.(type) {
	case *protocol.StatusUpdateEvent:
		entry.Status = e
	case *protocol.ArtifactUpdateEvent:
		entry.Artifact = e
	default:
		return fmt.Errorf("unknown event kind: %s", ev.Kind())
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.encoder.Encode(entry)
}

// Publish implements protocol.Publisher. Write errors are logged and
// swallowed so the journal can be wired as a best-effort tee.
func (j *Journal) Publish(ev protocol.Event) error {
	if err := j.Write(ev); err != nil {
		j.logger.Warn("failed to journal event", "kind", ev.Kind(), "error", err)
	}
	return nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// Read loads every entry from a journal file, for transcript replay and
// tests.
func Read(path string, logger *slog.Logger) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var entries []Entry
	for {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
