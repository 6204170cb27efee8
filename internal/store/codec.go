package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iambrandonn/torc/internal/config"
	"github.com/iambrandonn/torc/internal/protocol"
)

// MetadataStateKey is the single metadata key the orchestrator owns on
// the protocol task record.
const MetadataStateKey = "persisted_state"

// ErrMissingPersistedState is returned when a record's metadata lacks a
// decodable persisted state. Reconstruction fails fast on it.
var ErrMissingPersistedState = errors.New("record metadata has no decodable persisted state")

// PersistedState is the entire on-disk contract: the minimal state needed
// to reconstruct a task after a process restart. Nothing else survives.
type PersistedState struct {
	AgentSettings config.AgentSettings `json:"agent_settings"`
	TaskState     protocol.TaskState   `json:"task_state"`
}

// EncodeState writes the persisted state into the metadata map, returning
// the map (allocated when nil). The state is stored as a plain nested map
// so the record remains an ordinary JSON document.
func EncodeState(meta map[string]any, state PersistedState) (map[string]any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return meta, fmt.Errorf("failed to marshal persisted state: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return meta, fmt.Errorf("failed to normalize persisted state: %w", err)
	}

	if meta == nil {
		meta = make(map[string]any)
	}
	meta[MetadataStateKey] = asMap
	return meta, nil
}

// DecodeState extracts the persisted state from a record's metadata. A
// missing or undecodable entry yields ErrMissingPersistedState.
func DecodeState(meta map[string]any) (PersistedState, error) {
	raw, ok := meta[MetadataStateKey]
	if !ok {
		return PersistedState{}, ErrMissingPersistedState
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return PersistedState{}, fmt.Errorf("%w: %v", ErrMissingPersistedState, err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, fmt.Errorf("%w: %v", ErrMissingPersistedState, err)
	}

	if state.TaskState == "" {
		return PersistedState{}, ErrMissingPersistedState
	}

	return state, nil
}
