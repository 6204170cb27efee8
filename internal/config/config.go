package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/torc/internal/fsutil"
)

// AgentSettings is the immutable per-task configuration captured at task
// creation. It is part of the persisted state contract: reconstructing a
// task after a restart restores exactly these values.
type AgentSettings struct {
	WorkspacePath string `json:"workspace_path" yaml:"workspace_path"`
	Model         string `json:"model,omitempty" yaml:"model,omitempty"`
	// AutoExecute skips the confirmation step for every tool call.
	AutoExecute bool `json:"auto_execute" yaml:"auto_execute"`
	// AutoComplete makes a turn that ends with no further tool calls
	// transition the task to completed instead of input-required.
	AutoComplete bool `json:"auto_complete" yaml:"auto_complete"`
	// MaxTurns bounds model round-trips within one inbound turn.
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
}

// DefaultMaxTurns bounds runaway model/tool loops within a single turn
const DefaultMaxTurns = 24

// WithDefaults fills unset fields with their defaults
func (s AgentSettings) WithDefaults() AgentSettings {
	if s.WorkspacePath == "" {
		s.WorkspacePath = "."
	}
	if s.MaxTurns <= 0 {
		s.MaxTurns = DefaultMaxTurns
	}
	return s
}

// TaskSeed declares a task the CLI should run from configuration
type TaskSeed struct {
	ID        string `json:"id" yaml:"id"`
	ContextID string `json:"context_id,omitempty" yaml:"context_id,omitempty"`
	Message   string `json:"message" yaml:"message"`
}

// Config represents the torc configuration file (torc.json or torc.yaml)
type Config struct {
	Version  string        `json:"version" yaml:"version"`
	StateDir string        `json:"state_dir" yaml:"state_dir"`
	Script   string        `json:"script,omitempty" yaml:"script,omitempty"`
	Settings AgentSettings `json:"settings" yaml:"settings"`
	Tasks    []TaskSeed    `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		StateDir: ".torc",
		Settings: AgentSettings{
			WorkspacePath: ".",
			AutoExecute:   false,
			AutoComplete:  false,
			MaxTurns:      DefaultMaxTurns,
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'")
	}
	if c.StateDir == "" {
		return fmt.Errorf("configuration error: missing required field 'state_dir'")
	}
	for i, seed := range c.Tasks {
		if seed.ID == "" {
			return fmt.Errorf("configuration error: tasks[%d] has empty 'id'", i)
		}
		if seed.Message == "" {
			return fmt.Errorf("configuration error: task '%s' has empty 'message'", seed.ID)
		}
	}
	return nil
}

// LoadFromFile loads a configuration from a JSON or YAML file, keyed on
// the file extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Settings = cfg.Settings.WithDefaults()

	return &cfg, nil
}

// SaveToFile writes the configuration as JSON, atomically
func (c *Config) SaveToFile(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return fsutil.AtomicWriteJSON(path, c)
}
