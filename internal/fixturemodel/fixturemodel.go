// Package fixturemodel provides a scripted model client that replays a
// fixed sequence of model turns, so the CLI can run end-to-end without a
// real model and tests can drive deterministic scenarios. It also ships a
// static tool runner for the same purpose.
package fixturemodel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
)

// EventTemplate describes one scripted model event. Exactly one field is
// set per entry.
type EventTemplate struct {
	Text     string        `yaml:"text,omitempty" json:"text,omitempty"`
	Thought  string        `yaml:"thought,omitempty" json:"thought,omitempty"`
	ToolCall *ToolTemplate `yaml:"tool_call,omitempty" json:"tool_call,omitempty"`
}

// ToolTemplate describes one scripted tool-call request
type ToolTemplate struct {
	CallID string         `yaml:"call_id" json:"call_id"`
	Name   string         `yaml:"name" json:"name"`
	Args   map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// TurnTemplate is one scripted model turn
type TurnTemplate struct {
	Events []EventTemplate `yaml:"events" json:"events"`
}

// Script is a fixed sequence of model turns replayed in order, regardless
// of the input that triggered each turn.
type Script struct {
	Turns []TurnTemplate `yaml:"turns" json:"turns"`
}

// LoadScript reads a YAML script from the provided path
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script YAML: %w", err)
	}

	if len(script.Turns) == 0 {
		return nil, fmt.Errorf("script has no turns defined")
	}

	return &script, nil
}

// Client replays scripted turns as an llm.Client
type Client struct {
	script *Script
	logger *slog.Logger

	mu   sync.Mutex
	next int
}

// NewClient constructs a scripted model client
func NewClient(script *Script, logger *slog.Logger) *Client {
	return &Client{script: script, logger: logger}
}

// Initialize implements llm.Client
func (c *Client) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// AcceptUserMessage implements llm.Client
func (c *Client) AcceptUserMessage(ctx context.Context, msg *protocol.Message) (<-chan llm.Event, error) {
	return c.playNextTurn(ctx)
}

// SendToolResults implements llm.Client
func (c *Client) SendToolResults(ctx context.Context, records []protocol.ToolCallRecord) (<-chan llm.Event, error) {
	return c.playNextTurn(ctx)
}

func (c *Client) playNextTurn(ctx context.Context) (<-chan llm.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	var turn *TurnTemplate
	if c.next < len(c.script.Turns) {
		turn = &c.script.Turns[c.next]
		c.next++
	}
	c.mu.Unlock()

	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		if turn == nil {
			// Script exhausted: an empty turn ends the conversation.
			return
		}
		for _, tpl := range turn.Events {
			ev, ok := tpl.toEvent()
			if !ok {
				c.logger.Warn("skipping empty script event")
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (tpl EventTemplate) toEvent() (llm.Event, bool) {
	switch {
	case tpl.ToolCall != nil:
		return llm.ToolCall(&protocol.ToolCallRequest{
			CallID: tpl.ToolCall.CallID,
			Name:   tpl.ToolCall.Name,
			Args:   tpl.ToolCall.Args,
		}), true
	case tpl.Thought != "":
		return llm.Conversational(&protocol.Message{
			MessageID: uuid.New().String(),
			Role:      protocol.RoleAgent,
			Parts:     []protocol.Part{protocol.ThoughtPart(tpl.Thought)},
		}), true
	case tpl.Text != "":
		return llm.Conversational(&protocol.Message{
			MessageID: uuid.New().String(),
			Role:      protocol.RoleAgent,
			Parts:     []protocol.Part{protocol.TextPart(tpl.Text)},
		}), true
	}
	return llm.Event{}, false
}

// StaticRunner executes scripted tool calls in-process. Tools listed in
// Confirm require a confirmation decision before running.
type StaticRunner struct {
	// Confirm lists tool names that require confirmation.
	Confirm map[string]bool
	// Results maps tool name to a fixed output; unlisted tools echo
	// their arguments.
	Results map[string]string
}

// RequiresConfirmation implements scheduler.Runner
func (r *StaticRunner) RequiresConfirmation(req protocol.ToolCallRequest) bool {
	return r.Confirm[req.Name]
}

// Run implements scheduler.Runner
func (r *StaticRunner) Run(ctx context.Context, req protocol.ToolCallRequest, emit func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if out, ok := r.Results[req.Name]; ok {
		return out, nil
	}
	return fmt.Sprintf("%s(%v)", req.Name, req.Args), nil
}
