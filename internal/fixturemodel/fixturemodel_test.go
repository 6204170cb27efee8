package fixturemodel

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/iambrandonn/torc/internal/llm"
	"github.com/iambrandonn/torc/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func drain(t *testing.T, ch <-chan llm.Event) []llm.Event {
	t.Helper()
	var events []llm.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	content := `turns:
  - events:
      - thought: "planning"
      - text: "running the listing"
      - tool_call:
          call_id: call-1
          name: list_files
          args:
            path: "."
  - events:
      - text: "done"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	script, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	if len(script.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(script.Turns))
	}
	if script.Turns[0].Events[2].ToolCall.Name != "list_files" {
		t.Errorf("unexpected tool name: %s", script.Turns[0].Events[2].ToolCall.Name)
	}
}

func TestLoadScriptRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("turns: []\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := LoadScript(path); err == nil {
		t.Fatal("expected error for script with no turns")
	}
}

func TestClientReplaysTurnsInOrder(t *testing.T) {
	script := &Script{Turns: []TurnTemplate{
		{Events: []EventTemplate{
			{Thought: "thinking"},
			{ToolCall: &ToolTemplate{CallID: "call-1", Name: "read_file"}},
		}},
		{Events: []EventTemplate{
			{Text: "all done"},
		}},
	}}
	client := NewClient(script, testLogger())

	ctx := context.Background()
	ch, err := client.AcceptUserMessage(ctx, &protocol.Message{MessageID: "m1"})
	if err != nil {
		t.Fatalf("AcceptUserMessage failed: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 2 {
		t.Fatalf("expected 2 events in first turn, got %d", len(events))
	}
	if events[0].Kind != llm.EventConversational {
		t.Errorf("expected conversational first, got %s", events[0].Kind)
	}
	if events[1].Kind != llm.EventToolCallRequest {
		t.Errorf("expected tool-call second, got %s", events[1].Kind)
	}
	if events[1].ToolCall.CallID != "call-1" {
		t.Errorf("unexpected call id: %s", events[1].ToolCall.CallID)
	}

	ch, err = client.SendToolResults(ctx, nil)
	if err != nil {
		t.Fatalf("SendToolResults failed: %v", err)
	}
	events = drain(t, ch)
	if len(events) != 1 || events[0].Message.Text() != "all done" {
		t.Fatalf("unexpected second turn: %+v", events)
	}
}

func TestClientExhaustedScriptEndsConversation(t *testing.T) {
	script := &Script{Turns: []TurnTemplate{
		{Events: []EventTemplate{{Text: "only turn"}}},
	}}
	client := NewClient(script, testLogger())

	ctx := context.Background()
	ch, err := client.AcceptUserMessage(ctx, &protocol.Message{MessageID: "m1"})
	if err != nil {
		t.Fatalf("AcceptUserMessage failed: %v", err)
	}
	drain(t, ch)

	ch, err = client.AcceptUserMessage(ctx, &protocol.Message{MessageID: "m2"})
	if err != nil {
		t.Fatalf("AcceptUserMessage failed: %v", err)
	}
	if events := drain(t, ch); len(events) != 0 {
		t.Fatalf("expected empty turn after exhaustion, got %d events", len(events))
	}
}

func TestClientHonorsCancelledContext(t *testing.T) {
	script := &Script{Turns: []TurnTemplate{
		{Events: []EventTemplate{{Text: "never delivered"}}},
	}}
	client := NewClient(script, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.AcceptUserMessage(ctx, &protocol.Message{MessageID: "m1"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStaticRunner(t *testing.T) {
	runner := &StaticRunner{
		Confirm: map[string]bool{"write_file": true},
		Results: map[string]string{"read_file": "file contents"},
	}

	if !runner.RequiresConfirmation(protocol.ToolCallRequest{Name: "write_file"}) {
		t.Error("write_file should require confirmation")
	}
	if runner.RequiresConfirmation(protocol.ToolCallRequest{Name: "read_file"}) {
		t.Error("read_file should not require confirmation")
	}

	out, err := runner.Run(context.Background(), protocol.ToolCallRequest{Name: "read_file"}, func(string) {})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "file contents" {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runner.Run(context.Background(), protocol.ToolCallRequest{
		Name: "echo",
		Args: map[string]any{"msg": "hi"},
	}, func(string) {})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out == "" {
		t.Error("echo fallback produced empty output")
	}
}
