package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/iambrandonn/torc/internal/protocol"
)

// confirmationResolver is the slice of the orchestrator the prompter needs
type confirmationResolver interface {
	ResolveToolConfirmation(taskID, callID string, outcome protocol.ConfirmationOutcome) error
}

// confirmationPrompter watches the event stream for tool calls awaiting
// confirmation and resolves them, either by prompting on the terminal or
// automatically when --auto is set.
type confirmationPrompter struct {
	resolver confirmationResolver
	in       *bufio.Reader
	out      io.Writer
	auto     bool
	logger   *slog.Logger

	// mu serializes prompts so concurrent tasks do not interleave
	// questions on the terminal.
	mu sync.Mutex
}

func newConfirmationPrompter(resolver confirmationResolver, in io.Reader, out io.Writer, auto bool, logger *slog.Logger) *confirmationPrompter {
	return &confirmationPrompter{
		resolver: resolver,
		in:       bufio.NewReader(in),
		out:      out,
		auto:     auto,
		logger:   logger,
	}
}

// Publish implements protocol.Publisher. Prompting happens on a separate
// goroutine so the task's event projection is never blocked on stdin.
func (p *confirmationPrompter) Publish(ev protocol.Event) error {
	upd, ok := ev.(*protocol.StatusUpdateEvent)
	if !ok || upd.Metadata == nil {
		return nil
	}
	if upd.Metadata[protocol.MetadataUpdateKind] != protocol.UpdateKindToolCall {
		return nil
	}
	if upd.Metadata[protocol.MetadataToolStatus] != string(protocol.ToolCallAwaitingConfirmation) {
		return nil
	}

	callID, _ := upd.Metadata[protocol.MetadataToolCallID].(string)
	if callID == "" {
		return nil
	}

	go p.resolve(upd.TaskID, callID)
	return nil
}

func (p *confirmationPrompter) resolve(taskID, callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := protocol.OutcomeProceedOnce
	if !p.auto {
		outcome = p.prompt(taskID, callID)
	}

	if err := p.resolver.ResolveToolConfirmation(taskID, callID, outcome); err != nil {
		// The call may already have been cancelled out from under us.
		p.logger.Warn("confirmation not delivered",
			"task_id", taskID, "call_id", callID, "error", err)
	}
}

func (p *confirmationPrompter) prompt(taskID, callID string) protocol.ConfirmationOutcome {
	fmt.Fprintf(p.out, "\nTool call %s (task %s) requires confirmation. [y]es / [a]lways / [n]o: ", callID, taskID)

	line, err := p.in.ReadString('\n')
	if err != nil {
		p.logger.Warn("failed to read confirmation answer", "error", err)
		return protocol.OutcomeCancel
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return protocol.OutcomeProceedOnce
	case "a", "always":
		return protocol.OutcomeProceedAlways
	default:
		return protocol.OutcomeCancel
	}
}
