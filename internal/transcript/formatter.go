// Package transcript renders published task events as human-readable
// console lines.
package transcript

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/iambrandonn/torc/internal/protocol"
)

// Formatter formats protocol events for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats a published event for console display
func (f *Formatter) FormatEvent(ev protocol.Event) string {
	switch e := ev.(type) {
	case *protocol.StatusUpdateEvent:
		return f.formatStatus(e)
	case *protocol.ArtifactUpdateEvent:
		return f.formatArtifact(e)
	default:
		return fmt.Sprintf("[%s] %s", shortID(taskID(ev)), ev.Kind())
	}
}

func (f *Formatter) formatStatus(e *protocol.StatusUpdateEvent) string {
	task := shortID(e.TaskID)

	// Tool-call updates carry the call id and status in metadata.
	if e.Metadata != nil && e.Metadata[protocol.MetadataUpdateKind] == protocol.UpdateKindToolCall {
		callID, _ := e.Metadata[protocol.MetadataToolCallID].(string)
		status, _ := e.Metadata[protocol.MetadataToolStatus].(string)
		return fmt.Sprintf("[%s] tool %s: %s", task, callID, status)
	}

	var details string
	if e.Status.Message != nil {
		if text := e.Status.Message.Text(); text != "" {
			details = text
		}
	}

	line := fmt.Sprintf("[%s] %s", task, e.Status.State)
	if e.StateChange() {
		line = fmt.Sprintf("[%s] state → %s", task, e.Status.State)
	}
	if details != "" {
		line += ": " + firstLine(details)
	}
	if e.Final {
		line += " (final)"
	}
	return line
}

func (f *Formatter) formatArtifact(e *protocol.ArtifactUpdateEvent) string {
	task := shortID(e.TaskID)
	var size int
	for _, p := range e.Artifact.Parts {
		size += len(p.Text)
	}
	name := e.Artifact.Name
	if name == "" {
		name = e.Artifact.ArtifactID
	}
	return fmt.Sprintf("[%s] artifact %s (%s)", task, name, formatSize(int64(size)))
}

func taskID(ev protocol.Event) string {
	switch e := ev.(type) {
	case *protocol.StatusUpdateEvent:
		return e.TaskID
	case *protocol.ArtifactUpdateEvent:
		return e.TaskID
	}
	return ""
}

// shortID truncates a UUID-style task id to a readable prefix
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "unknown"
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// formatSize formats a byte size in a human-readable format
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ConsolePublisher writes formatted event lines to a writer. Writes are
// serialized so concurrent tasks do not interleave partial lines.
type ConsolePublisher struct {
	mu        sync.Mutex
	out       io.Writer
	formatter *Formatter
}

// NewConsolePublisher creates a publisher writing to out
func NewConsolePublisher(out io.Writer) *ConsolePublisher {
	return &ConsolePublisher{out: out, formatter: NewFormatter()}
}

// Publish implements protocol.Publisher
func (c *ConsolePublisher) Publish(ev protocol.Event) error {
	line := c.formatter.FormatEvent(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	return err
}
