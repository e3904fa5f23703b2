package worker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Iron-Ham/laneway/internal/event"
)

// maxLine caps a buffered partial line so a worker that never prints a
// newline cannot grow the buffer without bound.
const maxLine = 64 * 1024

// Sink receives a worker's terminal output. Bytes are appended to the
// agent's log file as-is; complete lines are also published as
// AgentOutputEvents.
type Sink struct {
	agentID string
	bus     *event.Bus

	mu      sync.Mutex
	file    *os.File
	partial []byte
}

// NewSink opens (appending) the log file at path. An empty path keeps no
// file and only publishes events.
func NewSink(agentID, path string, bus *event.Bus) (*Sink, error) {
	s := &Sink{agentID: agentID, bus: bus}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create agent log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	s.file = f
	return s, nil
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	s.partial = append(s.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(s.partial[:i], "\r")))
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > maxLine {
		lines = append(lines, string(s.partial))
		s.partial = nil
	}
	s.mu.Unlock()

	for _, line := range lines {
		s.bus.Publish(event.NewAgentOutputEvent(s.agentID, line))
	}
	return len(p), nil
}

// Close flushes any partial line and closes the log file. Safe to call
// more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	rest := s.partial
	s.partial = nil
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if len(rest) > 0 {
		s.bus.Publish(event.NewAgentOutputEvent(s.agentID, string(bytes.TrimRight(rest, "\r"))))
	}
	if f != nil {
		return f.Close()
	}
	return nil
}
