package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends events as JSON lines, one file per event type
// (access.jsonl, risk.jsonl, ...). Files are created on first write.
type FileSink struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileSink creates the audit directory if it does not exist.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileSink{dir: dir, files: make(map[string]*os.File)}, nil
}

func (s *FileSink) WriteEvents(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		f, err := s.file(ev.Type)
		if err != nil {
			return err
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", ev.ID, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write audit event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Close closes all open log files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

func (s *FileSink) file(eventType string) (*os.File, error) {
	if f, ok := s.files[eventType]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, eventType+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	s.files[eventType] = f
	return f, nil
}

// SlogSink logs events through a structured logger. Used when no audit
// directory is configured.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) WriteEvents(_ context.Context, events []*Event) error {
	for _, ev := range events {
		s.logger.Info("audit",
			"event_id", ev.ID,
			"type", ev.Type,
			"agent_id", ev.AgentID,
			"action", ev.Action,
			"outcome", ev.Outcome,
		)
	}
	return nil
}

// MemorySink collects events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteEvents(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType filters recorded events by type.
func (s *MemorySink) ByType(eventType string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
