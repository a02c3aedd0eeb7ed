// Package sink provides implementations of the core.Sink port for consuming
// lifecycle events emitted during a run.
package sink

import (
	"sync"

	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/logging"
)

// SlogSink forwards events to a structured logger. Event levels map to the
// corresponding log levels.
type SlogSink struct {
	logger logging.Logger
}

var _ core.Sink = (*SlogSink)(nil)

// NewSlogSink creates a sink writing events through the given logger. A nil
// logger falls back to the default slog logger.
func NewSlogSink(logger logging.Logger) *SlogSink {
	if logger == nil {
		logger = logging.NewDefaultSlogLogger()
	}
	return &SlogSink{logger: logger}
}

// Emit logs the event with its structured fields.
func (s *SlogSink) Emit(event core.Event) {
	args := []any{
		"event", event.Name,
		"run_id", event.RunID,
	}
	if event.Phase != "" {
		args = append(args, "phase", event.Phase)
	}
	if event.Variant != "" {
		args = append(args, "variant", event.Variant)
	}
	for k, v := range event.Data {
		args = append(args, k, v)
	}

	switch event.Level {
	case core.LevelError:
		s.logger.Error(event.Message, args...)
	case core.LevelWarn:
		s.logger.Warn(event.Message, args...)
	default:
		s.logger.Info(event.Message, args...)
	}
}

// MemorySink records events in memory for inspection, mainly in tests and
// examples. It is safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []core.Event
}

var _ core.Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event.
func (m *MemorySink) Emit(event core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of all recorded events in emission order.
func (m *MemorySink) Events() []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the recorded events with the given name, in emission order.
func (m *MemorySink) Named(name string) []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Event
	for _, e := range m.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all recorded events.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Fanout forwards each event to every wrapped sink in order.
type Fanout struct {
	sinks []core.Sink
}

var _ core.Sink = (*Fanout)(nil)

// NewFanout combines multiple sinks into one. Nil sinks are skipped.
func NewFanout(sinks ...core.Sink) *Fanout {
	kept := make([]core.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept}
}

// Emit delivers the event to all sinks.
func (f *Fanout) Emit(event core.Event) {
	for _, s := range f.sinks {
		s.Emit(event)
	}
}
