package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category classifies session events and errors.
type Category string

const (
	// CategoryInit covers failures while building the session.
	CategoryInit Category = "init"
	// CategoryTransient covers per-tick problems the session survives.
	CategoryTransient Category = "transient"
	// CategoryFatal covers live-session failures that end the run.
	CategoryFatal Category = "fatal"
	// CategoryCalibration covers calibration outcomes.
	CategoryCalibration Category = "calibration"
	// CategoryRelease covers failures while tearing the session down.
	CategoryRelease Category = "release"
	// CategoryInfo covers lifecycle notices.
	CategoryInfo Category = "info"
)

// Event is a notable occurrence reported to a Sink.
type Event struct {
	Time      time.Time `json:"time"`
	Category  Category  `json:"category"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
}

// MarshalJSON includes the error text.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Sink receives session events. Implementations must not block.
type Sink interface {
	Event(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Event calls f.
func (f SinkFunc) Event(e Event) { f(e) }

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Event logs e at a level chosen by its category.
func (l *LogSink) Event(e Event) {
	args := []any{"category", string(e.Category), "component", e.Component}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}
	switch {
	case e.Category == CategoryInit || e.Category == CategoryRelease || e.Category == CategoryFatal:
		l.logger.Error(e.Message, args...)
	case e.Err != nil:
		l.logger.Warn(e.Message, args...)
	default:
		l.logger.Info(e.Message, args...)
	}
}

// MultiSink fans events out to several sinks.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink.
func (m *MultiSink) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Event forwards e to every sink.
func (m *MultiSink) Event(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Event(e)
	}
}

// ComponentError attributes an error to a session component.
type ComponentError struct {
	Component string
	Category  Category
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Category, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}
