// Package presentation pushes progress events to whatever shows the game: the
// log, websocket clients, or both.
package presentation

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is the payload of one event.
type Fields map[string]any

// Sink receives fire-and-forget notifications. Emit must not block.
type Sink interface {
	Emit(event string, payload Fields)
}

// Message is one emitted event as delivered to clients.
type Message struct {
	Event   string    `json:"event"`
	Payload Fields    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(string, Fields) {}

// LogSink writes every event to a logrus logger.
type LogSink struct {
	Logger *logrus.Logger
	Level  logrus.Level
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{Logger: logger, Level: logrus.InfoLevel}
}

func (s *LogSink) Emit(event string, payload Fields) {
	s.Logger.WithFields(logrus.Fields(payload)).WithField("event", event).Log(s.Level, "Presentation event")
}

// Multi fans events out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(event string, payload Fields) {
	for _, s := range m {
		s.Emit(event, payload)
	}
}

// Recorder keeps every event in memory. It is used by tests and by the CLI to
// print a summary after a game.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Emit(event string, payload Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Event: event, Payload: payload, At: time.Now()})
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Events returns the recorded event names in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.messages))
	for i, m := range r.messages {
		names[i] = m.Event
	}
	return names
}

// Find returns the payloads of every recorded event with the given name.
func (r *Recorder) Find(event string) []Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Fields
	for _, m := range r.messages {
		if m.Event == event {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
