// Package tracing turns loop lifecycle changes into progress events and
// delivers them to sinks.
package tracing

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// Sink receives progress events. Ownership of the event passes to the sink.
// Emit must not block for long; slow backends should buffer (see Collector).
type Sink interface {
	Emit(ev protocol.IterationEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev protocol.IterationEvent)

func (f SinkFunc) Emit(ev protocol.IterationEvent) { f(ev) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev protocol.IterationEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Emitter stamps events and forwards them to a sink. A misbehaving sink never
// interrupts the caller: panics are recovered and logged.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter returns an emitter over sink.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Emit stamps ev with a timestamp when unset and forwards it.
func (e *Emitter) Emit(ev protocol.IterationEvent) {
	if e == nil || e.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tracing: sink panicked", "type", ev.Type, "session", ev.SessionID, "panic", r)
		}
	}()
	e.sink.Emit(ev)
}

// CustomType namespaces a caller-defined marker so it cannot collide with
// lifecycle events.
func CustomType(name string) (protocol.EventType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("event type is required")
	}
	t := protocol.EventType(name)
	if t.IsLifecycle() {
		return "", fmt.Errorf("event type %q is reserved", name)
	}
	if strings.HasPrefix(name, protocol.CustomEventPrefix) {
		return t, nil
	}
	return protocol.EventType(protocol.CustomEventPrefix + name), nil
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.IterationEvent
}

func (r *Recorder) Emit(ev protocol.IterationEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []protocol.IterationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.IterationEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []protocol.EventType {
	evs := r.Events()
	out := make([]protocol.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ev protocol.IterationEvent) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"session", ev.SessionID,
		"iteration", ev.Iteration,
		"max", ev.MaxIterations,
		"phase", ev.Phase,
		"conditions", fmt.Sprintf("%d/%d", ev.ConditionsMet, ev.ConditionsAll),
	}
	if ev.DurationMS != nil {
		attrs = append(attrs, "duration_ms", *ev.DurationMS)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
		l.Warn("loop event "+string(ev.Type), attrs...)
		return
	}
	l.Info("loop event "+string(ev.Type), attrs...)
}
