// Package event defines the observability surface of the subsystem.
//
// Components do not log directly; they emit named events with structured
// payloads to a Sink. The surrounding system decides what to do with them:
// forward to slog, export to Prometheus, or drop (NoopSink).
package event

import (
	"context"
	"log/slog"
	"time"
)

// Well-known event names emitted by the subsystem. Payload fields are
// documented on the emitting component.
const (
	CacheHit            = "cache_hit"
	CacheMiss           = "cache_miss"
	CacheEvict          = "cache_evict"
	CacheOptimized      = "cache_optimized"
	CompressionDegraded = "compression_degraded"
	CompressionError    = "compression_error"
	GCComplete          = "gc_complete"
	ResourceStatus      = "resource_status"
	MigrationStarted    = "migration_started"
	MigrationCompleted  = "migration_completed"
	MigrationFailed     = "migration_failed"
	RebalancePlanned    = "rebalance_planned"
	Error               = "error"
)

// Event is a single named occurrence with a structured payload.
type Event struct {
	Name   string
	Time   time.Time
	Fields map[string]any
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block the caller for long; emitting happens on hot paths.
type Sink interface {
	Emit(e Event)
}

// Emit is a convenience helper that stamps the event time and sends it.
// A nil sink is allowed and drops the event.
func Emit(s Sink, name string, fields map[string]any) {
	if s == nil {
		return
	}
	s.Emit(Event{Name: name, Time: time.Now(), Fields: fields})
}

// NoopSink drops all events. It is the default when no sink is configured.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

var _ Sink = NoopSink{}

// SlogSink forwards events to a slog.Logger as INFO records (ERROR for
// the "error" event). Field keys become slog attributes.
type SlogSink struct {
	l *slog.Logger
}

// NewSlogSink wraps a slog.Logger. A nil logger uses slog.Default().
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{l: l}
}

func (s *SlogSink) Emit(e Event) {
	attrs := make([]slog.Attr, 0, len(e.Fields))
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	if e.Name == Error || e.Name == MigrationFailed {
		level = slog.LevelError
	}
	s.l.LogAttrs(context.Background(), level, e.Name, attrs...)
}

var _ Sink = (*SlogSink)(nil)

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

var _ Sink = MultiSink(nil)
