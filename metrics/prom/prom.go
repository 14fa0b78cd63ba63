// Package prom exports the subsystem's observability hooks to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/vectorshard/cache"
	"github.com/IvanBrykalov/vectorshard/event"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges,
// labeled by namespace. Safe for concurrent use; all Prometheus metric
// types are goroutine-safe.
type Adapter struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	evicts   *prometheus.CounterVec
	sizeEnt  *prometheus.GaugeVec
	sizeByte *prometheus.GaugeVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}, []string{"namespace"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}, []string{"namespace"}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Cache evictions by reason",
			ConstLabels: constLabels,
		}, []string{"namespace", "reason"}),
		sizeEnt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}, []string{"namespace"}),
		sizeByte: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_bytes",
			Help:        "Resident payload bytes",
			ConstLabels: constLabels,
		}, []string{"namespace"}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeByte)
	return a
}

// Hit increments the hit counter for a namespace.
func (a *Adapter) Hit(namespace string) { a.hits.WithLabelValues(namespace).Inc() }

// Miss increments the miss counter for a namespace.
func (a *Adapter) Miss(namespace string) { a.misses.WithLabelValues(namespace).Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(namespace string, r cache.EvictReason) {
	a.evicts.WithLabelValues(namespace, r.String()).Inc()
}

// Size updates the entry and byte gauges for a namespace.
func (a *Adapter) Size(namespace string, entries int, bytes int64) {
	a.sizeEnt.WithLabelValues(namespace).Set(float64(entries))
	a.sizeByte.WithLabelValues(namespace).Set(float64(bytes))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)

// EventSink implements event.Sink and counts subsystem events by name,
// exporting the governor's and coordinator's activity without any extra
// wiring: register it alongside (or fanned out with) the slog sink.
type EventSink struct {
	events *prometheus.CounterVec
	ratio  prometheus.Gauge
	heap   prometheus.Gauge
}

// NewEventSink constructs an event-counting sink. reg semantics match New.
func NewEventSink(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *EventSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &EventSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "events_total",
			Help:        "Subsystem events by name",
			ConstLabels: constLabels,
		}, []string{"event"}),
		ratio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "avg_compression_ratio",
			Help:        "Average compression ratio across codecs",
			ConstLabels: constLabels,
		}),
		heap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "heap_used_bytes",
			Help:        "Heap usage observed by the resource governor",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(s.events, s.ratio, s.heap)
	return s
}

// Emit counts the event and mirrors resource_status gauges.
func (s *EventSink) Emit(e event.Event) {
	s.events.WithLabelValues(e.Name).Inc()
	if e.Name != event.ResourceStatus {
		return
	}
	if v, ok := e.Fields["avg_ratio"].(float64); ok {
		s.ratio.Set(v)
	}
	if v, ok := e.Fields["heap_used_bytes"].(uint64); ok {
		s.heap.Set(float64(v))
	}
}

var _ event.Sink = (*EventSink)(nil)
