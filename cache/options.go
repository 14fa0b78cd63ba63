package cache

import (
	"time"

	"github.com/IvanBrykalov/vectorshard/codec"
	"github.com/IvanBrykalov/vectorshard/event"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictLRU — removed to satisfy the entry/byte capacity limits.
	EvictLRU EvictReason = iota
	// EvictTTL — expired (lazy on access or by the periodic sweep).
	EvictTTL
	// EvictTrim — removed by an explicit Trim call.
	EvictTrim
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit(namespace string)
	Miss(namespace string)
	Evict(namespace string, reason EvictReason)
	Size(namespace string, entries int, bytes int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the cache. Zero values are safe; defaults are applied
// in New:
//   - nil Metrics        => NoopMetrics
//   - nil Sink           => events dropped
//   - SweepInterval == 0 => 1 minute (negative disables the sweep)
type Options struct {
	// Compressor handles large-vector compression for namespaces that
	// enable it. Nil disables compression everywhere.
	Compressor *codec.Compressor

	// DefaultNamespace is the configuration applied when a namespace is
	// created implicitly by the first write.
	DefaultNamespace NamespaceConfig

	// SweepInterval is the period of the eager TTL sweep.
	SweepInterval time.Duration

	Metrics Metrics
	Sink    event.Sink

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}

// NamespaceConfig bounds a single namespace.
type NamespaceConfig struct {
	// MaxEntries limits the number of resident entries (0 = unlimited).
	MaxEntries int
	// MaxBytes limits the resident payload bytes (0 = unlimited).
	MaxBytes int64

	// DefaultTTL applies to every Set (0 = no expiration).
	DefaultTTL time.Duration
	// UpdateAgeOnGet extends an entry's deadline by DefaultTTL on every hit.
	UpdateAgeOnGet bool

	// Compression enables codec delegation for vectors wider than
	// CompressionDimThreshold.
	Compression bool
	// CompressionDimThreshold is the dimension above which vectors are
	// compressed. Default 256.
	CompressionDimThreshold int
	// CompressionMethod pins a codec; MethodAuto selects from geometry.
	CompressionMethod codec.Method
}

func (c NamespaceConfig) withDefaults() NamespaceConfig {
	if c.CompressionDimThreshold <= 0 {
		c.CompressionDimThreshold = 256
	}
	return c
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)                {}
func (NoopMetrics) Miss(string)               {}
func (NoopMetrics) Evict(string, EvictReason) {}
func (NoopMetrics) Size(string, int, int64)   {}

var _ Metrics = NoopMetrics{}
