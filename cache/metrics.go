package cache

// Stats is a point-in-time snapshot of one namespace's counters.
// Counters are monotonic; they reset only on Clear.
type Stats struct {
	Namespace string
	Entries   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions uint64
	// HitRate is Hits / (Hits + Misses); 0 before any access.
	HitRate float64
	// Usage is the fill fraction against the configured capacity
	// (bytes when MaxBytes is set, entries otherwise); 0 when unbounded.
	Usage float64
}

// String returns a stable label for an eviction reason.
func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictTrim:
		return "trim"
	default:
		return "lru"
	}
}
