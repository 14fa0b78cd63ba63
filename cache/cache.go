package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/vectorshard/codec"
	"github.com/IvanBrykalov/vectorshard/event"
)

// Cache is a namespaced in-memory vector store. All methods are safe for
// concurrent use by multiple goroutines; namespaces are independently
// locked, so operations on different namespaces never contend.
type Cache struct {
	opt Options

	mu     sync.RWMutex
	spaces map[string]*namespace

	closed    atomic.Bool
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a Cache with the provided Options.
// Defaults:
//   - nil Metrics        -> NoopMetrics
//   - SweepInterval == 0 -> 1 minute (negative disables the sweep)
func New(opt Options) *Cache {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.SweepInterval == 0 {
		opt.SweepInterval = time.Minute
	}
	opt.DefaultNamespace = opt.DefaultNamespace.withDefaults()

	c := &Cache{
		opt:    opt,
		spaces: make(map[string]*namespace),
	}
	if opt.SweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweepLoop(opt.SweepInterval)
	}
	return c
}

// CreateNamespace registers a namespace with an explicit configuration.
// Idempotent when the namespace already exists with an identical config;
// returns ErrConfigConflict otherwise.
func (c *Cache) CreateNamespace(name string, cfg NamespaceConfig) error {
	if c.closed.Load() {
		return ErrClosed
	}
	cfg = cfg.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok := c.spaces[name]; ok {
		if ns.cfg != cfg {
			return fmt.Errorf("%w: %q", ErrConfigConflict, name)
		}
		return nil
	}
	c.spaces[name] = newNamespace(name, cfg, &c.opt)
	return nil
}

// Set stores a vector under namespace/key, creating the namespace with the
// default config on first use. Vectors wider than the namespace's
// compression threshold are compressed when the namespace enables it;
// a compression failure stores the entry raw and emits a
// compression_error event — the write is never lost.
func (c *Cache) Set(namespace, key string, vector []float32, metadata map[string]string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ns := c.getOrCreate(namespace)
	now := c.now()

	n := &node{
		key:        key,
		md:         metadata,
		insertedAt: now,
		lastAccess: now,
	}
	if ns.cfg.DefaultTTL > 0 {
		n.exp = now + int64(ns.cfg.DefaultTTL)
	}

	if ns.cfg.Compression && c.opt.Compressor != nil && len(vector) > ns.cfg.CompressionDimThreshold {
		blob, m, err := c.opt.Compressor.Compress([][]float32{vector}, ns.cfg.CompressionMethod, codec.Params{})
		if err != nil {
			// Best-effort space optimization: fall back to raw storage.
			event.Emit(c.opt.Sink, event.CompressionError, map[string]any{
				"namespace": namespace,
				"key":       key,
				"error":     err.Error(),
			})
		} else {
			n.blob = blob
			n.method = m.Method
			n.size = int64(len(blob))
		}
	}
	if n.blob == nil {
		n.vec = vector
		n.size = int64(len(vector)) * 4
	}

	ns.set(n)
	return nil
}

// Get returns the entry for namespace/key, updating its last access and,
// if configured, extending its TTL. An expired entry is a miss.
func (c *Cache) Get(namespace, key string) (*Entry, bool, error) {
	ns, err := c.lookup(namespace)
	if err != nil {
		return nil, false, err
	}
	e, ok := ns.get(key, c.now())
	if !ok {
		return nil, false, nil
	}
	return e, true, nil
}

// GetVector is Get with transparent decompression: callers always receive
// a raw vector regardless of how the entry is stored.
func (c *Cache) GetVector(namespace, key string) ([]float32, bool, error) {
	ns, err := c.lookup(namespace)
	if err != nil {
		return nil, false, err
	}
	e, ok := ns.get(key, c.now())
	if !ok {
		return nil, false, nil
	}
	if e.Compressed == nil {
		return e.Vector, true, nil
	}
	vectors, err := c.opt.Compressor.Decompress(e.Compressed)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decompress %s/%s: %w", namespace, key, err)
	}
	return vectors[0], true, nil
}

// Delete removes namespace/key, reporting whether it was present.
func (c *Cache) Delete(namespace, key string) (bool, error) {
	ns, err := c.lookup(namespace)
	if err != nil {
		return false, err
	}
	return ns.delete(key), nil
}

// Clear drops every entry in the namespace and resets its counters.
func (c *Cache) Clear(namespace string) error {
	ns, err := c.lookup(namespace)
	if err != nil {
		return err
	}
	ns.clear()
	return nil
}

// Trim evicts least-recently-used entries until the namespace's resident
// bytes fit targetBytes. Returns the number of evicted entries.
func (c *Cache) Trim(namespace string, targetBytes int64) (int, error) {
	ns, err := c.lookup(namespace)
	if err != nil {
		return 0, err
	}
	return ns.trim(targetBytes), nil
}

// EvictExpired eagerly removes expired entries across all namespaces and
// returns the number removed. The resource governor calls this when memory
// pressure is detected; the periodic sweep calls it on a timer.
func (c *Cache) EvictExpired() int {
	now := c.now()
	removed := 0
	for _, ns := range c.namespaces() {
		removed += ns.sweep(now)
	}
	return removed
}

// Stats returns a snapshot of one namespace's counters.
func (c *Cache) Stats(namespace string) (Stats, error) {
	ns, err := c.lookup(namespace)
	if err != nil {
		return Stats{}, err
	}
	return ns.stats(), nil
}

// StatsAll snapshots every namespace.
func (c *Cache) StatsAll() []Stats {
	spaces := c.namespaces()
	out := make([]Stats, 0, len(spaces))
	for _, ns := range spaces {
		out = append(out, ns.stats())
	}
	return out
}

// Namespaces lists the currently registered namespace names.
func (c *Cache) Namespaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.spaces))
	for name := range c.spaces {
		out = append(out, name)
	}
	return out
}

// TotalBytes is the aggregate resident payload size across namespaces.
func (c *Cache) TotalBytes() int64 {
	var total int64
	for _, ns := range c.namespaces() {
		ns.mu.Lock()
		total += ns.bytes
		ns.mu.Unlock()
	}
	return total
}

// TotalEntries is the aggregate resident entry count across namespaces.
func (c *Cache) TotalEntries() int {
	total := 0
	for _, ns := range c.namespaces() {
		ns.mu.Lock()
		total += len(ns.m)
		ns.mu.Unlock()
	}
	return total
}

// Close stops the sweep goroutine and marks the cache closed. Subsequent
// writes fail with ErrClosed; reads keep working on resident data.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.sweepStop != nil {
		close(c.sweepStop)
		<-c.sweepDone
	}
	return nil
}

// ---- helpers ----

func (c *Cache) getOrCreate(name string) *namespace {
	c.mu.RLock()
	ns, ok := c.spaces[name]
	c.mu.RUnlock()
	if ok {
		return ns
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok = c.spaces[name]; ok {
		return ns
	}
	ns = newNamespace(name, c.opt.DefaultNamespace, &c.opt)
	c.spaces[name] = ns
	return ns
}

func (c *Cache) lookup(name string) (*namespace, error) {
	c.mu.RLock()
	ns, ok := c.spaces[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNamespaceNotFound, name)
	}
	return ns, nil
}

func (c *Cache) namespaces() []*namespace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*namespace, 0, len(c.spaces))
	for _, ns := range c.spaces {
		out = append(out, ns)
	}
	return out
}

func (c *Cache) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-c.sweepStop:
			return
		}
	}
}
