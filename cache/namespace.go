package cache

import (
	"sync"

	"github.com/IvanBrykalov/vectorshard/event"
	"github.com/IvanBrykalov/vectorshard/internal/util"
)

// namespace is an independent partition of the cache with its own lock,
// map, and an intrusive doubly linked list (head=MRU, tail=LRU).
type namespace struct {
	name string
	cfg  NamespaceConfig
	opt  *Options

	// ---- guarded by mu ----
	mu    sync.Mutex
	m     map[string]*node
	head  *node // MRU
	tail  *node // LRU
	bytes int64

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newNamespace(name string, cfg NamespaceConfig, opt *Options) *namespace {
	return &namespace{
		name: name,
		cfg:  cfg,
		opt:  opt,
		m:    make(map[string]*node),
	}
}

// evicted captures one eviction so its event can be emitted after the
// namespace lock is released; sinks never run inside the critical section.
type evicted struct {
	key    string
	reason EvictReason
}

// set inserts or updates an entry and enforces capacity afterwards.
// Updates count as recent use.
func (ns *namespace) set(n *node) {
	ns.mu.Lock()
	if old, ok := ns.m[n.key]; ok {
		ns.removeNode(old)
	}
	ns.m[n.key] = n
	ns.insertFront(n)
	evs := ns.enforceLimitsLocked()
	ns.mu.Unlock()

	ns.emitEvictions(evs)
}

// get returns a snapshot of the entry on a hit, promoting it to MRU and
// updating lastAccess. An expired entry is evicted and reported as a miss.
// The snapshot is taken under the lock so concurrent writers cannot tear it.
func (ns *namespace) get(key string, now int64) (*Entry, bool) {
	ns.mu.Lock()
	n, ok := ns.m[key]
	if !ok {
		ns.mu.Unlock()
		ns.miss()
		return nil, false
	}
	if n.exp != 0 && now > n.exp {
		ev := ns.evictNode(n, EvictTTL)
		ns.mu.Unlock()
		ns.emitEvictions([]evicted{ev})
		ns.miss()
		return nil, false
	}

	n.lastAccess = now
	if ns.cfg.UpdateAgeOnGet && ns.cfg.DefaultTTL > 0 {
		n.exp = now + int64(ns.cfg.DefaultTTL)
	}
	ns.moveToFront(n)
	e := n.entry()
	ns.mu.Unlock()

	ns.hits.Add(1)
	ns.opt.Metrics.Hit(ns.name)
	event.Emit(ns.opt.Sink, event.CacheHit, map[string]any{"namespace": ns.name, "key": key})
	return e, true
}

// miss counts and reports a miss. Called without the lock held; the
// counters are atomic.
func (ns *namespace) miss() {
	ns.misses.Add(1)
	ns.opt.Metrics.Miss(ns.name)
	event.Emit(ns.opt.Sink, event.CacheMiss, map[string]any{"namespace": ns.name})
}

// delete removes an entry by key. Not counted as an eviction.
func (ns *namespace) delete(key string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	n, ok := ns.m[key]
	if !ok {
		return false
	}
	ns.removeNode(n)
	ns.opt.Metrics.Size(ns.name, len(ns.m), ns.bytes)
	return true
}

// clear drops every entry and resets the counters.
func (ns *namespace) clear() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.m = make(map[string]*node)
	ns.head, ns.tail = nil, nil
	ns.bytes = 0
	ns.hits.Store(0)
	ns.misses.Store(0)
	ns.evicts.Store(0)
	ns.opt.Metrics.Size(ns.name, 0, 0)
}

// trim evicts entries ordered by last access (LRU end first) until the
// resident bytes fit targetBytes. Returns the number of evicted entries.
func (ns *namespace) trim(targetBytes int64) int {
	ns.mu.Lock()
	var evs []evicted
	for ns.bytes > targetBytes && ns.tail != nil {
		evs = append(evs, ns.evictNode(ns.tail, EvictTrim))
	}
	ns.opt.Metrics.Size(ns.name, len(ns.m), ns.bytes)
	ns.mu.Unlock()

	ns.emitEvictions(evs)
	return len(evs)
}

// sweep eagerly removes every expired entry. Returns the number removed.
func (ns *namespace) sweep(now int64) int {
	ns.mu.Lock()
	var evs []evicted
	for n := ns.tail; n != nil; {
		prev := n.prev
		if n.exp != 0 && now > n.exp {
			evs = append(evs, ns.evictNode(n, EvictTTL))
		}
		n = prev
	}
	if len(evs) > 0 {
		ns.opt.Metrics.Size(ns.name, len(ns.m), ns.bytes)
	}
	ns.mu.Unlock()

	ns.emitEvictions(evs)
	return len(evs)
}

func (ns *namespace) stats() Stats {
	ns.mu.Lock()
	entries := len(ns.m)
	bytes := ns.bytes
	ns.mu.Unlock()

	s := Stats{
		Namespace: ns.name,
		Entries:   entries,
		Bytes:     bytes,
		Hits:      ns.hits.Load(),
		Misses:    ns.misses.Load(),
		Evictions: ns.evicts.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	switch {
	case ns.cfg.MaxBytes > 0:
		s.Usage = float64(bytes) / float64(ns.cfg.MaxBytes)
	case ns.cfg.MaxEntries > 0:
		s.Usage = float64(entries) / float64(ns.cfg.MaxEntries)
	}
	return s
}

// -------------------- internals (mu held) --------------------

// insertFront inserts n at MRU in O(1).
func (ns *namespace) insertFront(n *node) {
	n.prev = nil
	n.next = ns.head
	if ns.head != nil {
		ns.head.prev = n
	}
	ns.head = n
	if ns.tail == nil {
		ns.tail = n
	}
	ns.bytes += n.size
}

// moveToFront promotes n to MRU in O(1).
func (ns *namespace) moveToFront(n *node) {
	if n == ns.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if ns.tail == n {
		ns.tail = n.prev
	}
	n.prev = nil
	n.next = ns.head
	if ns.head != nil {
		ns.head.prev = n
	}
	ns.head = n
	if ns.tail == nil {
		ns.tail = n
	}
}

// removeNode unlinks n and updates byte accounting in O(1).
func (ns *namespace) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if ns.head == n {
		ns.head = n.next
	}
	if ns.tail == n {
		ns.tail = n.prev
	}
	n.prev, n.next = nil, nil
	delete(ns.m, n.key)
	ns.bytes -= n.size
	if ns.bytes < 0 {
		ns.bytes = 0
	}
}

// evictNode unlinks n and counts the eviction. The caller emits the
// returned record after releasing the lock.
func (ns *namespace) evictNode(n *node, reason EvictReason) evicted {
	ns.removeNode(n)
	ns.evicts.Add(1)
	ns.opt.Metrics.Evict(ns.name, reason)
	return evicted{key: n.key, reason: reason}
}

// emitEvictions reports evictions collected under the lock.
func (ns *namespace) emitEvictions(evs []evicted) {
	for _, ev := range evs {
		event.Emit(ns.opt.Sink, event.CacheEvict, map[string]any{
			"namespace": ns.name,
			"key":       ev.key,
			"reason":    ev.reason.String(),
		})
	}
}

// enforceLimitsLocked evicts LRU entries until both count and byte limits
// are satisfied.
func (ns *namespace) enforceLimitsLocked() []evicted {
	var evs []evicted
	if ns.cfg.MaxEntries > 0 {
		for len(ns.m) > ns.cfg.MaxEntries && ns.tail != nil {
			evs = append(evs, ns.evictNode(ns.tail, EvictLRU))
		}
	}
	if ns.cfg.MaxBytes > 0 {
		for ns.bytes > ns.cfg.MaxBytes && ns.tail != nil {
			evs = append(evs, ns.evictNode(ns.tail, EvictLRU))
		}
	}
	ns.opt.Metrics.Size(ns.name, len(ns.m), ns.bytes)
	return evs
}
