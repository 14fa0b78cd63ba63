package cache

import (
	"fmt"

	"github.com/IvanBrykalov/vectorshard/codec"
)

// EntryRef identifies a cache entry without pinning it.
type EntryRef struct {
	Namespace string
	Key       string
	Dim       int
}

// LargeUncompressed lists up to limit resident raw entries whose dimension
// exceeds their namespace's compression threshold, in namespaces that have
// compression enabled. The resource governor uses this to find candidates
// for background compression. limit <= 0 means no limit.
func (c *Cache) LargeUncompressed(limit int) []EntryRef {
	var out []EntryRef
	for _, ns := range c.namespaces() {
		if !ns.cfg.Compression {
			continue
		}
		ns.mu.Lock()
		for _, n := range ns.m {
			if n.compressed() || len(n.vec) <= ns.cfg.CompressionDimThreshold {
				continue
			}
			out = append(out, EntryRef{Namespace: ns.name, Key: n.key, Dim: len(n.vec)})
			if limit > 0 && len(out) >= limit {
				ns.mu.Unlock()
				return out
			}
		}
		ns.mu.Unlock()
	}
	return out
}

// CompressEntry compresses a resident raw entry in place, leaving its LRU
// position and TTL untouched. Returns false when there is nothing to do:
// missing entry, already compressed, or below the namespace threshold.
// The CPU-bound encode runs outside the namespace lock.
func (c *Cache) CompressEntry(namespace, key string) (bool, error) {
	if c.opt.Compressor == nil {
		return false, nil
	}
	ns, err := c.lookup(namespace)
	if err != nil {
		return false, err
	}

	ns.mu.Lock()
	n, ok := ns.m[key]
	if !ok || n.compressed() || len(n.vec) <= ns.cfg.CompressionDimThreshold {
		ns.mu.Unlock()
		return false, nil
	}
	vec := n.vec
	method := ns.cfg.CompressionMethod
	ns.mu.Unlock()

	blob, m, err := c.opt.Compressor.Compress([][]float32{vec}, method, codec.Params{})
	if err != nil {
		return false, fmt.Errorf("cache: compress %s/%s: %w", namespace, key, err)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	// The entry may have been evicted or rewritten while encoding ran.
	cur, ok := ns.m[key]
	if !ok || cur != n || cur.compressed() {
		return false, nil
	}
	ns.bytes += int64(len(blob)) - cur.size
	cur.vec = nil
	cur.blob = blob
	cur.method = m.Method
	cur.size = int64(len(blob))
	ns.opt.Metrics.Size(ns.name, len(ns.m), ns.bytes)
	return true, nil
}
