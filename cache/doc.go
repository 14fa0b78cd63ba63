// Package cache provides a namespaced in-memory store for embedding
// vectors with LRU eviction, per-entry TTL, and transparent lossy
// compression of large vectors.
//
// Design
//
//   - Namespaces: each named namespace is an independent cache with its own
//     capacity (entries and/or bytes), TTL policy, and compression toggle.
//     Namespaces are created on first write (with the cache defaults) or
//     explicitly via CreateNamespace. Each namespace is guarded by its own
//     mutex; operations on different namespaces never contend.
//
//   - Storage: a namespace keeps a map[string]*node for lookups and an
//     intrusive MRU↔LRU doubly linked list for ordering. All operations are
//     O(1) expected; Trim is O(evicted).
//
//   - Eviction: pure LRU by last access. Entries that were never read stay
//     in insertion order, so ties fall to the oldest insert. Capacity is
//     enforced after every write; Trim evicts from the LRU end until the
//     namespace fits a byte target.
//
//   - TTL: per-entry deadlines (UnixNano). Expiration is lazy on read and
//     eager via a periodic sweep. UpdateAgeOnGet extends the deadline on
//     every hit.
//
//   - Compression: vectors wider than the namespace threshold are handed to
//     a codec.Compressor and stored as a compressed envelope plus codec id.
//     GetVector transparently decompresses; callers never observe whether a
//     given entry is compressed. A compression failure never loses the
//     write: the entry is stored raw and the failure is emitted as an
//     event.
//
//   - Observability: Options.Metrics receives Hit/Miss/Evict/Size signals
//     (NoopMetrics by default; see metrics/prom for a Prometheus adapter),
//     and Options.Sink receives structured cache events.
package cache
