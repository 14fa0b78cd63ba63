// Package vectorshard keeps high-dimensional embedding data available in
// memory under bounded resource budgets while the dataset is horizontally
// partitioned across shards.
//
// The subsystem is five cooperating components:
//
//   - cache: namespaced in-memory vector store with LRU eviction, TTL,
//     and transparent lossy compression of large vectors.
//   - codec: PQ / SQ / IVF-PQ quantization codecs with per-method metrics.
//   - router: key-to-shard routing (hash or range) with load tracking and
//     rebalance planning.
//   - migrate: backup-gated, batched, validated shard migrations.
//   - governor: the backpressure loop — a periodic tick that reads memory
//     and cache pressure and drives eviction, compression, and rebalancing.
//
// Components are explicitly constructed and wired through App; there is no
// global state. External collaborators (backup service, persistence layer,
// observability sink) are plain interfaces supplied at construction time.
//
// Basic usage
//
//	app, err := vectorshard.NewApp(vectorshard.Config{
//	    MaxHeapBytes:  1 << 30,
//	    MaxCacheBytes: 256 << 20,
//	    Backup:        myBackup,
//	    Persistence:   myStore,
//	})
//	if err != nil { ... }
//	defer app.Close()
//
//	app.Cache.Set("memory_anchors", "anchor:42", vec, nil)
//	v, ok, err := app.Cache.GetVector("memory_anchors", "anchor:42")
//
// See the examples directory for complete wiring, including Prometheus
// exposition.
package vectorshard
