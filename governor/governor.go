// Package governor implements the resource backpressure loop: a fixed
// interval tick that snapshots memory and cache pressure and drives
// eviction, compression, and rebalancing in response.
//
// The governor is the only component that decides when to reclaim: the
// cache evicts on its own only at capacity, the compressor only encodes
// when asked, the router only plans pairs when triggered. Reclamation
// never relies on the runtime's garbage collector.
//
// Tick steps are independent and order-preserving but not transactional:
// a failing step is reported through an error event and the tick moves on.
// Each step carries a busy guard so a slow action is skipped, not stacked,
// by the next tick.
package governor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/IvanBrykalov/vectorshard/cache"
	"github.com/IvanBrykalov/vectorshard/codec"
	"github.com/IvanBrykalov/vectorshard/event"
)

// MemInfo is a point-in-time view of process memory.
type MemInfo struct {
	HeapUsed  uint64
	HeapTotal uint64
	LastGC    time.Time
	NumGC     uint32
}

func readRuntimeMem() MemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemInfo{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		LastGC:    time.Unix(0, int64(ms.LastGC)),
		NumGC:     ms.NumGC,
	}
}

// Snapshot is the governor's view of the subsystem at one tick.
// Recomputed every tick; never persisted.
type Snapshot struct {
	Time                time.Time
	HeapUsed            uint64
	HeapTotal           uint64
	CacheBytes          int64
	VectorCount         int
	AvgCompressionRatio float64
	LastGC              time.Time
	GCCycles            uint64
}

// Rebalancer triggers load rebalancing; implemented by router.Router.
type Rebalancer interface {
	TriggerRebalance(entityType string) ([]string, error)
}

// Options configures a Governor.
type Options struct {
	Cache      *cache.Cache
	Compressor *codec.Compressor

	// Rebalancer and RebalanceEntities wire the pressure loop to the shard
	// router: when the cache overflows, each listed entity type gets a
	// rebalance trigger. Optional.
	Rebalancer        Rebalancer
	RebalanceEntities []string

	// Interval between ticks. Default 60s.
	Interval time.Duration

	// MaxHeapBytes is the configured memory budget. GCThresholdBytes
	// defaults to 75% of it.
	MaxHeapBytes     uint64
	GCThresholdBytes uint64

	// MaxCacheBytes bounds the aggregate cache size; overflow trims every
	// namespace to 80% of the bound.
	MaxCacheBytes int64

	// CompressWorkers caps concurrent background compressions. Default 1.
	CompressWorkers int64
	// CompressBatch caps candidates picked up per tick. Default 64.
	CompressBatch int

	// ReadMem overrides the memory probe (tests). Nil uses runtime stats.
	ReadMem func() MemInfo

	// Sink receives gc_complete, cache_optimized, resource_status, and
	// error events. Nil drops them.
	Sink event.Sink
}

// Step indexes for the per-step busy guards.
const (
	stepGC = iota
	stepTrim
	stepCompress
	stepCount
)

var stepNames = [stepCount]string{"gc", "cache_trim", "compress_large"}

// Governor runs the tick loop. Construct with New, then Start.
type Governor struct {
	opt Options

	gcCycles atomic.Uint64
	busy     [stepCount]atomic.Bool
	sem      *semaphore.Weighted

	mu   sync.Mutex
	last Snapshot

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New constructs a Governor with defaults applied.
func New(opt Options) *Governor {
	if opt.Interval <= 0 {
		opt.Interval = time.Minute
	}
	if opt.GCThresholdBytes == 0 && opt.MaxHeapBytes > 0 {
		opt.GCThresholdBytes = opt.MaxHeapBytes / 4 * 3
	}
	if opt.CompressWorkers <= 0 {
		opt.CompressWorkers = 1
	}
	if opt.CompressBatch <= 0 {
		opt.CompressBatch = 64
	}
	if opt.ReadMem == nil {
		opt.ReadMem = readRuntimeMem
	}
	return &Governor{
		opt:  opt,
		sem:  semaphore.NewWeighted(opt.CompressWorkers),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the tick loop. Safe to call once; use Stop to halt.
func (g *Governor) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		go g.loop(ctx)
	})
}

// Stop halts the tick loop and waits for the current tick to finish.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
}

// Snapshot returns the most recent tick's snapshot.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// GCCycles returns the number of pressure-triggered reclamation passes.
func (g *Governor) GCCycles() uint64 { return g.gcCycles.Load() }

func (g *Governor) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.opt.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Tick(ctx)
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one governance pass. Exported so tests and operators can force
// a pass without waiting out the interval.
func (g *Governor) Tick(ctx context.Context) Snapshot {
	// Step 1: snapshot.
	snap := g.snapshot()

	// Step 2: heap pressure — evict expired entries and queue compression.
	if g.opt.GCThresholdBytes > 0 && snap.HeapUsed > g.opt.GCThresholdBytes {
		g.runStep(stepGC, func() error {
			removed := g.opt.Cache.EvictExpired()
			g.dispatchCompression(ctx)
			g.gcCycles.Add(1)

			after := g.opt.ReadMem()
			var reclaimed uint64
			if snap.HeapUsed > after.HeapUsed {
				reclaimed = snap.HeapUsed - after.HeapUsed
			}
			event.Emit(g.opt.Sink, event.GCComplete, map[string]any{
				"memory_reclaimed_bytes": reclaimed,
				"expired_removed":        removed,
				"gc_cycles":              g.gcCycles.Load(),
			})
			return nil
		})
	}

	// Step 3: cache overflow — trim every namespace, then ask the router
	// to even out shard load.
	if g.opt.MaxCacheBytes > 0 && snap.CacheBytes > g.opt.MaxCacheBytes {
		g.runStep(stepTrim, func() error {
			target := g.opt.MaxCacheBytes / 10 * 8
			entriesBefore := g.opt.Cache.TotalEntries()
			var firstErr error
			for _, name := range g.opt.Cache.Namespaces() {
				if _, err := g.opt.Cache.Trim(name, target); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			event.Emit(g.opt.Sink, event.CacheOptimized, map[string]any{
				"cache_bytes":   g.opt.Cache.TotalBytes(),
				"entries_delta": entriesBefore - g.opt.Cache.TotalEntries(),
			})

			if g.opt.Rebalancer != nil {
				for _, entity := range g.opt.RebalanceEntities {
					if _, err := g.opt.Rebalancer.TriggerRebalance(entity); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		})
	}

	// Step 4: unconditional — compress known large raw vectors.
	g.dispatchCompression(ctx)

	// Step 5: unconditional observability.
	event.Emit(g.opt.Sink, event.ResourceStatus, map[string]any{
		"heap_used_bytes":  snap.HeapUsed,
		"heap_total_bytes": snap.HeapTotal,
		"cache_bytes":      snap.CacheBytes,
		"vector_count":     snap.VectorCount,
		"avg_ratio":        snap.AvgCompressionRatio,
		"gc_cycles":        snap.GCCycles,
	})

	g.mu.Lock()
	g.last = snap
	g.mu.Unlock()
	return snap
}

func (g *Governor) snapshot() Snapshot {
	mem := g.opt.ReadMem()
	snap := Snapshot{
		Time:      time.Now(),
		HeapUsed:  mem.HeapUsed,
		HeapTotal: mem.HeapTotal,
		LastGC:    mem.LastGC,
		GCCycles:  g.gcCycles.Load(),
	}
	if g.opt.Cache != nil {
		snap.CacheBytes = g.opt.Cache.TotalBytes()
		snap.VectorCount = g.opt.Cache.TotalEntries()
	}
	if g.opt.Compressor != nil {
		snap.AvgCompressionRatio = g.opt.Compressor.AverageRatio()
	}
	return snap
}

// dispatchCompression hands large raw entries to a background worker,
// bounded by the semaphore so CPU-bound encoding never blocks the tick.
// Skipped while a previous dispatch is still draining.
func (g *Governor) dispatchCompression(ctx context.Context) {
	if g.opt.Cache == nil || g.opt.Compressor == nil {
		return
	}
	g.runStep(stepCompress, func() error {
		refs := g.opt.Cache.LargeUncompressed(g.opt.CompressBatch)
		if len(refs) == 0 {
			return nil
		}
		if !g.sem.TryAcquire(1) {
			// Workers saturated; next tick will retry.
			return nil
		}
		go func() {
			defer g.sem.Release(1)
			for _, ref := range refs {
				if ctx.Err() != nil {
					return
				}
				if _, err := g.opt.Cache.CompressEntry(ref.Namespace, ref.Key); err != nil {
					event.Emit(g.opt.Sink, event.Error, map[string]any{
						"step":      stepNames[stepCompress],
						"namespace": ref.Namespace,
						"key":       ref.Key,
						"error":     err.Error(),
					})
				}
			}
		}()
		return nil
	})
}

// runStep executes one tick step with its busy guard; a step error is
// absorbed into an error event so later steps still run.
func (g *Governor) runStep(step int, fn func() error) {
	if !g.busy[step].CompareAndSwap(false, true) {
		return
	}
	defer g.busy[step].Store(false)
	if err := fn(); err != nil {
		event.Emit(g.opt.Sink, event.Error, map[string]any{
			"step":  stepNames[step],
			"error": err.Error(),
		})
	}
}
