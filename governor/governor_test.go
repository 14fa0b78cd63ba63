package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/vectorshard/cache"
	"github.com/IvanBrykalov/vectorshard/codec"
	"github.com/IvanBrykalov/vectorshard/event"
)

type captureSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *captureSink) Emit(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) named(name string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// memSeq replays a fixed sequence of heap readings, holding the last one.
func memSeq(heapUsed ...uint64) func() MemInfo {
	var calls atomic.Int64
	return func() MemInfo {
		i := int(calls.Add(1)) - 1
		if i >= len(heapUsed) {
			i = len(heapUsed) - 1
		}
		return MemInfo{HeapUsed: heapUsed[i], HeapTotal: 1 << 30}
	}
}

type fakeRebalancer struct {
	mu       sync.Mutex
	entities []string
	err      error
}

func (f *fakeRebalancer) TriggerRebalance(entityType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.entities = append(f.entities, entityType)
	return []string{"task-1"}, nil
}

func newTestCache(t *testing.T, opt cache.Options) *cache.Cache {
	t.Helper()
	opt.SweepInterval = -1
	c := cache.New(opt)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func fillCache(t *testing.T, c *cache.Cache, entries, dim int) {
	t.Helper()
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i)
	}
	for i := 0; i < entries; i++ {
		require.NoError(t, c.Set("vectors", fmt.Sprintf("k%d", i), v, nil))
	}
}

func TestTick_ResourceStatusAlways(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	c := newTestCache(t, cache.Options{})
	fillCache(t, c, 3, 8)

	g := New(Options{
		Cache:   c,
		ReadMem: memSeq(100 << 20),
		Sink:    sink,
	})
	snap := g.Tick(context.Background())

	// A healthy tick does nothing but observe.
	status := sink.named(event.ResourceStatus)
	require.Len(t, status, 1)
	assert.Equal(t, uint64(100<<20), status[0].Fields["heap_used_bytes"])
	assert.Equal(t, int64(3*8*4), status[0].Fields["cache_bytes"])
	assert.Equal(t, 3, status[0].Fields["vector_count"])
	assert.Empty(t, sink.named(event.GCComplete))
	assert.Empty(t, sink.named(event.CacheOptimized))

	assert.Equal(t, snap, g.Snapshot())
	assert.Equal(t, uint64(100<<20), snap.HeapUsed)
	assert.Equal(t, int64(96), snap.CacheBytes)
	assert.Equal(t, 3, snap.VectorCount)
}

func TestTick_GCOnHeapPressure(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	c := newTestCache(t, cache.Options{})
	fillCache(t, c, 2, 8)

	// Snapshot reads 900 MB against a 768 MB threshold; the re-read after
	// reclamation sees 700 MB.
	g := New(Options{
		Cache:        c,
		MaxHeapBytes: 1 << 30, // threshold defaults to 768 MB
		ReadMem:      memSeq(900<<20, 700<<20),
		Sink:         sink,
	})
	require.Equal(t, uint64(768<<20), g.opt.GCThresholdBytes)

	g.Tick(context.Background())

	done := sink.named(event.GCComplete)
	require.Len(t, done, 1)
	assert.Equal(t, uint64(200<<20), done[0].Fields["memory_reclaimed_bytes"])
	assert.Equal(t, uint64(1), done[0].Fields["gc_cycles"])
	assert.Equal(t, uint64(1), g.GCCycles())

	// Pressure is gone on the next tick: no further reclamation pass.
	g.Tick(context.Background())
	assert.Len(t, sink.named(event.GCComplete), 1)
	assert.Equal(t, uint64(1), g.GCCycles())
	assert.Len(t, sink.named(event.ResourceStatus), 2)
}

func TestTick_GCReclaimedFloorsAtZero(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	c := newTestCache(t, cache.Options{})

	// Heap grows during the pass; reclaimed must report 0, not wrap.
	g := New(Options{
		Cache:            c,
		GCThresholdBytes: 100 << 20,
		ReadMem:          memSeq(200<<20, 300<<20),
		Sink:             sink,
	})
	g.Tick(context.Background())

	done := sink.named(event.GCComplete)
	require.Len(t, done, 1)
	assert.Equal(t, uint64(0), done[0].Fields["memory_reclaimed_bytes"])
}

func TestTick_TrimOnCacheOverflow(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	reb := &fakeRebalancer{}
	c := newTestCache(t, cache.Options{})
	fillCache(t, c, 8, 64) // 8 x 256 bytes = 2048

	g := New(Options{
		Cache:             c,
		MaxCacheBytes:     1000,
		Rebalancer:        reb,
		RebalanceEntities: []string{"vectors", "embeddings"},
		ReadMem:           memSeq(10 << 20),
		Sink:              sink,
	})
	g.Tick(context.Background())

	// Trimmed to 80% of the bound.
	assert.LessOrEqual(t, c.TotalBytes(), int64(800))

	opt := sink.named(event.CacheOptimized)
	require.Len(t, opt, 1)
	assert.Equal(t, c.TotalBytes(), opt[0].Fields["cache_bytes"])
	assert.Equal(t, 5, opt[0].Fields["entries_delta"])

	// Overflow also asks the router to even out shard load.
	reb.mu.Lock()
	entities := append([]string(nil), reb.entities...)
	reb.mu.Unlock()
	assert.Equal(t, []string{"vectors", "embeddings"}, entities)

	// Under the bound now: no second trim.
	g.Tick(context.Background())
	assert.Len(t, sink.named(event.CacheOptimized), 1)
}

func TestTick_StepFailureDoesNotAbortTick(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	c := newTestCache(t, cache.Options{})
	fillCache(t, c, 8, 64)

	g := New(Options{
		Cache:             c,
		MaxCacheBytes:     1000,
		Rebalancer:        &fakeRebalancer{err: errors.New("router down")},
		RebalanceEntities: []string{"vectors"},
		ReadMem:           memSeq(10 << 20),
		Sink:              sink,
	})
	g.Tick(context.Background())

	errs := sink.named(event.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "cache_trim", errs[0].Fields["step"])
	assert.Contains(t, errs[0].Fields["error"], "router down")

	// The failing trim step still did its cache work, and the tick reached
	// the unconditional status event.
	assert.LessOrEqual(t, c.TotalBytes(), int64(800))
	assert.Len(t, sink.named(event.ResourceStatus), 1)
}

func TestTick_BackgroundCompressionErrorsReported(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	comp := codec.New(codec.Options{})
	c := newTestCache(t, cache.Options{Compressor: comp})

	// A namespace pinned to an unknown codec leaves writes raw (the write
	// path degrades) and makes every background attempt fail, which is
	// exactly the repeated-failure surface the error events exist for.
	require.NoError(t, c.CreateNamespace("vectors", cache.NamespaceConfig{
		Compression:             true,
		CompressionDimThreshold: 16,
		CompressionMethod:       codec.Method("bogus"),
	}))
	fillCache(t, c, 2, 64)
	require.Equal(t, 2, len(c.LargeUncompressed(0)), "writes degraded to raw")

	g := New(Options{
		Cache:      c,
		Compressor: comp,
		ReadMem:    memSeq(10 << 20),
		Sink:       sink,
	})
	g.Tick(context.Background())

	// The worker runs asynchronously behind the semaphore.
	require.Eventually(t, func() bool {
		return len(sink.named(event.Error)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	for _, e := range sink.named(event.Error) {
		assert.Equal(t, "compress_large", e.Fields["step"])
		assert.Equal(t, "vectors", e.Fields["namespace"])
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	c := newTestCache(t, cache.Options{})

	g := New(Options{
		Cache:    c,
		Interval: 5 * time.Millisecond,
		ReadMem:  memSeq(10 << 20),
		Sink:     sink,
	})
	g.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(sink.named(event.ResourceStatus)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	g.Stop()
	g.Stop() // idempotent

	n := len(sink.named(event.ResourceStatus))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(sink.named(event.ResourceStatus)), "no ticks after Stop")
}
