// Package router maps partition keys to shards and shards to nodes, and
// plans rebalancing when per-shard load drifts apart.
//
// Routing is two-step: a key hashes (or range-normalizes) to a bucket, and
// a bucket maps to a shard through an assignment table. Absent migrations
// the assignment is the identity, so routing is a pure function of the key
// and the shard count — deterministic and stable across restarts. Migration
// flips bucket ownership without touching the key hash.
//
// The router never decides when to rebalance; it only measures load and
// plans pairs. The resource governor (or the operator) calls
// TriggerRebalance, which submits one migration task per overloaded/
// underloaded shard pair.
package router

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/vectorshard/event"
	"github.com/IvanBrykalov/vectorshard/internal/util"
)

// Strategy selects how keys map to buckets.
type Strategy string

const (
	// StrategyHash buckets keys by a stable FNV-1a hash.
	StrategyHash Strategy = "hash"
	// StrategyRange buckets keys by their big-endian byte prefix, so
	// lexicographically close keys land on the same shard.
	StrategyRange Strategy = "range"
)

// Status is a shard's lifecycle state. Transitions to and from
// StatusRebalancing happen exclusively through the migration coordinator.
type Status string

const (
	StatusActive      Status = "active"
	StatusRebalancing Status = "rebalancing"
	StatusInactive    Status = "inactive"
)

// Load imbalance thresholds: a shard above 1.2x the mean load is
// overloaded, below 0.8x underloaded.
const (
	overloadFactor  = 1.2
	underloadFactor = 0.8
)

var (
	// ErrUnknownEntity is returned for an entity type with no shard table.
	ErrUnknownEntity = errors.New("router: unknown entity type")
	// ErrShardUnavailable is returned when the resolved shard is not
	// active. Transient: callers should retry after rebalancing settles.
	ErrShardUnavailable = errors.New("router: shard unavailable")
	// ErrShardConflict is returned when a status transition races another
	// in-flight migration over the same shard.
	ErrShardConflict = errors.New("router: shard is already rebalancing")
	// ErrEntityExists is returned by Register for a duplicate entity type.
	ErrEntityExists = errors.New("router: entity type already registered")
)

// ShardConfig describes the partitioning of one logical entity type.
// Immutable after Register.
type ShardConfig struct {
	// ShardKey names the field whose value is the partition key.
	ShardKey string
	// ShardCount is fixed for the lifetime of the table.
	ShardCount int
	// Strategy selects hash or range bucketing.
	Strategy Strategy
	// ReplicationFactor is carried for the surrounding persistence layer;
	// the router itself resolves only the primary node.
	ReplicationFactor int
}

// Shard is a caller-visible snapshot of one shard's assignment and metrics.
type Shard struct {
	ID         int
	NodeID     string
	Status     Status
	Buckets    []int // bucket indexes this shard currently owns
	Records    int64
	Ops        int64
	LastAccess time.Time
}

// MetricsDelta reports observed load to the router.
type MetricsDelta struct {
	Records int64
	Ops     int64
}

// Pair is one planned migration: move the source shard's buckets to the
// target shard.
type Pair struct {
	Source int
	Target int
}

// TaskSubmitter creates migration tasks; implemented by migrate.Coordinator.
type TaskSubmitter interface {
	CreateTask(entityType string, source, target int) (string, error)
}

type shardState struct {
	id      int
	nodeID  string
	status  Status
	records int64
	ops     int64

	// Touched by Resolve under the read lock; atomic so concurrent
	// resolves do not race each other or the snapshot readers.
	lastAccess atomic.Int64
}

type table struct {
	cfg    ShardConfig
	shards []*shardState
	assign []int // bucket index -> shard index
}

// Options configures a Router.
type Options struct {
	// Submitter receives migration tasks from TriggerRebalance. Nil makes
	// TriggerRebalance plan-only.
	Submitter TaskSubmitter
	// Sink receives rebalance_planned events. Nil drops them.
	Sink event.Sink
}

// Router maintains per-entity shard tables. Safe for concurrent use.
type Router struct {
	opt Options

	mu     sync.RWMutex
	tables map[string]*table
}

// New constructs a Router.
func New(opt Options) *Router {
	return &Router{opt: opt, tables: make(map[string]*table)}
}

// SetSubmitter installs the migration task submitter. The router and the
// coordinator reference each other, so one side is wired after
// construction; call this before any TriggerRebalance.
func (r *Router) SetSubmitter(s TaskSubmitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opt.Submitter = s
}

// Register initializes the shard table for an entity type. Nodes are
// assigned round-robin over the provided node identifiers; the identifiers
// are opaque to the router. ShardCount <= 0 picks a CPU-based default.
func (r *Router) Register(entityType string, cfg ShardConfig, nodes []string) error {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = util.ReasonableShardCount()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHash
	}
	if len(nodes) == 0 {
		return fmt.Errorf("router: no nodes for entity type %q", entityType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[entityType]; ok {
		return fmt.Errorf("%w: %q", ErrEntityExists, entityType)
	}

	t := &table{
		cfg:    cfg,
		shards: make([]*shardState, cfg.ShardCount),
		assign: make([]int, cfg.ShardCount),
	}
	for i := range t.shards {
		t.shards[i] = &shardState{
			id:     i,
			nodeID: nodes[i%len(nodes)],
			status: StatusActive,
		}
		t.assign[i] = i
	}
	r.tables[entityType] = t
	return nil
}

// Resolve maps a partition key to the node owning it. Fails with
// ErrShardUnavailable while the owning shard is rebalancing or inactive;
// the caller must treat that as transient and retry.
func (r *Router) Resolve(entityType, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[entityType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	s := t.shards[t.assign[t.bucket(key)]]
	if s.status != StatusActive {
		return "", fmt.Errorf("%w: shard %d is %s", ErrShardUnavailable, s.id, s.status)
	}
	s.lastAccess.Store(time.Now().UnixNano())
	return s.nodeID, nil
}

// ResolveShard maps a partition key to its shard ID regardless of status.
// The migration coordinator uses this to select records by owner.
func (r *Router) ResolveShard(entityType, key string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[entityType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	return t.shards[t.assign[t.bucket(key)]].id, nil
}

func (t *table) bucket(key string) int {
	switch t.cfg.Strategy {
	case StrategyRange:
		norm := normalizeKey(key)
		width := math.MaxUint64/uint64(t.cfg.ShardCount) + 1
		return int(norm / width)
	default:
		return util.ShardIndex(util.Fnv64a(key), t.cfg.ShardCount)
	}
}

// normalizeKey maps a key onto the uint64 space by its first 8 bytes,
// big-endian, so bucket boundaries follow lexicographic order.
func normalizeKey(key string) uint64 {
	var n uint64
	for i := 0; i < 8; i++ {
		n <<= 8
		if i < len(key) {
			n |= uint64(key[i])
		}
	}
	return n
}

// UpdateMetrics records observed load for a shard. Callers report deltas
// after each batch of reads/writes against the owning node.
func (r *Router) UpdateMetrics(entityType string, shardID int, delta MetricsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	if shardID < 0 || shardID >= len(t.shards) {
		return fmt.Errorf("router: shard %d out of range for %q", shardID, entityType)
	}
	s := t.shards[shardID]
	s.records += delta.Records
	if s.records < 0 {
		s.records = 0
	}
	s.ops += delta.Ops
	s.lastAccess.Store(time.Now().UnixNano())
	return nil
}

// Shards snapshots the shard table for an entity type.
func (r *Router) Shards(entityType string) ([]Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	out := make([]Shard, len(t.shards))
	for i, s := range t.shards {
		out[i] = Shard{
			ID:         s.id,
			NodeID:     s.nodeID,
			Status:     s.status,
			Records:    s.records,
			Ops:        s.ops,
			LastAccess: time.Unix(0, s.lastAccess.Load()),
		}
		for b, owner := range t.assign {
			if owner == i {
				out[i].Buckets = append(out[i].Buckets, b)
			}
		}
	}
	return out, nil
}

// Config returns the registered shard configuration for an entity type.
func (r *Router) Config(entityType string) (ShardConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[entityType]
	if !ok {
		return ShardConfig{}, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	return t.cfg, nil
}

// PlanRebalance computes overloaded/underloaded shard pairs for an entity
// type. load = ops/records (ops alone when a shard holds no records);
// shards above 1.2x mean pair greedily, in discovery order, with shards
// below 0.8x mean. Overloaded shards with no underloaded partner are left
// as-is. Only active shards participate.
func (r *Router) PlanRebalance(entityType string) ([]Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}

	type loaded struct {
		id   int
		load float64
	}
	var active []loaded
	var sum float64
	for _, s := range t.shards {
		if s.status != StatusActive {
			continue
		}
		l := shardLoad(s.ops, s.records)
		active = append(active, loaded{id: s.id, load: l})
		sum += l
	}
	if len(active) < 2 || sum == 0 {
		return nil, nil
	}
	avg := sum / float64(len(active))

	var over, under []int
	for _, s := range active {
		switch {
		case s.load > overloadFactor*avg:
			over = append(over, s.id)
		case s.load < underloadFactor*avg:
			under = append(under, s.id)
		}
	}

	var pairs []Pair
	for i, src := range over {
		if i >= len(under) {
			break
		}
		pairs = append(pairs, Pair{Source: src, Target: under[i]})
	}
	return pairs, nil
}

func shardLoad(ops, records int64) float64 {
	if records == 0 {
		return float64(ops)
	}
	return float64(ops) / float64(records)
}

// TriggerRebalance plans pairs and submits one migration task per pair.
// Returns the submitted task IDs (empty when the table is balanced).
func (r *Router) TriggerRebalance(entityType string) ([]string, error) {
	pairs, err := r.PlanRebalance(entityType)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	event.Emit(r.opt.Sink, event.RebalancePlanned, map[string]any{
		"entity_type": entityType,
		"pairs":       len(pairs),
	})

	r.mu.RLock()
	sub := r.opt.Submitter
	r.mu.RUnlock()
	if sub == nil {
		return nil, nil
	}

	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		id, err := sub.CreateTask(entityType, p.Source, p.Target)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkRebalancing atomically flips both shards from active to rebalancing.
// Fails with ErrShardConflict if either shard is not active, leaving both
// untouched. The rebalancing status acts as the per-shard migration mutex.
func (r *Router) MarkRebalancing(entityType string, source, target int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	src, dst, err := t.pair(source, target)
	if err != nil {
		return err
	}
	if src.status != StatusActive {
		return fmt.Errorf("%w: shard %d is %s", ErrShardConflict, source, src.status)
	}
	if dst.status != StatusActive {
		return fmt.Errorf("%w: shard %d is %s", ErrShardConflict, target, dst.status)
	}
	src.status = StatusRebalancing
	dst.status = StatusRebalancing
	return nil
}

// MarkActive returns both shards to active (migration success or revert).
func (r *Router) MarkActive(entityType string, source, target int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	src, dst, err := t.pair(source, target)
	if err != nil {
		return err
	}
	src.status = StatusActive
	dst.status = StatusActive
	return nil
}

// ApplyMigration atomically flips ownership of the source shard's buckets
// to the target and applies the record-count delta to both shards'
// metrics. Called by the migration coordinator after validation passes.
func (r *Router) ApplyMigration(entityType string, source, target int, recordsMoved int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	src, dst, err := t.pair(source, target)
	if err != nil {
		return err
	}
	for b, owner := range t.assign {
		if owner == source {
			t.assign[b] = target
		}
	}
	src.records -= recordsMoved
	if src.records < 0 {
		src.records = 0
	}
	dst.records += recordsMoved
	return nil
}

func (t *table) pair(source, target int) (*shardState, *shardState, error) {
	if source == target {
		return nil, nil, fmt.Errorf("router: source and target are both shard %d", source)
	}
	if source < 0 || source >= len(t.shards) || target < 0 || target >= len(t.shards) {
		return nil, nil, fmt.Errorf("router: shard pair (%d,%d) out of range", source, target)
	}
	return t.shards[source], t.shards[target], nil
}
