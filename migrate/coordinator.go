// Package migrate moves a shard's key range to another shard through a
// backup-gated, batched copy with count validation.
//
// A migration never proceeds without a successful point-in-time backup of
// the source shard: the backup is the rollback anchor. On validation
// failure the task fails, shard statuses revert to active, and the backup
// handle stays on the task for manual recovery — no automatic rollback
// replay is attempted.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/vectorshard/event"
)

// TaskStatus is the lifecycle state of a migration task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("migrate: task not found")
	// ErrTaskNotPending is returned by Run for a task that already ran.
	ErrTaskNotPending = errors.New("migrate: task is not pending")
)

// ValidationError reports a record-count mismatch between source and
// target after the copy phase. Fatal to the task, not to the process.
type ValidationError struct {
	TaskID      string
	SourceCount int64
	TargetCount int64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("migrate: task %s count mismatch: source=%d target=%d",
		e.TaskID, e.SourceCount, e.TargetCount)
}

// Task owns the full lifecycle of a single rebalance operation; tasks are
// never reused.
type Task struct {
	ID         string
	EntityType string
	Source     int
	Target     int

	Status   TaskStatus
	Progress int // 0..100
	Error    string

	// BackupHandle identifies the pre-migration backup. Retained on
	// failure as the manual recovery path.
	BackupHandle string

	StartedAt    time.Time
	FinishedAt   time.Time
	RecordsMoved int64
}

// Record is one migrated row: structured fields plus the cached/compressed
// vector payload. Payloads migrate last, after the structured fields.
type Record struct {
	Key    string
	Fields map[string]string
	Vector []byte
}

// Backup is the external backup/restore collaborator.
type Backup interface {
	// BackupShard takes a point-in-time backup of a shard's key range and
	// returns an opaque handle.
	BackupShard(ctx context.Context, entityType string, shardID int) (string, error)
	// RestoreShard replays a backup. The coordinator never calls this
	// itself; it is the operator's recovery path.
	RestoreShard(ctx context.Context, handle string) error
}

// Persistence is the external storage collaborator used for the batched
// copy. The shard ID acts as the range descriptor: implementations scope
// every call to the migrated key range.
type Persistence interface {
	// FindRange reads a batch of records owned by the shard.
	FindRange(ctx context.Context, entityType string, shardID, offset, limit int) ([]Record, error)
	// CreateMany writes structured records to the shard.
	CreateMany(ctx context.Context, entityType string, shardID int, records []Record) error
	// AttachVectors writes the vector payloads for previously copied
	// records, keyed by record key.
	AttachVectors(ctx context.Context, entityType string, shardID int, vectors map[string][]byte) error
	// Count returns the number of records of the migrated range resident
	// on the shard.
	Count(ctx context.Context, entityType string, shardID int) (int64, error)
}

// ShardTable is the router surface the coordinator drives; shard status
// transitions happen exclusively through these calls.
type ShardTable interface {
	MarkRebalancing(entityType string, source, target int) error
	MarkActive(entityType string, source, target int) error
	ApplyMigration(entityType string, source, target int, recordsMoved int64) error
}

// Options configures a Coordinator.
type Options struct {
	Router      ShardTable
	Backup      Backup
	Persistence Persistence

	// BatchSize is the records-per-batch for the copy phase, clamped to
	// [100, 1000]. Default 500.
	BatchSize int
	// BatchRate throttles copy batches per second (0 = unlimited), so a
	// migration cannot starve foreground traffic.
	BatchRate rate.Limit

	// Sink receives migration lifecycle events. Nil drops them.
	Sink event.Sink
}

// Coordinator creates and runs migration tasks. Safe for concurrent use;
// per-shard mutual exclusion is enforced by the router's rebalancing
// status, not by the coordinator.
type Coordinator struct {
	opt     Options
	limiter *rate.Limiter

	mu    sync.Mutex
	tasks map[string]*Task
}

// New constructs a Coordinator with defaults applied.
func New(opt Options) *Coordinator {
	switch {
	case opt.BatchSize <= 0:
		opt.BatchSize = 500
	case opt.BatchSize < 100:
		opt.BatchSize = 100
	case opt.BatchSize > 1000:
		opt.BatchSize = 1000
	}
	c := &Coordinator{opt: opt, tasks: make(map[string]*Task)}
	if opt.BatchRate > 0 {
		c.limiter = rate.NewLimiter(opt.BatchRate, 1)
	}
	return c
}

// CreateTask registers a pending migration of the source shard's key range
// to the target shard and returns the task ID.
func (c *Coordinator) CreateTask(entityType string, source, target int) (string, error) {
	if source == target {
		return "", fmt.Errorf("migrate: source and target are both shard %d", source)
	}
	t := &Task{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Source:     source,
		Target:     target,
		Status:     StatusPending,
	}
	c.mu.Lock()
	c.tasks[t.ID] = t
	c.mu.Unlock()
	return t.ID, nil
}

// Task returns a snapshot of a task.
func (c *Coordinator) Task(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks snapshots all known tasks.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	return out
}

// FailStale marks every in_progress task failed. The surrounding system
// calls this on restart: a task found in_progress did not survive its
// process, and its migration must be re-triggered manually.
func (c *Coordinator) FailStale() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var failed []string
	for _, t := range c.tasks {
		if t.Status == StatusInProgress {
			t.Status = StatusFailed
			t.Error = "interrupted: found in_progress on restart"
			failed = append(failed, t.ID)
		}
	}
	return failed
}

// Run executes the migration protocol for a pending task. It is
// synchronous and long-running; callers dispatch it to a worker. Exactly
// one Run per task; re-running returns ErrTaskNotPending.
//
// Protocol: mark both shards rebalancing, back up the source, copy
// structured records in batches, copy vector payloads, validate counts,
// flip ownership. Each step is a hard prerequisite for the next.
func (c *Coordinator) Run(ctx context.Context, taskID string) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, t.Status)
	}
	t.Status = StatusInProgress
	t.StartedAt = time.Now()
	entityType, source, target := t.EntityType, t.Source, t.Target
	c.mu.Unlock()

	event.Emit(c.opt.Sink, event.MigrationStarted, map[string]any{
		"task_id": taskID, "entity_type": entityType,
		"source": source, "target": target,
	})

	// Step 1: mutual exclusion over both shards.
	if err := c.opt.Router.MarkRebalancing(entityType, source, target); err != nil {
		return c.fail(taskID, false, err)
	}

	// Step 2: the rollback anchor. No copy without a backup.
	handle, err := c.opt.Backup.BackupShard(ctx, entityType, source)
	if err != nil {
		return c.fail(taskID, true, fmt.Errorf("migrate: backup source shard %d: %w", source, err))
	}
	c.update(taskID, func(t *Task) { t.BackupHandle = handle })

	moved, digest, err := c.copyRange(ctx, taskID, entityType, source, target)
	if err != nil {
		return c.fail(taskID, true, err)
	}

	// Step 4: hard validation of the copy.
	srcCount, err := c.opt.Persistence.Count(ctx, entityType, source)
	if err != nil {
		return c.fail(taskID, true, fmt.Errorf("migrate: count source shard %d: %w", source, err))
	}
	dstCount, err := c.opt.Persistence.Count(ctx, entityType, target)
	if err != nil {
		return c.fail(taskID, true, fmt.Errorf("migrate: count target shard %d: %w", target, err))
	}
	if srcCount != dstCount {
		return c.fail(taskID, true, &ValidationError{
			TaskID:      taskID,
			SourceCount: srcCount,
			TargetCount: dstCount,
		})
	}

	// Step 5: flip ownership and release both shards.
	if err := c.opt.Router.ApplyMigration(entityType, source, target, moved); err != nil {
		return c.fail(taskID, true, err)
	}
	if err := c.opt.Router.MarkActive(entityType, source, target); err != nil {
		return c.fail(taskID, false, err)
	}

	c.update(taskID, func(t *Task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.RecordsMoved = moved
		t.FinishedAt = time.Now()
	})
	event.Emit(c.opt.Sink, event.MigrationCompleted, map[string]any{
		"task_id":       taskID,
		"records_moved": moved,
		"keys_digest":   fmt.Sprintf("%016x", digest),
	})
	return nil
}

// copyRange is step 3: batched copy of structured records, then the
// vector payloads, throttled by the batch limiter. Returns the record
// count and an xxhash digest of the copied keys for the completion event.
func (c *Coordinator) copyRange(ctx context.Context, taskID, entityType string, source, target int) (int64, uint64, error) {
	total, err := c.opt.Persistence.Count(ctx, entityType, source)
	if err != nil {
		return 0, 0, fmt.Errorf("migrate: count source shard %d: %w", source, err)
	}

	digest := xxhash.New()
	vectors := make(map[string][]byte)
	var moved int64

	for offset := 0; ; offset += c.opt.BatchSize {
		if err := c.waitBatch(ctx); err != nil {
			return 0, 0, err
		}
		batch, err := c.opt.Persistence.FindRange(ctx, entityType, source, offset, c.opt.BatchSize)
		if err != nil {
			return 0, 0, fmt.Errorf("migrate: read shard %d at offset %d: %w", source, offset, err)
		}
		if len(batch) == 0 {
			break
		}

		// Structured fields first; payloads are held back for the second pass.
		stripped := make([]Record, len(batch))
		for i, rec := range batch {
			if rec.Vector != nil {
				vectors[rec.Key] = rec.Vector
			}
			stripped[i] = Record{Key: rec.Key, Fields: rec.Fields}
			_, _ = digest.WriteString(rec.Key)
		}
		if err := c.opt.Persistence.CreateMany(ctx, entityType, target, stripped); err != nil {
			return 0, 0, fmt.Errorf("migrate: write shard %d: %w", target, err)
		}
		moved += int64(len(batch))

		if total > 0 {
			// total is sampled once up front; the source may grow while we
			// copy. Cap at 80 so progress stays monotone into the later
			// attach/validate milestones.
			progress := int(moved * 80 / total)
			if progress > 80 {
				progress = 80
			}
			c.update(taskID, func(t *Task) { t.Progress = progress })
		}
		if len(batch) < c.opt.BatchSize {
			break
		}
	}

	// Vector payloads last, after every structured record landed.
	if len(vectors) > 0 {
		if err := c.waitBatch(ctx); err != nil {
			return 0, 0, err
		}
		if err := c.opt.Persistence.AttachVectors(ctx, entityType, target, vectors); err != nil {
			return 0, 0, fmt.Errorf("migrate: attach vectors to shard %d: %w", target, err)
		}
	}
	c.update(taskID, func(t *Task) { t.Progress = 90 })

	return moved, digest.Sum64(), nil
}

func (c *Coordinator) waitBatch(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Coordinator) update(taskID string, fn func(*Task)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[taskID]; ok {
		fn(t)
	}
}

// fail finalizes a task as failed, reverting shard statuses when they were
// already marked rebalancing. The backup handle is kept on the task.
func (c *Coordinator) fail(taskID string, revert bool, cause error) error {
	var entityType string
	var source, target int
	c.update(taskID, func(t *Task) {
		t.Status = StatusFailed
		t.Error = cause.Error()
		t.FinishedAt = time.Now()
		entityType, source, target = t.EntityType, t.Source, t.Target
	})
	if revert {
		if err := c.opt.Router.MarkActive(entityType, source, target); err != nil {
			event.Emit(c.opt.Sink, event.Error, map[string]any{
				"task_id": taskID,
				"step":    "revert_status",
				"error":   err.Error(),
			})
		}
	}
	event.Emit(c.opt.Sink, event.MigrationFailed, map[string]any{
		"task_id": taskID,
		"error":   cause.Error(),
	})
	return cause
}
