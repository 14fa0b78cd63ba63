package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/vectorshard/event"
	"github.com/IvanBrykalov/vectorshard/router"
)

const (
	testEntity = "vectors"
	srcShard   = 0
	dstShard   = 1
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

type fakeBackup struct {
	mu      sync.Mutex
	backups int
	err     error
}

func (f *fakeBackup) BackupShard(_ context.Context, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.backups++
	return fmt.Sprintf("backup-%d", f.backups), nil
}

func (f *fakeBackup) RestoreShard(context.Context, string) error { return nil }

// fakePersistence serves the source range from a fixed record slice and
// accumulates writes per shard. Count reports the source fixture size for
// the source shard and the created-record count elsewhere.
type fakePersistence struct {
	mu       sync.Mutex
	records  []Record
	created  map[int][]Record
	attached map[int]map[string][]byte
	calls    []string

	findErr   error
	countSkew int64  // added to the target count to force a mismatch
	onFind    func() // runs before each range read, lock held
	onAttach  func() // runs before payloads are recorded
}

func newFakePersistence(n int) *fakePersistence {
	f := &fakePersistence{
		created:  make(map[int][]Record),
		attached: make(map[int]map[string][]byte),
	}
	for i := 0; i < n; i++ {
		f.records = append(f.records, Record{
			Key:    fmt.Sprintf("rec-%04d", i),
			Fields: map[string]string{"seq": fmt.Sprint(i)},
			Vector: []byte{byte(i), byte(i >> 8)},
		})
	}
	return f
}

func (f *fakePersistence) FindRange(_ context.Context, _ string, shardID, offset, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFind != nil {
		f.onFind()
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	if shardID != srcShard || offset >= len(f.records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	return f.records[offset:end], nil
}

func (f *fakePersistence) CreateMany(_ context.Context, _ string, shardID int, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[shardID] = append(f.created[shardID], records...)
	f.calls = append(f.calls, "create")
	return nil
}

func (f *fakePersistence) AttachVectors(_ context.Context, _ string, shardID int, vectors map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onAttach != nil {
		f.onAttach()
	}
	if f.attached[shardID] == nil {
		f.attached[shardID] = make(map[string][]byte)
	}
	for k, v := range vectors {
		f.attached[shardID][k] = v
	}
	f.calls = append(f.calls, "attach")
	return nil
}

func (f *fakePersistence) Count(_ context.Context, _ string, shardID int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if shardID == srcShard {
		return int64(len(f.records)), nil
	}
	return int64(len(f.created[shardID])) + f.countSkew, nil
}

type fixture struct {
	coord *Coordinator
	r     *router.Router
	bak   *fakeBackup
	per   *fakePersistence
	sink  *captureSink
}

func newFixture(t *testing.T, records int) *fixture {
	t.Helper()
	r := router.New(router.Options{})
	require.NoError(t, r.Register(testEntity, router.ShardConfig{ShardCount: 3}, []string{"n1", "n2"}))

	f := &fixture{
		r:    r,
		bak:  &fakeBackup{},
		per:  newFakePersistence(records),
		sink: &captureSink{},
	}
	f.coord = New(Options{
		Router:      r,
		Backup:      f.bak,
		Persistence: f.per,
		BatchSize:   100,
		Sink:        f.sink,
	})
	return f
}

func (f *fixture) shardStatus(t *testing.T, id int) router.Status {
	t.Helper()
	shards, err := f.r.Shards(testEntity)
	require.NoError(t, err)
	return shards[id].Status
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, ok := f.coord.Task(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, srcShard, task.Source)
	assert.Equal(t, dstShard, task.Target)

	_, err = f.coord.CreateTask(testEntity, 2, 2)
	assert.Error(t, err, "source == target must be rejected")

	_, ok = f.coord.Task("nope")
	assert.False(t, ok)
	assert.Len(t, f.coord.Tasks(), 1)
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 250)
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	require.NoError(t, f.coord.Run(context.Background(), id))

	task, ok := f.coord.Task(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, int64(250), task.RecordsMoved)
	assert.NotEmpty(t, task.BackupHandle)
	assert.False(t, task.FinishedAt.IsZero())

	// Structured records landed stripped of payloads; payloads followed.
	f.per.mu.Lock()
	created := f.per.created[dstShard]
	attached := f.per.attached[dstShard]
	calls := append([]string(nil), f.per.calls...)
	f.per.mu.Unlock()

	require.Len(t, created, 250)
	for _, rec := range created {
		assert.Nil(t, rec.Vector)
		assert.NotEmpty(t, rec.Fields)
	}
	assert.Len(t, attached, 250)
	require.NotEmpty(t, calls)
	assert.Equal(t, "attach", calls[len(calls)-1], "payloads migrate after all structured records")

	// Ownership flipped, both shards released.
	shards, err := f.r.Shards(testEntity)
	require.NoError(t, err)
	assert.Empty(t, shards[srcShard].Buckets)
	assert.ElementsMatch(t, []int{srcShard, dstShard}, shards[dstShard].Buckets)
	assert.Equal(t, router.StatusActive, shards[srcShard].Status)
	assert.Equal(t, router.StatusActive, shards[dstShard].Status)
	assert.Equal(t, int64(250), shards[dstShard].Records)

	require.Len(t, f.sink.named(event.MigrationStarted), 1)
	done := f.sink.named(event.MigrationCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, int64(250), done[0].Fields["records_moved"])
	assert.Len(t, done[0].Fields["keys_digest"], 16)
	assert.Empty(t, f.sink.named(event.MigrationFailed))
}

// The source count is sampled once before the copy; if writers keep
// landing records on the source shard, moved can exceed that sample.
// Copy progress must stay capped at 80 so it remains monotone through
// the attach and validation milestones.
func TestRun_SourceGrowsDuringCopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	grown := false
	f.per.onFind = func() {
		if grown {
			return
		}
		grown = true
		for i := 100; i < 150; i++ {
			f.per.records = append(f.per.records, Record{
				Key:    fmt.Sprintf("rec-%04d", i),
				Fields: map[string]string{"seq": fmt.Sprint(i)},
				Vector: []byte{byte(i), byte(i >> 8)},
			})
		}
	}

	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	copyProgress := -1
	f.per.onAttach = func() {
		task, ok := f.coord.Task(id)
		if ok {
			copyProgress = task.Progress
		}
	}

	require.NoError(t, f.coord.Run(context.Background(), id))

	// 150 records moved against an initial count of 100.
	assert.Equal(t, 80, copyProgress, "copy phase never reports past its milestone")

	task, _ := f.coord.Task(id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, int64(150), task.RecordsMoved)
}

func TestRun_ValidationMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 120)
	f.per.countSkew = -1 // target reports one record short
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	err = f.coord.Run(context.Background(), id)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(120), verr.SourceCount)
	assert.Equal(t, int64(119), verr.TargetCount)

	task, _ := f.coord.Task(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.NotEmpty(t, task.Error)
	assert.NotEmpty(t, task.BackupHandle, "backup handle retained for manual recovery")

	// Statuses reverted, ownership untouched.
	assert.Equal(t, router.StatusActive, f.shardStatus(t, srcShard))
	assert.Equal(t, router.StatusActive, f.shardStatus(t, dstShard))
	shards, err := f.r.Shards(testEntity)
	require.NoError(t, err)
	assert.Equal(t, []int{srcShard}, shards[srcShard].Buckets)

	require.Len(t, f.sink.named(event.MigrationFailed), 1)
	assert.Empty(t, f.sink.named(event.MigrationCompleted))
}

func TestRun_BackupFailureAbortsBeforeCopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	f.bak.err = errors.New("volume offline")
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	err = f.coord.Run(context.Background(), id)
	require.ErrorContains(t, err, "volume offline")

	task, _ := f.coord.Task(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Empty(t, task.BackupHandle)

	// No copy was attempted and both shards were released.
	f.per.mu.Lock()
	assert.Empty(t, f.per.created)
	f.per.mu.Unlock()
	assert.Equal(t, router.StatusActive, f.shardStatus(t, srcShard))
	assert.Equal(t, router.StatusActive, f.shardStatus(t, dstShard))
}

func TestRun_CopyFailureRevertsStatuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	f.per.findErr = errors.New("read timeout")
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	err = f.coord.Run(context.Background(), id)
	require.ErrorContains(t, err, "read timeout")

	task, _ := f.coord.Task(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, router.StatusActive, f.shardStatus(t, srcShard))
	assert.Equal(t, router.StatusActive, f.shardStatus(t, dstShard))
}

func TestRun_ShardConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	// Another migration already holds the source shard.
	require.NoError(t, f.r.MarkRebalancing(testEntity, srcShard, 2))

	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)
	err = f.coord.Run(context.Background(), id)
	require.ErrorIs(t, err, router.ErrShardConflict)

	task, _ := f.coord.Task(id)
	assert.Equal(t, StatusFailed, task.Status)

	// The losing task must not release shards it never acquired.
	assert.Equal(t, router.StatusRebalancing, f.shardStatus(t, srcShard))
	assert.Equal(t, router.StatusRebalancing, f.shardStatus(t, 2))
	assert.Equal(t, router.StatusActive, f.shardStatus(t, dstShard))
}

func TestRun_OnlyOncePerTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	id, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)

	require.NoError(t, f.coord.Run(context.Background(), id))
	err = f.coord.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrTaskNotPending)

	err = f.coord.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFailStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	id1, err := f.coord.CreateTask(testEntity, srcShard, dstShard)
	require.NoError(t, err)
	id2, err := f.coord.CreateTask(testEntity, srcShard, 2)
	require.NoError(t, err)

	// Simulate a task caught mid-flight by a process restart.
	f.coord.mu.Lock()
	f.coord.tasks[id1].Status = StatusInProgress
	f.coord.mu.Unlock()

	failed := f.coord.FailStale()
	assert.Equal(t, []string{id1}, failed)

	t1, _ := f.coord.Task(id1)
	assert.Equal(t, StatusFailed, t1.Status)
	assert.Contains(t, t1.Error, "interrupted")

	t2, _ := f.coord.Task(id2)
	assert.Equal(t, StatusPending, t2.Status, "pending tasks survive a restart")
}
