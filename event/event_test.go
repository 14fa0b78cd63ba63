package event

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct{ events []Event }

func (s *recordSink) Emit(e Event) { s.events = append(s.events, e) }

func TestEmit(t *testing.T) {
	t.Parallel()

	s := &recordSink{}
	Emit(s, CacheHit, map[string]any{"namespace": "ns"})

	require.Len(t, s.events, 1)
	assert.Equal(t, CacheHit, s.events[0].Name)
	assert.Equal(t, "ns", s.events[0].Fields["namespace"])
	assert.False(t, s.events[0].Time.IsZero(), "Emit stamps the time")
}

func TestEmit_NilSink(t *testing.T) {
	t.Parallel()

	// Must not panic; emitting with no sink configured is the common case.
	Emit(nil, CacheMiss, nil)
	NoopSink{}.Emit(Event{Name: CacheMiss})
}

func TestMultiSink(t *testing.T) {
	t.Parallel()

	a, b := &recordSink{}, &recordSink{}
	m := MultiSink{a, nil, b}
	Emit(m, ResourceStatus, map[string]any{"cache_bytes": 42})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, a.events[0].Name, b.events[0].Name)
}

func TestSlogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	Emit(s, GCComplete, map[string]any{"memory_reclaimed_bytes": 123})
	Emit(s, MigrationFailed, map[string]any{"task_id": "t1"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	assert.Equal(t, GCComplete, first["msg"])
	assert.Equal(t, "INFO", first["level"])
	assert.EqualValues(t, 123, first["memory_reclaimed_bytes"])

	assert.Equal(t, MigrationFailed, second["msg"])
	assert.Equal(t, "ERROR", second["level"], "failure events log at error level")
	assert.Equal(t, "t1", second["task_id"])
}

func TestSlogSink_NilLoggerDefaults(t *testing.T) {
	t.Parallel()

	s := NewSlogSink(nil)
	require.NotNil(t, s)
	s.Emit(Event{Name: CacheHit}) // must not panic
}
