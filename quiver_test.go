package quiver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/model"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Buffer.MaxBytes = 1 << 20
	cfg.Buffer.ShardCount = 4
	cfg.Buffer.FlushThresholdBytes = 1 << 20
	cfg.WAL.SyncInterval = 0
	cfg.WAL.RotateSizeBytes = 1 << 20
	cfg.Segment.TargetVectors = 1000
	cfg.Recovery.ParallelThreads = 4
	return cfg
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	eng, err := Open(dir, WithConfig(testConfig()))
	require.NoError(t, err)
	return eng
}

func testEntry(i int) model.VectorEntry {
	return model.VectorEntry{
		ID:     model.VectorID(fmt.Sprintf("vec-%04d", i)),
		Vector: []float32{float32(i), float32(i) + 0.5, -float32(i), 1},
		Tenant: "acme",
		Tags:   []model.TagID{model.TagID(i % 3)},
	}
}

func TestEngine_OpenEmptyAndClose(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())

	st := eng.Stats()
	assert.Equal(t, int64(0), st.Buffer.MessageCount)
	assert.Equal(t, model.Epoch(0), st.LastEpoch)
	assert.Equal(t, 0, st.Segments)

	require.NoError(t, eng.Close())
}

func TestEngine_InsertGetRoundTrip(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	want := testEntry(1)
	require.NoError(t, eng.Insert(ctx, want))
	assert.True(t, eng.Exists(want.ID))

	got, err := eng.Get(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Vector, got.Vector)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, want.Tags, got.Tags)
	assert.NotZero(t, got.IDHash)

	_, err = eng.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_InsertDuplicateRejected(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	entry := testEntry(1)
	require.NoError(t, eng.Insert(ctx, entry))
	require.ErrorIs(t, eng.Insert(ctx, entry), ErrAlreadyExists)

	entry.Vector = []float32{9, 9, 9, 9}
	require.NoError(t, eng.Upsert(ctx, entry))

	got, err := eng.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9, 9, 9}, got.Vector)
}

func TestEngine_DeleteHidesVector(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	entry := testEntry(1)
	require.NoError(t, eng.Insert(ctx, entry))
	require.NoError(t, eng.Delete(ctx, entry.ID))

	_, err := eng.Get(ctx, entry.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, eng.Exists(entry.ID))

	require.ErrorIs(t, eng.Delete(ctx, "missing"), ErrNotFound)
}

func TestEngine_WriteValidation(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	require.ErrorIs(t, eng.Insert(ctx, model.VectorEntry{Vector: []float32{1}}), ErrEmptyID)
	require.ErrorIs(t, eng.Insert(ctx, model.VectorEntry{ID: "a"}), ErrEmptyVector)
}

func TestEngine_FlushMakesDurable(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, eng.Insert(ctx, testEntry(i)))
	}
	require.NoError(t, eng.Flush(ctx))

	st := eng.Stats()
	assert.Equal(t, int64(0), st.Buffer.MessageCount)
	assert.Equal(t, model.Epoch(n), st.DurableEpoch)
	assert.GreaterOrEqual(t, st.Segments, 1)
	assert.Equal(t, n, st.Index.Segment)

	// Reads now come from the segment.
	got, err := eng.Get(ctx, testEntry(7).ID)
	require.NoError(t, err)
	assert.Equal(t, testEntry(7).Vector, got.Vector)
}

func TestEngine_UpsertAfterFlushReadsNewest(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	entry := testEntry(1)
	require.NoError(t, eng.Insert(ctx, entry))
	require.NoError(t, eng.Flush(ctx))

	entry.Vector = []float32{42, 42, 42, 42}
	require.NoError(t, eng.Upsert(ctx, entry))

	got, err := eng.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{42, 42, 42, 42}, got.Vector)
}

func TestEngine_DeleteSurvivesFlush(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	entry := testEntry(1)
	require.NoError(t, eng.Insert(ctx, entry))
	require.NoError(t, eng.Delete(ctx, entry.ID))
	require.NoError(t, eng.Flush(ctx))

	_, err := eng.Get(ctx, entry.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, eng.Exists(entry.ID))
}

func TestEngine_ScanForQuery(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, model.VectorEntry{
		ID: "a", Vector: []float32{1}, Tenant: "acme",
	}))
	require.NoError(t, eng.Insert(ctx, model.VectorEntry{
		ID: "b", Vector: []float32{2}, Tenant: "other",
	}))

	entries := eng.ScanForQuery("acme", "", nil, 100)
	require.Len(t, entries, 1)
	assert.Equal(t, model.VectorID("a"), entries[0].ID)
}

func TestEngine_CloseIsFinal(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	require.NoError(t, eng.Close())

	require.ErrorIs(t, eng.Close(), ErrClosed)
	require.ErrorIs(t, eng.Insert(context.Background(), testEntry(1)), ErrClosed)
	_, err := eng.Get(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, eng.Flush(context.Background()), ErrClosed)
}

func TestEngine_ReopenAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := openTestEngine(t, dir)
	for i := 0; i < 20; i++ {
		require.NoError(t, eng.Insert(ctx, testEntry(i)))
	}
	require.NoError(t, eng.Close())

	eng = openTestEngine(t, dir)
	defer eng.Close()

	st := eng.Stats()
	assert.Equal(t, model.Epoch(20), st.DurableEpoch)
	assert.Equal(t, int64(0), st.Buffer.MessageCount)
	for i := 0; i < 20; i++ {
		got, err := eng.Get(ctx, testEntry(i).ID)
		require.NoError(t, err)
		assert.Equal(t, testEntry(i).Vector, got.Vector)
	}
}

func TestEngine_RecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := openTestEngine(t, dir)
	for i := 0; i < 300; i++ {
		require.NoError(t, eng.Insert(ctx, testEntry(i)))
	}
	require.NoError(t, eng.Flush(ctx))
	for i := 300; i < 500; i++ {
		require.NoError(t, eng.Insert(ctx, testEntry(i)))
	}
	// Simulate a crash after the log is durable: no flush, no manifest
	// commit, just drop the process state.
	require.NoError(t, eng.wal.Close())

	eng2, err := Open(dir, WithConfig(testConfig()))
	require.NoError(t, err)
	defer eng2.Close()

	st := eng2.Stats()
	assert.Equal(t, model.Epoch(300), st.DurableEpoch)
	assert.Equal(t, model.Epoch(500), st.LastEpoch)
	assert.Equal(t, int64(200), st.Buffer.MessageCount)
	assert.Equal(t, 300, st.Index.Segment)
	assert.Equal(t, 200, st.Index.Buffer)

	// Flushed writes read from segments, replayed ones from the buffer.
	got, err := eng2.Get(ctx, testEntry(123).ID)
	require.NoError(t, err)
	assert.Equal(t, testEntry(123).Vector, got.Vector)

	got, err = eng2.Get(ctx, testEntry(456).ID)
	require.NoError(t, err)
	assert.Equal(t, testEntry(456).Vector, got.Vector)
}

func TestEngine_RecoveryReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Flush, then write again without a clean close: the flushed insert is
	// segment resident and the later upsert lives only in the WAL. Replay
	// starts past the durable epoch, so only the upsert is reapplied and the
	// identity is tracked once.
	eng := openTestEngine(t, dir)
	entry := testEntry(1)
	require.NoError(t, eng.Insert(ctx, entry))
	require.NoError(t, eng.Flush(ctx))
	entry.Vector = []float32{5, 5, 5, 5}
	require.NoError(t, eng.Upsert(ctx, entry))
	require.NoError(t, eng.wal.Close())

	eng2, err := Open(dir, WithConfig(testConfig()))
	require.NoError(t, err)
	defer eng2.Close()

	got, err := eng2.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5, 5, 5}, got.Vector)
	assert.Equal(t, 1, eng2.idx.Len())
}

func TestEngine_MetricsCollected(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	eng, err := Open(t.TempDir(), WithConfig(testConfig()), WithMetricsCollector(metrics))
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.Insert(ctx, testEntry(1)))
	_, err = eng.Get(ctx, testEntry(1).ID)
	require.NoError(t, err)
	require.NoError(t, eng.Flush(ctx))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.WriteCount)
	assert.Equal(t, int64(1), stats.GetCount)
	assert.Equal(t, int64(1), stats.FlushCount)
	assert.Equal(t, int64(1), stats.FlushedMessages)
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	eng := openTestEngine(t, t.TempDir())
	defer eng.Close()
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				if err := eng.Insert(ctx, testEntry(w*perWriter+i)); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("writers did not finish")
		}
	}

	st := eng.Stats()
	assert.Equal(t, model.Epoch(writers*perWriter), st.LastEpoch)
	assert.Equal(t, writers*perWriter, eng.idx.Len())
}
