package msgbuf

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/model"
)

func testConfig() config.BufferConfig {
	return config.BufferConfig{
		MaxBytes:            64 << 20,
		ShardCount:          16,
		FlushThresholdBytes: 32 << 20,
		DedupeEnabled:       true,
	}
}

func upsertMsg(id string, epoch model.Epoch) model.Message {
	return model.Message{
		Op: model.OpUpsert,
		Entry: model.VectorEntry{
			ID:        model.VectorID(id),
			IDHash:    hash.IDString(id),
			Vector:    []float32{1, 2, 3, 4},
			Tenant:    "acme",
			Namespace: "prod",
		},
		Epoch:     epoch,
		Timestamp: model.Now(),
	}
}

func deleteMsg(id string, epoch model.Epoch) model.Message {
	return model.Message{
		Op: model.OpDelete,
		Entry: model.VectorEntry{
			ID:     model.VectorID(id),
			IDHash: hash.IDString(id),
		},
		Epoch:     epoch,
		Timestamp: model.Now(),
	}
}

type recordingIndex struct {
	mu      sync.Mutex
	upserts []model.Location
}

func (r *recordingIndex) Upsert(_ model.VectorID, _ uint64, loc model.Location) {
	r.mu.Lock()
	r.upserts = append(r.upserts, loc)
	r.mu.Unlock()
}

func TestBuffer_AppendDrivesIndex(t *testing.T) {
	idx := &recordingIndex{}
	b := New(testConfig(), idx)

	require.NoError(t, b.Append(context.Background(), upsertMsg("a", 1)))
	require.NoError(t, b.Append(context.Background(), deleteMsg("b", 2)))

	require.Len(t, idx.upserts, 2)
	assert.Equal(t, model.LocationBuffer, idx.upserts[0].Kind)
	assert.Equal(t, model.LocationDeleted, idx.upserts[1].Kind)
	assert.True(t, idx.upserts[1].Tombstone)
	assert.Equal(t, int64(2), b.Len())
}

func TestBuffer_DedupCount(t *testing.T) {
	b := New(testConfig(), nil)

	for e := 1; e <= 10; e++ {
		require.NoError(t, b.Append(context.Background(), upsertMsg("x", model.Epoch(e))))
	}

	st := b.Stats()
	assert.Equal(t, int64(10), st.MessageCount, "shadowed messages stay in the FIFO")
	assert.Equal(t, int64(9), st.DedupeCount)

	// The scan sees exactly one entry for x, reflecting the latest append.
	entries := b.ScanForQuery("", "", nil, 1000)
	require.Len(t, entries, 1)
	assert.Equal(t, model.VectorID("x"), entries[0].ID)
}

func TestBuffer_ScanFilters(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)

	mk := func(id, tenant, ns string, tags []model.TagID, epoch model.Epoch) model.Message {
		m := upsertMsg(id, epoch)
		m.Entry.Tenant = tenant
		m.Entry.Namespace = ns
		m.Entry.Tags = tags
		return m
	}
	require.NoError(t, b.Append(context.Background(), mk("a", "acme", "prod", []model.TagID{1, 2}, 1)))
	require.NoError(t, b.Append(context.Background(), mk("b", "acme", "dev", []model.TagID{3}, 2)))
	require.NoError(t, b.Append(context.Background(), mk("c", "globex", "prod", nil, 3)))
	require.NoError(t, b.Append(context.Background(), deleteMsg("d", 4)))

	assert.Len(t, b.ScanForQuery("", "", nil, 100), 3, "deletes are skipped")
	assert.Len(t, b.ScanForQuery("acme", "", nil, 100), 2)
	assert.Len(t, b.ScanForQuery("acme", "prod", nil, 100), 1)
	assert.Len(t, b.ScanForQuery("", "", []model.TagID{2, 3}, 100), 2, "any-of tag overlap")
	assert.Empty(t, b.ScanForQuery("initech", "", nil, 100))
}

func TestBuffer_DeleteShadowsInScan(t *testing.T) {
	b := New(testConfig(), nil)

	require.NoError(t, b.Append(context.Background(), upsertMsg("y", 5)))
	require.NoError(t, b.Append(context.Background(), deleteMsg("y", 6)))

	assert.Empty(t, b.ScanForQuery("", "", nil, 100), "a buffered delete shadows the older upsert")
}

func TestBuffer_SliceForLeaf_KeyRange(t *testing.T) {
	b := New(testConfig(), nil)

	var inRange, total int
	mid := uint64(1) << 63
	rng := model.KeyRange{Lo: 0, Hi: mid - 1}
	for i := 0; i < 200; i++ {
		m := upsertMsg(fmt.Sprintf("vec-%03d", i), model.Epoch(i+1))
		require.NoError(t, b.Append(context.Background(), m))
		total++
		if rng.Contains(m.Entry.IDHash) {
			inRange++
		}
	}
	require.Greater(t, inRange, 0)
	require.Less(t, inRange, total)

	batch := b.SliceForLeaf(0, rng, total)
	assert.Len(t, batch, inRange)
	for _, m := range batch {
		assert.True(t, rng.Contains(m.Entry.IDHash))
	}

	// Slicing copies; nothing is removed until Evict.
	assert.Equal(t, int64(total), b.Len())

	// maxBatch caps the result.
	small := b.SliceForLeaf(3, rng, 5)
	assert.Len(t, small, 5)
}

func TestBuffer_FIFOPerIdentity(t *testing.T) {
	b := New(testConfig(), nil)

	for e := 1; e <= 50; e++ {
		require.NoError(t, b.Append(context.Background(), upsertMsg("same", model.Epoch(e))))
	}
	batch := b.SliceForLeaf(0, model.FullKeyRange(), 1000)
	require.Len(t, batch, 50)
	for i := 1; i < len(batch); i++ {
		assert.Less(t, batch[i-1].Epoch, batch[i].Epoch, "per-identity FIFO order")
	}
}

func TestBuffer_EvictMatchesHashAndEpoch(t *testing.T) {
	b := New(testConfig(), nil)

	require.NoError(t, b.Append(context.Background(), upsertMsg("z", 1)))
	batch := b.SliceForLeaf(0, model.FullKeyRange(), 10)
	require.Len(t, batch, 1)

	// The identity is rewritten after the flush snapshot.
	require.NoError(t, b.Append(context.Background(), upsertMsg("z", 2)))

	b.Evict(batch)
	assert.Equal(t, int64(1), b.Len(), "only the flushed epoch is evicted")

	remaining := b.SliceForLeaf(0, model.FullKeyRange(), 10)
	require.Len(t, remaining, 1)
	assert.Equal(t, model.Epoch(2), remaining[0].Epoch)

	// The rewrite is still visible to scans after eviction.
	entries := b.ScanForQuery("", "", nil, 100)
	require.Len(t, entries, 1)
}

func TestBuffer_ByteAccounting(t *testing.T) {
	b := New(testConfig(), nil)

	for i := 0; i < 500; i++ {
		require.NoError(t, b.Append(context.Background(), upsertMsg(fmt.Sprintf("vec-%03d", i), model.Epoch(i+1))))
	}
	batch := b.SliceForLeaf(0, model.FullKeyRange(), 300)
	b.Evict(batch)

	st := b.Stats()
	var shardBytes, shardCount int64
	for i := range st.ShardBytes {
		shardBytes += st.ShardBytes[i]
		shardCount += st.ShardCounts[i]
	}
	assert.Equal(t, st.Bytes, shardBytes, "global bytes equal the shard sum")
	assert.Equal(t, st.MessageCount, shardCount)
	assert.Equal(t, int64(200), st.MessageCount)
}

func TestBuffer_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 1 << 20
	cfg.FlushThresholdBytes = 1 << 19
	b := New(cfg, nil)

	big := func(id string, epoch model.Epoch) model.Message {
		m := upsertMsg(id, epoch)
		m.Entry.Vector = make([]float32, 16*1024)
		return m
	}

	// Fill the buffer.
	i := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err := b.Append(ctx, big(fmt.Sprintf("fill-%04d", i), model.Epoch(i+1)))
		cancel()
		if err != nil {
			require.ErrorIs(t, err, ErrBufferFull)
			break
		}
		i++
	}
	require.Greater(t, i, 0)
	filled := b.Len()

	// A deadline-bound append fails without mutating anything.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	err := b.Append(ctx, big("blocked", 10_000))
	cancel()
	require.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, filled, b.Len())

	// A concurrent eviction releases space; the retry succeeds.
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- b.Append(ctx, big("retry", 10_001))
	}()

	time.Sleep(20 * time.Millisecond)
	batch := b.SliceForLeaf(0, model.FullKeyRange(), 8)
	b.Evict(batch)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("append did not unblock after eviction")
	}
}

func TestBuffer_WaitForSpace(t *testing.T) {
	m := upsertMsg("hog", 1)
	m.Entry.Vector = make([]float32, 1024)

	cfg := testConfig()
	// Cap sized so one message fills the buffer exactly.
	cfg.MaxBytes = EstimateSize(&m)
	cfg.FlushThresholdBytes = cfg.MaxBytes
	b := New(cfg, nil)

	assert.True(t, b.WaitForSpace(time.Millisecond))

	require.NoError(t, b.Append(context.Background(), m))
	assert.False(t, b.WaitForSpace(10*time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Evict(b.SliceForLeaf(0, model.FullKeyRange(), 1))
	}()
	assert.True(t, b.WaitForSpace(2*time.Second))
}

func TestBuffer_Clear(t *testing.T) {
	b := New(testConfig(), nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Append(context.Background(), upsertMsg(fmt.Sprintf("vec-%d", i), model.Epoch(i+1))))
	}
	b.Clear()
	st := b.Stats()
	assert.Zero(t, st.MessageCount)
	assert.Zero(t, st.Bytes)
	assert.Empty(t, b.SliceForLeaf(0, model.FullKeyRange(), 100))
}

func TestBuffer_ConcurrentAppendEvict(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)

	const writers = 8
	const perWriter = 250

	var wg sync.WaitGroup
	var epochGen sync.Mutex
	next := model.Epoch(0)
	nextEpoch := func() model.Epoch {
		epochGen.Lock()
		defer epochGen.Unlock()
		next++
		return next
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%04d", w, i)
				assert.NoError(t, b.Append(context.Background(), upsertMsg(id, nextEpoch())))
			}
		}(w)
	}

	stop := make(chan struct{})
	var evictWG sync.WaitGroup
	evictWG.Add(1)
	go func() {
		defer evictWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Evict(b.SliceForLeaf(0, model.FullKeyRange(), 64))
			}
		}
	}()

	wg.Wait()
	close(stop)
	evictWG.Wait()

	// Drain what is left, then verify the books balance to empty.
	for {
		batch := b.SliceForLeaf(0, model.FullKeyRange(), 1024)
		if len(batch) == 0 {
			break
		}
		b.Evict(batch)
	}
	st := b.Stats()
	assert.Zero(t, st.MessageCount)
	assert.Zero(t, st.Bytes)
	for i := range st.ShardBytes {
		assert.Zero(t, st.ShardBytes[i], "shard %d bytes", i)
	}
}
