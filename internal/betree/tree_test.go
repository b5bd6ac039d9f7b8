package betree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/internal/latestbyid"
	"github.com/quiverdb/quiver/internal/msgbuf"
	"github.com/quiverdb/quiver/model"
)

// fakeWriter records every encoded batch and fabricates descriptors.
type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]model.Message
	failures int
	segSize  uint64
}

func (w *fakeWriter) EncodeSegment(_ context.Context, msgs []model.Message) (model.SegmentDescriptor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failures > 0 {
		w.failures--
		return model.SegmentDescriptor{}, errors.New("simulated encoder failure")
	}

	desc := model.SegmentDescriptor{
		ID:         model.SegmentID(fmt.Sprintf("seg-%04d", len(w.batches))),
		NumVectors: uint64(len(msgs)),
		SizeBytes:  w.segSize,
		MinIDHash:  ^uint64(0),
		CreatedAt:  model.Now(),
	}
	for _, m := range msgs {
		h := m.Entry.IDHash
		if h < desc.MinIDHash {
			desc.MinIDHash = h
		}
		if h > desc.MaxIDHash {
			desc.MaxIDHash = h
		}
		if desc.MinEpoch == 0 || m.Epoch < desc.MinEpoch {
			desc.MinEpoch = m.Epoch
		}
		if m.Epoch > desc.MaxEpoch {
			desc.MaxEpoch = m.Epoch
		}
	}
	if desc.SizeBytes == 0 {
		desc.SizeBytes = uint64(len(msgs)) * 64
	}
	w.batches = append(w.batches, append([]model.Message(nil), msgs...))
	return desc, nil
}

func (w *fakeWriter) totalMessages() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func newTestTree(t *testing.T, mutate func(*config.Config)) (*Tree, *msgbuf.Buffer, *latestbyid.Map, *fakeWriter) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Buffer.MaxBytes = 64 << 20
	cfg.Buffer.FlushThresholdBytes = 32 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	idx := latestbyid.New()
	buf := msgbuf.New(cfg.Buffer, idx)
	w := &fakeWriter{}
	tree := New(cfg.BTree, buf, idx, w, nil)
	return tree, buf, idx, w
}

func treeMsg(id string, epoch model.Epoch) model.Message {
	return model.Message{
		Op: model.OpUpsert,
		Entry: model.VectorEntry{
			ID:     model.VectorID(id),
			IDHash: hash.IDString(id),
			Vector: []float32{0.1, 0.2, 0.3, 0.4},
			Tenant: "acme",
		},
		Epoch:     epoch,
		Timestamp: model.Now(),
	}
}

func TestTree_BasicFlush(t *testing.T) {
	tree, buf, idx, w := newTestTree(t, nil)

	const n = 1000
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("vec-%04d", i)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, model.Epoch(i+1))))
	}

	require.NoError(t, tree.Flush(context.Background(), true))

	assert.Zero(t, buf.Len(), "buffer must be empty after a forced flush")
	st := idx.Stats()
	assert.Equal(t, n, st.Total)
	assert.Equal(t, n, st.Segment)
	assert.Zero(t, st.Buffer)
	assert.Equal(t, n, w.totalMessages(), "encoder received every message exactly once")

	ts := tree.Stats()
	assert.Greater(t, ts.FlushCount, int64(0))
	assert.Equal(t, model.Epoch(n), ts.LastEpoch)
}

func TestTree_EpochMonotonicity(t *testing.T) {
	tree, _, _, _ := newTestTree(t, nil)

	require.NoError(t, tree.Insert(context.Background(), treeMsg("a", 10)))

	err := tree.Insert(context.Background(), treeMsg("b", 10))
	require.ErrorIs(t, err, ErrInvariantViolation)
	err = tree.Insert(context.Background(), treeMsg("c", 5))
	require.ErrorIs(t, err, ErrInvariantViolation)

	require.NoError(t, tree.Insert(context.Background(), treeMsg("d", 11)))
	assert.Equal(t, model.Epoch(11), tree.LastEpoch())
}

func TestTree_BufferFullInsertLeavesStateUntouched(t *testing.T) {
	tree, buf, _, _ := newTestTree(t, func(c *config.Config) {
		// Room for exactly one message.
		c.Buffer.MaxBytes = 256
		c.Buffer.FlushThresholdBytes = 256
	})

	require.NoError(t, tree.Insert(context.Background(), treeMsg("a", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tree.Insert(ctx, treeMsg("b", 2))
	require.ErrorIs(t, err, msgbuf.ErrBufferFull)

	assert.Equal(t, model.Epoch(1), tree.LastEpoch(),
		"a rejected append must not advance the epoch mark")
	assert.Equal(t, int64(1), buf.Len())
	surviving := treeMsg("a", 1)
	assert.Equal(t, msgbuf.EstimateSize(&surviving), tree.Stats().BufferedBytes,
		"byte accounting must roll back to the surviving message's estimate")

	// Retrying the same epoch after space frees is not an invariant
	// violation.
	require.NoError(t, tree.Flush(context.Background(), true))
	require.NoError(t, tree.Insert(context.Background(), treeMsg("b", 2)))
	assert.Equal(t, model.Epoch(2), tree.LastEpoch())
}

func TestTree_MaybeFlushHonorsThreshold(t *testing.T) {
	tree, buf, _, w := newTestTree(t, func(c *config.Config) {
		c.Buffer.FlushThresholdBytes = 4 << 10
	})

	require.NoError(t, tree.Insert(context.Background(), treeMsg("cold", 1)))
	tree.MaybeFlush(context.Background())
	assert.Empty(t, w.batches, "below every budget nothing flushes")

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("vec-%04d", i)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, model.Epoch(i+2))))
	}
	tree.MaybeFlush(context.Background())
	assert.NotEmpty(t, w.batches, "past the flush threshold a round runs")
	assert.Less(t, buf.Len(), int64(101))
}

func TestTree_FlushFailureLeavesStateUntouched(t *testing.T) {
	tree, buf, idx, w := newTestTree(t, nil)
	w.failures = 1

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("vec-%04d", i)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, model.Epoch(i+1))))
	}
	before := buf.Len()

	_, err := tree.FlushOnce(context.Background())
	var ffe *FlushFailedError
	require.ErrorAs(t, err, &ffe)

	assert.Equal(t, before, buf.Len(), "failed flush must not evict")
	st := idx.Stats()
	assert.Equal(t, 100, st.Buffer, "failed flush must not migrate locations")
	assert.Equal(t, int64(1), tree.Stats().FailedFlushCount)

	// The retry succeeds and drains.
	require.NoError(t, tree.Flush(context.Background(), true))
	assert.Zero(t, buf.Len())
	assert.Equal(t, 100, idx.Stats().Segment)
}

func TestTree_AtLeastOnceDelivery(t *testing.T) {
	tree, _, _, w := newTestTree(t, nil)

	appended := make(map[model.Epoch]bool)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("vec-%02d", i%50) // identities are rewritten
		e := model.Epoch(i + 1)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, e)))
		appended[e] = true
	}
	require.NoError(t, tree.Flush(context.Background(), true))

	seen := make(map[model.Epoch]int)
	w.mu.Lock()
	for _, b := range w.batches {
		for _, m := range b {
			seen[m.Epoch]++
		}
	}
	w.mu.Unlock()

	require.Len(t, seen, len(appended))
	for e := range appended {
		assert.Equal(t, 1, seen[e], "epoch %d must reach the encoder exactly once", e)
	}
}

func TestTree_RewrittenIdentityStaysCurrent(t *testing.T) {
	tree, _, idx, _ := newTestTree(t, nil)

	require.NoError(t, tree.Insert(context.Background(), treeMsg("x", 1)))
	require.NoError(t, tree.Insert(context.Background(), treeMsg("x", 2)))
	require.NoError(t, tree.Flush(context.Background(), true))

	loc, ok := idx.GetLatest("x")
	require.True(t, ok)
	assert.Equal(t, model.LocationSegment, loc.Kind)
	assert.Equal(t, model.Epoch(2), loc.Epoch)
}

func TestTree_DeleteFlushPersistsTombstone(t *testing.T) {
	tree, _, idx, _ := newTestTree(t, nil)

	require.NoError(t, tree.Insert(context.Background(), treeMsg("gone", 1)))
	del := model.Message{
		Op: model.OpDelete,
		Entry: model.VectorEntry{
			ID:     "gone",
			IDHash: hash.IDString("gone"),
		},
		Epoch:     2,
		Timestamp: model.Now(),
	}
	require.NoError(t, tree.Insert(context.Background(), del))
	require.NoError(t, tree.Flush(context.Background(), true))

	loc, ok := idx.GetLatest("gone")
	require.True(t, ok)
	assert.Equal(t, model.LocationSegment, loc.Kind)
	assert.True(t, loc.Tombstone)
	assert.False(t, idx.Exists("gone"))
}

func TestTree_LeafSplitGrowsTree(t *testing.T) {
	tree, _, _, w := newTestTree(t, func(c *config.Config) {
		c.BTree.NodeSizeBytes = 1 << 10
		c.BTree.Fanout = 4
		c.BTree.MaxFlushBatch = 16
	})
	// Each fabricated segment is big enough to exceed the 4 KiB leaf budget.
	w.segSize = 8 << 10

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("vec-%04d", i)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, model.Epoch(i+1))))
	}
	require.NoError(t, tree.Flush(context.Background(), true))

	st := tree.Stats()
	assert.Greater(t, st.LeafCount, 1, "segment volume past the budget must split leaves")
	assert.GreaterOrEqual(t, st.Depth, 2)
}

func TestTree_Restore(t *testing.T) {
	tree, _, _, _ := newTestTree(t, nil)

	descs := []model.SegmentDescriptor{
		{ID: "seg-a", NumVectors: 10, SizeBytes: 1024, MinIDHash: 0, MaxIDHash: 1 << 20, MaxEpoch: 40},
		{ID: "seg-b", NumVectors: 20, SizeBytes: 2048, MinIDHash: 1 << 40, MaxIDHash: 1 << 50, MaxEpoch: 300},
	}
	tree.Restore(descs, 300)

	assert.Equal(t, model.Epoch(300), tree.LastEpoch())
	err := tree.Insert(context.Background(), treeMsg("late", 300))
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.NoError(t, tree.Insert(context.Background(), treeMsg("next", 301)))
}

func TestTree_FlushOnEmptyTree(t *testing.T) {
	tree, _, _, w := newTestTree(t, nil)

	n, err := tree.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tree.Flush(context.Background(), true))
	assert.Empty(t, w.batches)
}

func TestTree_AdaptiveEpsilonLowersOnIneffectiveFlushes(t *testing.T) {
	tree, _, _, _ := newTestTree(t, func(c *config.Config) {
		c.BTree.MaxFlushBatch = 4 // tiny batches cannot keep up
	})

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("vec-%05d", i)
		require.NoError(t, tree.Insert(context.Background(), treeMsg(id, model.Epoch(i+1))))
	}
	for i := 0; i < 8; i++ {
		_, err := tree.FlushOnce(context.Background())
		require.NoError(t, err)
	}

	st := tree.Stats()
	assert.Less(t, st.Epsilon, 0.5, "epsilon must drop when flushes barely dent the backlog")
	assert.GreaterOrEqual(t, st.Epsilon, 0.1)
}
