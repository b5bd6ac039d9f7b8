package betree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/latestbyid"
	"github.com/quiverdb/quiver/internal/msgbuf"
	"github.com/quiverdb/quiver/model"
)

// ErrInvariantViolation signals a broken internal invariant, such as a
// non-monotone epoch handed in by the log. Fatal; the caller is expected to
// halt the engine.
var ErrInvariantViolation = errors.New("invariant violation")

// FlushFailedError reports a failed leaf flush. The buffer and the location
// index are untouched; the flush will be reattempted.
type FlushFailedError struct {
	LeafID int
	cause  error
}

func (e *FlushFailedError) Error() string {
	return fmt.Sprintf("flush of leaf %d failed: %v", e.LeafID, e.cause)
}

func (e *FlushFailedError) Unwrap() error { return e.cause }

// SegmentWriter persists a batch of messages as one durable segment. The
// descriptor must not be returned before the segment data is durable and
// referenced by the active manifest.
type SegmentWriter interface {
	EncodeSegment(ctx context.Context, msgs []model.Message) (model.SegmentDescriptor, error)
}

// Tree is the B-epsilon routing tree. It owns flush orchestration; the
// message payloads live in the shared buffer and the authoritative locations
// in the latest-by-id map, both wired in at construction.
type Tree struct {
	cfg    config.BTreeConfig
	buf    *msgbuf.Buffer
	idx    *latestbyid.Map
	writer SegmentWriter
	logger *slog.Logger

	// mu guards the tree structure, the per-child byte accounting, the
	// epoch high-water mark and the adaptive epsilon state.
	mu         sync.Mutex
	root       *node
	nextLeafID int
	lastEpoch  model.Epoch

	epsilon          float64
	ineffectiveRuns  int
	flushCount       int64
	failedFlushCount int64
	directFlushCount int64

	// flushDone is signalled whenever a leaf releases its flush claim.
	// Claims are per leaf (node.flushing, guarded by mu): a claimed leaf is
	// neither flushed by another round nor split while its batch is being
	// encoded, and unrelated leaves flush concurrently.
	flushDone *sync.Cond
}

// New builds a tree over the given buffer, index and segment writer.
func New(cfg config.BTreeConfig, buf *msgbuf.Buffer, idx *latestbyid.Map, writer SegmentWriter, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Tree{
		cfg:     cfg,
		buf:     buf,
		idx:     idx,
		writer:  writer,
		logger:  logger,
		epsilon: cfg.Epsilon,
	}
	t.flushDone = sync.NewCond(&t.mu)
	leaf := &node{keyRange: model.FullKeyRange(), leafID: t.nextLeafID}
	t.nextLeafID++
	t.root = &node{
		keyRange:   model.FullKeyRange(),
		children:   []*node{leaf},
		childBytes: []int64{0},
	}
	return t
}

// childBudget is the buffered byte budget per internal-node child. Epsilon
// splits the node size between pivot space and buffer space; a smaller
// epsilon yields a larger buffer share and therefore fewer, bigger flushes.
func (t *Tree) childBudget() int64 {
	return int64((1 - t.epsilon) * float64(t.cfg.NodeSizeBytes))
}

// leafBudget is the resident segment volume above which a leaf splits.
func (t *Tree) leafBudget() int64 {
	return t.cfg.NodeSizeBytes * int64(t.cfg.Fanout)
}

// Insert routes the committed message to its leaf and buffers it. The
// message's epoch must be strictly greater than every epoch previously
// inserted; a violation is rejected with ErrInvariantViolation. On any
// failure, including a full buffer, nothing mutates and the caller may retry
// the same epoch. Insert never flushes; call MaybeFlush afterwards, outside
// any lock ordering inserts.
func (t *Tree) Insert(ctx context.Context, msg model.Message) error {
	size := msgbuf.EstimateSize(&msg)
	h := msg.Entry.IDHash

	t.mu.Lock()
	prev := t.lastEpoch
	if msg.Epoch <= prev {
		t.mu.Unlock()
		return fmt.Errorf("%w: epoch %d not greater than %d", ErrInvariantViolation, msg.Epoch, prev)
	}
	t.lastEpoch = msg.Epoch
	t.addBytes(h, size)
	t.mu.Unlock()

	if err := t.buf.Append(ctx, msg); err != nil {
		t.mu.Lock()
		if t.lastEpoch == msg.Epoch {
			t.lastEpoch = prev
		}
		t.addBytes(h, -size)
		t.mu.Unlock()
		return err
	}
	return nil
}

// MaybeFlush runs one flush round when a child buffer exceeds its budget or
// the shared buffer passes its flush threshold. Flush failures are absorbed;
// the messages stay buffered and the next round reattempts.
func (t *Tree) MaybeFlush(ctx context.Context) {
	t.mu.Lock()
	over := false
	budget := t.childBudget()
	for _, b := range t.root.childBytes {
		if b > budget {
			over = true
			break
		}
	}
	t.mu.Unlock()

	if !over && !t.buf.ShouldFlush() {
		return
	}
	if _, err := t.FlushOnce(ctx); err != nil {
		t.logger.Warn("flush round failed, will retry",
			slog.String("error", err.Error()))
	}
}

// addBytes adjusts the buffered byte accounting along the path owning h.
// Caller holds mu.
func (t *Tree) addBytes(h uint64, delta int64) {
	n := t.root
	for !n.isLeaf() {
		i := n.childIndex(h)
		n.childBytes[i] += delta
		if n.childBytes[i] < 0 {
			n.childBytes[i] = 0
		}
		n = n.children[i]
	}
}

// Restore rebinds recovered segment descriptors to their leaves and resets
// the epoch high-water mark. Used during startup before WAL replay.
func (t *Tree) Restore(descs []model.SegmentDescriptor, lastEpoch model.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastEpoch = lastEpoch
	for _, d := range descs {
		leaf, _ := t.leafFor(descriptorMidpoint(d))
		leaf.segments = append(leaf.segments, d)
		leaf.segmentBytes += int64(d.SizeBytes)
	}
	for t.rebalance() {
	}
}

// leafFor descends to the leaf owning h and returns it with its parent.
// Caller holds mu.
func (t *Tree) leafFor(h uint64) (leaf, parent *node) {
	parent = nil
	n := t.root
	for !n.isLeaf() {
		parent = n
		n = n.children[n.childIndex(h)]
	}
	return n, parent
}

// Stats is a point-in-time snapshot of tree shape and flush activity.
type Stats struct {
	NodeCount        int
	LeafCount        int
	Depth            int
	BufferedBytes    int64
	AvgLeafFill      float64
	FlushCount       int64
	FailedFlushCount int64
	DirectFlushCount int64
	Epsilon          float64
	LastEpoch        model.Epoch
}

// Stats snapshots the tree.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Stats{
		BufferedBytes:    t.root.bufferedBytes(),
		FlushCount:       t.flushCount,
		FailedFlushCount: t.failedFlushCount,
		DirectFlushCount: t.directFlushCount,
		Epsilon:          t.epsilon,
		LastEpoch:        t.lastEpoch,
	}
	var fillSum float64
	budget := float64(t.leafBudget())
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		st.NodeCount++
		if depth > st.Depth {
			st.Depth = depth
		}
		if n.isLeaf() {
			st.LeafCount++
			fillSum += float64(n.segmentBytes) / budget
			return
		}
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(t.root, 1)
	if st.LeafCount > 0 {
		st.AvgLeafFill = fillSum / float64(st.LeafCount)
	}
	return st
}

// LastEpoch returns the epoch high-water mark.
func (t *Tree) LastEpoch() model.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEpoch
}
