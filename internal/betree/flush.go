package betree

import (
	"context"
	"log/slog"

	"github.com/quiverdb/quiver/internal/latestbyid"
	"github.com/quiverdb/quiver/internal/msgbuf"
	"github.com/quiverdb/quiver/model"
)

// FlushOnce flushes the leaf at the end of the fullest path, if any
// unclaimed leaf has buffered messages. It returns the number of messages
// flushed. Flush claims are per leaf, so rounds for unrelated leaves run
// concurrently; a round whose fullest leaf is already claimed returns 0.
func (t *Tree) FlushOnce(ctx context.Context) (int, error) {
	t.mu.Lock()
	leaf, direct := t.selectLeafLocked()
	if leaf != nil {
		leaf.flushing = true
	}
	t.mu.Unlock()
	if leaf == nil {
		return 0, nil
	}
	return t.flushLeaf(ctx, leaf, direct)
}

// Flush drains the buffer. With force set it flushes until no buffered
// messages remain; otherwise it stops once usage drops below the flush
// threshold. The first flush failure is returned.
func (t *Tree) Flush(ctx context.Context, force bool) error {
	for {
		if !force && !t.buf.ShouldFlush() {
			return nil
		}
		n, err := t.FlushOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			if force || t.buf.ShouldFlush() {
				continue
			}
			return nil
		}
		// Selection found nothing although messages may remain, which can
		// happen when byte estimates drift or the fullest leaf is claimed by
		// a concurrent round. Sweep every unclaimed leaf once.
		if !force || t.buf.Len() == 0 {
			return nil
		}
		swept, skipped, err := t.flushAllLeaves(ctx)
		if err != nil {
			return err
		}
		if swept == 0 {
			if skipped == 0 {
				return nil
			}
			// Concurrent rounds own the remaining leaves; wait for their
			// claims to release and sweep again.
			t.waitFlushesDone()
		}
	}
}

// selectLeafLocked walks fullest-first from the root to a leaf. Ties break
// toward the lowest child index. A child holding at least the hot-partition
// share is always chosen; beyond the direct-flush share the round is marked
// as a hot-path shortcut. Returns nil when nothing is buffered or the chosen
// leaf is claimed by an in-flight round.
// Caller holds mu.
func (t *Tree) selectLeafLocked() (*node, bool) {
	n := t.root
	direct := false
	for !n.isLeaf() {
		total := n.bufferedBytes()
		if total <= 0 {
			return nil, false
		}
		best := 0
		bestBytes := int64(-1)
		for i, b := range n.childBytes {
			if b > bestBytes {
				best, bestBytes = i, b
			}
		}
		if bestBytes <= 0 {
			return nil, false
		}
		share := float64(bestBytes) / float64(total)
		if share >= t.cfg.HotPartitionThreshold {
			t.logger.Debug("hot partition selected",
				slog.Int("child", best),
				slog.Float64("share", share))
		}
		if share >= t.cfg.DirectFlushThreshold {
			direct = true
		}
		n = n.children[best]
	}
	if n.flushing {
		return nil, false
	}
	return n, direct
}

// releaseClaim clears the leaf's flush claim and wakes waiters.
func (t *Tree) releaseClaim(leaf *node) {
	t.mu.Lock()
	leaf.flushing = false
	t.flushDone.Broadcast()
	t.mu.Unlock()
}

// waitFlushesDone blocks until no leaf holds a flush claim.
func (t *Tree) waitFlushesDone() {
	t.mu.Lock()
	for t.anyFlushingLocked(t.root) {
		t.flushDone.Wait()
	}
	t.mu.Unlock()
}

func (t *Tree) anyFlushingLocked(n *node) bool {
	if n.isLeaf() {
		return n.flushing
	}
	for _, c := range n.children {
		if t.anyFlushingLocked(c) {
			return true
		}
	}
	return false
}

// flushLeaf runs the leaf flush protocol: snapshot the flushable messages,
// encode them into a durable segment, then evict from the buffer and migrate
// locations. On encoder failure the buffer and the map are untouched. The
// caller must have claimed the leaf; flushLeaf releases the claim.
func (t *Tree) flushLeaf(ctx context.Context, leaf *node, direct bool) (int, error) {
	batch := t.buf.SliceForLeaf(leaf.leafID, leaf.keyRange, t.cfg.MaxFlushBatch)
	if len(batch) == 0 {
		t.releaseClaim(leaf)
		return 0, nil
	}

	desc, err := t.writer.EncodeSegment(ctx, batch)
	if err != nil {
		t.mu.Lock()
		t.failedFlushCount++
		leaf.flushing = false
		t.flushDone.Broadcast()
		t.mu.Unlock()
		return 0, &FlushFailedError{LeafID: leaf.leafID, cause: err}
	}

	t.buf.Evict(batch)

	lastRow := make(map[uint64]uint32, len(batch))
	var maxEpoch model.Epoch
	var flushedBytes int64
	for i := range batch {
		lastRow[batch[i].Entry.IDHash] = uint32(i)
		if batch[i].Epoch > maxEpoch {
			maxEpoch = batch[i].Epoch
		}
		flushedBytes += msgbuf.EstimateSize(&batch[i])
	}
	placements := make([]latestbyid.Placement, 0, len(lastRow))
	for h, row := range lastRow {
		placements = append(placements, latestbyid.Placement{Hash: h, LocalRow: row})
	}
	moved := t.idx.MoveToSegment(placements, desc.ID, maxEpoch)

	t.mu.Lock()
	t.addBytes(leaf.keyRange.Lo, -flushedBytes)
	leaf.segments = append(leaf.segments, desc)
	leaf.segmentBytes += int64(desc.SizeBytes)
	t.flushCount++
	if direct {
		t.directFlushCount++
	}
	// The claim drops before rebalancing so the flushed leaf itself may
	// split; leaves claimed by concurrent rounds are skipped.
	leaf.flushing = false
	t.flushDone.Broadcast()
	for t.rebalance() {
	}
	t.adaptEpsilonLocked(flushedBytes)
	t.mu.Unlock()

	t.logger.Debug("leaf flushed",
		slog.Int("leaf", leaf.leafID),
		slog.String("segment", string(desc.ID)),
		slog.Int("messages", len(batch)),
		slog.Int("moved", moved),
		slog.Uint64("max_epoch", uint64(maxEpoch)))
	return len(batch), nil
}

// flushAllLeaves flushes every unclaimed leaf once, in key order, claiming
// them all up front so a concurrent rebalance cannot replace them mid-sweep.
// It returns the messages flushed and the number of leaves skipped because a
// concurrent round held their claim.
func (t *Tree) flushAllLeaves(ctx context.Context) (int, int, error) {
	t.mu.Lock()
	var leaves []*node
	skipped := 0
	var collect func(n *node)
	collect = func(n *node) {
		if n.isLeaf() {
			if n.flushing {
				skipped++
				return
			}
			n.flushing = true
			leaves = append(leaves, n)
			return
		}
		for _, c := range n.children {
			collect(c)
		}
	}
	collect(t.root)
	t.mu.Unlock()

	total := 0
	for i, leaf := range leaves {
		n, err := t.flushLeaf(ctx, leaf, false)
		if err != nil {
			for _, rest := range leaves[i+1:] {
				t.releaseClaim(rest)
			}
			return total, skipped, err
		}
		total += n
	}
	return total, skipped, nil
}

// adaptEpsilonLocked retunes epsilon at a flush boundary. When consecutive
// flushes reclaim only a small fraction of the buffered bytes, epsilon is
// lowered within its bounds, trading fanout for larger flush batches. An
// effective flush lets epsilon drift back toward its configured value.
// Caller holds mu.
func (t *Tree) adaptEpsilonLocked(flushed int64) {
	if !t.cfg.AdaptiveEpsilon {
		return
	}
	buffered := t.root.bufferedBytes()
	if flushed*8 < buffered {
		t.ineffectiveRuns++
		if t.ineffectiveRuns < 2 {
			return
		}
		t.ineffectiveRuns = 0
		next := t.epsilon * 0.8
		if next < t.cfg.MinEpsilon {
			next = t.cfg.MinEpsilon
		}
		if next != t.epsilon {
			t.logger.Debug("epsilon lowered",
				slog.Float64("epsilon", next),
				slog.Int64("flushed_bytes", flushed),
				slog.Int64("buffered_bytes", buffered))
			t.epsilon = next
		}
		return
	}
	t.ineffectiveRuns = 0
	if t.epsilon < t.cfg.Epsilon {
		next := t.epsilon * 1.1
		if next > t.cfg.Epsilon {
			next = t.cfg.Epsilon
		}
		if next > t.cfg.MaxEpsilon {
			next = t.cfg.MaxEpsilon
		}
		t.epsilon = next
	}
}

// rebalance performs one pass of leaf and internal-node splits and reports
// whether the tree changed. A leaf claimed by an in-flight flush is left in
// place; its split is retried on a later pass. Call in a loop until it
// returns false.
// Caller holds mu.
func (t *Tree) rebalance() bool {
	changed := false

	if len(t.root.children) > t.cfg.Fanout {
		left, right, leftBytes, rightBytes := t.splitInternal(t.root)
		t.root = &node{
			keyRange:   t.root.keyRange,
			children:   []*node{left, right},
			childBytes: []int64{leftBytes, rightBytes},
		}
		changed = true
	}

	var walk func(n *node)
	walk = func(n *node) {
		for i := 0; i < len(n.children); i++ {
			c := n.children[i]
			if c.isLeaf() {
				if !c.flushing && c.segmentBytes > t.leafBudget() && c.keyRange.Lo < c.keyRange.Hi {
					left, right := t.splitLeaf(c)
					half := n.childBytes[i] / 2
					replaceChild(n, i, left, right, half, n.childBytes[i]-half)
					changed = true
					i++
				}
				continue
			}
			if len(c.children) > t.cfg.Fanout {
				left, right, leftBytes, rightBytes := t.splitInternal(c)
				replaceChild(n, i, left, right, leftBytes, rightBytes)
				changed = true
				i++
				continue
			}
			walk(c)
		}
	}
	walk(t.root)
	return changed
}

// replaceChild substitutes parent.children[i] with the pair (left, right)
// and splits the byte accounting accordingly.
func replaceChild(parent *node, i int, left, right *node, leftBytes, rightBytes int64) {
	children := make([]*node, 0, len(parent.children)+1)
	children = append(children, parent.children[:i]...)
	children = append(children, left, right)
	children = append(children, parent.children[i+1:]...)

	bytes := make([]int64, 0, len(parent.childBytes)+1)
	bytes = append(bytes, parent.childBytes[:i]...)
	bytes = append(bytes, leftBytes, rightBytes)
	bytes = append(bytes, parent.childBytes[i+1:]...)

	parent.children = children
	parent.childBytes = bytes
}

// splitLeaf halves a leaf's key range and redistributes its resident
// segment descriptors by their hash midpoint.
func (t *Tree) splitLeaf(c *node) (*node, *node) {
	loRange, hiRange := splitRange(c.keyRange)
	left := &node{keyRange: loRange, leafID: t.nextLeafID}
	t.nextLeafID++
	right := &node{keyRange: hiRange, leafID: t.nextLeafID}
	t.nextLeafID++

	for _, d := range c.segments {
		if loRange.Contains(descriptorMidpoint(d)) {
			left.segments = append(left.segments, d)
			left.segmentBytes += int64(d.SizeBytes)
		} else {
			right.segments = append(right.segments, d)
			right.segmentBytes += int64(d.SizeBytes)
		}
	}
	t.logger.Debug("leaf split",
		slog.Int("leaf", c.leafID),
		slog.Int("left", left.leafID),
		slog.Int("right", right.leafID))
	return left, right
}

// splitInternal halves an internal node's child list.
func (t *Tree) splitInternal(c *node) (left, right *node, leftBytes, rightBytes int64) {
	mid := len(c.children) / 2

	left = &node{
		keyRange: model.KeyRange{
			Lo: c.children[0].keyRange.Lo,
			Hi: c.children[mid-1].keyRange.Hi,
		},
		children:   append([]*node(nil), c.children[:mid]...),
		childBytes: append([]int64(nil), c.childBytes[:mid]...),
	}
	right = &node{
		keyRange: model.KeyRange{
			Lo: c.children[mid].keyRange.Lo,
			Hi: c.children[len(c.children)-1].keyRange.Hi,
		},
		children:   append([]*node(nil), c.children[mid:]...),
		childBytes: append([]int64(nil), c.childBytes[mid:]...),
	}
	return left, right, left.bufferedBytes(), right.bufferedBytes()
}
