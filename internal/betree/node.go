package betree

import (
	"github.com/quiverdb/quiver/model"
)

// node is one tree node. A node with children is internal; a node without
// is a leaf referencing its resident on-disk segments.
type node struct {
	keyRange model.KeyRange

	// Internal node state. children are sorted by key range and cover the
	// node's range contiguously; childBytes[i] is the buffered byte estimate
	// under children[i].
	children   []*node
	childBytes []int64

	// Leaf state. flushing marks an in-flight flush claim: a claimed leaf
	// is not selected again and not split until the claim is released.
	leafID       int
	segments     []model.SegmentDescriptor
	segmentBytes int64
	flushing     bool
}

func (n *node) isLeaf() bool { return len(n.children) == 0 }

// childIndex returns the index of the child covering hash h. The children
// partition the node's range, so the lookup cannot miss.
func (n *node) childIndex(h uint64) int {
	lo, hi := 0, len(n.children)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if h > n.children[mid].keyRange.Hi {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// bufferedBytes returns the buffered byte estimate under n.
func (n *node) bufferedBytes() int64 {
	var total int64
	for _, b := range n.childBytes {
		total += b
	}
	return total
}

// splitRange halves r. The ranges are inclusive, so the midpoint goes to the
// left half.
func splitRange(r model.KeyRange) (model.KeyRange, model.KeyRange) {
	mid := r.Lo + (r.Hi-r.Lo)/2
	return model.KeyRange{Lo: r.Lo, Hi: mid}, model.KeyRange{Lo: mid + 1, Hi: r.Hi}
}

// descriptorMidpoint is the routing key used to reassign a segment
// descriptor when its leaf splits.
func descriptorMidpoint(d model.SegmentDescriptor) uint64 {
	return d.MinIDHash + (d.MaxIDHash-d.MinIDHash)/2
}
