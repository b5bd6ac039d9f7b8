package msgbuf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/model"
)

// ErrBufferFull is returned when an append's deadline expires before the
// buffer has room. Nothing mutates; the caller may retry.
var ErrBufferFull = errors.New("message buffer full")

// messageOverhead is the fixed structural cost charged per buffered message
// on top of the variable payload. Accuracy matters only for fairness of
// backpressure, not correctness.
const messageOverhead = 128

// EstimateSize returns the byte cost charged against the buffer cap for msg.
func EstimateSize(msg *model.Message) int64 {
	e := &msg.Entry
	return messageOverhead +
		int64(len(e.Vector))*4 +
		int64(len(e.ID)) +
		int64(len(e.Tenant)) +
		int64(len(e.Namespace)) +
		int64(len(e.Tags))*4
}

// LocationIndex is the slice of the latest-by-id map the buffer drives on
// append. The buffer never reads back through it.
type LocationIndex interface {
	Upsert(id model.VectorID, hash uint64, loc model.Location)
}

// queued is one FIFO slot. seq is shard-unique and monotone, used by the
// dedup index to name its newest message without a pointer into the slice.
type queued struct {
	seq  uint64
	size int64
	msg  model.Message
}

type shard struct {
	mu      sync.Mutex
	fifo    []queued
	head    int
	nextSeq uint64
	dedup   map[uint64]uint64 // identity hash -> seq of newest message
	bytes   int64
	count   int64
}

// push appends q and keeps the backing slice compact. Caller holds the lock.
func (s *shard) push(q queued) {
	if s.head > 0 && s.head >= len(s.fifo)/2 {
		n := copy(s.fifo, s.fifo[s.head:])
		s.fifo = s.fifo[:n]
		s.head = 0
	}
	s.fifo = append(s.fifo, q)
}

// Buffer is the sharded message buffer. Each shard serializes its own
// appends via a short-held mutex; different shards proceed in parallel.
type Buffer struct {
	cfg    config.BufferConfig
	index  LocationIndex
	shards []*shard

	totalBytes  atomic.Int64
	totalCount  atomic.Int64
	dedupeCount atomic.Int64

	// space is closed and replaced on every eviction so that any number of
	// blocked appenders wake at once.
	spaceMu sync.Mutex
	spaceCh chan struct{}
}

// New returns a Buffer with cfg.ShardCount shards. index receives a location
// upsert for every appended message; it may be nil in tests.
func New(cfg config.BufferConfig, index LocationIndex) *Buffer {
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{dedup: make(map[uint64]uint64)}
	}
	return &Buffer{
		cfg:     cfg,
		index:   index,
		shards:  shards,
		spaceCh: make(chan struct{}),
	}
}

func (b *Buffer) shardFor(h uint64) *shard {
	return b.shards[hash.Shard(h, len(b.shards))]
}

func (b *Buffer) spaceWaiter() <-chan struct{} {
	b.spaceMu.Lock()
	ch := b.spaceCh
	b.spaceMu.Unlock()
	return ch
}

func (b *Buffer) signalSpace() {
	b.spaceMu.Lock()
	close(b.spaceCh)
	b.spaceCh = make(chan struct{})
	b.spaceMu.Unlock()
}

// Append buffers msg on the shard owned by its identity hash and records the
// new buffer location in the index. When the buffer is at capacity the call
// blocks until space frees up or ctx's deadline expires, in which case
// ErrBufferFull is returned and nothing is inserted.
func (b *Buffer) Append(ctx context.Context, msg model.Message) error {
	h := msg.Entry.IDHash
	size := EstimateSize(&msg)

	for b.totalBytes.Load()+size > b.cfg.MaxBytes {
		waiter := b.spaceWaiter()
		if b.totalBytes.Load()+size <= b.cfg.MaxBytes {
			break
		}
		select {
		case <-waiter:
		case <-ctx.Done():
			return ErrBufferFull
		}
	}

	s := b.shardFor(h)
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	if b.cfg.DedupeEnabled {
		if _, shadowing := s.dedup[h]; shadowing && msg.Op != model.OpDelete {
			// The prior message stays in the FIFO; it is shadowed on read
			// and still flushed in order.
			b.dedupeCount.Add(1)
		}
		s.dedup[h] = seq
	}
	s.push(queued{seq: seq, size: size, msg: msg})
	s.bytes += size
	s.count++
	s.mu.Unlock()

	b.totalBytes.Add(size)
	b.totalCount.Add(1)

	if b.index != nil {
		b.index.Upsert(msg.Entry.ID, h, bufferLocation(&msg))
	}
	return nil
}

func bufferLocation(msg *model.Message) model.Location {
	kind := model.LocationBuffer
	tombstone := false
	if msg.Op == model.OpDelete {
		kind = model.LocationDeleted
		tombstone = true
	}
	return model.Location{
		Kind:      kind,
		Timestamp: msg.Timestamp,
		Epoch:     msg.Epoch,
		Tombstone: tombstone,
	}
}

// SliceForLeaf copies up to maxBatch messages whose identity hash falls in
// keyRange. Shards are visited round-robin starting at leafID's shard so
// repeated flushes of different leaves do not starve the tail shards. The
// messages are not removed; eviction happens only after durability.
//
// Within a single identity hash the returned sequence preserves FIFO order.
func (b *Buffer) SliceForLeaf(leafID int, keyRange model.KeyRange, maxBatch int) []model.Message {
	if maxBatch <= 0 {
		return nil
	}
	batch := make([]model.Message, 0, min(maxBatch, 1024))
	n := len(b.shards)
	start := leafID % n
	if start < 0 {
		start += n
	}
	for i := 0; i < n && len(batch) < maxBatch; i++ {
		s := b.shards[(start+i)%n]
		s.mu.Lock()
		for j := s.head; j < len(s.fifo) && len(batch) < maxBatch; j++ {
			if keyRange.Contains(s.fifo[j].msg.Entry.IDHash) {
				batch = append(batch, s.fifo[j].msg)
			}
		}
		s.mu.Unlock()
	}
	return batch
}

// Evict removes flushed messages from their shards and releases their bytes.
// A message is matched by identity hash and epoch against the oldest FIFO
// entry, so an identity re-appended after the flush snapshot is untouched.
func (b *Buffer) Evict(flushed []model.Message) {
	if len(flushed) == 0 {
		return
	}

	byShard := make(map[*shard][]*model.Message)
	for i := range flushed {
		s := b.shardFor(flushed[i].Entry.IDHash)
		byShard[s] = append(byShard[s], &flushed[i])
	}

	var freedBytes, freedCount int64
	for s, msgs := range byShard {
		s.mu.Lock()
		for _, m := range msgs {
			for j := s.head; j < len(s.fifo); j++ {
				q := &s.fifo[j]
				if q.msg.Entry.IDHash != m.Entry.IDHash || q.msg.Epoch != m.Epoch {
					continue
				}
				if b.cfg.DedupeEnabled {
					if seq, ok := s.dedup[m.Entry.IDHash]; ok && seq == q.seq {
						delete(s.dedup, m.Entry.IDHash)
					}
				}
				s.bytes -= q.size
				s.count--
				freedBytes += q.size
				freedCount++
				if j == s.head {
					s.fifo[j] = queued{}
					s.head++
				} else {
					s.fifo = append(s.fifo[:j], s.fifo[j+1:]...)
				}
				break
			}
		}
		if s.head == len(s.fifo) {
			s.fifo = s.fifo[:0]
			s.head = 0
		}
		s.mu.Unlock()
	}

	if freedCount > 0 {
		b.totalBytes.Add(-freedBytes)
		b.totalCount.Add(-freedCount)
		b.signalSpace()
	}
}

// ScanForQuery walks up to maxScan buffered messages and returns the
// non-deleted entries matching the filters. Filters: tenant equality when
// tenant is non-empty, namespace equality when namespace is non-empty, and
// any-of tag overlap when tags is non-empty.
//
// With dedup enabled, only the newest message per identity is returned.
// Scanning takes one shard lock at a time and tolerates concurrent appends.
func (b *Buffer) ScanForQuery(tenant, namespace string, tags []model.TagID, maxScan int) []model.VectorEntry {
	if maxScan <= 0 {
		return nil
	}
	var out []model.VectorEntry
	scanned := 0
	for _, s := range b.shards {
		if scanned >= maxScan {
			break
		}
		s.mu.Lock()
		for j := s.head; j < len(s.fifo) && scanned < maxScan; j++ {
			q := &s.fifo[j]
			scanned++
			if q.msg.Op == model.OpDelete {
				continue
			}
			if b.cfg.DedupeEnabled {
				if seq, ok := s.dedup[q.msg.Entry.IDHash]; ok && seq != q.seq {
					// Shadowed by a newer message for the same identity.
					continue
				}
			}
			if !entryMatches(&q.msg.Entry, tenant, namespace, tags) {
				continue
			}
			out = append(out, q.msg.Entry)
		}
		s.mu.Unlock()
	}
	return out
}

// GetByHash returns the newest buffered message for identity hash h. A DELETE
// message is returned as-is; callers decide how to surface tombstones.
func (b *Buffer) GetByHash(h uint64) (model.Message, bool) {
	s := b.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.cfg.DedupeEnabled {
		seq, ok := s.dedup[h]
		if !ok {
			return model.Message{}, false
		}
		for j := len(s.fifo) - 1; j >= s.head; j-- {
			if s.fifo[j].seq == seq {
				return s.fifo[j].msg, true
			}
		}
		return model.Message{}, false
	}

	for j := len(s.fifo) - 1; j >= s.head; j-- {
		if s.fifo[j].msg.Entry.IDHash == h {
			return s.fifo[j].msg, true
		}
	}
	return model.Message{}, false
}

func entryMatches(e *model.VectorEntry, tenant, namespace string, tags []model.TagID) bool {
	if tenant != "" && e.Tenant != tenant {
		return false
	}
	if namespace != "" && e.Namespace != namespace {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range e.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// WaitForSpace blocks until buffered bytes drop below the cap or the timeout
// elapses. It reports whether space is available.
func (b *Buffer) WaitForSpace(timeout time.Duration) bool {
	if b.totalBytes.Load() < b.cfg.MaxBytes {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		waiter := b.spaceWaiter()
		if b.totalBytes.Load() < b.cfg.MaxBytes {
			return true
		}
		select {
		case <-waiter:
		case <-timer.C:
			return b.totalBytes.Load() < b.cfg.MaxBytes
		}
	}
}

// ShouldFlush reports whether buffered bytes reached the soft flush
// threshold.
func (b *Buffer) ShouldFlush() bool {
	return b.totalBytes.Load() >= b.cfg.FlushThresholdBytes
}

// Clear drops all buffered state. Administrative reset for recovery.
func (b *Buffer) Clear() {
	for _, s := range b.shards {
		s.mu.Lock()
		s.fifo = nil
		s.head = 0
		s.dedup = make(map[uint64]uint64)
		s.bytes = 0
		s.count = 0
		s.mu.Unlock()
	}
	b.totalBytes.Store(0)
	b.totalCount.Store(0)
	b.dedupeCount.Store(0)
	b.signalSpace()
}

// Stats is a point-in-time snapshot of buffer usage.
type Stats struct {
	MessageCount int64
	Bytes        int64
	DedupeCount  int64
	ShardBytes   []int64
	ShardCounts  []int64
}

// Stats snapshots global and per-shard usage.
func (b *Buffer) Stats() Stats {
	st := Stats{
		MessageCount: b.totalCount.Load(),
		Bytes:        b.totalBytes.Load(),
		DedupeCount:  b.dedupeCount.Load(),
		ShardBytes:   make([]int64, len(b.shards)),
		ShardCounts:  make([]int64, len(b.shards)),
	}
	for i, s := range b.shards {
		s.mu.Lock()
		st.ShardBytes[i] = s.bytes
		st.ShardCounts[i] = s.count
		s.mu.Unlock()
	}
	return st
}

// Bytes returns the current buffered byte total.
func (b *Buffer) Bytes() int64 { return b.totalBytes.Load() }

// Len returns the current buffered message count.
func (b *Buffer) Len() int64 { return b.totalCount.Load() }
