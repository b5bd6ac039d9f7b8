package latestbyid

import (
	"sync"

	"github.com/quiverdb/quiver/model"
)

// entry pairs the full identifier with its current location. The identifier
// is retained so hash collisions can be detected by callers that compare ids.
type entry struct {
	id  model.VectorID
	loc model.Location
}

// Map is a thread-safe index from identity hash to the current authoritative
// Location of that identity.
//
// A single reader-writer lock protects the primary hash-indexed table and
// the secondary identifier to hash table. Counters are updated under the
// write lock together with the table mutation, so a Stats snapshot is always
// consistent with the tables.
type Map struct {
	mu     sync.RWMutex
	byHash map[uint64]entry
	byID   map[model.VectorID]uint64

	bufferCount    int
	segmentCount   int
	tombstoneCount int
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		byHash: make(map[uint64]entry),
		byID:   make(map[model.VectorID]uint64),
	}
}

// Stats is a snapshot of the map's entry counts.
type Stats struct {
	Total     int
	Buffer    int
	Segment   int
	Tombstone int
}

func (m *Map) adjust(loc model.Location, delta int) {
	switch loc.Kind {
	case model.LocationBuffer:
		m.bufferCount += delta
	case model.LocationSegment:
		m.segmentCount += delta
	}
	if loc.Kind == model.LocationDeleted || loc.Tombstone {
		m.tombstoneCount += delta
	}
}

// install replaces (or creates) the entry for hash without an epoch check.
// Caller holds the write lock.
func (m *Map) install(id model.VectorID, hash uint64, loc model.Location) {
	if cur, ok := m.byHash[hash]; ok {
		m.adjust(cur.loc, -1)
		if cur.id != id {
			delete(m.byID, cur.id)
		}
	}
	m.byHash[hash] = entry{id: id, loc: loc}
	m.byID[id] = hash
	m.adjust(loc, +1)
}

// Upsert installs loc for the identity if loc's epoch is at least the
// current entry's epoch. Stale epochs are dropped silently, which permits
// out-of-order arrivals from overlapping flushes.
func (m *Map) Upsert(id model.VectorID, hash uint64, loc model.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byHash[hash]; ok && loc.Epoch < cur.loc.Epoch {
		return
	}
	m.install(id, hash, loc)
}

// MarkDeleted records an in-memory tombstone for the identity. Equivalent to
// Upsert with a DELETED location.
func (m *Map) MarkDeleted(id model.VectorID, hash uint64, ts model.Timestamp, epoch model.Epoch) {
	m.Upsert(id, hash, model.Location{
		Kind:      model.LocationDeleted,
		Timestamp: ts,
		Epoch:     epoch,
		Tombstone: true,
	})
}

// GetLatest returns the current location of the identity. Tombstoned entries
// are returned; callers must inspect the Tombstone bit.
func (m *Map) GetLatest(id model.VectorID) (model.Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.byID[id]
	if !ok {
		return model.Location{}, false
	}
	e, ok := m.byHash[hash]
	if !ok || e.id != id {
		return model.Location{}, false
	}
	return e.loc, true
}

// GetLatestByHash returns the current location for an identity hash,
// bypassing the secondary identifier table.
func (m *Map) GetLatestByHash(hash uint64) (model.Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byHash[hash]
	if !ok {
		return model.Location{}, false
	}
	return e.loc, true
}

// Exists reports whether a non-tombstoned entry exists for the identity.
func (m *Map) Exists(id model.VectorID) bool {
	loc, ok := m.GetLatest(id)
	return ok && loc.Kind != model.LocationDeleted && !loc.Tombstone
}

// RemoveSegmentEntries removes every entry whose location references the
// given segment. Used when compaction retires a segment. Returns the number
// of entries removed.
func (m *Map) RemoveSegmentEntries(segmentID model.SegmentID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, e := range m.byHash {
		if e.loc.Kind != model.LocationSegment || e.loc.SegmentID != segmentID {
			continue
		}
		m.adjust(e.loc, -1)
		delete(m.byHash, hash)
		delete(m.byID, e.id)
		removed++
	}
	return removed
}

// Placement names one row of a freshly written segment.
type Placement struct {
	Hash     uint64
	LocalRow uint32
}

// MoveToSegment reassigns the location of each placed identity from BUFFER
// (or DELETED) to the given segment, provided the entry's current epoch does
// not exceed the epoch the batch was flushed under. Entries rewritten during
// the flush carry a higher epoch and are skipped. The tombstone bit is
// preserved so persisted deletes remain visible as tombstones. Returns the
// number of entries migrated.
func (m *Map) MoveToSegment(placements []Placement, segmentID model.SegmentID, epoch model.Epoch) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for _, p := range placements {
		cur, ok := m.byHash[p.Hash]
		if !ok || cur.loc.Epoch > epoch {
			continue
		}
		if cur.loc.Kind == model.LocationSegment {
			// Already segment resident, e.g. an overlapping flush with a
			// higher epoch completed first.
			continue
		}
		next := model.Location{
			Kind:      model.LocationSegment,
			SegmentID: segmentID,
			LocalRow:  p.LocalRow,
			Timestamp: cur.loc.Timestamp,
			Epoch:     cur.loc.Epoch,
			Tombstone: cur.loc.Kind == model.LocationDeleted || cur.loc.Tombstone,
		}
		m.adjust(cur.loc, -1)
		m.byHash[p.Hash] = entry{id: cur.id, loc: next}
		m.adjust(next, +1)
		moved++
	}
	return moved
}

// Row is one recovered segment row, as produced by the segment row table.
type Row struct {
	ID        model.VectorID
	Hash      uint64
	SegmentID model.SegmentID
	LocalRow  uint32
	Epoch     model.Epoch
	Timestamp model.Timestamp
	Tombstone bool
}

// Apply merges recovered rows into the map, keeping the highest epoch per
// identity. Tombstoned rows are retained as SEGMENT locations with the
// tombstone bit so later scans can shadow older segment rows.
func (m *Map) Apply(rows []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		loc := model.Location{
			Kind:      model.LocationSegment,
			SegmentID: r.SegmentID,
			LocalRow:  r.LocalRow,
			Timestamp: r.Timestamp,
			Epoch:     r.Epoch,
			Tombstone: r.Tombstone,
		}
		if cur, ok := m.byHash[r.Hash]; ok && loc.Epoch < cur.loc.Epoch {
			continue
		}
		m.install(r.ID, r.Hash, loc)
	}
}

// Rebuild resets the map and repopulates it from recovered segment rows.
func (m *Map) Rebuild(rows []Row) {
	m.Clear()
	m.Apply(rows)
}

// Clear drops all entries. Administrative reset for recovery.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byHash = make(map[uint64]entry)
	m.byID = make(map[model.VectorID]uint64)
	m.bufferCount = 0
	m.segmentCount = 0
	m.tombstoneCount = 0
}

// Stats returns a snapshot of the entry counts.
func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Total:     len(m.byHash),
		Buffer:    m.bufferCount,
		Segment:   m.segmentCount,
		Tombstone: m.tombstoneCount,
	}
}

// Len returns the number of tracked identities.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHash)
}
