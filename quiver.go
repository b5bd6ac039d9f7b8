package quiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/internal/betree"
	"github.com/quiverdb/quiver/internal/hash"
	"github.com/quiverdb/quiver/internal/latestbyid"
	"github.com/quiverdb/quiver/internal/manifest"
	"github.com/quiverdb/quiver/internal/msgbuf"
	"github.com/quiverdb/quiver/internal/segment"
	"github.com/quiverdb/quiver/internal/wal"
	"github.com/quiverdb/quiver/model"
)

// Engine is the write-path storage engine. It owns the write-ahead log, the
// sharded message buffer, the B-epsilon routing tree, the latest-by-id map,
// the segment encoder and the manifest store, and wires them together at
// construction.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg     config.Config
	logger  *Logger
	metrics MetricsCollector

	wal       *wal.WAL
	buf       *msgbuf.Buffer
	idx       *latestbyid.Map
	tree      *betree.Tree
	enc       *segment.Writer
	manifests *manifest.Store

	// appendMu makes epoch assignment and tree insertion one atomic step;
	// the tree requires strictly increasing epochs.
	appendMu sync.Mutex

	// commitMu guards the working manifest and the segment path table across
	// segment commits, durable-epoch advances and pruning.
	commitMu sync.Mutex
	man      *manifest.Manifest
	segPaths map[model.SegmentID]string

	readerMu sync.Mutex
	readers  map[model.SegmentID]*segment.Reader

	manifestKeep int
	closed       atomic.Bool
}

// Open opens or creates an engine under dataDir. Relative WAL and segment
// directories from the configuration are resolved against dataDir; manifest
// blobs live under dataDir/manifest unless WithManifestStore redirects them.
//
// An existing engine is recovered: the manifest's segment catalog rebuilds
// the latest-by-id map and the write-ahead log is replayed past the durable
// epoch frontier.
func Open(dataDir string, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	cfg := o.config

	if dataDir == "" {
		return nil, errors.New("data directory required")
	}
	if !filepath.IsAbs(cfg.WAL.Dir) {
		cfg.WAL.Dir = filepath.Join(dataDir, cfg.WAL.Dir)
	}
	if !filepath.IsAbs(cfg.Segment.Dir) {
		cfg.Segment.Dir = filepath.Join(dataDir, cfg.Segment.Dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store := o.manifestStore
	if store == nil {
		var err error
		store, err = blobstore.NewLocalStore(filepath.Join(dataDir, "manifest"))
		if err != nil {
			return nil, fmt.Errorf("open manifest store: %w", err)
		}
	}

	enc, err := segment.NewWriter(cfg.Segment, o.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("open segment writer: %w", err)
	}
	w, err := wal.Open(cfg.WAL, o.logger.Logger)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	idx := latestbyid.New()
	e := &Engine{
		cfg:          cfg,
		logger:       o.logger,
		metrics:      o.metricsCollector,
		wal:          w,
		buf:          msgbuf.New(cfg.Buffer, idx),
		idx:          idx,
		enc:          enc,
		manifests:    manifest.NewStore(store),
		segPaths:     make(map[model.SegmentID]string),
		readers:      make(map[model.SegmentID]*segment.Reader),
		manifestKeep: o.manifestKeep,
	}
	e.tree = betree.New(cfg.BTree, e.buf, idx, &committingWriter{e: e}, o.logger.Logger)

	if err := e.recover(context.Background()); err != nil {
		w.Close()
		enc.Close()
		return nil, err
	}
	return e, nil
}

// committingWriter couples segment encoding with the manifest commit so a
// descriptor never reaches the tree before the durable catalog references it.
type committingWriter struct {
	e *Engine
}

func (c *committingWriter) EncodeSegment(ctx context.Context, msgs []model.Message) (model.SegmentDescriptor, error) {
	desc, err := c.e.enc.Encode(ctx, msgs)
	if err != nil {
		return model.SegmentDescriptor{}, err
	}
	if err := c.e.commitSegment(ctx, desc); err != nil {
		os.Remove(desc.Path)
		return model.SegmentDescriptor{}, err
	}
	return desc, nil
}

func (e *Engine) commitSegment(ctx context.Context, desc model.SegmentDescriptor) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.man.Segments = append(e.man.Segments, desc)
	if err := e.manifests.Commit(ctx, e.man); err != nil {
		e.man.Segments = e.man.Segments[:len(e.man.Segments)-1]
		return fmt.Errorf("commit manifest: %w", err)
	}
	e.segPaths[desc.ID] = desc.Path
	return nil
}

// Insert adds a new vector. It fails with ErrAlreadyExists when a live
// version of the identity already exists; use Upsert to overwrite.
func (e *Engine) Insert(ctx context.Context, entry model.VectorEntry) error {
	start := time.Now()
	err := e.write(ctx, model.OpInsert, entry)
	e.metrics.RecordWrite(time.Since(start), err)
	return err
}

// Upsert adds or replaces a vector.
func (e *Engine) Upsert(ctx context.Context, entry model.VectorEntry) error {
	start := time.Now()
	err := e.write(ctx, model.OpUpsert, entry)
	e.metrics.RecordWrite(time.Since(start), err)
	return err
}

// Delete tombstones a vector. It fails with ErrNotFound when no live version
// exists.
func (e *Engine) Delete(ctx context.Context, id model.VectorID) error {
	start := time.Now()
	err := e.write(ctx, model.OpDelete, model.VectorEntry{ID: id})
	e.metrics.RecordWrite(time.Since(start), err)
	return err
}

func (e *Engine) write(ctx context.Context, op model.OpKind, entry model.VectorEntry) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if entry.ID == "" {
		return ErrEmptyID
	}
	if op != model.OpDelete && len(entry.Vector) == 0 {
		return ErrEmptyVector
	}

	switch op {
	case model.OpInsert:
		if e.idx.Exists(entry.ID) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, entry.ID)
		}
	case model.OpDelete:
		if !e.idx.Exists(entry.ID) {
			return fmt.Errorf("%w: %s", ErrNotFound, entry.ID)
		}
	}

	now := model.Now()
	entry.IDHash = hash.IDString(string(entry.ID))
	if entry.Tenant != "" {
		entry.TenantHash = hash.IDString(entry.Tenant)
	}
	if entry.Namespace != "" {
		entry.NamespaceHash = hash.IDString(entry.Namespace)
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.Deleted = op == model.OpDelete

	msg := model.Message{Op: op, Entry: entry, Timestamp: now}

	// appendMu covers only epoch issue and the buffered insert, so commit
	// order matches epoch order. Flush work, which encodes segments and
	// commits manifests, runs after the lock drops; a write never blocks
	// behind another write's flush.
	e.appendMu.Lock()
	epoch, err := e.wal.Append(msg)
	if err != nil {
		e.appendMu.Unlock()
		e.logger.LogWrite(ctx, op, entry.ID, 0, err)
		return fmt.Errorf("wal append: %w", err)
	}
	msg.Epoch = epoch
	err = e.tree.Insert(ctx, msg)
	e.appendMu.Unlock()

	e.logger.LogWrite(ctx, op, entry.ID, epoch, err)
	if err != nil {
		return err
	}
	e.tree.MaybeFlush(ctx)
	return nil
}

// Get returns the newest live version of the identity, reading from the
// buffer or the owning segment. Tombstoned identities report ErrNotFound.
func (e *Engine) Get(ctx context.Context, id model.VectorID) (model.VectorEntry, error) {
	start := time.Now()
	entry, err := e.get(ctx, id)
	e.metrics.RecordGet(time.Since(start), err)
	return entry, err
}

func (e *Engine) get(_ context.Context, id model.VectorID) (model.VectorEntry, error) {
	if e.closed.Load() {
		return model.VectorEntry{}, ErrClosed
	}

	loc, ok := e.idx.GetLatest(id)
	if !ok || loc.Kind == model.LocationDeleted || loc.Tombstone {
		return model.VectorEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if loc.Kind == model.LocationBuffer {
		if msg, ok := e.buf.GetByHash(hash.IDString(string(id))); ok && msg.Op != model.OpDelete {
			return msg.Entry, nil
		}
		// Flushed between the index read and the buffer read; the location
		// now names a segment.
		loc, ok = e.idx.GetLatest(id)
		if !ok || loc.Kind != model.LocationSegment || loc.Tombstone {
			return model.VectorEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return e.readSegmentEntry(id, loc)
}

func (e *Engine) readSegmentEntry(id model.VectorID, loc model.Location) (model.VectorEntry, error) {
	r, err := e.segmentReader(loc.SegmentID)
	if err != nil {
		return model.VectorEntry{}, err
	}
	row, ok := r.Row(loc.LocalRow)
	if !ok {
		return model.VectorEntry{}, fmt.Errorf("segment %s has no row %d", loc.SegmentID, loc.LocalRow)
	}
	if row.Tombstone {
		return model.VectorEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	vec, err := r.Vector(loc.LocalRow)
	if err != nil {
		return model.VectorEntry{}, err
	}

	entry := model.VectorEntry{
		ID:         row.ID,
		IDHash:     row.IDHash,
		Vector:     vec,
		Tenant:     row.Tenant,
		Namespace:  row.Namespace,
		Tags:       row.Tags,
		CentroidID: row.CentroidID,
		UpdatedAt:  row.Timestamp,
	}
	if entry.Tenant != "" {
		entry.TenantHash = hash.IDString(entry.Tenant)
	}
	if entry.Namespace != "" {
		entry.NamespaceHash = hash.IDString(entry.Namespace)
	}
	return entry, nil
}

func (e *Engine) segmentReader(id model.SegmentID) (*segment.Reader, error) {
	e.readerMu.Lock()
	defer e.readerMu.Unlock()

	if r, ok := e.readers[id]; ok {
		return r, nil
	}
	e.commitMu.Lock()
	path, ok := e.segPaths[id]
	e.commitMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown segment %s", id)
	}
	r, err := segment.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", id, err)
	}
	e.readers[id] = r
	return r, nil
}

// Exists reports whether a live, non-tombstoned version of the identity
// exists.
func (e *Engine) Exists(id model.VectorID) bool {
	if e.closed.Load() {
		return false
	}
	return e.idx.Exists(id)
}

// ScanForQuery returns buffered entries matching the filters, newest version
// per identity. Used by query layers to merge unflushed writes with segment
// results.
func (e *Engine) ScanForQuery(tenant, namespace string, tags []model.TagID, maxScan int) []model.VectorEntry {
	if e.closed.Load() {
		return nil
	}
	return e.buf.ScanForQuery(tenant, namespace, tags, maxScan)
}

// Flush drains the buffer into segments and, once the engine is quiescent,
// advances the durable epoch frontier, prunes obsolete WAL files and retires
// old manifest versions.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	before := e.buf.Len()
	err := e.flush(ctx)
	e.metrics.RecordFlush(int(before), time.Since(start), err)
	e.logger.LogFlush(ctx, e.DurableEpoch(), time.Since(start), err)
	return err
}

func (e *Engine) flush(ctx context.Context) error {
	if err := e.tree.Flush(ctx, true); err != nil {
		return err
	}

	// The frontier only moves from a quiescent state: with no appends in
	// flight and the buffer empty, every issued epoch is segment resident.
	e.appendMu.Lock()
	defer e.appendMu.Unlock()
	if e.buf.Len() != 0 {
		return nil
	}
	last := e.tree.LastEpoch()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if last <= e.man.DurableEpoch {
		return nil
	}
	prev := e.man.DurableEpoch
	e.man.DurableEpoch = last
	if err := e.manifests.Commit(ctx, e.man); err != nil {
		e.man.DurableEpoch = prev
		return fmt.Errorf("commit manifest: %w", err)
	}
	if err := e.wal.Prune(last); err != nil {
		e.logger.Warn("wal prune failed", "error", err)
	}
	if err := e.manifests.Prune(ctx, e.manifestKeep); err != nil {
		e.logger.Warn("manifest prune failed", "error", err)
	}
	return nil
}

// DurableEpoch returns the manifest's durable epoch frontier. Every write at
// or below it is segment resident.
func (e *Engine) DurableEpoch() model.Epoch {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.man.DurableEpoch
}

// LastEpoch returns the highest committed epoch.
func (e *Engine) LastEpoch() model.Epoch {
	return e.tree.LastEpoch()
}

// Stats is a point-in-time snapshot across all engine components.
type Stats struct {
	Buffer       msgbuf.Stats
	Tree         betree.Stats
	Index        latestbyid.Stats
	WALBytes     int64
	LastEpoch    model.Epoch
	DurableEpoch model.Epoch
	Segments     int
}

// Stats snapshots the engine.
func (e *Engine) Stats() Stats {
	e.commitMu.Lock()
	segments := len(e.man.Segments)
	durable := e.man.DurableEpoch
	e.commitMu.Unlock()

	return Stats{
		Buffer:       e.buf.Stats(),
		Tree:         e.tree.Stats(),
		Index:        e.idx.Stats(),
		WALBytes:     e.wal.Size(),
		LastEpoch:    e.tree.LastEpoch(),
		DurableEpoch: durable,
		Segments:     segments,
	}
}

// Close flushes outstanding writes, commits the final durable frontier and
// releases all resources. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	ctx := context.Background()

	firstErr := e.flush(ctx)
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.enc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.readerMu.Lock()
	e.readers = make(map[model.SegmentID]*segment.Reader)
	e.readerMu.Unlock()

	return firstErr
}
