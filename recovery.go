package quiver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/internal/latestbyid"
	"github.com/quiverdb/quiver/internal/manifest"
	"github.com/quiverdb/quiver/internal/segment"
	"github.com/quiverdb/quiver/internal/wal"
	"github.com/quiverdb/quiver/model"
)

// recover rebuilds engine state at startup: the manifest's segment catalog
// repopulates the latest-by-id map via parallel row-table scans, the tree is
// rebound to the recovered descriptors, and the write-ahead log is replayed
// past the durable epoch frontier.
func (e *Engine) recover(ctx context.Context) error {
	man, err := e.manifests.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		man = manifest.New()
	case err != nil:
		return fmt.Errorf("load manifest: %w", err)
	}
	e.man = man
	for _, d := range man.Segments {
		e.segPaths[d.ID] = d.Path
	}

	rows := make([][]latestbyid.Row, len(man.Segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Recovery.ParallelThreads)
	for i, d := range man.Segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := segment.Open(d.Path)
			if err != nil {
				return fmt.Errorf("open segment %s: %w", d.ID, err)
			}
			segRows := make([]latestbyid.Row, 0, r.RowCount())
			err = r.Rows(func(localRow uint32, row segment.Row) error {
				segRows = append(segRows, latestbyid.Row{
					ID:        row.ID,
					Hash:      row.IDHash,
					SegmentID: d.ID,
					LocalRow:  localRow,
					Epoch:     row.Epoch,
					Timestamp: row.Timestamp,
					Tombstone: row.Tombstone,
				})
				return nil
			})
			if err != nil {
				return fmt.Errorf("scan segment %s: %w", d.ID, err)
			}
			rows[i] = segRows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.LogRecovery(ctx, len(man.Segments), 0, err)
		return err
	}
	for _, r := range rows {
		e.idx.Apply(r)
	}

	e.tree.Restore(man.Segments, man.DurableEpoch)

	// Replay in commit order keeps tree epochs monotone. A record whose
	// identity is already segment resident at the same or a newer epoch was
	// flushed before the shutdown and is skipped.
	replayed := 0
	err = wal.Replay(e.cfg.WAL.Dir, man.DurableEpoch, func(msg model.Message) error {
		if loc, ok := e.idx.GetLatestByHash(msg.Entry.IDHash); ok &&
			loc.Kind == model.LocationSegment && loc.Epoch >= msg.Epoch {
			return nil
		}
		if err := e.tree.Insert(ctx, msg); err != nil {
			return err
		}
		replayed++
		// A replay larger than the buffer must drain as it goes.
		e.tree.MaybeFlush(ctx)
		return nil
	})
	e.logger.LogRecovery(ctx, len(man.Segments), replayed, err)
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	return nil
}
