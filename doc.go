// Package quiver is the write-path storage engine of a vector database.
//
// Writes flow through a write-ahead log that assigns each operation a
// strictly monotone epoch, into a sharded in-memory message buffer routed by
// a B-epsilon tree. The tree flushes the fullest partitions into immutable on-disk
// segments; a versioned manifest records the durable segment catalog and the
// epoch frontier that licenses log pruning. A latest-by-id map tracks the
// authoritative location of every identity across buffer and segments.
//
// The Engine type wires these components together and is the only entry
// point most callers need:
//
//	eng, err := quiver.Open("/data/quiver")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	err = eng.Upsert(ctx, model.VectorEntry{
//		ID:     "doc-42",
//		Vector: embedding,
//	})
package quiver
