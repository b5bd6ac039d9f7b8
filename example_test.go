package quiver_test

import (
	"context"
	"fmt"
	"log"
	"os"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/model"
)

func Example() {
	dir, err := os.MkdirTemp("", "quiver")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	eng, err := quiver.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	ctx := context.Background()
	err = eng.Upsert(ctx, model.VectorEntry{
		ID:     "doc-1",
		Vector: []float32{0.1, 0.2, 0.3},
		Tenant: "acme",
	})
	if err != nil {
		log.Fatal(err)
	}

	entry, err := eng.Get(ctx, "doc-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(entry.ID, len(entry.Vector))

	// Durability checkpoint: drains the buffer into segments and lets the
	// write-ahead log be pruned.
	if err := eng.Flush(ctx); err != nil {
		log.Fatal(err)
	}

	// Output:
	// doc-1 3
}
