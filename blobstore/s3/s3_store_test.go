package s3

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/blobstore"
)

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg)

	// Unique prefix per test run so parallel CI jobs do not collide.
	prefix := fmt.Sprintf("test-quiver-%d/", time.Now().UnixNano())
	store := NewStore(client, bucket, prefix)

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		data := make([]byte, 1<<20)
		rand.Read(data)

		require.NoError(t, store.Put(ctx, "MANIFEST-000001.json", data))

		got, err := store.Get(ctx, "MANIFEST-000001.json")
		require.NoError(t, err)
		assert.Equal(t, data, got)

		names, err := store.List(ctx, "MANIFEST-")
		require.NoError(t, err)
		assert.Contains(t, names, "MANIFEST-000001.json")
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		require.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "tmp", []byte("x")))
		require.NoError(t, store.Delete(ctx, "tmp"))
		_, err := store.Get(ctx, "tmp")
		require.ErrorIs(t, err, blobstore.ErrNotFound)

		// Deleting again is a no-op.
		require.NoError(t, store.Delete(ctx, "tmp"))
	})

	t.Cleanup(func() {
		names, err := store.List(ctx, "")
		if err != nil {
			return
		}
		for _, name := range names {
			store.Delete(ctx, name)
		}
	})
}
