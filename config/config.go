// Package config holds the explicit engine configuration. A Config value is
// threaded through component constructors; there is no process-wide state.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Compression selects the payload compression of write-ahead log records.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// BufferConfig controls the sharded in-memory write buffer.
type BufferConfig struct {
	// MaxBytes is the hard buffer cap. Appends block past this until space
	// frees up or the caller's deadline expires.
	MaxBytes int64
	// ShardCount is the parallelism of append. Must be a power of two.
	ShardCount int
	// FlushThresholdBytes is the soft threshold that signals the tree to
	// initiate a flush.
	FlushThresholdBytes int64
	// DedupeEnabled enables same-identity dedup within a shard.
	DedupeEnabled bool
}

// BTreeConfig controls the B-epsilon tree.
type BTreeConfig struct {
	// Epsilon is the buffer-vs-pivot split inside nodes, in (0,1).
	Epsilon float64
	// NodeSizeBytes is the per-node budget.
	NodeSizeBytes int64
	// Fanout is the maximum children per node.
	Fanout int
	// AdaptiveEpsilon enables epsilon tuning based on flush effectiveness.
	AdaptiveEpsilon bool
	// MinEpsilon and MaxEpsilon bound adaptive tuning.
	MinEpsilon float64
	MaxEpsilon float64
	// HotPartitionThreshold is the one-child dominance share that biases
	// flush selection toward that child.
	HotPartitionThreshold float64
	// DirectFlushThreshold is the share above which a child's messages
	// bypass the cascade and go directly to their destination leaf.
	DirectFlushThreshold float64
	// MaxFlushBatch caps the number of messages handed to the segment
	// writer in one leaf flush.
	MaxFlushBatch int
}

// WALConfig controls the write-ahead log.
type WALConfig struct {
	// Dir is the log directory.
	Dir string
	// SyncInterval is the group-commit window. Zero means sync every append.
	SyncInterval time.Duration
	// RotateSizeBytes rotates the active log file past this size.
	RotateSizeBytes int64
	// Compression selects per-record payload compression.
	Compression Compression
}

// SegmentConfig controls the segment encoder.
type SegmentConfig struct {
	// Dir is the segment directory.
	Dir string
	// TargetVectors is the nominal number of vectors per segment. Only
	// Validate reads it; the size of a flushed segment is bounded by
	// BTree.MaxFlushBatch, not by this value.
	TargetVectors int
	// ZstdLevel is the vector-block compression level (1 fastest, 4 best).
	ZstdLevel int
	// BloomBitsPerKey sizes the identity-hash bloom filter.
	BloomBitsPerKey int
	// WriteBandwidthBytes throttles segment writing. Zero disables the
	// throttle.
	WriteBandwidthBytes int64
}

// RecoveryConfig controls startup recovery.
type RecoveryConfig struct {
	// ParallelThreads bounds concurrent segment row-table scans.
	ParallelThreads int
}

// Config is the full engine configuration.
type Config struct {
	Buffer   BufferConfig
	BTree    BTreeConfig
	WAL      WALConfig
	Segment  SegmentConfig
	Recovery RecoveryConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Buffer: BufferConfig{
			MaxBytes:            16 << 30,
			ShardCount:          16,
			FlushThresholdBytes: 128 << 20,
			DedupeEnabled:       true,
		},
		BTree: BTreeConfig{
			Epsilon:               0.5,
			NodeSizeBytes:         64 << 10,
			Fanout:                256,
			AdaptiveEpsilon:       true,
			MinEpsilon:            0.1,
			MaxEpsilon:            0.9,
			HotPartitionThreshold: 0.5,
			DirectFlushThreshold:  0.8,
			MaxFlushBatch:         100_000,
		},
		WAL: WALConfig{
			Dir:             "wal",
			SyncInterval:    2 * time.Millisecond,
			RotateSizeBytes: 256 << 20,
			Compression:     CompressionNone,
		},
		Segment: SegmentConfig{
			Dir:             "segments",
			TargetVectors:   100_000,
			ZstdLevel:       1,
			BloomBitsPerKey: 10,
		},
		Recovery: RecoveryConfig{
			ParallelThreads: runtime.GOMAXPROCS(0),
		},
	}
}

// Validate checks the configuration for internally consistent values.
func (c Config) Validate() error {
	if c.Buffer.MaxBytes <= 0 {
		return fmt.Errorf("buffer.max_bytes must be positive, got %d", c.Buffer.MaxBytes)
	}
	if c.Buffer.ShardCount <= 0 || c.Buffer.ShardCount&(c.Buffer.ShardCount-1) != 0 {
		return fmt.Errorf("buffer.shard_count must be a positive power of two, got %d", c.Buffer.ShardCount)
	}
	if c.Buffer.FlushThresholdBytes <= 0 || c.Buffer.FlushThresholdBytes > c.Buffer.MaxBytes {
		return fmt.Errorf("buffer.flush_threshold_bytes must be in (0, max_bytes], got %d", c.Buffer.FlushThresholdBytes)
	}
	if c.BTree.Epsilon <= 0 || c.BTree.Epsilon >= 1 {
		return fmt.Errorf("btree.epsilon must be in (0,1), got %g", c.BTree.Epsilon)
	}
	if c.BTree.AdaptiveEpsilon {
		if c.BTree.MinEpsilon <= 0 || c.BTree.MaxEpsilon >= 1 || c.BTree.MinEpsilon > c.BTree.MaxEpsilon {
			return fmt.Errorf("btree adaptive epsilon bounds invalid: [%g, %g]", c.BTree.MinEpsilon, c.BTree.MaxEpsilon)
		}
	}
	if c.BTree.NodeSizeBytes <= 0 {
		return fmt.Errorf("btree.node_size_bytes must be positive, got %d", c.BTree.NodeSizeBytes)
	}
	if c.BTree.Fanout < 2 {
		return fmt.Errorf("btree.fanout must be at least 2, got %d", c.BTree.Fanout)
	}
	if t := c.BTree.HotPartitionThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("btree.hot_partition_threshold must be in (0,1], got %g", t)
	}
	if t := c.BTree.DirectFlushThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("btree.direct_flush_threshold must be in (0,1], got %g", t)
	}
	if c.BTree.MaxFlushBatch <= 0 {
		return fmt.Errorf("btree.max_flush_batch must be positive, got %d", c.BTree.MaxFlushBatch)
	}
	switch c.WAL.Compression {
	case CompressionNone, CompressionLZ4:
	default:
		return fmt.Errorf("wal.compression: unknown codec %q", c.WAL.Compression)
	}
	if c.WAL.RotateSizeBytes <= 0 {
		return fmt.Errorf("wal.rotate_size_bytes must be positive, got %d", c.WAL.RotateSizeBytes)
	}
	if c.Segment.TargetVectors <= 0 {
		return fmt.Errorf("segment.target_vectors must be positive, got %d", c.Segment.TargetVectors)
	}
	if c.Segment.ZstdLevel < 1 || c.Segment.ZstdLevel > 4 {
		return fmt.Errorf("segment.zstd_level must be in [1,4], got %d", c.Segment.ZstdLevel)
	}
	if c.Segment.BloomBitsPerKey <= 0 {
		return fmt.Errorf("segment.bloom_bits_per_key must be positive, got %d", c.Segment.BloomBitsPerKey)
	}
	if c.Recovery.ParallelThreads <= 0 {
		return fmt.Errorf("recovery.parallel_threads must be positive, got %d", c.Recovery.ParallelThreads)
	}
	return nil
}
