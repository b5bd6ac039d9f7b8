package hash

import (
	"github.com/cespare/xxhash/v2"
)

// ID returns the 64-bit identity hash of id. The same bytes always map to
// the same hash, so routing and dedup decisions are stable across restarts.
func ID(id []byte) uint64 {
	return xxhash.Sum64(id)
}

// IDString is a convenience wrapper for string identifiers that avoids an
// intermediate byte-slice allocation.
func IDString(id string) uint64 {
	return xxhash.Sum64String(id)
}

// Shard maps an identity hash to one of n shards. n must be a power of two.
func Shard(h uint64, n int) int {
	return int(h & uint64(n-1))
}
