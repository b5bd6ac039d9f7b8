// Package msgbuf implements the sharded in-memory write buffer.
//
// The buffer absorbs write bursts, deduplicates redundant updates to the
// same identity, exposes buffered state for queries, and hands out batches
// for flush. Messages stay resident until the flush path confirms segment
// durability and evicts them.
package msgbuf
