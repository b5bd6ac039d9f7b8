// Package wal implements the write-ahead log and the engine's epoch
// authority.
//
// Every append is assigned the next strictly monotone epoch and framed as a
// CRC32C-checksummed record. Durability uses group commit: appends are
// batched in a short sync window and a background syncer fsyncs once per
// window. Log files are named by the first epoch they contain, which makes
// pruning after a manifest commit a file-level operation.
package wal
