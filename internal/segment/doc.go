// Package segment implements the immutable on-disk segment format.
//
// A segment holds one flushed batch: a zstd-compressed vector block, a row
// table with identities and epochs, roaring tag postings and a bloom filter
// over identity hashes. The file header carries section offsets and a CRC32C
// checksum of the body. Files are written to a temp name, fsynced and renamed
// so a crash never leaves a partial segment visible.
package segment
