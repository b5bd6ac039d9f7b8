// Package hash provides the identity hashing and checksum primitives shared
// by the write path: xxHash64 for identity routing and CRC32C for on-disk
// record integrity.
package hash
