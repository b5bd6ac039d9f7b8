// Package blobstore abstracts durable storage for engine metadata blobs,
// primarily manifest versions and the CURRENT pointer. Implementations exist
// for the local filesystem, memory (tests), S3, S3 with a DynamoDB commit
// log, and MinIO.
package blobstore
