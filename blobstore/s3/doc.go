// Package s3 implements blobstore.Store on Amazon S3. The DynamoDB commit
// store variant adds an atomic compare-and-swap for the CURRENT pointer,
// which S3 alone cannot provide, so multiple writers can coordinate safely.
package s3
