// Package blobstore abstracts where localization assets live.
//
// Reconstructions, descriptor files, vocabulary trees and weights are
// addressed by slash-separated names relative to a store root. The built-in
// stores are:
//
//   - LocalStore: a directory on the local file system, read through mmap
//   - MemoryStore: an in-process map, for tests and generated assets
//   - s3.Store: an Amazon S3 bucket prefix
//   - minio.Store: any S3-compatible endpoint through minio-go
//
// Implementations must be safe for concurrent use.
package blobstore
