// Package store provides the storage abstraction behind index builds.
//
// Directory is the interface for reading and writing the write-once files of
// an index: the finished meta/index/data regions and the temporary spill
// files a build creates along the way.
//
// # Built-in Implementations
//
//   - LocalDirectory: local filesystem, memory-mapped reads
//   - MemDirectory: in-memory, for tests and short-lived indexes
//   - s3.Directory: Amazon S3 with range reads and streamed uploads
//   - minio.Directory: MinIO and other S3-compatible object stores
//
// # Integrity
//
// Regions written through ChecksumWriter end with a CRC32-C trailer;
// VerifyRegion checks it before a reader trusts the bytes. FaultyDirectory
// injects write failures and silent corruption for testing those paths.
package store
