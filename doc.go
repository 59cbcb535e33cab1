// Package bkd provides a disk-backed index for multi-dimensional points,
// built once from a bulk stream and then queried read-only.
//
// Points are fixed-width byte tuples: up to 16 dimensions of up to 16 bytes
// each, compared bytewise as unsigned big-endian. Up to 8 leading dimensions
// are indexed; the rest ride along as data dimensions stored with each
// point. The index recursively halves the point set along the dimension
// with the widest spread, producing a balanced tree whose leaves hold up to
// a fixed number of points encoded with shared-prefix and run-length
// compression.
//
// # Writing
//
// A Writer receives points in any order and builds the tree when finished.
// Point sets larger than the memory budget spill to checksummed temporary
// files in the directory and are partitioned with sequential scans:
//
//	dir, _ := store.NewLocalDirectory("./index")
//	config, _ := bkd.NewConfig(2, 2, 4, 512) // 2 dims, 4 bytes each
//	w, _ := bkd.NewWriter(dir, config, totalPoints)
//	defer w.Close()
//
//	for _, p := range points {
//	    _ = w.Add(p.Packed, p.DocID)
//	}
//
//	finish, _ := w.Finish(ctx, out, out, out)
//	metaFP := out.FilePointer() // metadata region starts here
//	_ = finish()
//	_ = out.Close()
//
// Finish writes the leaf data and returns a finalizer; the caller records
// the metadata start position and then runs it. Data, index and metadata
// may share one file or use three.
//
// # Reading
//
// A Reader verifies region checksums up front and serves queries through
// visitor callbacks. Cells fully outside the query are pruned without IO,
// cells fully inside deliver docIDs without decoding values:
//
//	in, _ := dir.OpenInput(name)
//	r, _ := bkd.NewReader(in, metaFP, in, in)
//
//	v, _ := bkd.NewBoxVisitor(config, minPacked, maxPacked)
//	_ = r.Intersect(ctx, v)
//	matches := v.Bitmap()
//
// EstimatePointCount answers the same query shape without reading leaf
// data, for query planning. PointTree exposes cursor-based navigation over
// the tree hierarchy.
//
// # Merging
//
// Merge combines finished trees, remapping docIDs and dropping deleted
// documents. Single-dimension trees merge by streaming the sorted sources
// directly into leaves; multi-dimension trees rebuild from the surviving
// points.
//
// # Key Features
//
//   - Bulk build with bounded memory: in-heap quickselect below the budget,
//     offline radix partitioning over compressed spill files above it
//   - Compact leaves: per-dimension prefix sharing, run-length encoded
//     values, delta-coded docIDs
//   - CRC32-C trailers on every region and every spill block; readers and
//     partition scans fail fast on corruption
//   - Temporary files are removed on every path, including failures
//   - Pluggable storage: local mmap-backed directories, in-memory, S3, MinIO
package bkd
