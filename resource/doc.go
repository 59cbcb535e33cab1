// Package resource implements a controller for global limits shared by
// concurrent index builds.
//
// Three resource types are managed:
//
//   - Memory: track and cap the bytes buffered in heaps before spilling
//     (non-blocking, fail-fast so the caller can spill instead of waiting)
//   - Concurrency: bound the number of background builds and merges
//   - IO: rate-limit background writes to avoid starving foreground reads
//
// AcquireMemory is non-blocking and returns ErrMemoryLimitExceeded when the
// limit would be exceeded; the point buffer reacts by reserving a smaller
// heap, which spills to disk earlier:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 64 << 20,
//	})
//	for rc.AcquireMemory(heapBytes) != nil {
//	    heapBytes /= 2 // give up below some floor
//	}
//	defer rc.ReleaseMemory(heapBytes)
//
// All methods handle a nil Controller gracefully and become no-ops, so
// resource limiting stays optional without nil checks at call sites.
package resource
