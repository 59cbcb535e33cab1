// Package mmap provides read-only memory-mapped file access.
//
// Memory mapping gives the tree reader zero-copy random access into the
// data and index regions without copying through kernel buffers:
//
//	m, err := mmap.Open("tree.kdd")
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()
//	m.Advise(mmap.AccessRandom)
//
// Unix platforms use mmap(2) with madvise(2) hints; Windows uses
// CreateFileMapping/MapViewOfFile and treats Advise as a no-op.
//
// Mapping is safe for concurrent reads. Close is idempotent, but callers
// must ensure no goroutine touches Bytes() after Close returns.
package mmap
