package bkd

import (
	"fmt"
	"io"
)

// heapPointWriter holds points in memory. Values are packed back to back in
// a single byte slice to keep GC pressure low.
type heapPointWriter struct {
	config Config
	packed []byte
	docIDs []int32
	closed bool
}

func newHeapPointWriter(config Config, capacity int) *heapPointWriter {
	return &heapPointWriter{
		config: config,
		packed: make([]byte, 0, capacity*config.PackedBytesLength()),
		docIDs: make([]int32, 0, capacity),
	}
}

func (w *heapPointWriter) Append(packedValue []byte, docID int32) error {
	if w.closed {
		return fmt.Errorf("%w: append to closed point writer", ErrIllegalState)
	}
	if len(packedValue) != w.config.PackedBytesLength() {
		return fmt.Errorf("%w: packed value length %d, want %d", ErrInvalidArgument, len(packedValue), w.config.PackedBytesLength())
	}
	w.packed = append(w.packed, packedValue...)
	w.docIDs = append(w.docIDs, docID)
	return nil
}

func (w *heapPointWriter) Count() int64 {
	return int64(len(w.docIDs))
}

// PackedValueAt returns a view of point i's packed value.
func (w *heapPointWriter) PackedValueAt(i int) []byte {
	n := w.config.PackedBytesLength()
	return w.packed[i*n : (i+1)*n : (i+1)*n]
}

func (w *heapPointWriter) DocIDAt(i int) int32 {
	return w.docIDs[i]
}

// Swap exchanges points i and j in place.
func (w *heapPointWriter) Swap(i, j int) {
	if i == j {
		return
	}
	n := w.config.PackedBytesLength()
	a := w.packed[i*n : (i+1)*n]
	b := w.packed[j*n : (j+1)*n]
	for k := 0; k < n; k++ {
		a[k], b[k] = b[k], a[k]
	}
	w.docIDs[i], w.docIDs[j] = w.docIDs[j], w.docIDs[i]
}

func (w *heapPointWriter) GetReader(start, length int64) (pointReader, error) {
	if start < 0 || length < 0 || start+length > w.Count() {
		return nil, fmt.Errorf("%w: reader range [%d, %d) out of bounds (count %d)", ErrInvalidArgument, start, start+length, w.Count())
	}
	w.closed = true
	return &heapPointReader{w: w, pos: int(start) - 1, end: int(start + length)}, nil
}

// Reset empties the buffer for reuse.
func (w *heapPointWriter) Reset() {
	w.packed = w.packed[:0]
	w.docIDs = w.docIDs[:0]
	w.closed = false
}

func (w *heapPointWriter) Close() error {
	w.closed = true
	return nil
}

func (w *heapPointWriter) Destroy() error {
	w.closed = true
	w.packed = nil
	w.docIDs = nil
	return nil
}

func (w *heapPointWriter) Name() string {
	return "heap"
}

type heapPointReader struct {
	w   *heapPointWriter
	pos int
	end int
}

func (r *heapPointReader) Next() (bool, error) {
	r.pos++
	return r.pos < r.end, nil
}

func (r *heapPointReader) PackedValue() []byte {
	return r.w.PackedValueAt(r.pos)
}

func (r *heapPointReader) DocID() int32 {
	return r.w.DocIDAt(r.pos)
}

func (r *heapPointReader) Close() error {
	return nil
}

var _ pointWriter = (*heapPointWriter)(nil)
var _ io.Closer = (*heapPointReader)(nil)
