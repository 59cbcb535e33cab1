package bkd

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/bkd/store"
)

// MutablePoints is a reorderable view over points that already live in
// memory, for example inside an in memory buffer about to be flushed.
// BuildFrom partitions it in place instead of copying points into the
// writer, so building from it needs no temporary files.
type MutablePoints interface {
	// Size returns the number of points.
	Size() int

	// Value copies point i's packed value into buf, which must be at
	// least Config.PackedBytesLength() bytes.
	Value(i int, buf []byte)

	// ByteAt returns byte k of point i's packed value.
	ByteAt(i, k int) byte

	// DocID returns point i's document ID.
	DocID(i int) int32

	// Swap exchanges points i and j.
	Swap(i, j int)
}

// BuildFrom builds the tree directly from points, reordering them in place.
// The writer must be fresh: no points added and not finished. The returned
// finalizer follows the same contract as Finish.
func (w *Writer) BuildFrom(ctx context.Context, points MutablePoints, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer is closed", ErrIllegalState)
	}
	if w.finished {
		return nil, fmt.Errorf("%w: writer already finished", ErrIllegalState)
	}
	if w.pointCount > 0 {
		return nil, fmt.Errorf("%w: BuildFrom needs a fresh writer, %d points already added", ErrIllegalState, w.pointCount)
	}
	n := points.Size()
	if n == 0 {
		return nil, fmt.Errorf("%w: no points were added", ErrIllegalState)
	}
	if int64(n) > w.totalPointCount {
		return nil, &CountExceededError{Limit: w.totalPointCount, Count: int64(n)}
	}
	w.finished = true

	numLeaves := w.config.numLeaves(int64(n))
	dataStartFP := dataOut.FilePointer()

	b := &builder{
		ctx:             ctx,
		dir:             w.dir,
		config:          w.config,
		comp:            w.opts.compression,
		rc:              w.opts.controller,
		maxPointsInHeap: w.maxPointsInHeap,
		dataOut:         dataOut,
		cw:              store.NewChecksumWriter(dataOut),
		leafFPs:         make([]int64, 0, numLeaves),
		leafCounts:      make([]int64, 0, numLeaves),
	}

	// A single index dimension needs no recursive partitioning: sort the
	// source once and stream full leaves.
	if w.config.NumIndexDims == 1 {
		return w.buildFromOneDim(points, n, b, dataStartFP, metaOut, indexOut, dataOut)
	}

	w.pointCount = int64(n)

	// Stats pass: global bounds and distinct documents.
	bpd := w.config.BytesPerDim
	buf := make([]byte, w.config.PackedBytesLength())
	for i := 0; i < n; i++ {
		points.Value(i, buf)
		if i == 0 {
			copy(w.minPacked, buf[:w.config.PackedIndexBytesLength()])
			copy(w.maxPacked, buf[:w.config.PackedIndexBytesLength()])
		} else {
			for d := 0; d < w.config.NumIndexDims; d++ {
				off := d * bpd
				v := buf[off : off+bpd]
				if bytes.Compare(v, w.minPacked[off:off+bpd]) < 0 {
					copy(w.minPacked[off:], v)
				}
				if bytes.Compare(v, w.maxPacked[off:off+bpd]) > 0 {
					copy(w.maxPacked[off:], v)
				}
			}
		}
		w.docsSeen.Add(uint32(points.DocID(i)))
	}

	parentSplits := make([]int, w.config.NumIndexDims)
	minP := append([]byte(nil), w.minPacked...)
	maxP := append([]byte(nil), w.maxPacked...)

	root, err := b.buildMutable(0, numLeaves, points, 0, n, minP, maxP, parentSplits)
	if err != nil {
		return nil, err
	}
	return w.seal(b, root, dataStartFP, metaOut, indexOut, dataOut)
}

// buildFromOneDim sorts points in place by value and docID, then packs them
// into leaves left to right. The one dimension writer keeps the running
// bounds and counts, so no separate stats pass is needed.
func (w *Writer) buildFromOneDim(points MutablePoints, n int, b *builder, dataStartFP int64, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	sort.Sort(&mutableSorter{points: points, sel: newSelector(w.config, 0), n: n})

	odw := &oneDimWriter{
		w:  w,
		b:  b,
		hp: newHeapPointWriter(w.config, w.config.MaxPointsInLeafNode),
	}
	buf := make([]byte, w.config.PackedBytesLength())
	for i := 0; i < n; i++ {
		points.Value(i, buf)
		if err := odw.add(buf, points.DocID(i)); err != nil {
			return nil, err
		}
	}
	root, err := odw.finish()
	if err != nil {
		return nil, err
	}
	return w.seal(b, root, dataStartFP, metaOut, indexOut, dataOut)
}

// mutableSorter adapts MutablePoints to sort.Interface under the selector's
// key order.
type mutableSorter struct {
	points MutablePoints
	sel    selector
	n      int
}

func (m *mutableSorter) Len() int           { return m.n }
func (m *mutableSorter) Less(i, j int) bool { return mutableLess(m.points, m.sel, i, j) }
func (m *mutableSorter) Swap(i, j int)      { m.points.Swap(i, j) }

func (b *builder) buildMutable(depth, numLeaves int, points MutablePoints, from, to int, minP, maxP []byte, parentSplits []int) (*buildNode, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	if numLeaves == 1 {
		return b.writeMutableLeaf(points, from, to)
	}

	splitDim := b.chooseSplitDim(depth, minP, maxP, parentSplits)
	numLeft := numLeftLeafNodes(numLeaves)
	mid := from + numLeft*b.config.MaxPointsInLeafNode

	sel := newSelector(b.config, splitDim)
	mutableSelect(points, sel, from, to, mid)

	bpd := b.config.BytesPerDim
	off := splitDim * bpd
	buf := make([]byte, b.config.PackedBytesLength())
	points.Value(mid, buf)
	splitValue := append([]byte(nil), buf[off:off+bpd]...)

	leftMax := append([]byte(nil), maxP...)
	copy(leftMax[off:off+bpd], splitValue)
	rightMin := append([]byte(nil), minP...)
	copy(rightMin[off:off+bpd], splitValue)

	parentSplits[splitDim]++
	defer func() { parentSplits[splitDim]-- }()

	left, err := b.buildMutable(depth+1, numLeft, points, from, mid, minP, leftMax, parentSplits)
	if err != nil {
		return nil, err
	}
	right, err := b.buildMutable(depth+1, numLeaves-numLeft, points, mid, to, rightMin, maxP, parentSplits)
	if err != nil {
		return nil, err
	}
	return newInnerNode(splitDim, splitValue, left, right), nil
}

// writeMutableLeaf copies one leaf range into a heap buffer for sorting and
// encoding.
func (b *builder) writeMutableLeaf(points MutablePoints, from, to int) (*buildNode, error) {
	hp := newHeapPointWriter(b.config, to-from)
	buf := make([]byte, b.config.PackedBytesLength())
	for i := from; i < to; i++ {
		points.Value(i, buf)
		if err := hp.Append(buf, points.DocID(i)); err != nil {
			return nil, err
		}
	}
	return b.writeLeaf(hp, 0, to-from)
}

// mutableSelect partitions points[from:to] in place around rank k using the
// selector's key order.
func mutableSelect(points MutablePoints, sel selector, from, to, k int) {
	pivot := make([]byte, sel.config.PackedBytesLength())
	for to-from > 1 {
		p := mutableMedian3(points, sel, from, from+(to-from)/2, to-1)
		points.Value(p, pivot)
		pivotKey := pivot[sel.keyOff : sel.keyOff+sel.keyLen]
		pivotDoc := points.DocID(p)

		lt, i, gt := from, from, to
		for i < gt {
			c := mutableCompare(points, sel, i, pivotKey, pivotDoc)
			switch {
			case c < 0:
				points.Swap(lt, i)
				lt++
				i++
			case c > 0:
				gt--
				points.Swap(i, gt)
			default:
				i++
			}
		}
		switch {
		case k < lt:
			to = lt
		case k >= gt:
			from = gt
		default:
			return
		}
	}
}

func mutableCompare(points MutablePoints, sel selector, i int, pivotKey []byte, pivotDoc int32) int {
	for k := 0; k < sel.keyLen; k++ {
		b := points.ByteAt(i, sel.keyOff+k)
		if b != pivotKey[k] {
			if b < pivotKey[k] {
				return -1
			}
			return 1
		}
	}
	switch d := points.DocID(i); {
	case d < pivotDoc:
		return -1
	case d > pivotDoc:
		return 1
	}
	return 0
}

func mutableMedian3(points MutablePoints, sel selector, a, b, c int) int {
	if mutableLess(points, sel, a, b) {
		switch {
		case mutableLess(points, sel, b, c):
			return b
		case mutableLess(points, sel, a, c):
			return c
		default:
			return a
		}
	}
	switch {
	case mutableLess(points, sel, a, c):
		return a
	case mutableLess(points, sel, b, c):
		return c
	default:
		return b
	}
}

func mutableLess(points MutablePoints, sel selector, i, j int) bool {
	for k := 0; k < sel.keyLen; k++ {
		a, b := points.ByteAt(i, sel.keyOff+k), points.ByteAt(j, sel.keyOff+k)
		if a != b {
			return a < b
		}
	}
	return points.DocID(i) < points.DocID(j)
}

// HeapMutablePoints is a simple MutablePoints backed by parallel slices.
type HeapMutablePoints struct {
	config Config
	packed []byte
	docIDs []int32
}

// NewHeapMutablePoints creates an empty buffer with the given capacity.
func NewHeapMutablePoints(config Config, capacity int) *HeapMutablePoints {
	return &HeapMutablePoints{
		config: config,
		packed: make([]byte, 0, capacity*config.PackedBytesLength()),
		docIDs: make([]int32, 0, capacity),
	}
}

// Add appends one point.
func (h *HeapMutablePoints) Add(packedValue []byte, docID int32) error {
	if len(packedValue) != h.config.PackedBytesLength() {
		return fmt.Errorf("%w: packed value length %d, want %d", ErrInvalidArgument, len(packedValue), h.config.PackedBytesLength())
	}
	h.packed = append(h.packed, packedValue...)
	h.docIDs = append(h.docIDs, docID)
	return nil
}

func (h *HeapMutablePoints) Size() int { return len(h.docIDs) }

func (h *HeapMutablePoints) Value(i int, buf []byte) {
	n := h.config.PackedBytesLength()
	copy(buf, h.packed[i*n:(i+1)*n])
}

func (h *HeapMutablePoints) ByteAt(i, k int) byte {
	return h.packed[i*h.config.PackedBytesLength()+k]
}

func (h *HeapMutablePoints) DocID(i int) int32 { return h.docIDs[i] }

func (h *HeapMutablePoints) Swap(i, j int) {
	if i == j {
		return
	}
	n := h.config.PackedBytesLength()
	a := h.packed[i*n : (i+1)*n]
	b := h.packed[j*n : (j+1)*n]
	for k := 0; k < n; k++ {
		a[k], b[k] = b[k], a[k]
	}
	h.docIDs[i], h.docIDs[j] = h.docIDs[j], h.docIDs[i]
}

var _ MutablePoints = (*HeapMutablePoints)(nil)
