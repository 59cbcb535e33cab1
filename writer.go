package bkd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bkd/resource"
	"github.com/hupe1980/bkd/store"
)

const (
	metaMagic   uint32 = 0x31444B42 // "BKD1" on disk
	metaVersion uint32 = 1

	tempFilePrefix = "bkd"
)

// Writer builds a point tree from points streamed in via Add. Points are
// buffered in memory up to the configured budget and spilled to temporary
// files in the directory beyond it. Finish writes the data and returns a
// finalizer that seals the metadata; temporary files never survive an error.
type Writer struct {
	dir             store.Directory
	config          Config
	opts            writerOptions
	totalPointCount int64
	maxPointsInHeap int64

	heap  *heapPointWriter
	spill *offlinePointWriter

	pointCount  int64
	docsSeen    *roaring.Bitmap
	minPacked   []byte
	maxPacked   []byte
	memReserved int64

	finished bool
	closed   bool
}

// NewWriter creates a Writer for up to totalPointCount points.
func NewWriter(dir store.Directory, config Config, totalPointCount int64, opts ...WriterOption) (*Writer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if totalPointCount <= 0 {
		return nil, fmt.Errorf("%w: totalPointCount must be positive, got %d", ErrInvalidArgument, totalPointCount)
	}

	o := defaultWriterOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithTempPrefix(tempFilePrefix)

	// Half the budget goes to the sort buffer, the rest covers transient
	// copies made while partitioning.
	maxPointsInHeap := o.memoryBudget / int64(config.BytesPerDoc()) / 2
	if maxPointsInHeap < int64(config.MaxPointsInLeafNode) {
		return nil, fmt.Errorf("%w: memory budget %d only allows %d points in heap, which is less than maxPointsInLeafNode=%d; either increase the memory budget or decrease maxPointsInLeafNode",
			ErrInvalidArgument, o.memoryBudget, maxPointsInHeap, config.MaxPointsInLeafNode)
	}

	heapCap := totalPointCount
	if heapCap > maxPointsInHeap {
		heapCap = maxPointsInHeap
	}

	// The sort buffer dominates the writer's footprint. Reserve it against
	// the controller, shrinking while memory is tight; a smaller buffer
	// just spills earlier.
	heapBytes := heapCap * int64(config.BytesPerDoc())
	for o.controller.AcquireMemory(heapBytes) != nil {
		half := heapBytes / 2
		if half < int64(config.MaxPointsInLeafNode*config.BytesPerDoc()) {
			return nil, fmt.Errorf("%w: reserving %d bytes for the point buffer", resource.ErrMemoryLimitExceeded, heapBytes)
		}
		heapBytes = half
	}
	if hp := heapBytes / int64(config.BytesPerDoc()); hp < heapCap {
		heapCap = hp
		maxPointsInHeap = hp
	}

	return &Writer{
		dir:             dir,
		config:          config,
		opts:            o,
		totalPointCount: totalPointCount,
		maxPointsInHeap: maxPointsInHeap,
		heap:            newHeapPointWriter(config, int(heapCap)),
		docsSeen:        roaring.New(),
		minPacked:       make([]byte, config.PackedIndexBytesLength()),
		maxPacked:       make([]byte, config.PackedIndexBytesLength()),
		memReserved:     heapBytes,
	}, nil
}

// Add appends one point. packedValue must be Config.PackedBytesLength()
// bytes and docID must be non negative.
func (w *Writer) Add(packedValue []byte, docID int32) error {
	if w.closed {
		return fmt.Errorf("%w: writer is closed", ErrIllegalState)
	}
	if w.finished {
		return fmt.Errorf("%w: writer already finished", ErrIllegalState)
	}
	if len(packedValue) != w.config.PackedBytesLength() {
		return fmt.Errorf("%w: packed value length %d, want %d", ErrInvalidArgument, len(packedValue), w.config.PackedBytesLength())
	}
	if docID < 0 {
		return fmt.Errorf("%w: docID must be non-negative, got %d", ErrInvalidArgument, docID)
	}
	if w.pointCount+1 > w.totalPointCount {
		return &CountExceededError{Limit: w.totalPointCount, Count: w.pointCount + 1}
	}

	if w.spill == nil && w.heap.Count() >= w.maxPointsInHeap {
		if err := w.startSpill(); err != nil {
			return err
		}
	}

	ibl := w.config.PackedIndexBytesLength()
	if w.pointCount == 0 {
		copy(w.minPacked, packedValue[:ibl])
		copy(w.maxPacked, packedValue[:ibl])
	} else {
		bpd := w.config.BytesPerDim
		for d := 0; d < w.config.NumIndexDims; d++ {
			off := d * bpd
			v := packedValue[off : off+bpd]
			if bytes.Compare(v, w.minPacked[off:off+bpd]) < 0 {
				copy(w.minPacked[off:], v)
			}
			if bytes.Compare(v, w.maxPacked[off:off+bpd]) > 0 {
				copy(w.maxPacked[off:], v)
			}
		}
	}

	var dst pointWriter = w.heap
	if w.spill != nil {
		dst = w.spill
	}
	if err := dst.Append(packedValue, docID); err != nil {
		return err
	}
	w.pointCount++
	w.docsSeen.Add(uint32(docID))
	return nil
}

// startSpill moves the heap buffer into a temporary file and routes further
// points there.
func (w *Writer) startSpill() error {
	spill, err := newOfflinePointWriter(context.Background(), w.dir, tempFilePrefix, "spill", w.config, w.opts.compression, w.opts.controller)
	if err != nil {
		return err
	}
	for i := 0; i < int(w.heap.Count()); i++ {
		if err := spill.Append(w.heap.PackedValueAt(i), w.heap.DocIDAt(i)); err != nil {
			return errors.Join(err, spill.Destroy())
		}
	}
	w.opts.logger.LogSpill(w.heap.Count(), w.heap.Count()*int64(w.config.BytesPerDoc()), spill.Name())
	w.heap.Destroy()
	w.heap = nil
	w.spill = spill
	return nil
}

// Finish builds the tree and writes the data and index regions. It returns a
// finalizer that writes the metadata region; the caller runs it after
// recording metaOut's file pointer. All three outputs may be the same file.
func (w *Writer) Finish(ctx context.Context, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer is closed", ErrIllegalState)
	}
	if w.finished {
		return nil, fmt.Errorf("%w: writer already finished", ErrIllegalState)
	}
	if w.pointCount == 0 {
		return nil, fmt.Errorf("%w: no points were added", ErrIllegalState)
	}
	w.finished = true

	numLeaves := w.config.numLeaves(w.pointCount)
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

	parentSplits := make([]int, w.config.NumIndexDims)
	minP := append([]byte(nil), w.minPacked...)
	maxP := append([]byte(nil), w.maxPacked...)

	var root *buildNode
	var err error
	if w.spill != nil {
		spill := w.spill
		w.spill = nil
		root, err = b.buildOffline(0, numLeaves, spill, w.pointCount, minP, maxP, parentSplits)
	} else {
		heap := w.heap
		w.heap = nil
		root, err = b.buildHeap(0, numLeaves, heap, 0, int(w.pointCount), minP, maxP, parentSplits)
	}
	if err != nil {
		return nil, err
	}

	return w.seal(b, root, dataStartFP, metaOut, indexOut, dataOut)
}

// seal writes the data trailer, serializes the index region and returns the
// metadata finalizer.
func (w *Writer) seal(b *builder, root *buildNode, dataStartFP int64, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	if err := b.cw.WriteTrailer(); err != nil {
		return nil, err
	}
	dataLen := dataOut.FilePointer() - dataStartFP

	indexBody := appendIndexRegion(nil, b.leafFPs, b.leafCounts, root)
	crc := store.NewCRC()
	crc.Write(indexBody)
	var indexRegion bytes.Buffer
	indexRegion.Write(indexBody)
	if err := store.WriteTrailer(&indexRegion, crc.Sum32()); err != nil {
		return nil, err
	}

	w.opts.logger.LogFinish(w.pointCount, len(b.leafFPs), dataLen)

	metaHead := w.encodeMetaHead(len(b.leafFPs), dataStartFP, dataLen, int64(indexRegion.Len()))
	finalizerRan := false

	return func() error {
		if finalizerRan {
			return fmt.Errorf("%w: metadata finalizer already ran", ErrIllegalState)
		}
		finalizerRan = true

		// The index region start can only be resolved now: when index and
		// metadata share a file the index follows the metadata region.
		var indexStartFP int64
		if metaOut.Name() == indexOut.Name() {
			indexStartFP = metaOut.FilePointer() + int64(len(metaHead)) + 8 + store.TrailerSize
		} else {
			indexStartFP = indexOut.FilePointer()
		}

		body := binary.LittleEndian.AppendUint64(metaHead, uint64(indexStartFP))
		mw := store.NewChecksumWriter(metaOut)
		if _, err := mw.Write(body); err != nil {
			return err
		}
		if err := mw.WriteTrailer(); err != nil {
			return err
		}
		_, err := indexOut.Write(indexRegion.Bytes())
		return err
	}, nil
}

// encodeMetaHead serializes all metadata fields except the trailing index
// start pointer.
func (w *Writer) encodeMetaHead(numLeaves int, dataStartFP, dataLen, indexLen int64) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, metaMagic)
	buf = binary.LittleEndian.AppendUint32(buf, metaVersion)
	buf = binary.AppendUvarint(buf, uint64(w.config.NumDims))
	buf = binary.AppendUvarint(buf, uint64(w.config.NumIndexDims))
	buf = binary.AppendUvarint(buf, uint64(w.config.BytesPerDim))
	buf = binary.AppendUvarint(buf, uint64(w.config.MaxPointsInLeafNode))
	buf = binary.AppendUvarint(buf, uint64(numLeaves))
	buf = binary.AppendUvarint(buf, uint64(w.pointCount))
	buf = binary.AppendUvarint(buf, w.docsSeen.GetCardinality())
	buf = append(buf, w.minPacked...)
	buf = append(buf, w.maxPacked...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(dataStartFP))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(dataLen))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(indexLen))
	return buf
}

// Close releases buffered points and removes any spill file that Finish has
// not consumed. It is safe to call multiple times.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.opts.controller.ReleaseMemory(w.memReserved)
	var err error
	if w.heap != nil {
		err = w.heap.Destroy()
		w.heap = nil
	}
	if w.spill != nil {
		err = errors.Join(err, w.spill.Destroy())
		w.spill = nil
	}
	return err
}

// PointCount returns the number of points added so far.
func (w *Writer) PointCount() int64 {
	return w.pointCount
}

// builder drives the recursive construction of the tree.
type builder struct {
	ctx             context.Context
	dir             store.Directory
	config          Config
	comp            Compression
	rc              *resource.Controller
	maxPointsInHeap int64

	dataOut    store.Output
	cw         *store.ChecksumWriter
	leafFPs    []int64
	leafCounts []int64
	scratch    []byte
}

// numLeftLeafNodes distributes leaves so that the left subtree owns the
// larger half of the last, possibly incomplete tree level.
func numLeftLeafNodes(numLeaves int) int {
	lastFullLevel := 31 - bits.LeadingZeros32(uint32(numLeaves))
	leavesFullLevel := 1 << lastFullLevel
	numLeft := leavesFullLevel / 2
	unbalanced := numLeaves - leavesFullLevel
	if unbalanced < leavesFullLevel/2 {
		numLeft += unbalanced
	} else {
		numLeft += leavesFullLevel / 2
	}
	return numLeft
}

func (b *builder) buildHeap(depth, numLeaves int, hp *heapPointWriter, from, to int, minP, maxP []byte, parentSplits []int) (*buildNode, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	if numLeaves == 1 {
		return b.writeLeaf(hp, from, to)
	}

	splitDim := b.chooseSplitDim(depth, minP, maxP, parentSplits)
	numLeft := numLeftLeafNodes(numLeaves)
	mid := from + numLeft*b.config.MaxPointsInLeafNode

	sel := newSelector(b.config, splitDim)
	sel.Select(hp, from, to, mid)

	bpd := b.config.BytesPerDim
	off := splitDim * bpd
	splitValue := append([]byte(nil), hp.PackedValueAt(mid)[off:off+bpd]...)

	leftMax := append([]byte(nil), maxP...)
	copy(leftMax[off:off+bpd], splitValue)
	rightMin := append([]byte(nil), minP...)
	copy(rightMin[off:off+bpd], splitValue)

	parentSplits[splitDim]++
	defer func() { parentSplits[splitDim]-- }()

	left, err := b.buildHeap(depth+1, numLeft, hp, from, mid, minP, leftMax, parentSplits)
	if err != nil {
		return nil, err
	}
	right, err := b.buildHeap(depth+1, numLeaves-numLeft, hp, mid, to, rightMin, maxP, parentSplits)
	if err != nil {
		return nil, err
	}
	return newInnerNode(splitDim, splitValue, left, right), nil
}

// buildOffline owns src and destroys it in every path.
func (b *builder) buildOffline(depth, numLeaves int, src pointWriter, count int64, minP, maxP []byte, parentSplits []int) (*buildNode, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, errors.Join(err, src.Destroy())
	}

	if count <= b.maxPointsInHeap {
		hp, err := b.loadHeap(src, count)
		if err != nil {
			return nil, err
		}
		return b.buildHeap(depth, numLeaves, hp, 0, int(count), minP, maxP, parentSplits)
	}

	splitDim := b.chooseSplitDim(depth, minP, maxP, parentSplits)
	numLeft := numLeftLeafNodes(numLeaves)
	k := int64(numLeft) * int64(b.config.MaxPointsInLeafNode)

	rs := newRadixSelector(b.ctx, b.dir, b.config, splitDim, b.comp, b.rc, tempFilePrefix, b.maxPointsInHeap)
	left, right, splitValue, perr := rs.Partition(src, count, k, depth)
	derr := src.Destroy()
	if perr != nil || derr != nil {
		err := errors.Join(perr, derr)
		if left != nil {
			err = errors.Join(err, left.Destroy())
		}
		if right != nil {
			err = errors.Join(err, right.Destroy())
		}
		return nil, err
	}

	bpd := b.config.BytesPerDim
	off := splitDim * bpd
	leftMax := append([]byte(nil), maxP...)
	copy(leftMax[off:off+bpd], splitValue)
	rightMin := append([]byte(nil), minP...)
	copy(rightMin[off:off+bpd], splitValue)

	parentSplits[splitDim]++
	defer func() { parentSplits[splitDim]-- }()

	leftNode, err := b.buildOffline(depth+1, numLeft, left, k, minP, leftMax, parentSplits)
	if err != nil {
		return nil, errors.Join(err, right.Destroy())
	}
	rightNode, err := b.buildOffline(depth+1, numLeaves-numLeft, right, count-k, rightMin, maxP, parentSplits)
	if err != nil {
		return nil, err
	}
	return newInnerNode(splitDim, splitValue, leftNode, rightNode), nil
}

// loadHeap pulls src into memory and destroys it.
func (b *builder) loadHeap(src pointWriter, count int64) (*heapPointWriter, error) {
	if hp, ok := src.(*heapPointWriter); ok {
		return hp, nil
	}
	hp := newHeapPointWriter(b.config, int(count))
	r, err := src.GetReader(0, count)
	if err != nil {
		return nil, errors.Join(err, src.Destroy())
	}
	for {
		ok, rerr := r.Next()
		if rerr != nil {
			err = rerr
			break
		}
		if !ok {
			break
		}
		if aerr := hp.Append(r.PackedValue(), r.DocID()); aerr != nil {
			err = aerr
			break
		}
	}
	err = errors.Join(err, r.Close(), src.Destroy())
	if err != nil {
		return nil, err
	}
	return hp, nil
}

func (b *builder) writeLeaf(hp *heapPointWriter, from, to int) (*buildNode, error) {
	sortLeaf(hp, from, to)
	fp := b.dataOut.FilePointer()

	block := encodeLeafBlock(b.config, hp, from, to, b.scratch[:0])
	b.scratch = block
	if _, err := b.cw.Write(block); err != nil {
		return nil, err
	}

	ord := int32(len(b.leafFPs))
	b.leafFPs = append(b.leafFPs, fp)
	b.leafCounts = append(b.leafCounts, int64(to-from))
	return newLeafNode(ord), nil
}

// chooseSplitDim prefers dimensions that have been split far less often than
// the most split one, provided they still have a value range to split. Among
// the rest the widest range wins; fully degenerate cells rotate through the
// dimensions so the tree stays balanced.
func (b *builder) chooseSplitDim(depth int, minP, maxP []byte, parentSplits []int) int {
	bpd := b.config.BytesPerDim
	maxSplits := 0
	for _, s := range parentSplits {
		if s > maxSplits {
			maxSplits = s
		}
	}
	for dim := 0; dim < b.config.NumIndexDims; dim++ {
		off := dim * bpd
		if parentSplits[dim] < maxSplits/2 && !bytes.Equal(minP[off:off+bpd], maxP[off:off+bpd]) {
			return dim
		}
	}

	splitDim := -1
	best := make([]byte, bpd)
	diff := make([]byte, bpd)
	for dim := 0; dim < b.config.NumIndexDims; dim++ {
		off := dim * bpd
		subtractBytes(maxP[off:off+bpd], minP[off:off+bpd], diff)
		if splitDim == -1 || bytes.Compare(diff, best) > 0 {
			splitDim = dim
			copy(best, diff)
		}
	}
	for _, v := range best {
		if v != 0 {
			return splitDim
		}
	}
	return depth % b.config.NumIndexDims
}

// subtractBytes computes a-b over big endian unsigned byte strings. a must
// be greater than or equal to b.
func subtractBytes(a, b, dst []byte) {
	borrow := 0
	for i := len(a) - 1; i >= 0; i-- {
		d := int(a[i]) - int(b[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		dst[i] = byte(d)
	}
}
