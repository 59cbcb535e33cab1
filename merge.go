package bkd

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"

	"github.com/hupe1980/bkd/store"
)

// DocMap translates a docID from a source tree into the merged docID space.
// A negative result drops the point. Within one source the mapping must
// preserve the relative order of surviving documents.
type DocMap func(docID int32) int32

// Merge combines the points of several trees into this writer's output.
// Configurations must match. docMaps may be nil for identity mapping,
// otherwise it holds one DocMap per reader.
//
// Trees with a single index dimension merge by streaming the sources in
// sorted order straight into leaves, without re sorting. Multi dimensional
// trees re add the surviving points and build from scratch.
func (w *Writer) Merge(ctx context.Context, readers []*Reader, docMaps []DocMap, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer is closed", ErrIllegalState)
	}
	if w.finished {
		return nil, fmt.Errorf("%w: writer already finished", ErrIllegalState)
	}
	if w.pointCount > 0 {
		return nil, fmt.Errorf("%w: merge needs a fresh writer, %d points already added", ErrIllegalState, w.pointCount)
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("%w: no readers to merge", ErrInvalidArgument)
	}
	if docMaps != nil && len(docMaps) != len(readers) {
		return nil, fmt.Errorf("%w: %d docMaps for %d readers", ErrInvalidArgument, len(docMaps), len(readers))
	}
	for i, r := range readers {
		if !r.Config().equals(w.config) {
			return nil, fmt.Errorf("%w: reader %d configuration %+v does not match writer configuration %+v", ErrInvalidArgument, i, r.Config(), w.config)
		}
	}

	// Merges run as background work; respect the shared worker bound.
	if err := w.opts.controller.AcquireBackground(ctx); err != nil {
		return nil, err
	}
	defer w.opts.controller.ReleaseBackground()

	if w.config.NumIndexDims == 1 {
		w.opts.logger.LogMerge("streaming", len(readers))
		return w.mergeOneDim(ctx, readers, docMaps, metaOut, indexOut, dataOut)
	}
	w.opts.logger.LogMerge("readd", len(readers))
	return w.mergeReAdd(ctx, readers, docMaps, metaOut, indexOut, dataOut)
}

// mergeReAdd feeds every surviving point back through Add.
func (w *Writer) mergeReAdd(ctx context.Context, readers []*Reader, docMaps []DocMap, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	var lb leafBlock
	for i, r := range readers {
		docMap := identityDocMap
		if docMaps != nil && docMaps[i] != nil {
			docMap = docMaps[i]
		}
		for ord := 0; ord < r.NumLeaves(); ord++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			block, err := r.readLeafBlock(ord)
			if err != nil {
				return nil, err
			}
			if err := lb.decode(r.config, block); err != nil {
				return nil, newCorruptionError("data", err)
			}
			for j := 0; j < lb.count; j++ {
				mapped := docMap(lb.docIDs[j])
				if mapped < 0 {
					continue
				}
				if err := w.Add(lb.value(r.config, j), mapped); err != nil {
					return nil, err
				}
			}
		}
	}
	return w.Finish(ctx, metaOut, indexOut, dataOut)
}

func identityDocMap(docID int32) int32 { return docID }

// mergeReader streams one source tree in leaf order, which for a single
// index dimension is globally sorted order, applying the docID mapping and
// skipping dropped points.
type mergeReader struct {
	r      *Reader
	docMap DocMap
	lb     leafBlock
	ord    int
	pos    int
	value  []byte
	docID  int32
}

func (m *mergeReader) next() (bool, error) {
	for {
		if m.pos >= m.lb.count {
			if m.ord >= m.r.NumLeaves() {
				return false, nil
			}
			block, err := m.r.readLeafBlock(m.ord)
			if err != nil {
				return false, err
			}
			if err := m.lb.decode(m.r.config, block); err != nil {
				return false, newCorruptionError("data", err)
			}
			m.ord++
			m.pos = 0
			continue
		}
		i := m.pos
		m.pos++
		mapped := m.docMap(m.lb.docIDs[i])
		if mapped < 0 {
			continue
		}
		m.value = m.lb.value(m.r.config, i)
		m.docID = mapped
		return true, nil
	}
}

type mergeItem struct {
	mr  *mergeReader
	ord int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].mr.value, h[j].mr.value); c != 0 {
		return c < 0
	}
	return h[i].ord < h[j].ord
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (w *Writer) mergeOneDim(ctx context.Context, readers []*Reader, docMaps []DocMap, metaOut, indexOut, dataOut store.Output) (func() error, error) {
	w.finished = true

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
	}
	odw := &oneDimWriter{
		w:  w,
		b:  b,
		hp: newHeapPointWriter(w.config, w.config.MaxPointsInLeafNode),
	}

	h := make(mergeHeap, 0, len(readers))
	for i, r := range readers {
		docMap := identityDocMap
		if docMaps != nil && docMaps[i] != nil {
			docMap = docMaps[i]
		}
		mr := &mergeReader{r: r, docMap: docMap}
		ok, err := mr.next()
		if err != nil {
			return nil, err
		}
		if ok {
			h = append(h, &mergeItem{mr: mr, ord: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		item := h[0]
		if err := odw.add(item.mr.value, item.mr.docID); err != nil {
			return nil, err
		}
		ok, err := item.mr.next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	root, err := odw.finish()
	if err != nil {
		return nil, err
	}
	return w.seal(b, root, dataStartFP, metaOut, indexOut, dataOut)
}

// oneDimWriter packs an already sorted point stream into full leaves and
// assembles the index tree from the leaf boundary values.
type oneDimWriter struct {
	w          *Writer
	b          *builder
	hp         *heapPointWriter
	leafStarts [][]byte
}

func (o *oneDimWriter) add(packedValue []byte, docID int32) error {
	w := o.w
	if w.pointCount+1 > w.totalPointCount {
		return &CountExceededError{Limit: w.totalPointCount, Count: w.pointCount + 1}
	}

	ibl := w.config.PackedIndexBytesLength()
	if w.pointCount == 0 {
		copy(w.minPacked, packedValue[:ibl])
	}
	// Stream order is ascending, so the running point is always the max.
	copy(w.maxPacked, packedValue[:ibl])

	if err := o.hp.Append(packedValue, docID); err != nil {
		return err
	}
	w.pointCount++
	w.docsSeen.Add(uint32(docID))

	if int(o.hp.Count()) == w.config.MaxPointsInLeafNode {
		return o.flushLeaf()
	}
	return nil
}

func (o *oneDimWriter) flushLeaf() error {
	if err := o.b.ctx.Err(); err != nil {
		return err
	}
	start := append([]byte(nil), o.hp.PackedValueAt(0)[:o.w.config.BytesPerDim]...)
	o.leafStarts = append(o.leafStarts, start)
	if _, err := o.b.writeLeaf(o.hp, 0, int(o.hp.Count())); err != nil {
		return err
	}
	o.hp.Reset()
	return nil
}

func (o *oneDimWriter) finish() (*buildNode, error) {
	if o.hp.Count() > 0 {
		if err := o.flushLeaf(); err != nil {
			return nil, err
		}
	}
	if len(o.leafStarts) == 0 {
		return nil, fmt.Errorf("%w: no points survived the merge", ErrIllegalState)
	}
	return o.buildTree(0, len(o.leafStarts)), nil
}

// buildTree assembles the index over leaves [lo, hi). The split value at
// each inner node is the start value of the leftmost leaf of its right
// subtree.
func (o *oneDimWriter) buildTree(lo, hi int) *buildNode {
	if hi-lo == 1 {
		return newLeafNode(int32(lo))
	}
	mid := lo + numLeftLeafNodes(hi-lo)
	return newInnerNode(0, o.leafStarts[mid], o.buildTree(lo, mid), o.buildTree(mid, hi))
}
