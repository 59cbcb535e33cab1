package bkd

import (
	"context"
	"math"
)

// Intersect walks the tree and delivers every matching point to v. Subtrees
// whose cells fall outside the query are skipped without touching their
// data; subtrees fully inside deliver docIDs without decoding values; only
// crossing leaves decode values and check them point by point.
func (r *Reader) Intersect(ctx context.Context, v IntersectVisitor) error {
	is := &intersectState{r: r, ctx: ctx, v: v}
	minP := append([]byte(nil), r.minPacked...)
	maxP := append([]byte(nil), r.maxPacked...)
	return is.intersect(0, minP, maxP)
}

type intersectState struct {
	r   *Reader
	ctx context.Context
	v   IntersectVisitor

	lb         leafBlock
	docScratch []int32
}

func (is *intersectState) intersect(node int32, cellMin, cellMax []byte) error {
	if err := is.ctx.Err(); err != nil {
		return err
	}

	switch is.v.Compare(cellMin, cellMax) {
	case CellOutsideQuery:
		return nil
	case CellInsideQuery:
		return is.addAll(node)
	}

	t := is.r.tree
	if t.isLeaf(node) {
		return is.visitLeafValues(t.nodes[node].leafOrd)
	}

	n := t.nodes[node]
	bpd := is.r.config.BytesPerDim
	off := int(n.splitDim) * bpd
	splitValue := t.splitValue(node)

	leftMax := append([]byte(nil), cellMax...)
	copy(leftMax[off:off+bpd], splitValue)
	if err := is.intersect(n.left, cellMin, leftMax); err != nil {
		return err
	}

	rightMin := append([]byte(nil), cellMin...)
	copy(rightMin[off:off+bpd], splitValue)
	return is.intersect(n.right, rightMin, cellMax)
}

// addAll delivers every docID under node without decoding values.
func (is *intersectState) addAll(node int32) error {
	n := is.r.tree.nodes[node]
	for ord := n.minLeaf; ord <= n.maxLeaf; ord++ {
		if err := is.ctx.Err(); err != nil {
			return err
		}
		block, err := is.r.readLeafBlock(int(ord))
		if err != nil {
			return err
		}
		docIDs, err := decodeLeafDocIDs(block, is.docScratch)
		if err != nil {
			return newCorruptionError("data", err)
		}
		is.docScratch = docIDs
		if g, ok := is.v.(Grower); ok {
			g.Grow(len(docIDs))
		}
		for _, id := range docIDs {
			if err := is.v.Visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (is *intersectState) visitLeafValues(ord int32) error {
	block, err := is.r.readLeafBlock(int(ord))
	if err != nil {
		return err
	}
	if err := is.lb.decode(is.r.config, block); err != nil {
		return newCorruptionError("data", err)
	}
	if g, ok := is.v.(Grower); ok {
		g.Grow(is.lb.count)
	}
	for i := 0; i < is.lb.count; i++ {
		if err := is.v.VisitValue(is.lb.docIDs[i], is.lb.value(is.r.config, i)); err != nil {
			return err
		}
	}
	return nil
}

// EstimatePointCount returns an estimate of how many points Intersect would
// deliver to v, without reading any leaf data. Cells fully inside count
// exactly; a crossing leaf counts as half its points.
func (r *Reader) EstimatePointCount(v IntersectVisitor) int64 {
	minP := append([]byte(nil), r.minPacked...)
	maxP := append([]byte(nil), r.maxPacked...)
	return r.estimate(0, v, minP, maxP)
}

func (r *Reader) estimate(node int32, v IntersectVisitor, cellMin, cellMax []byte) int64 {
	n := r.tree.nodes[node]

	switch v.Compare(cellMin, cellMax) {
	case CellOutsideQuery:
		return 0
	case CellInsideQuery:
		return n.count
	}

	if r.tree.isLeaf(node) {
		return (n.count + 1) / 2
	}

	bpd := r.config.BytesPerDim
	off := int(n.splitDim) * bpd
	splitValue := r.tree.splitValue(node)

	leftMax := append([]byte(nil), cellMax...)
	copy(leftMax[off:off+bpd], splitValue)
	rightMin := append([]byte(nil), cellMin...)
	copy(rightMin[off:off+bpd], splitValue)

	return r.estimate(n.left, v, cellMin, leftMax) + r.estimate(n.right, v, rightMin, cellMax)
}

// EstimateDocCount estimates how many distinct documents Intersect would
// match, correcting the point estimate for multi valued documents.
func (r *Reader) EstimateDocCount(v IntersectVisitor) int64 {
	est := r.EstimatePointCount(v)
	size := r.pointCount
	docCount := r.docCount

	switch {
	case est >= size:
		return docCount
	case size == docCount || est == 0:
		return est
	default:
		// Assume points spread evenly over documents and estimate the
		// number of documents with at least one matching point.
		docEstimate := int64(float64(docCount) * (1 - math.Pow(float64(size-est)/float64(size), float64(size)/float64(docCount))))
		if docEstimate == 0 {
			return 1
		}
		return docEstimate
	}
}
