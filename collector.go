package bkd

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// BoxVisitor collects the docIDs of all points inside an axis aligned box
// into a roaring bitmap. Bounds are inclusive packed index values.
type BoxVisitor struct {
	config    Config
	minPacked []byte
	maxPacked []byte
	bitmap    *roaring.Bitmap
}

// NewBoxVisitor creates a visitor for the box [minPacked, maxPacked].
func NewBoxVisitor(config Config, minPacked, maxPacked []byte) (*BoxVisitor, error) {
	ibl := config.PackedIndexBytesLength()
	if len(minPacked) != ibl || len(maxPacked) != ibl {
		return nil, fmt.Errorf("%w: box bounds must be %d bytes, got %d and %d", ErrInvalidArgument, ibl, len(minPacked), len(maxPacked))
	}
	bpd := config.BytesPerDim
	for d := 0; d < config.NumIndexDims; d++ {
		off := d * bpd
		if bytes.Compare(minPacked[off:off+bpd], maxPacked[off:off+bpd]) > 0 {
			return nil, fmt.Errorf("%w: box dimension %d has min greater than max", ErrInvalidArgument, d)
		}
	}
	return &BoxVisitor{
		config:    config,
		minPacked: append([]byte(nil), minPacked...),
		maxPacked: append([]byte(nil), maxPacked...),
		bitmap:    roaring.New(),
	}, nil
}

func (b *BoxVisitor) Visit(docID int32) error {
	b.bitmap.Add(uint32(docID))
	return nil
}

func (b *BoxVisitor) VisitValue(docID int32, packedValue []byte) error {
	bpd := b.config.BytesPerDim
	for d := 0; d < b.config.NumIndexDims; d++ {
		off := d * bpd
		v := packedValue[off : off+bpd]
		if bytes.Compare(v, b.minPacked[off:off+bpd]) < 0 || bytes.Compare(v, b.maxPacked[off:off+bpd]) > 0 {
			return nil
		}
	}
	b.bitmap.Add(uint32(docID))
	return nil
}

func (b *BoxVisitor) Compare(cellMin, cellMax []byte) Relation {
	bpd := b.config.BytesPerDim
	crosses := false
	for d := 0; d < b.config.NumIndexDims; d++ {
		off := d * bpd
		if bytes.Compare(cellMax[off:off+bpd], b.minPacked[off:off+bpd]) < 0 ||
			bytes.Compare(cellMin[off:off+bpd], b.maxPacked[off:off+bpd]) > 0 {
			return CellOutsideQuery
		}
		if bytes.Compare(cellMin[off:off+bpd], b.minPacked[off:off+bpd]) < 0 ||
			bytes.Compare(cellMax[off:off+bpd], b.maxPacked[off:off+bpd]) > 0 {
			crosses = true
		}
	}
	if crosses {
		return CellCrossesQuery
	}
	return CellInsideQuery
}

// Bitmap returns the collected docIDs.
func (b *BoxVisitor) Bitmap() *roaring.Bitmap {
	return b.bitmap
}

var _ IntersectVisitor = (*BoxVisitor)(nil)
