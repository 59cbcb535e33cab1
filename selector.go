package bkd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/bkd/resource"
	"github.com/hupe1980/bkd/store"
)

// selector defines the ordering used when partitioning points along one
// dimension. Points compare by the dimension's value bytes with the docID as
// tie breaker; in the single index dimension case the full packed value
// participates so that data dimensions end up sorted inside leaves.
type selector struct {
	config Config
	dim    int
	keyOff int
	keyLen int
}

func newSelector(config Config, dim int) selector {
	if config.NumIndexDims == 1 {
		return selector{config: config, dim: dim, keyOff: 0, keyLen: config.PackedBytesLength()}
	}
	return selector{config: config, dim: dim, keyOff: dim * config.BytesPerDim, keyLen: config.BytesPerDim}
}

// totalKeyLen is the number of radix levels: value bytes plus docID bytes.
func (s selector) totalKeyLen() int {
	return s.keyLen + docIDBytes
}

// keyByte returns the radix byte of a point at the given level. DocID bytes
// are taken big endian so byte order matches numeric order.
func (s selector) keyByte(packed []byte, docID int32, level int) byte {
	if level < s.keyLen {
		return packed[s.keyOff+level]
	}
	shift := 24 - 8*uint(level-s.keyLen)
	return byte(uint32(docID) >> shift)
}

func (s selector) valueKey(packed []byte) []byte {
	return packed[s.keyOff : s.keyOff+s.keyLen]
}

func (s selector) less(w *heapPointWriter, i, j int) bool {
	if c := bytes.Compare(s.valueKey(w.PackedValueAt(i)), s.valueKey(w.PackedValueAt(j))); c != 0 {
		return c < 0
	}
	return w.DocIDAt(i) < w.DocIDAt(j)
}

func (s selector) median3(w *heapPointWriter, a, b, c int) int {
	if s.less(w, a, b) {
		switch {
		case s.less(w, b, c):
			return b
		case s.less(w, a, c):
			return c
		default:
			return a
		}
	}
	switch {
	case s.less(w, a, c):
		return a
	case s.less(w, b, c):
		return c
	default:
		return b
	}
}

// Select partially sorts w[from:to] so that w[k] holds the element of rank k
// and everything left of it compares lower or equal, everything right of it
// higher or equal. Classic three way quickselect with a median of three
// pivot; equal keys collapse in one pass, which keeps degenerate inputs with
// few distinct values linear.
func (s selector) Select(w *heapPointWriter, from, to, k int) {
	pivotKey := make([]byte, s.keyLen)
	for to-from > 1 {
		p := s.median3(w, from, from+(to-from)/2, to-1)
		copy(pivotKey, s.valueKey(w.PackedValueAt(p)))
		pivotDoc := w.DocIDAt(p)

		lt, i, gt := from, from, to
		for i < gt {
			c := bytes.Compare(s.valueKey(w.PackedValueAt(i)), pivotKey)
			if c == 0 {
				switch d := w.DocIDAt(i); {
				case d < pivotDoc:
					c = -1
				case d > pivotDoc:
					c = 1
				}
			}
			switch {
			case c < 0:
				w.Swap(lt, i)
				lt++
				i++
			case c > 0:
				gt--
				w.Swap(i, gt)
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

// radixSelector partitions an offline point file around a target rank using
// per level byte histograms. Each level scans the current candidate file
// once to build the histogram and once more to route records into left,
// right and a delta file holding the pivot bucket, then recurses into the
// delta file. Sequential scans keep the block compressed temp files cheap to
// read.
type radixSelector struct {
	ctx             context.Context
	dir             store.Directory
	config          Config
	sel             selector
	comp            Compression
	rc              *resource.Controller
	tempPrefix      string
	maxPointsInHeap int64
	scratch         []byte
}

func newRadixSelector(ctx context.Context, dir store.Directory, config Config, dim int, comp Compression, rc *resource.Controller, tempPrefix string, maxPointsInHeap int64) *radixSelector {
	sel := newSelector(config, dim)
	return &radixSelector{
		ctx:             ctx,
		dir:             dir,
		config:          config,
		sel:             sel,
		comp:            comp,
		rc:              rc,
		tempPrefix:      tempPrefix,
		maxPointsInHeap: maxPointsInHeap,
		scratch:         make([]byte, sel.totalKeyLen()),
	}
}

// Partition splits src into a left side holding the k lowest ranked points
// and a right side holding the rest. It returns the split value: the
// dimension bytes of the lowest point on the right side. src itself is left
// intact; the caller destroys it. On error any outputs created here are
// destroyed before returning.
func (s *radixSelector) Partition(src pointWriter, count, k int64, depth int) (left, right pointWriter, splitValue []byte, err error) {
	left, err = s.destWriter(k, fmt.Sprintf("left%d", depth))
	if err != nil {
		return nil, nil, nil, err
	}
	right, err = s.destWriter(count-k, fmt.Sprintf("right%d", depth))
	if err != nil {
		err = errors.Join(err, left.Destroy())
		return nil, nil, nil, err
	}
	splitValue, err = s.partitionLevel(src, left, right, count, k, 0)
	if err != nil {
		err = errors.Join(err, left.Destroy(), right.Destroy())
		return nil, nil, nil, err
	}
	return left, right, splitValue, nil
}

func (s *radixSelector) partitionLevel(src pointWriter, left, right pointWriter, count, k int64, level int) ([]byte, error) {
	cur := src
	owned := false
	destroyCur := func() error {
		if owned {
			owned = false
			return cur.Destroy()
		}
		return nil
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return nil, errors.Join(err, destroyCur())
		}

		if level == s.sel.totalKeyLen() {
			// All key bytes equal: any split by count preserves order.
			err := s.splitByCount(cur, left, right, count, k)
			err = errors.Join(err, destroyCur())
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), s.scratch[:s.config.BytesPerDim]...), nil
		}

		if count <= s.maxPointsInHeap {
			splitValue, err := s.heapFinish(cur, left, right, count, k)
			err = errors.Join(err, destroyCur())
			if err != nil {
				return nil, err
			}
			return splitValue, nil
		}

		hist, err := s.histogram(cur, count, level)
		if err != nil {
			return nil, errors.Join(err, destroyCur())
		}

		// The pivot bucket is the one containing the element of rank k.
		var cum int64
		bucket := 0
		for i := 0; i < 256; i++ {
			if cum+hist[i] > k {
				bucket = i
				break
			}
			cum += hist[i]
		}
		s.scratch[level] = byte(bucket)

		if hist[bucket] == count {
			// Every record shares this byte; descend without rewriting.
			level++
			continue
		}

		delta, err := s.destWriter(hist[bucket], fmt.Sprintf("delta%d", level))
		if err != nil {
			return nil, errors.Join(err, destroyCur())
		}
		if err := s.route(cur, left, right, delta, count, level, bucket); err != nil {
			return nil, errors.Join(err, delta.Destroy(), destroyCur())
		}
		if err := destroyCur(); err != nil {
			return nil, errors.Join(err, delta.Destroy())
		}

		cur = delta
		owned = true
		count = hist[bucket]
		k -= cum
		level++
	}
}

// destWriter picks heap or offline storage for an intermediate of n points.
func (s *radixSelector) destWriter(n int64, suffix string) (pointWriter, error) {
	if n <= s.maxPointsInHeap {
		return newHeapPointWriter(s.config, int(n)), nil
	}
	return newOfflinePointWriter(s.ctx, s.dir, s.tempPrefix, suffix, s.config, s.comp, s.rc)
}

func (s *radixSelector) histogram(src pointWriter, count int64, level int) (*[256]int64, error) {
	r, err := src.GetReader(0, count)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var hist [256]int64
	for {
		ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		hist[s.sel.keyByte(r.PackedValue(), r.DocID(), level)]++
	}
	return &hist, nil
}

func (s *radixSelector) route(src pointWriter, left, right, delta pointWriter, count int64, level int, bucket int) error {
	r, err := src.GetReader(0, count)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		b := int(s.sel.keyByte(r.PackedValue(), r.DocID(), level))
		var dst pointWriter
		switch {
		case b < bucket:
			dst = left
		case b > bucket:
			dst = right
		default:
			dst = delta
		}
		if err := dst.Append(r.PackedValue(), r.DocID()); err != nil {
			return err
		}
	}
}

func (s *radixSelector) splitByCount(src pointWriter, left, right pointWriter, count, k int64) error {
	r, err := src.GetReader(0, count)
	if err != nil {
		return err
	}
	defer r.Close()
	for i := int64(0); i < count; i++ {
		ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return newCorruptionError(src.Name(), fmt.Errorf("expected %d points, got %d", count, i))
		}
		dst := left
		if i >= k {
			dst = right
		}
		if err := dst.Append(r.PackedValue(), r.DocID()); err != nil {
			return err
		}
	}
	return nil
}

// heapFinish loads the remaining candidates into memory and completes the
// selection with quickselect.
func (s *radixSelector) heapFinish(src pointWriter, left, right pointWriter, count, k int64) ([]byte, error) {
	h, ok := src.(*heapPointWriter)
	if !ok {
		h = newHeapPointWriter(s.config, int(count))
		r, err := src.GetReader(0, count)
		if err != nil {
			return nil, err
		}
		for {
			ok, err := r.Next()
			if err != nil {
				r.Close()
				return nil, err
			}
			if !ok {
				break
			}
			if err := h.Append(r.PackedValue(), r.DocID()); err != nil {
				r.Close()
				return nil, err
			}
		}
		if err := r.Close(); err != nil {
			return nil, err
		}
	}

	s.sel.Select(h, 0, int(count), int(k))

	for i := 0; i < int(k); i++ {
		if err := left.Append(h.PackedValueAt(i), h.DocIDAt(i)); err != nil {
			return nil, err
		}
	}
	for i := int(k); i < int(count); i++ {
		if err := right.Append(h.PackedValueAt(i), h.DocIDAt(i)); err != nil {
			return nil, err
		}
	}

	splitValue := make([]byte, s.config.BytesPerDim)
	copy(splitValue, h.PackedValueAt(int(k))[s.sel.keyOff:])
	return splitValue, nil
}
