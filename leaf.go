package bkd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Leaf block layout:
//
//	count                       uvarint
//	docIDs                      see docids.go
//	per dim: prefixLen          uvarint, then prefixLen prefix bytes
//	values mode                 byte
//	values payload              mode dependent suffix bytes
//
// Values inside a leaf are sorted by full packed value with docID breaking
// ties, so equal and near equal values sit next to each other and run length
// encoding gets its chance.
const (
	leafValuesUniform byte = 0
	leafValuesRunLen  byte = 1
	leafValuesDense   byte = 2
)

// byteReader is a bounds checked cursor over a decoded block.
type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("block truncated at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed uvarint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *byteReader) read(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("block truncated: need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// leafSorter orders a heap range by full packed value, then docID.
type leafSorter struct {
	w    *heapPointWriter
	from int
	to   int
}

func (s leafSorter) Len() int { return s.to - s.from }

func (s leafSorter) Less(i, j int) bool {
	a, b := s.from+i, s.from+j
	if c := bytes.Compare(s.w.PackedValueAt(a), s.w.PackedValueAt(b)); c != 0 {
		return c < 0
	}
	return s.w.DocIDAt(a) < s.w.DocIDAt(b)
}

func (s leafSorter) Swap(i, j int) { s.w.Swap(s.from+i, s.from+j) }

func sortLeaf(w *heapPointWriter, from, to int) {
	sort.Sort(leafSorter{w: w, from: from, to: to})
}

// encodeLeafBlock serializes the sorted points w[from:to] into dst.
func encodeLeafBlock(config Config, w *heapPointWriter, from, to int, dst []byte) []byte {
	count := to - from
	bpd := config.BytesPerDim

	dst = binary.AppendUvarint(dst, uint64(count))
	dst = appendDocIDs(dst, w.docIDs[from:to])

	// Per dimension common prefix.
	first := w.PackedValueAt(from)
	prefixLens := make([]int, config.NumDims)
	for d := 0; d < config.NumDims; d++ {
		prefixLens[d] = bpd
	}
	for i := from + 1; i < to; i++ {
		v := w.PackedValueAt(i)
		for d := 0; d < config.NumDims; d++ {
			off := d * bpd
			p := prefixLens[d]
			for p > 0 && !bytes.Equal(first[off:off+p], v[off:off+p]) {
				p--
			}
			prefixLens[d] = p
		}
	}

	suffixWidth := 0
	for d := 0; d < config.NumDims; d++ {
		dst = binary.AppendUvarint(dst, uint64(prefixLens[d]))
		off := d * bpd
		dst = append(dst, first[off:off+prefixLens[d]]...)
		suffixWidth += bpd - prefixLens[d]
	}

	if suffixWidth == 0 {
		return append(dst, leafValuesUniform)
	}

	// Run lengths over identical full values.
	runStarts := []int{from}
	for i := from + 1; i < to; i++ {
		if !bytes.Equal(w.PackedValueAt(i), w.PackedValueAt(i-1)) {
			runStarts = append(runStarts, i)
		}
	}

	rleCost := uvarintLen(uint64(len(runStarts)))
	for r, start := range runStarts {
		end := to
		if r+1 < len(runStarts) {
			end = runStarts[r+1]
		}
		rleCost += uvarintLen(uint64(end-start)) + suffixWidth
	}
	denseCost := count * suffixWidth

	if rleCost < denseCost {
		dst = append(dst, leafValuesRunLen)
		dst = binary.AppendUvarint(dst, uint64(len(runStarts)))
		for r, start := range runStarts {
			end := to
			if r+1 < len(runStarts) {
				end = runStarts[r+1]
			}
			dst = binary.AppendUvarint(dst, uint64(end-start))
			dst = appendSuffixes(dst, config, prefixLens, w.PackedValueAt(start))
		}
		return dst
	}

	dst = append(dst, leafValuesDense)
	for i := from; i < to; i++ {
		dst = appendSuffixes(dst, config, prefixLens, w.PackedValueAt(i))
	}
	return dst
}

func appendSuffixes(dst []byte, config Config, prefixLens []int, packed []byte) []byte {
	bpd := config.BytesPerDim
	for d := 0; d < config.NumDims; d++ {
		off := d * bpd
		dst = append(dst, packed[off+prefixLens[d]:off+bpd]...)
	}
	return dst
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// leafBlock holds a decoded leaf. Buffers are reused across decodes.
type leafBlock struct {
	count  int
	docIDs []int32
	values []byte // count * packedBytesLength, row major
}

// decodeLeafDocIDs parses the count and docIDs, skipping values.
func decodeLeafDocIDs(block []byte, out []int32) ([]int32, error) {
	r := newByteReader(block)
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	return decodeDocIDs(r, int(count), out)
}

// decode reconstructs the full packed values and docIDs of a leaf.
func (lb *leafBlock) decode(config Config, block []byte) error {
	r := newByteReader(block)
	count, err := r.uvarint()
	if err != nil {
		return err
	}
	lb.count = int(count)

	lb.docIDs, err = decodeDocIDs(r, lb.count, lb.docIDs)
	if err != nil {
		return err
	}

	bpd := config.BytesPerDim
	packedLen := config.PackedBytesLength()

	// Row template carrying the per dim prefixes.
	tmpl := make([]byte, packedLen)
	prefixLens := make([]int, config.NumDims)
	suffixWidth := 0
	for d := 0; d < config.NumDims; d++ {
		p, err := r.uvarint()
		if err != nil {
			return err
		}
		if int(p) > bpd {
			return fmt.Errorf("prefix length %d exceeds %d bytes per dimension", p, bpd)
		}
		prefixLens[d] = int(p)
		prefix, err := r.read(int(p))
		if err != nil {
			return err
		}
		copy(tmpl[d*bpd:], prefix)
		suffixWidth += bpd - int(p)
	}

	if cap(lb.values) < lb.count*packedLen {
		lb.values = make([]byte, lb.count*packedLen)
	}
	lb.values = lb.values[:lb.count*packedLen]

	mode, err := r.readByte()
	if err != nil {
		return err
	}
	switch mode {
	case leafValuesUniform:
		if suffixWidth != 0 {
			return fmt.Errorf("uniform leaf with %d suffix bytes", suffixWidth)
		}
		for i := 0; i < lb.count; i++ {
			copy(lb.values[i*packedLen:], tmpl)
		}
	case leafValuesRunLen:
		numRuns, err := r.uvarint()
		if err != nil {
			return err
		}
		row := 0
		for run := uint64(0); run < numRuns; run++ {
			runLen, err := r.uvarint()
			if err != nil {
				return err
			}
			if err := fillSuffixes(config, prefixLens, r, tmpl); err != nil {
				return err
			}
			for j := uint64(0); j < runLen; j++ {
				if row >= lb.count {
					return fmt.Errorf("run lengths exceed leaf count %d", lb.count)
				}
				copy(lb.values[row*packedLen:], tmpl)
				row++
			}
		}
		if row != lb.count {
			return fmt.Errorf("run lengths cover %d of %d points", row, lb.count)
		}
	case leafValuesDense:
		for i := 0; i < lb.count; i++ {
			if err := fillSuffixes(config, prefixLens, r, tmpl); err != nil {
				return err
			}
			copy(lb.values[i*packedLen:], tmpl)
		}
	default:
		return fmt.Errorf("unknown leaf values encoding 0x%02x", mode)
	}
	return nil
}

func fillSuffixes(config Config, prefixLens []int, r *byteReader, row []byte) error {
	bpd := config.BytesPerDim
	for d := 0; d < config.NumDims; d++ {
		n := bpd - prefixLens[d]
		if n == 0 {
			continue
		}
		suffix, err := r.read(n)
		if err != nil {
			return err
		}
		copy(row[d*bpd+prefixLens[d]:], suffix)
	}
	return nil
}

// value returns a view of row i's packed value.
func (lb *leafBlock) value(config Config, i int) []byte {
	n := config.PackedBytesLength()
	return lb.values[i*n : (i+1)*n]
}
