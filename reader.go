package bkd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/hupe1980/bkd/store"
)

// Reader gives access to a finished tree. It verifies the checksums of all
// three regions up front and keeps the decoded index resident; leaf data is
// read lazily, zero copy when the input is memory mapped.
//
// A Reader does not own its inputs; the caller closes them.
type Reader struct {
	config     Config
	pointCount int64
	docCount   int64
	minPacked  []byte
	maxPacked  []byte

	tree      *indexTree
	dataIn    store.Input
	dataBytes []byte
	dataStart int64
	dataEnd   int64
}

// NewReader opens the tree whose metadata region starts at metaFP in metaIn.
// metaIn, indexIn and dataIn may all be the same input.
func NewReader(metaIn store.Input, metaFP int64, indexIn, dataIn store.Input) (*Reader, error) {
	r := &Reader{dataIn: dataIn}

	indexStartFP, indexLen, err := r.readMeta(metaIn, metaFP)
	if err != nil {
		return nil, err
	}

	if err := store.VerifyRegion(indexIn, indexStartFP, indexLen, "index"); err != nil {
		return nil, wrapVerify("index", err)
	}
	if err := store.VerifyRegion(dataIn, r.dataStart, r.dataEnd+store.TrailerSize-r.dataStart, "data"); err != nil {
		return nil, wrapVerify("data", err)
	}

	indexBytes, err := readRegion(indexIn, indexStartFP, indexLen-store.TrailerSize)
	if err != nil {
		return nil, err
	}
	tree, err := parseIndexRegion(r.config, indexBytes)
	if err != nil {
		return nil, newCorruptionError("index", err)
	}
	r.tree = tree

	if err := r.validateLeafTable(); err != nil {
		return nil, err
	}

	// Zero copy leaf access when the data input is memory mapped.
	if m, ok := dataIn.(store.Mappable); ok {
		if data, err := m.Bytes(); err == nil {
			r.dataBytes = data
		}
	}
	return r, nil
}

func wrapVerify(resource string, err error) error {
	if errors.Is(err, store.ErrChecksum) {
		return newCorruptionError(resource, err)
	}
	return err
}

func readRegion(in store.Input, start, length int64) ([]byte, error) {
	if m, ok := in.(store.Mappable); ok {
		if data, err := m.Bytes(); err == nil {
			return data[start : start+length], nil
		}
	}
	buf := make([]byte, length)
	if _, err := in.ReadAt(buf, start); err != nil {
		return nil, err
	}
	return buf, nil
}

// crcByteReader reads the metadata region sequentially while checksumming
// everything consumed.
type crcByteReader struct {
	r   *bufio.Reader
	crc hash.Hash32
	one [1]byte
}

func (c *crcByteReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c.one[0] = b
	c.crc.Write(c.one[:])
	return b, nil
}

func (c *crcByteReader) full(p []byte) error {
	if _, err := io.ReadFull(c.r, p); err != nil {
		return err
	}
	c.crc.Write(p)
	return nil
}

func (c *crcByteReader) uvarint() (uint64, error) {
	return binary.ReadUvarint(c)
}

func (c *crcByteReader) u32() (uint32, error) {
	var b [4]byte
	if err := c.full(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *crcByteReader) u64() (uint64, error) {
	var b [8]byte
	if err := c.full(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *Reader) readMeta(metaIn store.Input, metaFP int64) (indexStartFP, indexLen int64, err error) {
	section := io.NewSectionReader(metaIn, metaFP, metaIn.Size()-metaFP)
	cr := &crcByteReader{r: bufio.NewReader(section), crc: store.NewCRC()}

	fail := func(err error) (int64, int64, error) {
		return 0, 0, newCorruptionError("metadata", err)
	}

	magic, err := cr.u32()
	if err != nil {
		return fail(err)
	}
	if magic != metaMagic {
		return fail(fmt.Errorf("bad magic 0x%08x", magic))
	}
	version, err := cr.u32()
	if err != nil {
		return fail(err)
	}
	if version != metaVersion {
		return fail(fmt.Errorf("unsupported version %d", version))
	}

	var fields [7]uint64
	for i := range fields {
		fields[i], err = cr.uvarint()
		if err != nil {
			return fail(err)
		}
	}
	config, err := NewConfig(int(fields[0]), int(fields[1]), int(fields[2]), int(fields[3]))
	if err != nil {
		return fail(err)
	}
	r.config = config
	numLeaves := int64(fields[4])
	r.pointCount = int64(fields[5])
	r.docCount = int64(fields[6])
	if r.pointCount <= 0 || r.docCount <= 0 || r.docCount > r.pointCount {
		return fail(fmt.Errorf("implausible counts: %d points, %d docs", r.pointCount, r.docCount))
	}

	ibl := config.PackedIndexBytesLength()
	r.minPacked = make([]byte, ibl)
	r.maxPacked = make([]byte, ibl)
	if err := cr.full(r.minPacked); err != nil {
		return fail(err)
	}
	if err := cr.full(r.maxPacked); err != nil {
		return fail(err)
	}

	var u64s [4]uint64
	for i := range u64s {
		u64s[i], err = cr.u64()
		if err != nil {
			return fail(err)
		}
	}
	r.dataStart = int64(u64s[0])
	dataLen := int64(u64s[1])
	indexLen = int64(u64s[2])
	indexStartFP = int64(u64s[3])
	if dataLen < store.TrailerSize || indexLen < store.TrailerSize {
		return fail(fmt.Errorf("implausible region lengths: data %d, index %d", dataLen, indexLen))
	}
	r.dataEnd = r.dataStart + dataLen - store.TrailerSize

	// Trailer bytes are not part of the checksum.
	var trailer [store.TrailerSize]byte
	if _, err := io.ReadFull(cr.r, trailer[:]); err != nil {
		return fail(err)
	}
	if got := binary.LittleEndian.Uint32(trailer[0:]); got != store.TrailerMagic {
		return fail(fmt.Errorf("%w: metadata trailer magic 0x%08x", store.ErrChecksum, got))
	}
	if got, want := binary.LittleEndian.Uint32(trailer[4:]), cr.crc.Sum32(); got != want {
		return fail(fmt.Errorf("%w: metadata expected 0x%08x got 0x%08x", store.ErrChecksum, got, want))
	}

	if numLeaves != int64(r.config.numLeaves(r.pointCount)) {
		return fail(fmt.Errorf("metadata says %d leaves for %d points", numLeaves, r.pointCount))
	}
	return indexStartFP, indexLen, nil
}

func (r *Reader) validateLeafTable() error {
	var total int64
	prevFP := r.dataStart - 1
	for i, fp := range r.tree.leafFPs {
		if fp <= prevFP || fp >= r.dataEnd {
			return newCorruptionError("index", fmt.Errorf("leaf %d file pointer %d out of order or range", i, fp))
		}
		prevFP = fp
		c := r.tree.leafCounts[i]
		if c < 1 || c > int64(r.config.MaxPointsInLeafNode) {
			return newCorruptionError("index", fmt.Errorf("leaf %d holds %d points, max is %d", i, c, r.config.MaxPointsInLeafNode))
		}
		total += c
	}
	if total != r.pointCount {
		return newCorruptionError("index", fmt.Errorf("leaf counts sum to %d, metadata says %d points", total, r.pointCount))
	}
	return nil
}

// readLeafBlock returns the serialized bytes of one leaf.
func (r *Reader) readLeafBlock(ord int) ([]byte, error) {
	start := r.tree.leafFPs[ord]
	end := r.dataEnd
	if ord+1 < len(r.tree.leafFPs) {
		end = r.tree.leafFPs[ord+1]
	}
	if r.dataBytes != nil {
		return r.dataBytes[start:end], nil
	}
	buf := make([]byte, end-start)
	if _, err := r.dataIn.ReadAt(buf, start); err != nil {
		return nil, err
	}
	return buf, nil
}

// Config returns the tree's dimension configuration.
func (r *Reader) Config() Config {
	return r.config
}

// PointCount returns the total number of points in the tree.
func (r *Reader) PointCount() int64 {
	return r.pointCount
}

// DocCount returns the number of distinct documents in the tree.
func (r *Reader) DocCount() int64 {
	return r.docCount
}

// MinPackedValue returns the minimum packed index value, per dimension.
func (r *Reader) MinPackedValue() []byte {
	return append([]byte(nil), r.minPacked...)
}

// MaxPackedValue returns the maximum packed index value, per dimension.
func (r *Reader) MaxPackedValue() []byte {
	return append([]byte(nil), r.maxPacked...)
}

// NumLeaves returns the number of leaf blocks.
func (r *Reader) NumLeaves() int {
	return r.tree.numLeaves()
}
