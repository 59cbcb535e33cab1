package bkd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression applied to temporary spill
// files. The finished tree regions are never compressed; only the
// intermediate partitioning files are.
type Compression uint8

const (
	// CompressionNone stores spill blocks uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 applies LZ4 block compression (fast, default).
	CompressionLZ4 Compression = 1
	// CompressionZSTD applies ZSTD block compression (better ratio).
	CompressionZSTD Compression = 2
)

// Spill files are framed into self-describing blocks:
//
//	[UncompressedSize uint32][StoredSize uint32][payload][CRC32-C uint32]
//
// StoredSize == 0 means the payload is stored uncompressed and is
// UncompressedSize bytes long. The checksum covers header and payload, so a
// flipped bit anywhere in the block surfaces before decompression.
const (
	blockHeaderSize  = 8
	blockTrailerSize = 4
	defaultBlockSize = 64 << 10
)

var errBlockChecksum = errors.New("spill block checksum mismatch")

var blockCRCTable = crc32.MakeTable(crc32.Castagnoli)

// ZSTD encoder/decoder pools for efficiency.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

func compressPayload(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil // incompressible
		}
		return compressed[:n], nil
	case CompressionZSTD:
		enc := getZstdEncoder()
		defer putZstdEncoder(enc)
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, nil
	}
}

// blockWriter frames and optionally compresses a byte stream into blocks.
type blockWriter struct {
	w         io.Writer
	comp      Compression
	blockSize int
	buffer    bytes.Buffer
	written   int64
}

func newBlockWriter(w io.Writer, comp Compression, blockSize int) *blockWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	bw := &blockWriter{w: w, comp: comp, blockSize: blockSize}
	bw.buffer.Grow(blockSize)
	return bw
}

func (b *blockWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := b.blockSize - b.buffer.Len()
		if space <= 0 {
			if err := b.flushBlock(); err != nil {
				return total, err
			}
			space = b.blockSize
		}
		n := len(p)
		if n > space {
			n = space
		}
		b.buffer.Write(p[:n])
		total += n
		p = p[n:]
	}
	return total, nil
}

func (b *blockWriter) flushBlock() error {
	if b.buffer.Len() == 0 {
		return nil
	}
	data := b.buffer.Bytes()

	payload, err := compressPayload(data, b.comp)
	if err != nil {
		return err
	}
	// Keep incompressible blocks raw; a ratio close to 1 is not worth the
	// decompression work.
	stored := uint32(len(payload))
	if payload == nil || len(payload) > (len(data)*9)/10 {
		payload = data
		stored = 0
	}

	var header [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[4:], stored)

	crc := crc32.New(blockCRCTable)
	crc.Write(header[:])
	crc.Write(payload)

	if _, err := b.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := b.w.Write(payload); err != nil {
		return err
	}
	var trailer [blockTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := b.w.Write(trailer[:]); err != nil {
		return err
	}
	b.written += int64(blockHeaderSize + len(payload) + blockTrailerSize)
	b.buffer.Reset()
	return nil
}

// Flush writes any remaining buffered data as a final block.
func (b *blockWriter) Flush() error {
	return b.flushBlock()
}

// blockReader sequentially decodes blocks written by blockWriter.
type blockReader struct {
	in      io.ReaderAt
	offset  int64
	size    int64
	comp    Compression
	scratch []byte
}

func newBlockReader(in io.ReaderAt, size int64, comp Compression) *blockReader {
	return &blockReader{in: in, size: size, comp: comp}
}

// readBlock decodes the next block, verifying its checksum first.
func (b *blockReader) readBlock() ([]byte, error) {
	if b.offset >= b.size {
		return nil, io.EOF
	}
	if b.offset+blockHeaderSize > b.size {
		return nil, fmt.Errorf("truncated spill block header at offset %d", b.offset)
	}
	var header [blockHeaderSize]byte
	if _, err := b.in.ReadAt(header[:], b.offset); err != nil {
		return nil, err
	}
	uncompressed := binary.LittleEndian.Uint32(header[0:])
	stored := binary.LittleEndian.Uint32(header[4:])
	payloadLen := int64(stored)
	if stored == 0 {
		payloadLen = int64(uncompressed)
	}
	end := b.offset + blockHeaderSize + payloadLen + blockTrailerSize
	if end > b.size {
		return nil, fmt.Errorf("spill block extends beyond file (offset %d)", b.offset)
	}

	if cap(b.scratch) < int(payloadLen)+blockTrailerSize {
		b.scratch = make([]byte, payloadLen+blockTrailerSize)
	}
	buf := b.scratch[:payloadLen+blockTrailerSize]
	if _, err := b.in.ReadAt(buf, b.offset+blockHeaderSize); err != nil {
		return nil, err
	}
	payload := buf[:payloadLen]

	crc := crc32.New(blockCRCTable)
	crc.Write(header[:])
	crc.Write(payload)
	if got := binary.LittleEndian.Uint32(buf[payloadLen:]); got != crc.Sum32() {
		return nil, errBlockChecksum
	}

	b.offset = end

	if stored == 0 {
		return payload, nil
	}

	result := make([]byte, uncompressed)
	switch b.comp {
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(payload, result[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressed {
			return nil, errors.New("decompressed size mismatch")
		}
		return decoded, nil
	default: // LZ4
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressed {
			return nil, errors.New("decompressed size mismatch")
		}
		return result, nil
	}
}

// blockByteStream presents the decoded blocks as one contiguous byte stream.
type blockByteStream struct {
	br  *blockReader
	cur []byte
}

func newBlockByteStream(in io.ReaderAt, size int64, comp Compression) *blockByteStream {
	return &blockByteStream{br: newBlockReader(in, size, comp)}
}

func (s *blockByteStream) Read(p []byte) (int, error) {
	for len(s.cur) == 0 {
		block, err := s.br.readBlock()
		if err != nil {
			return 0, err
		}
		s.cur = block
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}
