package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

// Every region of an index file ends with a fixed-size trailer carrying a
// CRC32-C checksum of the region bytes that precede it. Readers verify the
// trailer before trusting any region content.

const (
	// TrailerMagic marks the start of a region trailer.
	TrailerMagic = 0x524C5254 // "TRLR"

	// TrailerSize is the encoded size of a region trailer in bytes.
	TrailerSize = 8
)

// ErrChecksum is returned when a region fails checksum verification.
var ErrChecksum = errors.New("checksum mismatch")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCRC returns a CRC32-C hash for region checksumming.
func NewCRC() hash.Hash32 {
	return crc32.New(castagnoli)
}

// WriteTrailer appends a region trailer carrying the given checksum.
func WriteTrailer(w io.Writer, sum uint32) error {
	var buf [TrailerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TrailerMagic)
	binary.LittleEndian.PutUint32(buf[4:], sum)
	_, err := w.Write(buf[:])
	return err
}

// ChecksumWriter wraps an io.Writer and maintains a running CRC32-C of all
// bytes written through it.
type ChecksumWriter struct {
	w   io.Writer
	crc hash.Hash32
}

// NewChecksumWriter creates a ChecksumWriter over w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, crc: NewCRC()}
}

func (c *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.crc.Write(p[:n])
	}
	return n, err
}

// Sum returns the checksum of everything written so far.
func (c *ChecksumWriter) Sum() uint32 { return c.crc.Sum32() }

// WriteTrailer appends a trailer carrying the current checksum. The trailer
// bytes themselves are not checksummed.
func (c *ChecksumWriter) WriteTrailer() error {
	return WriteTrailer(c.w, c.Sum())
}

// VerifyRegion checks the trailer of the region [start, start+length) of in.
// The last TrailerSize bytes of the region hold the trailer; the checksum
// covers everything before it. resource names the region in error messages.
func VerifyRegion(in Input, start, length int64, resource string) error {
	if length < TrailerSize {
		return fmt.Errorf("%w: %s region too small (%d bytes)", ErrChecksum, resource, length)
	}
	crc := NewCRC()
	body := length - TrailerSize

	// Zero-copy when the input is memory-mapped.
	if m, ok := in.(Mappable); ok {
		data, err := m.Bytes()
		if err == nil {
			if start+length > int64(len(data)) {
				return fmt.Errorf("%w: %s region extends beyond file", ErrChecksum, resource)
			}
			crc.Write(data[start : start+body])
			return checkTrailer(data[start+body:start+length], crc.Sum32(), resource)
		}
	}

	sr := io.NewSectionReader(in, start, body)
	if _, err := io.Copy(crc, sr); err != nil {
		return fmt.Errorf("%s: %w", resource, err)
	}
	var trailer [TrailerSize]byte
	if _, err := in.ReadAt(trailer[:], start+body); err != nil {
		return fmt.Errorf("%s: %w", resource, err)
	}
	return checkTrailer(trailer[:], crc.Sum32(), resource)
}

func checkTrailer(trailer []byte, sum uint32, resource string) error {
	if got := binary.LittleEndian.Uint32(trailer[0:]); got != TrailerMagic {
		return fmt.Errorf("%w: %s trailer magic 0x%08x", ErrChecksum, resource, got)
	}
	if got := binary.LittleEndian.Uint32(trailer[4:]); got != sum {
		return fmt.Errorf("%w: %s expected 0x%08x got 0x%08x", ErrChecksum, resource, got, sum)
	}
	return nil
}
