package bkd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/bkd/resource"
	"github.com/hupe1980/bkd/store"
)

// offlinePointWriter spills points to a temporary file in the directory.
// Records are fixed width ([packed value][docID]) and framed into
// checksummed, optionally compressed blocks.
type offlinePointWriter struct {
	ctx    context.Context
	dir    store.Directory
	out    store.Output
	bw     *blockWriter
	config Config
	comp   Compression
	rc     *resource.Controller
	name   string
	count  int64
	record []byte
	closed bool
	gone   bool
}

func newOfflinePointWriter(ctx context.Context, dir store.Directory, prefix, suffix string, config Config, comp Compression, rc *resource.Controller) (*offlinePointWriter, error) {
	out, err := dir.CreateTempOutput(prefix, suffix)
	if err != nil {
		return nil, err
	}
	var w io.Writer = out
	if rc != nil {
		w = resource.NewRateLimitedWriter(ctx, out, rc)
	}
	return &offlinePointWriter{
		ctx:    ctx,
		dir:    dir,
		out:    out,
		bw:     newBlockWriter(w, comp, defaultBlockSize),
		config: config,
		comp:   comp,
		rc:     rc,
		name:   out.Name(),
		record: make([]byte, config.BytesPerDoc()),
	}, nil
}

func (w *offlinePointWriter) Append(packedValue []byte, docID int32) error {
	if w.closed {
		return fmt.Errorf("%w: append to closed point writer", ErrIllegalState)
	}
	if len(packedValue) != w.config.PackedBytesLength() {
		return fmt.Errorf("%w: packed value length %d, want %d", ErrInvalidArgument, len(packedValue), w.config.PackedBytesLength())
	}
	copy(w.record, packedValue)
	binary.LittleEndian.PutUint32(w.record[w.config.PackedBytesLength():], uint32(docID))
	if _, err := w.bw.Write(w.record); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *offlinePointWriter) Count() int64 {
	return w.count
}

func (w *offlinePointWriter) GetReader(start, length int64) (pointReader, error) {
	if err := w.Close(); err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start+length > w.count {
		return nil, fmt.Errorf("%w: reader range [%d, %d) out of bounds (count %d)", ErrInvalidArgument, start, start+length, w.count)
	}
	in, err := w.dir.OpenInput(w.name)
	if err != nil {
		return nil, err
	}
	var stream io.Reader = newBlockByteStream(in, in.Size(), w.comp)
	if w.rc != nil {
		stream = resource.NewRateLimitedReader(w.ctx, stream, w.rc)
	}
	r := &offlinePointReader{
		name:   w.name,
		in:     in,
		stream: stream,
		record: make([]byte, w.config.BytesPerDoc()),
		valLen: w.config.PackedBytesLength(),
		left:   length,
	}
	// Skip to the start of the requested range. Offline readers are only
	// ever opened at block-sequential positions, so this stays cheap.
	for i := int64(0); i < start; i++ {
		if _, err := io.ReadFull(r.stream, r.record); err != nil {
			in.Close()
			return nil, r.wrapRead(err)
		}
	}
	return r, nil
}

func (w *offlinePointWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.out.Close()
		return err
	}
	return w.out.Close()
}

func (w *offlinePointWriter) Destroy() error {
	err := w.Close()
	if w.gone {
		return err
	}
	w.gone = true
	if derr := w.dir.DeleteFile(w.name); derr != nil {
		err = errors.Join(err, derr)
	}
	return err
}

func (w *offlinePointWriter) Name() string {
	return w.name
}

type offlinePointReader struct {
	name   string
	in     store.Input
	stream io.Reader
	record []byte
	valLen int
	left   int64
	docID  int32
}

func (r *offlinePointReader) Next() (bool, error) {
	if r.left <= 0 {
		return false, nil
	}
	if _, err := io.ReadFull(r.stream, r.record); err != nil {
		return false, r.wrapRead(err)
	}
	r.docID = int32(binary.LittleEndian.Uint32(r.record[r.valLen:]))
	r.left--
	return true, nil
}

func (r *offlinePointReader) wrapRead(err error) error {
	if errors.Is(err, errBlockChecksum) {
		return newCorruptionError(r.name, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newCorruptionError(r.name, fmt.Errorf("unexpected end of spill file: %w", err))
	}
	return err
}

func (r *offlinePointReader) PackedValue() []byte {
	return r.record[:r.valLen]
}

func (r *offlinePointReader) DocID() int32 {
	return r.docID
}

func (r *offlinePointReader) Close() error {
	return r.in.Close()
}

var _ pointWriter = (*offlinePointWriter)(nil)
