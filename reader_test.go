package bkd

import (
	"context"
	"testing"

	"github.com/hupe1980/bkd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSegment builds a small two-dimensional tree into seg.meta, seg.index
// and seg.data and returns the meta file pointer.
func writeSegment(t *testing.T, dir store.Directory) int64 {
	t.Helper()

	cfg, err := NewConfig(2, 2, 4, 8)
	require.NoError(t, err)

	w, err := NewWriter(dir, cfg, 200)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, w.Add(pack2D(uint32(i), uint32(i%17)), int32(i)))
	}

	metaOut, err := dir.CreateOutput("seg.meta")
	require.NoError(t, err)
	indexOut, err := dir.CreateOutput("seg.index")
	require.NoError(t, err)
	dataOut, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)

	finalize, err := w.Finish(context.Background(), metaOut, indexOut, dataOut)
	require.NoError(t, err)

	metaFP := metaOut.FilePointer()
	require.NoError(t, finalize())

	require.NoError(t, metaOut.Close())
	require.NoError(t, indexOut.Close())
	require.NoError(t, dataOut.Close())

	return metaFP
}

func openSegment(t *testing.T, dir store.Directory, metaFP int64) (*Reader, error) {
	t.Helper()

	metaIn, err := dir.OpenInput("seg.meta")
	require.NoError(t, err)
	indexIn, err := dir.OpenInput("seg.index")
	require.NoError(t, err)
	dataIn, err := dir.OpenInput("seg.data")
	require.NoError(t, err)

	return NewReader(metaIn, metaFP, indexIn, dataIn)
}

func TestReaderMetadata(t *testing.T) {
	dir := store.NewMemDirectory()
	metaFP := writeSegment(t, dir)

	r, err := openSegment(t, dir, metaFP)
	require.NoError(t, err)

	cfg := r.Config()
	assert.Equal(t, 2, cfg.NumDims)
	assert.Equal(t, 2, cfg.NumIndexDims)
	assert.Equal(t, 4, cfg.BytesPerDim)
	assert.Equal(t, 8, cfg.MaxPointsInLeafNode)

	assert.Equal(t, int64(200), r.PointCount())
	assert.Equal(t, int64(200), r.DocCount())
	assert.Equal(t, 25, r.NumLeaves())

	assert.Equal(t, pack2D(0, 0), r.MinPackedValue())
	assert.Equal(t, pack2D(199, 16), r.MaxPackedValue())
}

func TestReaderBoundsAreCopies(t *testing.T) {
	dir := store.NewMemDirectory()
	metaFP := writeSegment(t, dir)

	r, err := openSegment(t, dir, metaFP)
	require.NoError(t, err)

	minPacked := r.MinPackedValue()
	minPacked[0] = 0xFF

	assert.Equal(t, pack2D(0, 0), r.MinPackedValue())

	maxPacked := r.MaxPackedValue()
	maxPacked[0] = 0x00

	assert.Equal(t, pack2D(199, 16), r.MaxPackedValue())
}

func TestReaderCorruption(t *testing.T) {
	testCases := []struct {
		name     string
		file     string
		offset   int64
		resource string
	}{
		{"MetaMagic", "seg.meta", 1, "metadata"},
		{"MetaBody", "seg.meta", 20, "metadata"},
		{"IndexBody", "seg.index", 5, "index"},
		{"DataBody", "seg.data", 10, "data"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := store.NewMemDirectory()
			metaFP := writeSegment(t, dir)

			require.NoError(t, dir.Corrupt(tc.file, tc.offset))

			_, err := openSegment(t, dir, metaFP)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupted)

			var cerr *CorruptionError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.resource, cerr.Resource)
		})
	}
}

func TestReaderBadMetaPointer(t *testing.T) {
	dir := store.NewMemDirectory()
	writeSegment(t, dir)

	// Pointing the reader at offset 0 of the data file cannot yield a valid
	// metadata block.
	dataIn, err := dir.OpenInput("seg.data")
	require.NoError(t, err)

	_, err = NewReader(dataIn, 0, dataIn, dataIn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestReaderGarbageFile(t *testing.T) {
	dir := store.NewMemDirectory()

	out, err := dir.CreateOutput("junk.bin")
	require.NoError(t, err)
	_, err = out.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	in, err := dir.OpenInput("junk.bin")
	require.NoError(t, err)

	_, err = NewReader(in, 0, in, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestReaderMissingFile(t *testing.T) {
	dir := store.NewMemDirectory()

	_, err := dir.OpenInput("absent.bkd")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
