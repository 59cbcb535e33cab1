package bkd

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/bkd/store"
	"github.com/stretchr/testify/require"
)

// pack1D encodes v as a big-endian uint32 so that byte order matches numeric
// order.
func pack1D(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}

// pack2D encodes x and y as two consecutive big-endian uint32 values.
func pack2D(x, y uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:], x)
	binary.BigEndian.PutUint32(buf[4:], y)
	return buf
}

type testPoint struct {
	value []byte
	docID int32
}

// buildTree adds all points to a fresh writer and finishes it into a single
// file inside dir, returning a reader over the result.
func buildTree(t *testing.T, dir *store.MemDirectory, config Config, points []testPoint, opts ...WriterOption) *Reader {
	t.Helper()

	return buildTreeNamed(t, dir, config, points, "tree.bkd", opts...)
}

// buildTreeNamed is buildTree with an explicit file name, for tests that keep
// several trees in one directory.
func buildTreeNamed(t *testing.T, dir *store.MemDirectory, config Config, points []testPoint, name string, opts ...WriterOption) *Reader {
	t.Helper()

	w, err := NewWriter(dir, config, int64(len(points)), opts...)
	require.NoError(t, err)

	for _, p := range points {
		require.NoError(t, w.Add(p.value, p.docID))
	}

	r := finishTree(t, dir, w, name)
	require.NoError(t, w.Close())

	return r
}

// finishTree writes meta, index and data into one file and opens a reader
// over it.
func finishTree(t *testing.T, dir *store.MemDirectory, w *Writer, name string) *Reader {
	t.Helper()

	out, err := dir.CreateOutput(name)
	require.NoError(t, err)

	finalize, err := w.Finish(context.Background(), out, out, out)
	require.NoError(t, err)

	metaFP := out.FilePointer()
	require.NoError(t, finalize())
	require.NoError(t, out.Close())

	in, err := dir.OpenInput(name)
	require.NoError(t, err)

	r, err := NewReader(in, metaFP, in, in)
	require.NoError(t, err)

	return r
}

// queryBox intersects the reader with an axis-aligned box and returns the
// matching docIDs.
func queryBox(t *testing.T, r *Reader, minPacked, maxPacked []byte) *roaring.Bitmap {
	t.Helper()

	v, err := NewBoxVisitor(r.Config(), minPacked, maxPacked)
	require.NoError(t, err)
	require.NoError(t, r.Intersect(context.Background(), v))

	return v.Bitmap()
}
