package benchmark_test

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/hupe1980/bkd"
	"github.com/hupe1980/bkd/store"
)

type pointSet struct {
	values [][]byte
	docIDs []int32
}

// randomPoints2D generates n points with 4-byte big-endian coordinates in
// [0, keySpace) per dimension.
func randomPoints2D(rng *rand.Rand, n, keySpace int) pointSet {
	ps := pointSet{
		values: make([][]byte, n),
		docIDs: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		v := make([]byte, 8)
		binary.BigEndian.PutUint32(v[0:], uint32(rng.Intn(keySpace)))
		binary.BigEndian.PutUint32(v[4:], uint32(rng.Intn(keySpace)))
		ps.values[i] = v
		ps.docIDs[i] = int32(i)
	}
	return ps
}

// buildTree writes a finished tree named name into dir and returns its
// metadata file pointer.
func buildTree(tb testing.TB, dir store.Directory, cfg bkd.Config, name string, ps pointSet, opts ...bkd.WriterOption) int64 {
	tb.Helper()

	w, err := bkd.NewWriter(dir, cfg, int64(len(ps.values)), opts...)
	if err != nil {
		tb.Fatal(err)
	}
	defer w.Close()

	for i, v := range ps.values {
		if err := w.Add(v, ps.docIDs[i]); err != nil {
			tb.Fatal(err)
		}
	}

	out, err := dir.CreateOutput(name)
	if err != nil {
		tb.Fatal(err)
	}

	finalize, err := w.Finish(context.Background(), out, out, out)
	if err != nil {
		tb.Fatal(err)
	}
	metaFP := out.FilePointer()
	if err := finalize(); err != nil {
		tb.Fatal(err)
	}
	if err := out.Close(); err != nil {
		tb.Fatal(err)
	}
	return metaFP
}

// openTree opens a reader over a tree previously written by buildTree.
func openTree(tb testing.TB, dir store.Directory, name string, metaFP int64) *bkd.Reader {
	tb.Helper()

	in, err := dir.OpenInput(name)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { in.Close() })

	r, err := bkd.NewReader(in, metaFP, in, in)
	if err != nil {
		tb.Fatal(err)
	}
	return r
}

// randomBox returns inclusive 2-D box bounds covering a random slice of the
// key space.
func randomBox(rng *rand.Rand, keySpace int) (minPacked, maxPacked []byte) {
	minPacked = make([]byte, 8)
	maxPacked = make([]byte, 8)
	for d := 0; d < 2; d++ {
		lo := rng.Intn(keySpace)
		hi := lo + rng.Intn(keySpace-lo)
		binary.BigEndian.PutUint32(minPacked[d*4:], uint32(lo))
		binary.BigEndian.PutUint32(maxPacked[d*4:], uint32(hi))
	}
	return minPacked, maxPacked
}
