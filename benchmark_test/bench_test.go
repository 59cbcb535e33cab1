package benchmark_test

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/bkd"
	"github.com/hupe1980/bkd/store"
)

const benchKeySpace = 1_000_000

func benchConfig(b *testing.B) bkd.Config {
	b.Helper()
	cfg, err := bkd.NewConfig(2, 2, 4, 512)
	if err != nil {
		b.Fatal(err)
	}
	return cfg
}

func BenchmarkWriterAdd(b *testing.B) {
	b.ReportAllocs()

	cfg := benchConfig(b)
	dir := store.NewMemDirectory()

	w, err := bkd.NewWriter(dir, cfg, int64(b.N), bkd.WithMemoryBudget(1<<30))
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	rng := rand.New(rand.NewSource(1))
	point := make([]byte, cfg.PackedBytesLength())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint32(point[0:], uint32(rng.Intn(benchKeySpace)))
		binary.BigEndian.PutUint32(point[4:], uint32(rng.Intn(benchKeySpace)))
		if err := w.Add(point, int32(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBuild_Heap(b *testing.B) {
	benchmarkBuild(b, bkd.WithMemoryBudget(1<<30))
}

func BenchmarkBuild_Spill_LZ4(b *testing.B) {
	benchmarkBuild(b,
		bkd.WithMemoryBudget(1<<20),
		bkd.WithSpillCompression(bkd.CompressionLZ4),
	)
}

func BenchmarkBuild_Spill_ZSTD(b *testing.B) {
	benchmarkBuild(b,
		bkd.WithMemoryBudget(1<<20),
		bkd.WithSpillCompression(bkd.CompressionZSTD),
	)
}

// benchmarkBuild times a full 50k point build: Add loop, partitioning,
// leaf and index encoding.
func benchmarkBuild(b *testing.B, opts ...bkd.WriterOption) {
	b.ReportAllocs()

	cfg := benchConfig(b)
	rng := rand.New(rand.NewSource(1))
	ps := randomPoints2D(rng, 50_000, benchKeySpace)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dir := store.NewMemDirectory()
		buildTree(b, dir, cfg, "tree.bkd", ps, opts...)
	}
}

func BenchmarkBuildFrom(b *testing.B) {
	b.ReportAllocs()

	cfg := benchConfig(b)
	rng := rand.New(rand.NewSource(1))
	ps := randomPoints2D(rng, 50_000, benchKeySpace)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		points := bkd.NewHeapMutablePoints(cfg, len(ps.values))
		for j, v := range ps.values {
			if err := points.Add(v, ps.docIDs[j]); err != nil {
				b.Fatal(err)
			}
		}
		dir := store.NewMemDirectory()
		w, err := bkd.NewWriter(dir, cfg, int64(len(ps.values)))
		if err != nil {
			b.Fatal(err)
		}
		out, err := dir.CreateOutput("tree.bkd")
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		finalize, err := w.BuildFrom(context.Background(), points, out, out, out)
		if err != nil {
			b.Fatal(err)
		}
		if err := finalize(); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		if err := out.Close(); err != nil {
			b.Fatal(err)
		}
		if err := w.Close(); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
	}
}

func BenchmarkIntersect(b *testing.B) {
	b.ReportAllocs()

	cfg := benchConfig(b)
	dir, err := store.NewLocalDirectory(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}

	rng := rand.New(rand.NewSource(1))
	ps := randomPoints2D(rng, 200_000, benchKeySpace)
	metaFP := buildTree(b, dir, cfg, "tree.bkd", ps)
	r := openTree(b, dir, "tree.bkd", metaFP)

	// Pre-generate boxes outside the timed region.
	type box struct{ min, max []byte }
	boxes := make([]box, 256)
	for i := range boxes {
		boxes[i].min, boxes[i].max = randomBox(rng, benchKeySpace)
	}

	ctx := context.Background()
	var qIdx atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q := boxes[qIdx.Add(1)%uint64(len(boxes))]
			visitor, err := bkd.NewBoxVisitor(cfg, q.min, q.max)
			if err != nil {
				b.Fatal(err)
			}
			if err := r.Intersect(ctx, visitor); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkEstimatePointCount(b *testing.B) {
	b.ReportAllocs()

	cfg := benchConfig(b)
	dir := store.NewMemDirectory()

	rng := rand.New(rand.NewSource(1))
	ps := randomPoints2D(rng, 200_000, benchKeySpace)
	metaFP := buildTree(b, dir, cfg, "tree.bkd", ps)
	r := openTree(b, dir, "tree.bkd", metaFP)

	visitors := make([]*bkd.BoxVisitor, 256)
	for i := range visitors {
		minPacked, maxPacked := randomBox(rng, benchKeySpace)
		v, err := bkd.NewBoxVisitor(cfg, minPacked, maxPacked)
		if err != nil {
			b.Fatal(err)
		}
		visitors[i] = v
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.EstimatePointCount(visitors[i%len(visitors)])
	}
}

func BenchmarkMergeOneDim(b *testing.B) {
	b.ReportAllocs()

	cfg, err := bkd.NewConfig(1, 1, 4, 512)
	if err != nil {
		b.Fatal(err)
	}

	// Three interleaved 1-D sources, merged each iteration.
	srcDir := store.NewMemDirectory()
	rng := rand.New(rand.NewSource(1))
	readers := make([]*bkd.Reader, 3)
	var total int64
	for s := 0; s < 3; s++ {
		n := 30_000
		ps := pointSet{
			values: make([][]byte, n),
			docIDs: make([]int32, n),
		}
		for i := 0; i < n; i++ {
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, uint32(rng.Intn(benchKeySpace)))
			ps.values[i] = v
			ps.docIDs[i] = int32(s*n + i)
		}
		name := string(rune('a'+s)) + ".bkd"
		metaFP := buildTree(b, srcDir, cfg, name, ps)
		readers[s] = openTree(b, srcDir, name, metaFP)
		total += int64(n)
	}

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dir := store.NewMemDirectory()
		w, err := bkd.NewWriter(dir, cfg, total)
		if err != nil {
			b.Fatal(err)
		}
		out, err := dir.CreateOutput("merged.bkd")
		if err != nil {
			b.Fatal(err)
		}
		finalize, err := w.Merge(ctx, readers, nil, out, out, out)
		if err != nil {
			b.Fatal(err)
		}
		if err := finalize(); err != nil {
			b.Fatal(err)
		}
		if err := out.Close(); err != nil {
			b.Fatal(err)
		}
		if err := w.Close(); err != nil {
			b.Fatal(err)
		}
	}
}
