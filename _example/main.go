package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/hupe1980/bkd"
	"github.com/hupe1980/bkd/resource"
	"github.com/hupe1980/bkd/store"
)

func main() {
	seed := int64(4711)
	size := 200000
	leafSize := 512

	tmp, err := os.MkdirTemp("", "bkd_example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmp)

	dir, err := store.NewLocalDirectory(tmp)
	if err != nil {
		log.Fatal(err)
	}

	// 2-D points, 4 bytes per dimension.
	cfg, err := bkd.NewConfig(2, 2, 4, leafSize)
	if err != nil {
		log.Fatal(err)
	}

	// Configure resource limits shared by concurrent builds.
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes: 8 << 20,
	})

	// A tight budget forces the writer to spill to compressed temp files.
	w, err := bkd.NewWriter(dir, cfg, int64(size),
		bkd.WithMemoryBudget(1<<20),
		bkd.WithSpillCompression(bkd.CompressionLZ4),
		bkd.WithResourceController(rc),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer w.Close()

	fmt.Println("--- Build ---")
	fmt.Println("Points:", size)
	fmt.Println("Leaf size:", leafSize)
	fmt.Println("Buffer reserved:", rc.MemoryUsage())

	rng := rand.New(rand.NewSource(seed))
	point := make([]byte, cfg.PackedBytesLength())

	start := time.Now()

	for i := 0; i < size; i++ {
		binary.BigEndian.PutUint32(point[0:], uint32(rng.Intn(1_000_000)))
		binary.BigEndian.PutUint32(point[4:], uint32(rng.Intn(1_000_000)))
		if err := w.Add(point, int32(i)); err != nil {
			log.Fatal(err)
		}
	}

	out, err := dir.CreateOutput("tree.bkd")
	if err != nil {
		log.Fatal(err)
	}

	finalize, err := w.Finish(context.Background(), out, out, out)
	if err != nil {
		log.Fatal(err)
	}
	metaFP := out.FilePointer()
	if err := finalize(); err != nil {
		log.Fatal(err)
	}
	if err := out.Close(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Seconds: %.2f\n\n", time.Since(start).Seconds())

	in, err := dir.OpenInput("tree.bkd")
	if err != nil {
		log.Fatal(err)
	}
	defer in.Close()

	r, err := bkd.NewReader(in, metaFP, in, in)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("--- Tree ---")
	fmt.Println("Point count:", r.PointCount())
	fmt.Println("Doc count:", r.DocCount())
	fmt.Println("Leaves:", r.NumLeaves())
	fmt.Println()

	// Query a box covering roughly 1% of the key space.
	minPacked := make([]byte, cfg.PackedIndexBytesLength())
	maxPacked := make([]byte, cfg.PackedIndexBytesLength())
	binary.BigEndian.PutUint32(minPacked[0:], 400_000)
	binary.BigEndian.PutUint32(minPacked[4:], 400_000)
	binary.BigEndian.PutUint32(maxPacked[0:], 500_000)
	binary.BigEndian.PutUint32(maxPacked[4:], 500_000)

	visitor, err := bkd.NewBoxVisitor(cfg, minPacked, maxPacked)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("--- Box query ---")

	start = time.Now()

	estimate := r.EstimatePointCount(visitor)
	if err := r.Intersect(context.Background(), visitor); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Estimated:", estimate)
	fmt.Println("Matched:", visitor.Bitmap().GetCardinality())
	fmt.Printf("Seconds: %.8f\n", time.Since(start).Seconds())
}
