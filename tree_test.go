package bkd

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/bkd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// collectVisitor gathers every visited docID and tracks whether all visited
// values stayed inside [min, max] on the indexed dimensions.
type collectVisitor struct {
	config   Config
	min      []byte
	max      []byte
	seen     *roaring.Bitmap
	inBounds bool
}

func newCollectVisitor(config Config, minPacked, maxPacked []byte) *collectVisitor {
	return &collectVisitor{
		config:   config,
		min:      append([]byte(nil), minPacked...),
		max:      append([]byte(nil), maxPacked...),
		seen:     roaring.New(),
		inBounds: true,
	}
}

func (c *collectVisitor) Visit(docID int32) error {
	c.seen.Add(uint32(docID))
	return nil
}

func (c *collectVisitor) VisitValue(docID int32, packedValue []byte) error {
	c.seen.Add(uint32(docID))
	bpd := c.config.BytesPerDim
	for d := 0; d < c.config.NumIndexDims; d++ {
		off := d * bpd
		v := packedValue[off : off+bpd]
		if bytes.Compare(v, c.min[off:off+bpd]) < 0 || bytes.Compare(v, c.max[off:off+bpd]) > 0 {
			c.inBounds = false
		}
	}
	return nil
}

func (c *collectVisitor) Compare(cellMin, cellMax []byte) Relation {
	return CellCrossesQuery
}

// walkLeaves runs a depth-first traversal and calls onLeaf at every leaf.
func walkLeaves(pt *PointTree, onLeaf func()) {
	for {
		if pt.IsLeaf() {
			onLeaf()
		}
		if pt.MoveToChild() {
			continue
		}
		for !pt.MoveToSibling() {
			if !pt.MoveToParent() {
				return
			}
		}
	}
}

func randomPoints2D(rng *rand.Rand, n int) []testPoint {
	points := make([]testPoint, n)
	for i := range points {
		points[i] = testPoint{
			value: pack2D(uint32(rng.Intn(1<<20)), uint32(rng.Intn(1<<20))),
			docID: int32(i),
		}
	}
	return points
}

func TestPointTreeWalk(t *testing.T) {
	cfg, err := NewConfig(2, 2, 4, 16)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	dir := store.NewMemDirectory()
	r := buildTree(t, dir, cfg, randomPoints2D(rng, 500))

	pt := r.PointTree()
	assert.Equal(t, int64(500), pt.Size())

	rootMin := append([]byte(nil), pt.MinPackedValue()...)
	rootMax := append([]byte(nil), pt.MaxPackedValue()...)

	// 1. Visit every leaf. Leaf sizes must add up to the point count and
	// every leaf cell must sit inside the root cell.
	var leaves int
	var sizeSum int64
	seen := roaring.New()

	walkLeaves(pt, func() {
		leaves++
		sizeSum += pt.Size()

		leafMin := append([]byte(nil), pt.MinPackedValue()...)
		leafMax := append([]byte(nil), pt.MaxPackedValue()...)
		for d := 0; d < cfg.NumIndexDims; d++ {
			off := d * cfg.BytesPerDim
			assert.GreaterOrEqual(t, bytes.Compare(leafMin[off:off+cfg.BytesPerDim], rootMin[off:off+cfg.BytesPerDim]), 0)
			assert.LessOrEqual(t, bytes.Compare(leafMax[off:off+cfg.BytesPerDim], rootMax[off:off+cfg.BytesPerDim]), 0)
		}

		// 2. Values inside the leaf stay within the leaf cell.
		v := newCollectVisitor(cfg, leafMin, leafMax)
		require.NoError(t, pt.VisitDocValues(v))
		assert.True(t, v.inBounds, "leaf %d delivered a value outside its cell", leaves)
		assert.Equal(t, uint64(pt.Size()), v.seen.GetCardinality())
		seen.Or(v.seen)
	})

	assert.Equal(t, r.NumLeaves(), leaves)
	assert.Equal(t, int64(500), sizeSum)
	assert.Equal(t, uint64(500), seen.GetCardinality())

	// 3. The traversal unwound back to the root: bounds and size match the
	// state before the walk bit for bit.
	assert.Equal(t, rootMin, pt.MinPackedValue())
	assert.Equal(t, rootMax, pt.MaxPackedValue())
	assert.Equal(t, int64(500), pt.Size())
}

func TestPointTreeVisitDocIDs(t *testing.T) {
	cfg, err := NewConfig(2, 2, 4, 16)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	dir := store.NewMemDirectory()
	r := buildTree(t, dir, cfg, randomPoints2D(rng, 300))

	pt := r.PointTree()
	v := newCollectVisitor(cfg, pt.MinPackedValue(), pt.MaxPackedValue())
	require.NoError(t, pt.VisitDocIDs(v))

	assert.Equal(t, uint64(300), v.seen.GetCardinality())
	for i := uint32(0); i < 300; i++ {
		assert.True(t, v.seen.Contains(i))
	}
}

// countingVisitor tallies deliveries of both visit forms.
type countingVisitor struct {
	ids    int
	values int
}

func (c *countingVisitor) Visit(docID int32) error { c.ids++; return nil }

func (c *countingVisitor) VisitValue(docID int32, packedValue []byte) error {
	c.values++
	return nil
}

func (c *countingVisitor) Compare(cellMin, cellMax []byte) Relation { return CellCrossesQuery }

func TestPointTreeVisitCounts(t *testing.T) {
	cfg, err := NewConfig(2, 2, 4, 16)
	require.NoError(t, err)

	// Two points per document, so delivery counts differ from distinct docs.
	rng := rand.New(rand.NewSource(17))
	points := randomPoints2D(rng, 500)
	for i := range points {
		points[i].docID = int32(i / 2)
	}

	dir := store.NewMemDirectory()
	r := buildTree(t, dir, cfg, points)
	require.Equal(t, int64(500), r.PointCount())
	require.Equal(t, int64(250), r.DocCount())

	// 1. On every level of the leftmost path, both visit forms deliver
	// exactly Size() points.
	pt := r.PointTree()
	for {
		v := &countingVisitor{}
		require.NoError(t, pt.VisitDocIDs(v))
		require.NoError(t, pt.VisitDocValues(v))
		assert.Equal(t, pt.Size(), int64(v.ids))
		assert.Equal(t, pt.Size(), int64(v.values))
		if !pt.MoveToChild() {
			break
		}
	}

	// 2. Same on a right-hand subtree.
	pt = r.PointTree()
	require.True(t, pt.MoveToChild())
	require.True(t, pt.MoveToSibling())

	v := &countingVisitor{}
	require.NoError(t, pt.VisitDocIDs(v))
	require.NoError(t, pt.VisitDocValues(v))
	assert.Equal(t, pt.Size(), int64(v.ids))
	assert.Equal(t, pt.Size(), int64(v.values))
}

func TestPointTreeClone(t *testing.T) {
	cfg, err := NewConfig(2, 2, 4, 16)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(13))
	dir := store.NewMemDirectory()
	r := buildTree(t, dir, cfg, randomPoints2D(rng, 400))

	// 1. Walk the original down to the leftmost leaf.
	pt := r.PointTree()
	for pt.MoveToChild() {
	}
	require.True(t, pt.IsLeaf())

	wantSize := pt.Size()
	wantMin := append([]byte(nil), pt.MinPackedValue()...)
	wantMax := append([]byte(nil), pt.MaxPackedValue()...)

	// 2. Clone, then move the original back to the root.
	clone := pt.Clone()
	for pt.MoveToParent() {
	}
	assert.Equal(t, int64(400), pt.Size())

	// 3. The clone is unaffected and can continue navigating.
	assert.True(t, clone.IsLeaf())
	assert.Equal(t, wantSize, clone.Size())
	assert.Equal(t, wantMin, clone.MinPackedValue())
	assert.Equal(t, wantMax, clone.MaxPackedValue())

	assert.True(t, clone.MoveToSibling())
}

func TestPointTreeConcurrent(t *testing.T) {
	cfg, err := NewConfig(2, 2, 4, 16)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(17))
	dir := store.NewMemDirectory()
	r := buildTree(t, dir, cfg, randomPoints2D(rng, 1000))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			pt := r.PointTree()
			var sizeSum int64
			walkLeaves(pt, func() {
				sizeSum += pt.Size()
			})
			if sizeSum != 1000 {
				return fmt.Errorf("leaf sizes add up to %d, want 1000", sizeSum)
			}

			v := newCollectVisitor(cfg, r.MinPackedValue(), r.MaxPackedValue())
			if err := r.PointTree().VisitDocValues(v); err != nil {
				return err
			}
			if got := v.seen.GetCardinality(); got != 1000 {
				return fmt.Errorf("visited %d docs, want 1000", got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
