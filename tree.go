package bkd

// PointTree is a cursor over the tree hierarchy. It starts at the root and
// navigates with MoveToChild, MoveToSibling and MoveToParent; at any node it
// can report the cell bounds, the subtree size, and visit the subtree's
// points. Navigation reuses internal buffers, so bound slices returned by
// MinPackedValue and MaxPackedValue are only valid until the next move.
type PointTree struct {
	r         *Reader
	node      int32
	minPacked []byte
	maxPacked []byte
	stack     []treeFrame

	lb         leafBlock
	docScratch []int32
}

type treeFrame struct {
	node int32
	min  []byte
	max  []byte
}

// PointTree returns a cursor positioned at the root.
func (r *Reader) PointTree() *PointTree {
	return &PointTree{
		r:         r,
		node:      0,
		minPacked: append([]byte(nil), r.minPacked...),
		maxPacked: append([]byte(nil), r.maxPacked...),
	}
}

// MoveToChild descends to the left child. It returns false at a leaf.
func (pt *PointTree) MoveToChild() bool {
	t := pt.r.tree
	if t.isLeaf(pt.node) {
		return false
	}
	pt.stack = append(pt.stack, treeFrame{
		node: pt.node,
		min:  append([]byte(nil), pt.minPacked...),
		max:  append([]byte(nil), pt.maxPacked...),
	})
	n := t.nodes[pt.node]
	off := int(n.splitDim) * pt.r.config.BytesPerDim
	copy(pt.maxPacked[off:off+pt.r.config.BytesPerDim], t.splitValue(pt.node))
	pt.node = n.left
	return true
}

// MoveToSibling moves from a left child to its right sibling. It returns
// false on a right child or at the root.
func (pt *PointTree) MoveToSibling() bool {
	if len(pt.stack) == 0 {
		return false
	}
	t := pt.r.tree
	parent := pt.stack[len(pt.stack)-1]
	pn := t.nodes[parent.node]
	if pt.node != pn.left {
		return false
	}
	copy(pt.minPacked, parent.min)
	copy(pt.maxPacked, parent.max)
	off := int(pn.splitDim) * pt.r.config.BytesPerDim
	copy(pt.minPacked[off:off+pt.r.config.BytesPerDim], t.splitValue(parent.node))
	pt.node = pn.right
	return true
}

// MoveToParent pops back up one level. It returns false at the root.
func (pt *PointTree) MoveToParent() bool {
	if len(pt.stack) == 0 {
		return false
	}
	parent := pt.stack[len(pt.stack)-1]
	pt.stack = pt.stack[:len(pt.stack)-1]
	pt.node = parent.node
	copy(pt.minPacked, parent.min)
	copy(pt.maxPacked, parent.max)
	return true
}

// Size returns the number of points under the current node.
func (pt *PointTree) Size() int64 {
	return pt.r.tree.nodes[pt.node].count
}

// MinPackedValue returns the current cell's lower bound. Valid until the
// next move.
func (pt *PointTree) MinPackedValue() []byte {
	return pt.minPacked
}

// MaxPackedValue returns the current cell's upper bound. Valid until the
// next move.
func (pt *PointTree) MaxPackedValue() []byte {
	return pt.maxPacked
}

// IsLeaf reports whether the cursor is on a leaf node.
func (pt *PointTree) IsLeaf() bool {
	return pt.r.tree.isLeaf(pt.node)
}

// VisitDocIDs delivers the docIDs of every point under the current node
// without decoding values.
func (pt *PointTree) VisitDocIDs(v IntersectVisitor) error {
	n := pt.r.tree.nodes[pt.node]
	for ord := n.minLeaf; ord <= n.maxLeaf; ord++ {
		block, err := pt.r.readLeafBlock(int(ord))
		if err != nil {
			return err
		}
		docIDs, err := decodeLeafDocIDs(block, pt.docScratch)
		if err != nil {
			return newCorruptionError("data", err)
		}
		pt.docScratch = docIDs
		if g, ok := v.(Grower); ok {
			g.Grow(len(docIDs))
		}
		for _, id := range docIDs {
			if err := v.Visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// VisitDocValues delivers docID and packed value of every point under the
// current node.
func (pt *PointTree) VisitDocValues(v IntersectVisitor) error {
	n := pt.r.tree.nodes[pt.node]
	for ord := n.minLeaf; ord <= n.maxLeaf; ord++ {
		block, err := pt.r.readLeafBlock(int(ord))
		if err != nil {
			return err
		}
		if err := pt.lb.decode(pt.r.config, block); err != nil {
			return newCorruptionError("data", err)
		}
		for i := 0; i < pt.lb.count; i++ {
			if err := v.VisitValue(pt.lb.docIDs[i], pt.lb.value(pt.r.config, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone returns an independent cursor at the same position.
func (pt *PointTree) Clone() *PointTree {
	c := &PointTree{
		r:         pt.r,
		node:      pt.node,
		minPacked: append([]byte(nil), pt.minPacked...),
		maxPacked: append([]byte(nil), pt.maxPacked...),
	}
	c.stack = make([]treeFrame, len(pt.stack))
	for i, f := range pt.stack {
		c.stack[i] = treeFrame{
			node: f.node,
			min:  append([]byte(nil), f.min...),
			max:  append([]byte(nil), f.max...),
		}
	}
	return c
}
