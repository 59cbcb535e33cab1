package bkd

import (
	"encoding/binary"
	"fmt"
)

// Index region layout:
//
//	numLeaves                  uvarint
//	leaf file pointers         first absolute, then gaps, uvarint each
//	leaf point counts          uvarint each
//	tree                       preorder, see below
//
// Tree nodes are tagged: 0x00 is a leaf (its ordinal is implied by preorder
// position), 0x01 is an inner node followed by the split dimension, the raw
// split value and the byte length of the left subtree so that a reader could
// skip straight to the right child.
const (
	nodeTagLeaf  byte = 0x00
	nodeTagInner byte = 0x01
)

// buildNode is the writer side tree produced during construction.
type buildNode struct {
	leafOrd    int32 // -1 for inner nodes
	splitDim   int
	splitValue []byte
	left       *buildNode
	right      *buildNode
}

func newLeafNode(ord int32) *buildNode {
	return &buildNode{leafOrd: ord}
}

func newInnerNode(splitDim int, splitValue []byte, left, right *buildNode) *buildNode {
	return &buildNode{leafOrd: -1, splitDim: splitDim, splitValue: splitValue, left: left, right: right}
}

func appendIndexRegion(dst []byte, leafFPs []int64, leafCounts []int64, root *buildNode) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(leafFPs)))
	prev := int64(0)
	for i, fp := range leafFPs {
		if i == 0 {
			dst = binary.AppendUvarint(dst, uint64(fp))
		} else {
			dst = binary.AppendUvarint(dst, uint64(fp-prev))
		}
		prev = fp
	}
	for _, c := range leafCounts {
		dst = binary.AppendUvarint(dst, uint64(c))
	}
	return appendTreeNode(dst, root)
}

func appendTreeNode(dst []byte, n *buildNode) []byte {
	if n.leafOrd >= 0 {
		return append(dst, nodeTagLeaf)
	}
	dst = append(dst, nodeTagInner)
	dst = binary.AppendUvarint(dst, uint64(n.splitDim))
	dst = append(dst, n.splitValue...)
	left := appendTreeNode(nil, n.left)
	dst = binary.AppendUvarint(dst, uint64(len(left)))
	dst = append(dst, left...)
	return appendTreeNode(dst, n.right)
}

// indexNode is one decoded tree node. Nodes live in a flat arena; children
// are arena indices and split values live in a shared byte arena.
type indexNode struct {
	splitDim      int32 // -1 for leaves
	splitValueOff int32
	left, right   int32 // -1 for leaves
	leafOrd       int32 // -1 for inner nodes
	count         int64
	minLeaf       int32
	maxLeaf       int32
}

// indexTree is the decoded index region.
type indexTree struct {
	config      Config
	nodes       []indexNode
	splitValues []byte
	leafFPs     []int64
	leafCounts  []int64
}

func parseIndexRegion(config Config, data []byte) (*indexTree, error) {
	r := newByteReader(data)

	numLeaves, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if numLeaves == 0 {
		return nil, fmt.Errorf("index region with zero leaves")
	}

	t := &indexTree{
		config:     config,
		nodes:      make([]indexNode, 0, 2*numLeaves-1),
		leafFPs:    make([]int64, numLeaves),
		leafCounts: make([]int64, numLeaves),
	}

	prev := int64(0)
	for i := range t.leafFPs {
		gap, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if i == 0 {
			prev = int64(gap)
		} else {
			prev += int64(gap)
		}
		t.leafFPs[i] = prev
	}
	for i := range t.leafCounts {
		c, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		t.leafCounts[i] = int64(c)
	}

	nextLeaf := int32(0)
	root, err := t.parseNode(r, &nextLeaf)
	if err != nil {
		return nil, err
	}
	if root != 0 {
		return nil, fmt.Errorf("index tree root at node %d, want 0", root)
	}
	if int(nextLeaf) != len(t.leafFPs) {
		return nil, fmt.Errorf("index tree has %d leaves, leaf table has %d", nextLeaf, len(t.leafFPs))
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after index tree", len(data)-r.off)
	}
	return t, nil
}

func (t *indexTree) parseNode(r *byteReader, nextLeaf *int32) (int32, error) {
	tag, err := r.readByte()
	if err != nil {
		return -1, err
	}

	id := int32(len(t.nodes))
	t.nodes = append(t.nodes, indexNode{})

	switch tag {
	case nodeTagLeaf:
		ord := *nextLeaf
		if int(ord) >= len(t.leafCounts) {
			return -1, fmt.Errorf("index tree has more leaves than leaf table entries (%d)", len(t.leafCounts))
		}
		*nextLeaf = ord + 1
		t.nodes[id] = indexNode{
			splitDim: -1, splitValueOff: -1, left: -1, right: -1,
			leafOrd: ord, count: t.leafCounts[ord], minLeaf: ord, maxLeaf: ord,
		}
		return id, nil

	case nodeTagInner:
		splitDim, err := r.uvarint()
		if err != nil {
			return -1, err
		}
		if int(splitDim) >= t.config.NumIndexDims {
			return -1, fmt.Errorf("split dimension %d out of range (%d index dimensions)", splitDim, t.config.NumIndexDims)
		}
		splitValue, err := r.read(t.config.BytesPerDim)
		if err != nil {
			return -1, err
		}
		svOff := int32(len(t.splitValues))
		t.splitValues = append(t.splitValues, splitValue...)

		leftLen, err := r.uvarint()
		if err != nil {
			return -1, err
		}
		leftStart := r.off
		left, err := t.parseNode(r, nextLeaf)
		if err != nil {
			return -1, err
		}
		if r.off-leftStart != int(leftLen) {
			return -1, fmt.Errorf("left subtree length %d, header says %d", r.off-leftStart, leftLen)
		}
		right, err := t.parseNode(r, nextLeaf)
		if err != nil {
			return -1, err
		}

		t.nodes[id] = indexNode{
			splitDim:      int32(splitDim),
			splitValueOff: svOff,
			left:          left,
			right:         right,
			leafOrd:       -1,
			count:         t.nodes[left].count + t.nodes[right].count,
			minLeaf:       t.nodes[left].minLeaf,
			maxLeaf:       t.nodes[right].maxLeaf,
		}
		return id, nil

	default:
		return -1, fmt.Errorf("unknown index tree node tag 0x%02x", tag)
	}
}

// splitValue returns a view of an inner node's split value.
func (t *indexTree) splitValue(id int32) []byte {
	off := t.nodes[id].splitValueOff
	return t.splitValues[off : off+int32(t.config.BytesPerDim)]
}

func (t *indexTree) isLeaf(id int32) bool {
	return t.nodes[id].leafOrd >= 0
}

func (t *indexTree) numLeaves() int {
	return len(t.leafFPs)
}
