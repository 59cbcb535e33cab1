package bkd

import "fmt"

const (
	// MaxDims is the maximum number of data dimensions.
	MaxDims = 16

	// MaxIndexDims is the maximum number of indexed dimensions.
	MaxIndexDims = 8

	// MaxBytesPerDim is the maximum width of one dimension in bytes.
	MaxBytesPerDim = 16

	// DefaultMaxPointsInLeafNode is the default leaf size.
	DefaultMaxPointsInLeafNode = 512

	// DefaultMemoryBudget is the default number of bytes a writer may
	// buffer in memory before spilling to temporary files.
	DefaultMemoryBudget = 16 << 20

	docIDBytes = 4
)

// Config fixes the shape of one tree: how many dimensions each point
// carries, how many of them are indexed, the byte width of one dimension and
// the leaf size. Values are packed big-endian-comparable byte strings, so
// all ordering below is unsigned byte order.
//
// Dimensions beyond NumIndexDims are stored with each point and returned to
// visitors but take no part in splitting or cell bounds.
type Config struct {
	NumDims             int
	NumIndexDims        int
	BytesPerDim         int
	MaxPointsInLeafNode int
}

// NewConfig validates and returns a Config.
func NewConfig(numDims, numIndexDims, bytesPerDim, maxPointsInLeafNode int) (Config, error) {
	cfg := Config{
		NumDims:             numDims,
		NumIndexDims:        numIndexDims,
		BytesPerDim:         bytesPerDim,
		MaxPointsInLeafNode: maxPointsInLeafNode,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configured shape.
func (c Config) Validate() error {
	if c.NumDims < 1 || c.NumDims > MaxDims {
		return fmt.Errorf("%w: numDims must be in [1, %d], got %d", ErrInvalidArgument, MaxDims, c.NumDims)
	}
	if c.NumIndexDims < 1 || c.NumIndexDims > MaxIndexDims {
		return fmt.Errorf("%w: numIndexDims must be in [1, %d], got %d", ErrInvalidArgument, MaxIndexDims, c.NumIndexDims)
	}
	if c.NumIndexDims > c.NumDims {
		return fmt.Errorf("%w: numIndexDims=%d exceeds numDims=%d", ErrInvalidArgument, c.NumIndexDims, c.NumDims)
	}
	if c.BytesPerDim < 1 || c.BytesPerDim > MaxBytesPerDim {
		return fmt.Errorf("%w: bytesPerDim must be in [1, %d], got %d", ErrInvalidArgument, MaxBytesPerDim, c.BytesPerDim)
	}
	if c.MaxPointsInLeafNode < 1 {
		return fmt.Errorf("%w: maxPointsInLeafNode must be at least 1, got %d", ErrInvalidArgument, c.MaxPointsInLeafNode)
	}
	return nil
}

// PackedBytesLength is the byte length of one packed point value.
func (c Config) PackedBytesLength() int { return c.NumDims * c.BytesPerDim }

// PackedIndexBytesLength is the byte length of the indexed prefix of one
// packed point value, and of cell bounds.
func (c Config) PackedIndexBytesLength() int { return c.NumIndexDims * c.BytesPerDim }

// BytesPerDoc is the byte length of one point record: packed value plus
// docID.
func (c Config) BytesPerDoc() int { return c.PackedBytesLength() + docIDBytes }

func (c Config) equals(o Config) bool {
	return c.NumDims == o.NumDims &&
		c.NumIndexDims == o.NumIndexDims &&
		c.BytesPerDim == o.BytesPerDim &&
		c.MaxPointsInLeafNode == o.MaxPointsInLeafNode
}

func (c Config) numLeaves(count int64) int {
	return int((count + int64(c.MaxPointsInLeafNode) - 1) / int64(c.MaxPointsInLeafNode))
}
