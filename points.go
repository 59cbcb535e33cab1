package bkd

// pointWriter buffers points during tree construction, either on the heap or
// spilled to temporary files. Writers are single-use: once a reader has been
// obtained no further appends are allowed.
type pointWriter interface {
	// Append adds one point. packedValue must be exactly
	// Config.PackedBytesLength() bytes.
	Append(packedValue []byte, docID int32) error

	// GetReader returns a reader over points [start, start+length).
	GetReader(start, length int64) (pointReader, error)

	// Count returns the number of points appended so far.
	Count() int64

	// Close flushes and releases the writer. Appends fail afterwards.
	Close() error

	// Destroy closes the writer and removes any backing file.
	Destroy() error

	// Name identifies the writer for diagnostics.
	Name() string
}

// pointReader iterates points in the order the writer stored them.
type pointReader interface {
	// Next advances to the next point. It returns false when the range is
	// exhausted.
	Next() (bool, error)

	// PackedValue returns the current point's packed value. The slice is
	// only valid until the next call to Next.
	PackedValue() []byte

	// DocID returns the current point's document ID.
	DocID() int32

	Close() error
}
