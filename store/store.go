package store

import (
	"io"
	"os"
)

// ErrNotFound is returned when a file does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Directory is an abstraction over the files of one index. All files are
// write-once: an Output is written sequentially, closed, and never modified
// again. Implementations must be safe for concurrent use.
type Directory interface {
	// CreateOutput creates a new file with the given name.
	// Fails if the file already exists.
	CreateOutput(name string) (Output, error)

	// CreateTempOutput creates a new uniquely-named temporary file.
	// The chosen name contains both prefix and suffix and is reported by
	// Output.Name. Temporary files are regular files: they live until
	// DeleteFile is called.
	CreateTempOutput(prefix, suffix string) (Output, error)

	// OpenInput opens an existing file for reading.
	OpenInput(name string) (Input, error)

	// DeleteFile removes a file.
	DeleteFile(name string) error

	// ListAll returns the names of all files in the directory, sorted.
	ListAll() ([]string, error)
}

// Output is a sequential, write-once file handle.
type Output interface {
	io.Writer

	// Name returns the file name within the directory.
	Name() string

	// FilePointer returns the current write position, i.e. the number of
	// bytes written so far.
	FilePointer() int64

	// Sync flushes buffered bytes to stable storage.
	Sync() error

	io.Closer
}

// Input is a random-access, read-only file handle.
type Input interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the file in bytes.
	Size() int64
}

// Mappable is an optional interface for Inputs that support zero-copy access.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Input is closed.
	Bytes() ([]byte, error)
}
