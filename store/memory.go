package store

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// MemDirectory is an in-memory Directory implementation for testing and for
// small, short-lived indexes. Thread-safe for concurrent use.
type MemDirectory struct {
	mu          sync.RWMutex
	files       map[string][]byte
	tempCounter atomic.Uint64
}

// NewMemDirectory creates a new in-memory directory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		files: make(map[string][]byte),
	}
}

// CreateOutput creates a new file with the given name.
func (d *MemDirectory) CreateOutput(name string) (Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[name]; ok {
		return nil, fmt.Errorf("file already exists: %s", name)
	}
	// Reserve the name so concurrent creators collide here, not at Close.
	d.files[name] = nil
	return &memOutput{dir: d, name: name}, nil
}

// CreateTempOutput creates a uniquely-named temporary file.
func (d *MemDirectory) CreateTempOutput(prefix, suffix string) (Output, error) {
	for {
		name := fmt.Sprintf("%s_%s_%d.tmp", prefix, suffix, d.tempCounter.Add(1))
		out, err := d.CreateOutput(name)
		if err == nil {
			return out, nil
		}
	}
}

// OpenInput opens a file for reading.
func (d *MemDirectory) OpenInput(name string) (Input, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &memInput{data: data}, nil
}

// DeleteFile removes a file.
func (d *MemDirectory) DeleteFile(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(d.files, name)
	return nil
}

// ListAll returns the names of all files, sorted.
func (d *MemDirectory) ListAll() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Corrupt flips one bit of the byte at the given offset. Testing hook for
// integrity checks.
func (d *MemDirectory) Corrupt(name string, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if offset < 0 || offset >= int64(len(data)) {
		return fmt.Errorf("offset %d out of range for %s (%d bytes)", offset, name, len(data))
	}
	data[offset] ^= 0x40
	return nil
}

type memOutput struct {
	dir    *MemDirectory
	name   string
	buf    bytes.Buffer
	closed bool
}

func (o *memOutput) Write(p []byte) (int, error) {
	if o.closed {
		return 0, io.ErrClosedPipe
	}
	return o.buf.Write(p)
}

func (o *memOutput) Name() string { return o.name }

func (o *memOutput) FilePointer() int64 { return int64(o.buf.Len()) }

func (o *memOutput) Sync() error { return nil }

func (o *memOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	data := make([]byte, o.buf.Len())
	copy(data, o.buf.Bytes())
	o.dir.mu.Lock()
	o.dir.files[o.name] = data
	o.dir.mu.Unlock()
	return nil
}

type memInput struct {
	data []byte
}

func (in *memInput) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(in.data)) {
		return 0, io.EOF
	}
	n := copy(p, in.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (in *memInput) Close() error { return nil }

func (in *memInput) Size() int64 { return int64(len(in.data)) }

func (in *memInput) Bytes() ([]byte, error) { return in.data, nil }
