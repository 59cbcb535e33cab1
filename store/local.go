package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/bkd/internal/mmap"
)

// LocalDirectory implements Directory on the local file system.
// Reads are memory-mapped, writes go through buffered os files.
type LocalDirectory struct {
	root        string
	tempCounter atomic.Uint64

	mu      sync.Mutex
	pending map[string]struct{} // files created but not yet closed
}

// NewLocalDirectory creates a LocalDirectory rooted at the given directory,
// creating it if necessary.
func NewLocalDirectory(root string) (*LocalDirectory, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalDirectory{
		root:    root,
		pending: make(map[string]struct{}),
	}, nil
}

// CreateOutput creates a new file with the given name.
func (d *LocalDirectory) CreateOutput(name string) (Output, error) {
	f, err := os.OpenFile(filepath.Join(d.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	d.track(name)
	return newLocalOutput(name, f, d), nil
}

// CreateTempOutput creates a uniquely-named temporary file.
func (d *LocalDirectory) CreateTempOutput(prefix, suffix string) (Output, error) {
	for {
		name := fmt.Sprintf("%s_%s_%d.tmp", prefix, suffix, d.tempCounter.Add(1))
		f, err := os.OpenFile(filepath.Join(d.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		d.track(name)
		return newLocalOutput(name, f, d), nil
	}
}

// OpenInput opens a file for reading. The file is memory-mapped; random
// access does not copy through kernel buffers.
func (d *LocalDirectory) OpenInput(name string) (Input, error) {
	m, err := mmap.Open(filepath.Join(d.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	// Queries hop between leaf blocks, so readahead rarely helps.
	_ = m.Advise(mmap.AccessRandom)
	return &localInput{m: m}, nil
}

// DeleteFile removes a file.
func (d *LocalDirectory) DeleteFile(name string) error {
	d.untrack(name)
	return os.Remove(filepath.Join(d.root, name))
}

// ListAll returns the names of all files in the directory, sorted.
func (d *LocalDirectory) ListAll() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PendingOutputs returns the names of outputs that were created but not yet
// closed. Useful in tests that assert cleanup behavior.
func (d *LocalDirectory) PendingOutputs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.pending))
	for name := range d.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TempFiles returns the names of all temporary files currently present.
func (d *LocalDirectory) TempFiles() ([]string, error) {
	all, err := d.ListAll()
	if err != nil {
		return nil, err
	}
	var temps []string
	for _, name := range all {
		if strings.HasSuffix(name, ".tmp") {
			temps = append(temps, name)
		}
	}
	return temps, nil
}

func (d *LocalDirectory) track(name string) {
	d.mu.Lock()
	d.pending[name] = struct{}{}
	d.mu.Unlock()
}

func (d *LocalDirectory) untrack(name string) {
	d.mu.Lock()
	delete(d.pending, name)
	d.mu.Unlock()
}

type localOutput struct {
	name   string
	f      *os.File
	bw     *bufio.Writer
	dir    *LocalDirectory
	fp     int64
	closed bool
}

func newLocalOutput(name string, f *os.File, dir *LocalDirectory) *localOutput {
	return &localOutput{
		name: name,
		f:    f,
		bw:   bufio.NewWriterSize(f, 64<<10),
		dir:  dir,
	}
}

func (o *localOutput) Write(p []byte) (int, error) {
	n, err := o.bw.Write(p)
	o.fp += int64(n)
	return n, err
}

func (o *localOutput) Name() string { return o.name }

func (o *localOutput) FilePointer() int64 { return o.fp }

func (o *localOutput) Sync() error {
	if err := o.bw.Flush(); err != nil {
		return err
	}
	return o.f.Sync()
}

func (o *localOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.dir.untrack(o.name)
	flushErr := o.bw.Flush()
	closeErr := o.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type localInput struct {
	m *mmap.Mapping
}

func (in *localInput) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := in.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return 0, io.EOF
	}
	n = copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (in *localInput) Close() error {
	return in.m.Close()
}

func (in *localInput) Size() int64 {
	return int64(in.m.Size())
}

func (in *localInput) Bytes() ([]byte, error) {
	return in.m.Bytes(), nil
}
