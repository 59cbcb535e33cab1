package store

import (
	"fmt"
	"strings"
	"sync"
)

// Fault defines a failure behavior for outputs whose name matches a rule.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes were written to the
	// file. -1 disables the limit.
	FailAfterBytes int64

	// FlipBitAt corrupts the byte at this file offset as it is written,
	// without reporting an error. -1 disables corruption.
	FlipBitAt int64

	FailOnSync  bool
	FailOnClose bool

	// Err is the error to return for injected failures.
	Err error
}

// FaultyDirectory wraps a Directory and injects write failures or silent
// corruption into matching outputs. Test utility for error and integrity
// paths.
type FaultyDirectory struct {
	Dir Directory

	mu      sync.Mutex
	rules   map[string]Fault
	written int64
}

// NewFaultyDirectory creates a FaultyDirectory wrapping dir.
func NewFaultyDirectory(dir Directory) *FaultyDirectory {
	return &FaultyDirectory{
		Dir:   dir,
		rules: make(map[string]Fault),
	}
}

// AddRule registers a fault for outputs whose name contains pattern.
func (d *FaultyDirectory) AddRule(pattern string, fault Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fault.Err == nil {
		fault.Err = fmt.Errorf("injected fault error")
	}
	d.rules[pattern] = fault
}

// BytesWritten returns the total bytes written through this directory.
func (d *FaultyDirectory) BytesWritten() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

func (d *FaultyDirectory) CreateOutput(name string) (Output, error) {
	out, err := d.Dir.CreateOutput(name)
	if err != nil {
		return nil, err
	}
	return d.wrap(out), nil
}

func (d *FaultyDirectory) CreateTempOutput(prefix, suffix string) (Output, error) {
	out, err := d.Dir.CreateTempOutput(prefix, suffix)
	if err != nil {
		return nil, err
	}
	return d.wrap(out), nil
}

func (d *FaultyDirectory) OpenInput(name string) (Input, error) {
	return d.Dir.OpenInput(name)
}

func (d *FaultyDirectory) DeleteFile(name string) error {
	return d.Dir.DeleteFile(name)
}

func (d *FaultyDirectory) ListAll() ([]string, error) {
	return d.Dir.ListAll()
}

func (d *FaultyDirectory) wrap(out Output) Output {
	fault := Fault{FailAfterBytes: -1, FlipBitAt: -1}
	d.mu.Lock()
	for pattern, rule := range d.rules {
		if strings.Contains(out.Name(), pattern) {
			fault = rule
		}
	}
	d.mu.Unlock()
	return &faultyOutput{Output: out, dir: d, fault: fault}
}

type faultyOutput struct {
	Output
	dir   *FaultyDirectory
	fault Fault
}

func (o *faultyOutput) Write(p []byte) (int, error) {
	fp := o.FilePointer()
	if o.fault.FailAfterBytes >= 0 && fp+int64(len(p)) > o.fault.FailAfterBytes {
		return 0, o.fault.Err
	}
	if off := o.fault.FlipBitAt; off >= 0 && off >= fp && off < fp+int64(len(p)) {
		corrupted := make([]byte, len(p))
		copy(corrupted, p)
		corrupted[off-fp] ^= 0x40
		p = corrupted
	}
	n, err := o.Output.Write(p)
	if n > 0 {
		o.dir.mu.Lock()
		o.dir.written += int64(n)
		o.dir.mu.Unlock()
	}
	return n, err
}

func (o *faultyOutput) Sync() error {
	if o.fault.FailOnSync {
		return o.fault.Err
	}
	return o.Output.Sync()
}

func (o *faultyOutput) Close() error {
	if o.fault.FailOnClose {
		o.Output.Close()
		return o.fault.Err
	}
	return o.Output.Close()
}
