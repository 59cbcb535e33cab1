package bkd

import "github.com/hupe1980/bkd/resource"

type writerOptions struct {
	memoryBudget int64
	compression  Compression
	logger       *Logger
	controller   *resource.Controller
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithMemoryBudget bounds the heap memory used for in place sorting before
// the writer spills to temporary files.
func WithMemoryBudget(bytes int64) WriterOption {
	return func(o *writerOptions) {
		o.memoryBudget = bytes
	}
}

// WithSpillCompression selects the block compression for temporary spill
// files.
func WithSpillCompression(c Compression) WriterOption {
	return func(o *writerOptions) {
		o.compression = c
	}
}

// WithLogger sets the logger used for progress and diagnostics.
func WithLogger(logger *Logger) WriterOption {
	return func(o *writerOptions) {
		o.logger = logger
	}
}

// WithResourceController attaches a resource controller. The writer reserves
// its sort buffer against the memory limit (shrinking the buffer when memory
// is tight, which spills earlier), paces spill reads and writes with the IO
// limit, and takes a background worker slot for merges.
func WithResourceController(rc *resource.Controller) WriterOption {
	return func(o *writerOptions) {
		o.controller = rc
	}
}

func defaultWriterOptions() writerOptions {
	return writerOptions{
		memoryBudget: DefaultMemoryBudget,
		compression:  CompressionLZ4,
		logger:       NoopLogger(),
	}
}
