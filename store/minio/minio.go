// Package minio backs a store.Directory with MinIO or any S3 compatible
// object store.
//
// Finished index files are streamed to the bucket; temporary spill files
// stay on a local scratch directory.
package minio

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/bkd/store"
)

// Directory implements store.Directory on a MinIO bucket under a key prefix.
type Directory struct {
	ctx     context.Context
	client  *minio.Client
	bucket  string
	prefix  string
	scratch *store.LocalDirectory
}

// NewDirectory creates a Directory writing to bucket under rootPrefix.
// scratchPath is a local directory for temporary files.
func NewDirectory(ctx context.Context, client *minio.Client, bucket, rootPrefix, scratchPath string) (*Directory, error) {
	scratch, err := store.NewLocalDirectory(scratchPath)
	if err != nil {
		return nil, err
	}
	return &Directory{
		ctx:     ctx,
		client:  client,
		bucket:  bucket,
		prefix:  rootPrefix,
		scratch: scratch,
	}, nil
}

func (d *Directory) key(name string) string {
	return path.Join(d.prefix, name)
}

func isTemp(name string) bool {
	return strings.HasSuffix(name, ".tmp")
}

func (d *Directory) CreateOutput(name string) (store.Output, error) {
	pr, pw := io.Pipe()
	out := &minioOutput{
		name: name,
		pw:   pw,
		done: make(chan error, 1),
	}

	go func() {
		_, err := d.client.PutObject(d.ctx, d.bucket, d.key(name), pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		out.done <- err
	}()

	return out, nil
}

func (d *Directory) CreateTempOutput(prefix, suffix string) (store.Output, error) {
	return d.scratch.CreateTempOutput(prefix, suffix)
}

func (d *Directory) OpenInput(name string) (store.Input, error) {
	if isTemp(name) {
		return d.scratch.OpenInput(name)
	}

	info, err := d.client.StatObject(d.ctx, d.bucket, d.key(name), minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	return &minioInput{
		ctx:    d.ctx,
		client: d.client,
		bucket: d.bucket,
		key:    d.key(name),
		size:   info.Size,
	}, nil
}

func (d *Directory) DeleteFile(name string) error {
	if isTemp(name) {
		return d.scratch.DeleteFile(name)
	}
	err := d.client.RemoveObject(d.ctx, d.bucket, d.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}

func (d *Directory) ListAll() ([]string, error) {
	var names []string
	for obj := range d.client.ListObjects(d.ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    d.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, d.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// minioOutput streams writes into a PutObject through a pipe. Close waits
// for the upload, so the object is durable once Close returns.
type minioOutput struct {
	name   string
	pw     *io.PipeWriter
	done   chan error
	fp     int64
	closed atomic.Bool
}

func (o *minioOutput) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n, err := o.pw.Write(p)
	o.fp += int64(n)
	return n, err
}

func (o *minioOutput) Name() string { return o.name }

func (o *minioOutput) FilePointer() int64 { return o.fp }

func (o *minioOutput) Sync() error { return nil }

func (o *minioOutput) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := o.pw.Close(); err != nil {
		return err
	}
	return <-o.done
}

// minioInput serves ReadAt with ranged GETs.
type minioInput struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (in *minioInput) Size() int64 { return in.size }

func (in *minioInput) Close() error { return nil }

func (in *minioInput) ReadAt(p []byte, off int64) (int, error) {
	if off >= in.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= in.size {
		end = in.size - 1
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}
	obj, err := in.client.GetObject(in.ctx, in.bucket, in.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

var _ store.Directory = (*Directory)(nil)
