// Package s3 backs a store.Directory with an S3 bucket.
//
// Finished index files are streamed to S3; temporary spill files stay on a
// local scratch directory, where the partitioning passes can read them with
// mmap instead of ranged GETs.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/bkd/store"
)

// Directory implements store.Directory on an S3 bucket under a key prefix.
type Directory struct {
	ctx     context.Context
	client  *s3.Client
	bucket  string
	prefix  string
	scratch *store.LocalDirectory
}

// NewDirectory creates a Directory writing to bucket under rootPrefix.
// scratchPath is a local directory for temporary files.
func NewDirectory(ctx context.Context, client *s3.Client, bucket, rootPrefix, scratchPath string) (*Directory, error) {
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

// Temporary files carry the scratch directory's suffix and never touch S3.
func isTemp(name string) bool {
	return strings.HasSuffix(name, ".tmp")
}

func (d *Directory) CreateOutput(name string) (store.Output, error) {
	pr, pw := io.Pipe()
	out := &s3Output{
		name: name,
		pw:   pw,
		done: make(chan error, 1),
	}

	uploader := manager.NewUploader(d.client)
	go func() {
		_, err := uploader.Upload(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(name)),
			Body:   pr,
		})
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

	head, err := d.client.HeadObject(d.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, store.ErrNotFound
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	return &s3Input{
		ctx:    d.ctx,
		client: d.client,
		bucket: d.bucket,
		key:    d.key(name),
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

func (d *Directory) DeleteFile(name string) error {
	if isTemp(name) {
		return d.scratch.DeleteFile(name)
	}
	_, err := d.client.DeleteObject(d.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(name)),
	})
	return err
}

func (d *Directory) ListAll() ([]string, error) {
	var names []string

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(d.ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if len(d.prefix) > 0 && strings.HasPrefix(name, d.prefix) {
				name = strings.TrimPrefix(name[len(d.prefix):], "/")
			}
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// s3Output streams writes into a multipart upload through a pipe. Close
// waits for the upload to finish, so the object is durable once Close
// returns.
type s3Output struct {
	name   string
	pw     *io.PipeWriter
	done   chan error
	fp     int64
	closed atomic.Bool
}

func (o *s3Output) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n, err := o.pw.Write(p)
	o.fp += int64(n)
	return n, err
}

func (o *s3Output) Name() string { return o.name }

func (o *s3Output) FilePointer() int64 { return o.fp }

func (o *s3Output) Sync() error { return nil }

func (o *s3Output) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := o.pw.Close(); err != nil {
		return err
	}
	return <-o.done
}

// s3Input serves ReadAt with ranged GETs.
type s3Input struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64
}

func (in *s3Input) Size() int64 { return in.size }

func (in *s3Input) Close() error { return nil }

func (in *s3Input) ReadAt(p []byte, off int64) (int, error) {
	if off >= in.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= in.size {
		end = in.size - 1
	}

	resp, err := in.client.GetObject(in.ctx, &s3.GetObjectInput{
		Bucket: aws.String(in.bucket),
		Key:    aws.String(in.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

var _ store.Directory = (*Directory)(nil)
