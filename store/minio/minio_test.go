package minio

import (
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd/store"
)

// TestMinioDirectory_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioDirectory_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucket := "test-bkd"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	// Check if MinIO is reachable
	if _, err = client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	// Ensure bucket exists
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	dir, err := NewDirectory(ctx, client, bucket, "test-prefix/", t.TempDir())
	require.NoError(t, err)

	// Stream a file up and read it back
	data := []byte("hello minio world")
	out, err := dir.CreateOutput("tree.bkd")
	require.NoError(t, err)
	n, err := out.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, out.Close())

	in, err := dir.OpenInput("tree.bkd")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), in.Size())

	buf := make([]byte, len(data))
	n, err = in.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
	require.NoError(t, in.Close())

	// List and delete
	names, err := dir.ListAll()
	require.NoError(t, err)
	assert.Contains(t, names, "tree.bkd")

	require.NoError(t, dir.DeleteFile("tree.bkd"))
	_, err = dir.OpenInput("tree.bkd")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
