package s3

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd/store"
)

func TestIntegration_S3Directory(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg)

	// Unique prefix per test run
	prefix := fmt.Sprintf("test-bkd-%d/", time.Now().UnixNano())
	dir, err := NewDirectory(ctx, client, bucket, prefix, t.TempDir())
	require.NoError(t, err)

	t.Run("Create and Read", func(t *testing.T) {
		name := "tree.bkd"
		data := make([]byte, 1<<20)
		rand.Read(data)

		// 1. Stream the file up
		out, err := dir.CreateOutput(name)
		require.NoError(t, err)
		n, err := out.Write(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)
		assert.Equal(t, int64(len(data)), out.FilePointer())
		require.NoError(t, out.Close())

		// 2. List
		names, err := dir.ListAll()
		require.NoError(t, err)
		assert.Contains(t, names, name)

		// 3. Ranged reads
		in, err := dir.OpenInput(name)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), in.Size())

		buf := make([]byte, 100)
		n2, err := in.ReadAt(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, 100, n2)
		assert.Equal(t, data[:100], buf)

		n3, err := in.ReadAt(buf, 1024)
		require.NoError(t, err)
		assert.Equal(t, 100, n3)
		assert.Equal(t, data[1024:1124], buf)

		require.NoError(t, in.Close())
		require.NoError(t, dir.DeleteFile(name))
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := dir.OpenInput("nonexistent")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Temp files stay local", func(t *testing.T) {
		out, err := dir.CreateTempOutput("bkd", "spill")
		require.NoError(t, err)
		_, err = out.Write([]byte("spill data"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		in, err := dir.OpenInput(out.Name())
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, dir.DeleteFile(out.Name()))

		names, err := dir.ListAll()
		require.NoError(t, err)
		assert.NotContains(t, names, out.Name())
	})
}
