package store

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDirectoryWriteRead(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	// 1. Write
	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	assert.Equal(t, "seg.data", out.Name())
	assert.Equal(t, int64(0), out.FilePointer())

	n, err := out.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, int64(6), out.FilePointer())

	_, err = out.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.FilePointer())

	require.NoError(t, out.Sync())
	require.NoError(t, out.Close())

	// 2. Read
	in, err := dir.OpenInput("seg.data")
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, int64(11), in.Size())

	buf := make([]byte, 5)
	_, err = in.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	// Reads past the end return what remains plus io.EOF.
	n, err = in.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	assert.Equal(t, "rld", string(buf[:n]))

	_, err = in.ReadAt(buf, 11)
	assert.ErrorIs(t, err, io.EOF)

	// 3. Memory-mapped access
	mappable, ok := in.(Mappable)
	require.True(t, ok)
	data, err := mappable.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLocalDirectoryExclusiveCreate(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	require.NoError(t, out.Close())

	_, err = dir.CreateOutput("seg.data")
	require.Error(t, err)
}

func TestLocalDirectoryNotFound(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	_, err = dir.OpenInput("absent.data")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDirectoryTempFiles(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	// 1. Temp names are unique and carry the .tmp suffix.
	t1, err := dir.CreateTempOutput("bkd", "spill")
	require.NoError(t, err)
	t2, err := dir.CreateTempOutput("bkd", "spill")
	require.NoError(t, err)
	assert.NotEqual(t, t1.Name(), t2.Name())
	assert.Contains(t, t1.Name(), "bkd_spill_")
	assert.Contains(t, t1.Name(), ".tmp")

	require.NoError(t, t1.Close())
	require.NoError(t, t2.Close())

	temps, err := dir.TempFiles()
	require.NoError(t, err)
	assert.Len(t, temps, 2)

	// 2. Regular outputs do not show up as temp files.
	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	require.NoError(t, out.Close())

	temps, err = dir.TempFiles()
	require.NoError(t, err)
	assert.Len(t, temps, 2)

	// 3. Deleting removes them.
	require.NoError(t, dir.DeleteFile(t1.Name()))
	require.NoError(t, dir.DeleteFile(t2.Name()))

	temps, err = dir.TempFiles()
	require.NoError(t, err)
	assert.Empty(t, temps)
}

func TestLocalDirectoryPendingOutputs(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg.data"}, dir.PendingOutputs())

	require.NoError(t, out.Close())
	assert.Empty(t, dir.PendingOutputs())

	// Deleting an open output also untracks it.
	tmp, err := dir.CreateTempOutput("bkd", "spill")
	require.NoError(t, err)
	assert.Len(t, dir.PendingOutputs(), 1)

	require.NoError(t, tmp.Close())
	require.NoError(t, dir.DeleteFile(tmp.Name()))
	assert.Empty(t, dir.PendingOutputs())
}

func TestLocalDirectoryListAll(t *testing.T) {
	root := t.TempDir()
	dir, err := NewLocalDirectory(root)
	require.NoError(t, err)

	for _, name := range []string{"b.data", "a.data", "c.data"} {
		out, err := dir.CreateOutput(name)
		require.NoError(t, err)
		require.NoError(t, out.Close())
	}

	// Nested directories are not files and stay hidden.
	sub, err := NewLocalDirectory(filepath.Join(root, "nested"))
	require.NoError(t, err)
	_ = sub

	names, err := dir.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.data", "b.data", "c.data"}, names)
}

func TestLocalOutputCloseIdempotent(t *testing.T) {
	dir, err := NewLocalDirectory(t.TempDir())
	require.NoError(t, err)

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	_, err = out.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())
}
