package store

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDirectoryWriteRead(t *testing.T) {
	dir := NewMemDirectory()

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)

	_, err = out.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.FilePointer())
	require.NoError(t, out.Close())

	in, err := dir.OpenInput("seg.data")
	require.NoError(t, err)
	assert.Equal(t, int64(11), in.Size())

	buf := make([]byte, 5)
	_, err = in.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	n, err := in.ReadAt(buf, 9)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)

	_, err = in.ReadAt(buf, 11)
	assert.ErrorIs(t, err, io.EOF)

	mappable, ok := in.(Mappable)
	require.True(t, ok)
	data, err := mappable.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestMemDirectoryPublishOnClose(t *testing.T) {
	dir := NewMemDirectory()

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	_, err = out.Write([]byte("payload"))
	require.NoError(t, err)

	// Before Close the name is reserved but carries no bytes.
	in, err := dir.OpenInput("seg.data")
	require.NoError(t, err)
	assert.Equal(t, int64(0), in.Size())

	require.NoError(t, out.Close())

	in, err = dir.OpenInput("seg.data")
	require.NoError(t, err)
	assert.Equal(t, int64(7), in.Size())

	// Writes after Close are rejected.
	_, err = out.Write([]byte("more"))
	require.Error(t, err)
}

func TestMemDirectoryExclusiveCreate(t *testing.T) {
	dir := NewMemDirectory()

	_, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)

	_, err = dir.CreateOutput("seg.data")
	require.Error(t, err)
}

func TestMemDirectoryDeleteAndList(t *testing.T) {
	dir := NewMemDirectory()

	for _, name := range []string{"b.data", "a.data"} {
		out, err := dir.CreateOutput(name)
		require.NoError(t, err)
		require.NoError(t, out.Close())
	}

	names, err := dir.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.data", "b.data"}, names)

	require.NoError(t, dir.DeleteFile("a.data"))

	names, err = dir.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.data"}, names)

	err = dir.DeleteFile("a.data")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemDirectoryTempNames(t *testing.T) {
	dir := NewMemDirectory()

	t1, err := dir.CreateTempOutput("bkd", "left0")
	require.NoError(t, err)
	t2, err := dir.CreateTempOutput("bkd", "left0")
	require.NoError(t, err)

	assert.NotEqual(t, t1.Name(), t2.Name())
	assert.Contains(t, t1.Name(), "bkd_left0_")
	assert.Contains(t, t1.Name(), ".tmp")
}

func TestMemDirectoryCorrupt(t *testing.T) {
	dir := NewMemDirectory()

	out, err := dir.CreateOutput("seg.data")
	require.NoError(t, err)
	_, err = out.Write([]byte{0x00, 0x11, 0x22})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NoError(t, dir.Corrupt("seg.data", 1))

	in, err := dir.OpenInput("seg.data")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = in.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x51, 0x22}, buf)

	assert.Error(t, dir.Corrupt("seg.data", 3))
	assert.Error(t, dir.Corrupt("seg.data", -1))
	assert.ErrorIs(t, dir.Corrupt("absent", 0), ErrNotFound)
}

func TestMemDirectoryConcurrent(t *testing.T) {
	dir := NewMemDirectory()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file%d.data", i)
			out, err := dir.CreateOutput(name)
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := out.Write([]byte{byte(i)}); err != nil {
				t.Error(err)
				return
			}
			if err := out.Close(); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	names, err := dir.ListAll()
	require.NoError(t, err)
	assert.Len(t, names, 16)
}
