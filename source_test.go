package isoroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/isoroot/internal/testutil"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func zstdCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestOpen_PlainFile(t *testing.T) {
	t.Parallel()

	data := readmeImage(t)
	path := writeTemp(t, "image.iso", data)

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	_, ok := src.(*FileSource)
	assert.True(t, ok, "plain image should be read from the file")
	assert.Equal(t, int64(len(data)), src.Size())
	assert.True(t, strings.HasPrefix(src.SourceID(), "sha256:"))

	var out strings.Builder
	require.NoError(t, NewLister(&out, nil).List(context.Background(), src))
	assert.Contains(t, out.String(), "README;1 is at byte offset 51200\n")
}

func TestOpen_Zstd(t *testing.T) {
	t.Parallel()

	data := readmeImage(t)
	path := writeTemp(t, "image.iso.zst", zstdCompress(t, data))

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	_, ok := src.(*MemorySource)
	assert.True(t, ok, "zstd image should be decompressed into memory")
	assert.Equal(t, int64(len(data)), src.Size())
	assert.Equal(t, NewMemorySource(data).SourceID(), src.SourceID())

	vol, err := LocateRoot(src)
	require.NoError(t, err)
	assert.Equal(t, "CDROM", vol.VolumeID())
}

func TestOpen_ZstdLimit(t *testing.T) {
	t.Parallel()

	data := readmeImage(t)
	path := writeTemp(t, "image.iso.zst", zstdCompress(t, data))

	_, err := Open(path, WithMaxImageBytes(BlockSize))
	require.Error(t, err)
}

func TestOpen_Missing(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "missing.iso"))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_TinyFile(t *testing.T) {
	t.Parallel()

	src, err := Open(writeTemp(t, "tiny.iso", []byte{0x28, 0xb5}))
	require.NoError(t, err)
	defer src.Close()

	_, err = LocateRoot(src)
	require.Error(t, err)
}

func TestMemorySource(t *testing.T) {
	t.Parallel()

	data := readmeImage(t)
	a := NewMemorySource(data)
	b := NewMemorySource(data)
	assert.Equal(t, a.SourceID(), b.SourceID())
	assert.NotEqual(t, a.SourceID(), NewMemorySource(data[:BlockSize]).SourceID())

	buf := make([]byte, 5)
	n, err := a.ReadAt(buf, 16*BlockSize+1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "CD001", string(buf))
	require.NoError(t, a.Close())
}

func TestDiskfsImage(t *testing.T) {
	t.Parallel()

	many := make(map[string]string, 80)
	for i := range 80 {
		many[fmt.Sprintf("F%03d.TXT", i)] = fmt.Sprintf("file %d", i)
	}

	tests := []struct {
		name       string
		files      map[string]string
		wantBlocks uint32
	}{
		{
			name:       "single block",
			files:      map[string]string{"README.TXT": "hello", "DATA.BIN": "0123456789"},
			wantBlocks: 1,
		},
		{
			// The root size is not a multiple of the block size, so the last
			// block is read up to the recorded size only.
			name:       "multiple blocks",
			files:      many,
			wantBlocks: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := testutil.BuildISO(t, "FIXTURE", tt.files)
			src, err := Open(path)
			require.NoError(t, err)
			defer src.Close()

			vol, err := LocateRoot(src)
			require.NoError(t, err)
			assert.Equal(t, "FIXTURE", vol.VolumeID())
			assert.Equal(t, tt.wantBlocks, vol.RootBlocks())

			entries, err := collect(t, src, WithImageSize(src.Size()))
			require.NoError(t, err)
			require.Len(t, entries, len(tt.files)+2)
			assert.Equal(t, []string{RootDirectoryLabel, RootDirectoryLabel}, labels(entries[:2]))
			assert.Equal(t, vol.RootLocation, entries[0].Extent)

			names := make([]string, 0, len(entries)-2)
			for _, e := range entries[2:] {
				names = append(names, strings.TrimSuffix(e.Label(), ";1"))
			}
			assert.ElementsMatch(t, testutil.ReadRootNames(t, path), names)
		})
	}
}
