package disk

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/isoroot"
	"github.com/meigma/isoroot/cache"
	"github.com/meigma/isoroot/internal/layout"
	"github.com/meigma/isoroot/internal/testutil"
)

// blocks returns n image blocks, block i filled with 'a'+i, followed by a
// tail of extra bytes of 'z'.
func blocks(n, tail int) []byte {
	var data []byte
	for i := range n {
		data = append(data, bytes.Repeat([]byte{byte('a' + i)}, layout.BlockSize)...)
	}
	return append(data, bytes.Repeat([]byte{'z'}, tail)...)
}

func TestBlockCacheReadAtReuse(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}

	src := testutil.NewMockByteSource(blocks(5, 100))
	cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(1))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	buf := make([]byte, 4)
	n, err := cached.ReadAt(buf, 2)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 4 || string(buf) != "aaaa" {
		t.Fatalf("ReadAt() got %q (n=%d), want %q", string(buf), n, "aaaa")
	}
	if reads := src.Reads(); reads != 1 {
		t.Fatalf("source reads = %d, want 1", reads)
	}

	buf = make([]byte, 3)
	n, err = cached.ReadAt(buf, 100)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 3 || string(buf) != "aaa" {
		t.Fatalf("ReadAt() got %q (n=%d), want %q", string(buf), n, "aaa")
	}
	if reads := src.Reads(); reads != 1 {
		t.Fatalf("source reads = %d, want 1 (cache hit)", reads)
	}

	buf = make([]byte, 200)
	n, err = cached.ReadAt(buf, src.Size()-100)
	if err != io.EOF {
		t.Fatalf("ReadAt() error = %v, want io.EOF", err)
	}
	if n != 100 || string(buf[:n]) != strings.Repeat("z", 100) {
		t.Fatalf("ReadAt() got %q (n=%d), want 100 bytes of z", string(buf[:n]), n)
	}

	hits, misses := bc.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("Stats() = (%d, %d), want (1, 2)", hits, misses)
	}
}

func TestBlockCacheReadSpansBlocks(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)
	src := testutil.NewMockByteSource(blocks(3, 0))
	cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(1))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := cached.ReadAt(buf, layout.BlockSize-2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "aabb", string(buf))
	assert.Equal(t, int64(2), src.Reads())
}

func TestBlockCacheWrapValidation(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)
	src := testutil.NewMockByteSource([]byte("data"))

	_, err = bc.Wrap(emptyIDSource{src})
	require.Error(t, err)

	tests := []struct {
		name string
		opts []cache.WrapOption
		is   error
	}{
		{name: "zero block size", opts: []cache.WrapOption{cache.WithBlockSize(0)}, is: cache.ErrUnalignedBlockSize},
		{name: "partial image block", opts: []cache.WrapOption{cache.WithBlockSize(3000)}, is: cache.ErrUnalignedBlockSize},
		{name: "sub-block size", opts: []cache.WrapOption{cache.WithBlockSize(16)}, is: cache.ErrUnalignedBlockSize},
		{name: "zero readahead", opts: []cache.WrapOption{cache.WithReadahead(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := bc.Wrap(src, tt.opts...)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}

	_, err = bc.Wrap(src, cache.WithBlockSize(4*layout.BlockSize), cache.WithReadahead(4))
	require.NoError(t, err)
}

type emptyIDSource struct {
	*testutil.MockByteSource
}

func (emptyIDSource) SourceID() string { return "" }

func TestBlockCachePersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := testutil.Image{
		VolumeID: "CACHED",
		Blocks: [][]testutil.Record{{
			testutil.Self(20),
			testutil.Parent(20),
			{Name: "README;1", Extent: 25, Length: 42},
		}},
	}.Build(t)

	list := func(src *testutil.MockByteSource) string {
		bc, err := NewBlockCache(dir)
		require.NoError(t, err)
		cached, err := bc.Wrap(src)
		require.NoError(t, err)

		var out bytes.Buffer
		require.NoError(t, isoroot.NewLister(&out, nil).List(context.Background(), cached))
		return out.String()
	}

	first := testutil.NewMockByteSource(data)
	want := list(first)
	require.Positive(t, first.Reads())

	second := testutil.NewMockByteSource(data)
	assert.Equal(t, want, list(second))
	assert.Zero(t, second.Reads(), "second listing should be served from disk")
}

func TestBlockCacheSourceErrorNotCached(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)

	src := testutil.NewMockByteSource(blocks(4, 0))
	src.FailAt(layout.BlockSize + 10)
	cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(1))
	require.NoError(t, err)

	_, err = cached.ReadAt(make([]byte, 4), layout.BlockSize+8)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Zero(t, bc.SizeBytes())
}

func TestBlockCacheMaxBytes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bc, err := NewBlockCache(dir, WithMaxBytes(2*layout.BlockSize), WithShardPrefixLen(0))
	require.NoError(t, err)
	assert.Equal(t, int64(2*layout.BlockSize), bc.MaxBytes())

	src := testutil.NewMockByteSource(blocks(4, 0))
	cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(1))
	require.NoError(t, err)

	buf := make([]byte, layout.BlockSize)
	for off := int64(0); off < src.Size(); off += layout.BlockSize {
		_, err := cached.ReadAt(buf, off)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, bc.SizeBytes(), int64(2*layout.BlockSize))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}

func TestBlockCacheReadahead(t *testing.T) {
	t.Parallel()

	data := testutil.Image{
		VolumeID: "AHEAD",
		Blocks: [][]testutil.Record{{
			testutil.Self(20),
			testutil.Parent(20),
			{Name: "README;1", Extent: 25, Length: 42},
		}},
	}.Build(t)

	tests := []struct {
		name       string
		readahead  int
		wantReads  int64
		wantHits   int64
		wantMisses int64
	}{
		// The descriptor at block 16 and the root at block 20 are fetched
		// by the same read.
		{name: "descriptor and root together", readahead: 8, wantReads: 1, wantHits: 1, wantMisses: 1},
		{name: "no readahead", readahead: 1, wantReads: 2, wantHits: 0, wantMisses: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bc, err := NewBlockCache(t.TempDir())
			require.NoError(t, err)
			src := testutil.NewMockByteSource(data)
			cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(tt.readahead))
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, isoroot.NewLister(&out, nil).List(context.Background(), cached))
			assert.Contains(t, out.String(), "Volume ID is AHEAD")
			assert.Equal(t, tt.wantReads, src.Reads())

			hits, misses := bc.Stats()
			assert.Equal(t, tt.wantHits, hits)
			assert.Equal(t, tt.wantMisses, misses)
		})
	}
}

func TestBlockCacheReadaheadStopsAtEnd(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)

	src := testutil.NewMockByteSource(blocks(3, 10))
	cached, err := bc.Wrap(src, cache.WithBlockSize(layout.BlockSize), cache.WithReadahead(8))
	require.NoError(t, err)

	_, err = cached.ReadAt(make([]byte, layout.BlockSize), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.Reads())
	assert.Equal(t, src.Size(), bc.SizeBytes(), "short trailing block is stored")

	buf := make([]byte, 20)
	n, err := cached.ReadAt(buf, 3*layout.BlockSize)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "zzzzzzzzzz", string(buf[:n]))
	assert.Equal(t, int64(1), src.Reads())
}

func TestBlockCacheConcurrentFetch(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)

	src := testutil.NewMockByteSource(blocks(4, 0))
	cached, err := bc.Wrap(src, cache.WithBlockSize(2*layout.BlockSize), cache.WithReadahead(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			n, err := cached.ReadAt(buf, 3*layout.BlockSize)
			assert.NoError(t, err)
			assert.Equal(t, "dddddddd", string(buf[:n]))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.Reads(), int64(16))
	assert.Equal(t, int64(2*layout.BlockSize), bc.SizeBytes())
}

func TestBlockCacheReadRange(t *testing.T) {
	t.Parallel()

	bc, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)
	cached, err := bc.Wrap(testutil.NewMockByteSource([]byte("0123456789")), cache.WithBlockSize(layout.BlockSize))
	require.NoError(t, err)

	rr, ok := cached.(cache.RangeReader)
	require.True(t, ok)
	rc, err := rr.ReadRange(3, 100)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "3456789", string(got))
}

func TestPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := filepath.Join(dir, "aa", "old")
	recent := filepath.Join(dir, "bb", "recent")
	for _, p := range []string{old, recent} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o700))
		require.NoError(t, os.WriteFile(p, make([]byte, 10), 0o600))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	bc, err := NewBlockCache(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bc.SizeBytes())

	freed, err := bc.Prune(15)
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.Equal(t, int64(10), bc.SizeBytes())
}

func TestNewBlockCacheValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBlockCache("")
	require.Error(t, err)
	_, err = NewBlockCache(t.TempDir(), WithShardPrefixLen(-1))
	require.Error(t, err)
	_, err = NewBlockCache(t.TempDir(), WithMaxBytes(-1))
	require.Error(t, err)
}
