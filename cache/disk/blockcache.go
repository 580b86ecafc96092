// Package disk provides a disk-backed block cache.
package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/isoroot/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// BlockCache stores fixed-size blocks of image sources as files under a
// directory, optionally sharded by key prefix. It is safe for concurrent use.
type BlockCache struct {
	dir            string             // root directory for cached blocks
	shardPrefixLen int                // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode        // permissions for created directories
	maxBytes       int64              // maximum cache size (0 = unlimited)
	logger         *slog.Logger       // debug output for hits and misses
	bytes          atomic.Int64       // current total size of cached blocks
	hits           atomic.Int64       // blocks served from disk
	misses         atomic.Int64       // blocks fetched from the source
	fetchGroup     singleflight.Group // deduplicates concurrent fetches for same block
	pruneMu        sync.Mutex         // serializes prune operations
}

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithMaxBytes sets the maximum size in bytes for the cache.
// Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *BlockCache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *BlockCache) {
		c.dirPerm = mode
	}
}

// WithLogger sets the logger used for debug output.
// If not set, logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *BlockCache) {
		c.logger = logger
	}
}

// NewBlockCache creates a disk-backed block cache rooted at dir.
func NewBlockCache(dir string, opts ...Option) (*BlockCache, error) {
	if dir == "" {
		return nil, errors.New("block cache dir is empty")
	}
	c := &BlockCache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("block cache shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("block cache max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// Wrap returns a ByteSource that caches reads of src in blocks aligned to
// the image's 2048-byte blocks.
func (c *BlockCache) Wrap(src cache.ByteSource, opts ...cache.WrapOption) (cache.ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	cfg := cache.DefaultWrapConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BlockSize > math.MaxInt/int64(cfg.Readahead) {
		return nil, errors.New("block cache: readahead span exceeds max int")
	}
	sourceID := src.SourceID()
	if sourceID == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &cachedSource{
		src:       src,
		cache:     c,
		sourceID:  sourceID,
		blockSize: cfg.BlockSize,
		readahead: int64(cfg.Readahead),
	}, nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Stats returns the number of blocks served from disk and fetched from
// sources since the cache was created.
func (c *BlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Prune removes cached entries, oldest first, until the cache is at or
// below targetBytes.
func (c *BlockCache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	if freed > 0 {
		c.logger.Debug("pruned block cache", "freed", freed, "remaining", remaining)
	}
	return freed, nil
}

// cachedSource wraps a ByteSource with block-level caching. Directory
// reads arrive one image block at a time, so every read is served from a
// single cache block and a miss fetches readahead blocks at once.
type cachedSource struct {
	src       cache.ByteSource
	cache     *BlockCache
	sourceID  string
	blockSize int64
	readahead int64
}

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	expected := min(int64(len(p)), size-off)

	var n int64
	for n < expected {
		pos := off + n
		index := pos / s.blockSize
		data, err := s.cache.getBlock(s.sourceID, s.blockSize, index, s.blockLen(index), func() ([]byte, error) {
			return s.fetch(index)
		})
		if err != nil {
			return int(n), err
		}
		n += int64(copy(p[n:expected], data[pos-index*s.blockSize:]))
	}

	if expected < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (s *cachedSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	return io.NopCloser(io.NewSectionReader(s, off, min(length, size-off))), nil
}

func (s *cachedSource) Size() int64 {
	return s.src.Size()
}

func (s *cachedSource) SourceID() string {
	return s.sourceID
}

// blockLen returns the length of cache block index; only the last block of
// the source is short.
func (s *cachedSource) blockLen(index int64) int64 {
	return max(min(s.blockSize, s.src.Size()-index*s.blockSize), 0)
}

// fetch reads cache block index together with up to readahead-1 following
// blocks in one source read. The following blocks are stored directly; only
// block index is returned.
func (s *cachedSource) fetch(index int64) ([]byte, error) {
	start := index * s.blockSize
	length := min(s.blockSize*s.readahead, s.src.Size()-start)
	data, err := s.readFromSource(start, length)
	if err != nil {
		return nil, err
	}
	for next := int64(1); next*s.blockSize < int64(len(data)); next++ {
		lo := next * s.blockSize
		hi := min(lo+s.blockSize, int64(len(data)))
		s.cache.storeBlock(s.sourceID, s.blockSize, index+next, data[lo:hi])
	}
	return data[:min(s.blockSize, int64(len(data)))], nil
}

func (s *cachedSource) readFromSource(off, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	if rr, ok := s.src.(cache.RangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		return data, nil
	}

	buf := make([]byte, int(length))
	n, err := s.src.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != length {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

func (c *BlockCache) getBlock(sourceID string, blockSize, blockIndex, blockLen int64, fetch func() ([]byte, error)) ([]byte, error) {
	key := blockKey(sourceID, blockSize, blockIndex)
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		path := c.pathForKey(key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest, not user input
		switch {
		case err == nil && int64(len(data)) == blockLen:
			c.hits.Add(1)
			c.logger.Debug("block cache hit", "block", blockIndex, "len", blockLen)
			return data, nil
		case err == nil:
			// Stale entry from a shorter or longer block; refetch.
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		data, err = fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != blockLen {
			return nil, io.ErrUnexpectedEOF
		}
		c.misses.Add(1)
		c.logger.Debug("block cache miss", "block", blockIndex, "len", blockLen)
		if err := c.writeBlock(path, data); err != nil {
			c.logger.Warn("block cache write failed", "path", path, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

// storeBlock writes a block fetched ahead of use. It shares the fetch
// group with getBlock, so it never races a concurrent fetch of the same
// block; readahead only moves forward, so it cannot wait on its own caller.
// Failures are logged and otherwise ignored.
func (c *BlockCache) storeBlock(sourceID string, blockSize, blockIndex int64, data []byte) {
	key := blockKey(sourceID, blockSize, blockIndex)
	_, _, _ = c.fetchGroup.Do(key, func() (any, error) {
		if err := c.writeBlock(c.pathForKey(key), data); err != nil {
			c.logger.Warn("block cache readahead write failed", "block", blockIndex, "error", err)
			return nil, nil
		}
		c.logger.Debug("block cache readahead", "block", blockIndex, "len", len(data))
		return nil, nil
	})
}

func (c *BlockCache) writeBlock(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if ok, err := c.ensureCapacity(int64(len(data))); err != nil || !ok {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

// blockKey returns the hex sha256 of the source ID followed by the block
// size and index as big-endian uint64s.
func blockKey(sourceID string, blockSize, blockIndex int64) string {
	d := digest.Canonical.Digester()
	h := d.Hash()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(blockSize))  //nolint:gosec // blockSize validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(blockIndex)) //nolint:gosec // blockIndex always >= 0
	_, _ = h.Write(buf[:])                                  //nolint:errcheck // hash writes never fail

	return d.Digest().Encoded()
}

func (c *BlockCache) pathForKey(hexKey string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hexKey)
	}
	prefixLen := min(c.shardPrefixLen, len(hexKey))
	return filepath.Join(c.dir, hexKey[:prefixLen], hexKey)
}

func (c *BlockCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
