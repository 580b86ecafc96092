// Package cache defines block caching for image sources.
//
// Listing a remote image touches the same few blocks on every run: the
// primary volume descriptor and the root directory. A BlockCache keeps those
// blocks locally, keyed by the source's identity, so later runs can be served
// without another round trip. The disk subpackage provides a filesystem
// implementation.
package cache

import (
	"fmt"
	"io"

	"github.com/meigma/isoroot/internal/layout"
)

// ByteSource provides random access to data for block caching.
type ByteSource interface {
	io.ReaderAt

	// Size returns the total size of the data source in bytes.
	Size() int64

	// SourceID returns a unique identifier for this data source.
	// The ID is used as part of the cache key, so it must be stable
	// across calls and change whenever the content does.
	SourceID() string
}

// RangeReader provides range reads for block cache fetches.
// Sources implementing it, such as the HTTP source, are fetched with one
// ranged read per cache miss instead of ReadAt.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// BlockCache wraps ByteSources with block-level caching.
type BlockCache interface {
	Wrap(src ByteSource, opts ...WrapOption) (ByteSource, error)

	// MaxBytes returns the configured cache size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current cache size in bytes.
	SizeBytes() int64

	// Prune removes cached entries until the cache is at or below targetBytes.
	// Returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}

// DefaultBlockSize is the default cache block size: sixteen 2048-byte
// image blocks, enough to hold the volume descriptor or a typical root
// directory in one entry.
const DefaultBlockSize int64 = 32 << 10

// DefaultReadahead is the number of consecutive cache blocks fetched from
// the source on a miss.
const DefaultReadahead = 2

// ErrUnalignedBlockSize is returned by Wrap when the cache block size is not
// a positive multiple of the 2048-byte image block.
var ErrUnalignedBlockSize = fmt.Errorf("cache: block size must be a positive multiple of %d", layout.BlockSize)

// WrapConfig controls block cache wrapping behavior.
type WrapConfig struct {
	BlockSize int64
	Readahead int
}

// DefaultWrapConfig returns the default block cache configuration.
func DefaultWrapConfig() WrapConfig {
	return WrapConfig{
		BlockSize: DefaultBlockSize,
		Readahead: DefaultReadahead,
	}
}

// Validate checks the configuration against the image block size.
func (cfg WrapConfig) Validate() error {
	if cfg.BlockSize <= 0 || cfg.BlockSize%layout.BlockSize != 0 {
		return fmt.Errorf("%w: got %d", ErrUnalignedBlockSize, cfg.BlockSize)
	}
	if cfg.Readahead < 1 {
		return fmt.Errorf("cache: readahead must be >= 1: got %d", cfg.Readahead)
	}
	return nil
}

// WrapOption configures block cache wrapping behavior.
type WrapOption func(*WrapConfig)

// WithBlockSize sets the block size used for caching. It must be a multiple
// of the 2048-byte image block.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.BlockSize = n
	}
}

// WithReadahead sets how many consecutive cache blocks a miss fetches in one
// source read. The extra blocks are stored without being returned, so the
// volume descriptor and a root directory a few blocks later arrive together.
func WithReadahead(n int) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.Readahead = n
	}
}
