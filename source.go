package isoroot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/isoroot/internal/sizing"
)

// ByteSource provides random access to an image.
//
// Implementations exist for local files, in-memory images, and HTTP range
// requests (see the http subpackage).
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Source is a ByteSource with a stable identity that must be closed.
//
// SourceID identifies the underlying content and is used as part of block
// cache keys.
type Source interface {
	ByteSource
	io.Closer
	SourceID() string
}

// DefaultMaxImageBytes bounds the decompressed size of a zstd image.
const DefaultMaxImageBytes uint64 = 4 << 30

// zstdMagic is the little-endian frame magic number 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	maxImageBytes uint64
}

// WithMaxImageBytes limits the decompressed size of zstd-compressed images.
// Set limit to 0 to use DefaultMaxImageBytes.
func WithMaxImageBytes(limit uint64) OpenOption {
	return func(c *openConfig) {
		c.maxImageBytes = limit
	}
}

// Open opens the image at path.
//
// Plain images are read directly from the file. Images starting with a zstd
// frame header are decompressed into memory, bounded by WithMaxImageBytes.
func Open(path string, opts ...OpenOption) (Source, error) {
	cfg := openConfig{maxImageBytes: DefaultMaxImageBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxImageBytes == 0 {
		cfg.maxImageBytes = DefaultMaxImageBytes
	}

	f, err := os.Open(path) //nolint:gosec // path is supplied by the caller
	if err != nil {
		return nil, &IOError{Op: "open " + path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat " + path, Err: err}
	}

	compressed, err := hasZstdMagic(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !compressed {
		return newFileSource(f, info), nil
	}

	defer f.Close()
	data, err := decompressZstd(io.NewSectionReader(f, 0, info.Size()), cfg.maxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("isoroot: decompress %s: %w", path, err)
	}
	return NewMemorySource(data), nil
}

func hasZstdMagic(r io.ReaderAt) (bool, error) {
	var magic [4]byte
	n, err := r.ReadAt(magic[:], 0)
	if n == len(magic) {
		return bytes.Equal(magic[:], zstdMagic), nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, &IOError{Op: "read header", Err: err}
	}
	return false, nil
}

func decompressZstd(r io.Reader, maxBytes uint64) ([]byte, error) {
	dec, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxBytes),
	)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return sizing.ReadAllWithLimit(dec, maxBytes, ErrSizeOverflow)
}

// FileSource reads an uncompressed image from a local file.
type FileSource struct {
	f        *os.File
	size     int64
	sourceID string
}

func newFileSource(f *os.File, info os.FileInfo) *FileSource {
	name := f.Name()
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	id := fmt.Sprintf("file:%s|size:%d|mod:%d", name, info.Size(), info.ModTime().UnixNano())
	return &FileSource{
		f:        f,
		size:     info.Size(),
		sourceID: digest.FromString(id).String(),
	}
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the file size in bytes.
func (s *FileSource) Size() int64 {
	return s.size
}

// SourceID returns a digest of the file's path, size, and modification time.
func (s *FileSource) SourceID() string {
	return s.sourceID
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// MemorySource serves an image held in memory.
type MemorySource struct {
	r        *bytes.Reader
	sourceID string
}

// NewMemorySource returns a source backed by data.
// The data is retained; callers must not modify it afterwards.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{
		r:        bytes.NewReader(data),
		sourceID: digest.FromBytes(data).String(),
	}
}

// ReadAt implements io.ReaderAt.
func (s *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// Size returns the image size in bytes.
func (s *MemorySource) Size() int64 {
	return s.r.Size()
}

// SourceID returns the digest of the image content.
func (s *MemorySource) SourceID() string {
	return s.sourceID
}

// Close is a no-op.
func (s *MemorySource) Close() error {
	return nil
}
