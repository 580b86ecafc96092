package isoroot

import (
	"errors"
	"io"
	"log/slog"

	"github.com/meigma/isoroot/internal/layout"
	"github.com/meigma/isoroot/internal/sizing"
)

// BlockSize is the size in bytes of an ISO9660 logical block.
const BlockSize = layout.BlockSize

// BlockReader reads an image one block at a time from a current position.
//
// Each ReadBlock returns exactly BlockSize bytes and advances the position by
// one block, or fails. A partial block is an error, never a result.
type BlockReader struct {
	src    ByteSource
	pos    int64
	buf    [BlockSize]byte
	logger *slog.Logger
}

// NewBlockReader returns a BlockReader positioned at the start of src.
// A nil logger discards output.
func NewBlockReader(src ByteSource, logger *slog.Logger) *BlockReader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BlockReader{src: src, logger: logger}
}

// SeekBlock moves the position to the start of block index.
func (r *BlockReader) SeekBlock(index uint64) error {
	off, err := sizing.BlockOffset(index, BlockSize, ErrSizeOverflow)
	if err != nil {
		return err
	}
	r.pos = off
	return nil
}

// Position returns the byte offset of the next block to be read.
func (r *BlockReader) Position() int64 {
	return r.pos
}

// ReadBlock reads the block at the current position.
//
// The returned slice is owned by the reader and is only valid until the
// next call to ReadBlock; it is zero-filled before each read.
func (r *BlockReader) ReadBlock() ([]byte, error) {
	clear(r.buf[:])
	n, err := r.src.ReadAt(r.buf[:], r.pos)
	if n < BlockSize {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &IOError{Op: "read block", Offset: r.pos, Err: err}
	}
	r.logger.Debug("read block", "index", r.pos/BlockSize, "offset", r.pos)
	r.pos += BlockSize
	return r.buf[:], nil
}
