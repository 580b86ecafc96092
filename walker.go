package isoroot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/meigma/isoroot/internal/sizing"
)

// Walker streams the records of the root directory.
//
// A Walker reads each directory block once, in order, and never moves
// backwards. It is not safe for concurrent use.
type Walker struct {
	reader    *BlockReader
	vol       *Volume
	ctx       context.Context
	logger    *slog.Logger
	imageSize int64

	state   State
	cursor  Cursor
	block   []byte
	started bool
	err     error
}

// NewWalker returns a Walker over the root directory described by vol.
// No block is read until the first call to Next.
func NewWalker(src ByteSource, vol *Volume, opts ...Option) (*Walker, error) {
	if vol == nil {
		return nil, errors.New("isoroot: walker requires a volume")
	}
	cfg := newConfig(opts)

	r := NewBlockReader(src, cfg.log())
	if err := r.SeekBlock(uint64(vol.RootLocation)); err != nil {
		return nil, err
	}
	return &Walker{
		reader:    r,
		vol:       vol,
		ctx:       cfg.ctx,
		logger:    cfg.log(),
		imageSize: cfg.imageSize,
		state:     StateReadingRecord,
		cursor: Cursor{
			TotalBlocks: vol.RootBlocks(),
			Position:    PositionSelf,
		},
	}, nil
}

// State returns the walker's current state.
func (w *Walker) State() State {
	return w.state
}

// Next returns the next directory entry.
// It returns io.EOF once the directory is exhausted. Any other error is
// final: later calls return the same error.
func (w *Walker) Next() (Entry, error) {
	if w.err != nil {
		return Entry{}, w.err
	}
	entry, err := w.next()
	if err != nil && err != io.EOF {
		w.err = err
		w.state = StateDone
	}
	return entry, err
}

func (w *Walker) next() (Entry, error) {
	if w.state == StateDone {
		return Entry{}, io.EOF
	}
	if !w.started {
		w.started = true
		if w.cursor.TotalBlocks == 0 {
			w.state = StateDone
			return Entry{}, io.EOF
		}
		if err := w.loadBlock(); err != nil {
			return Entry{}, err
		}
	}

	for {
		tr, err := Step(w.block, w.cursor)
		if err != nil {
			return Entry{}, err
		}
		w.cursor = tr.Cursor
		w.state = tr.Next

		switch tr.Next {
		case StateDone:
			w.logger.Debug("root directory exhausted", "blocks", w.cursor.BlockIndex)
			return Entry{}, io.EOF
		case StateNeedNextBlock:
			w.logger.Debug("directory block exhausted", "block", w.cursor.BlockIndex, "offset", w.cursor.Offset)
			if err := w.loadBlock(); err != nil {
				return Entry{}, err
			}
		case StateReadingRecord:
			if tr.Entry == nil {
				continue
			}
			if err := w.checkExtent(tr.Entry); err != nil {
				return Entry{}, err
			}
			return *tr.Entry, nil
		}
	}
}

// loadBlock reads the next directory block and resets the cursor to its start.
func (w *Walker) loadBlock() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	block, err := w.reader.ReadBlock()
	if err != nil {
		return err
	}
	w.block = block
	w.cursor.BlockIndex++
	w.cursor.Offset = 0
	w.cursor.Limit = blockLimit(w.vol.RootSize, w.cursor.BlockIndex, w.cursor.TotalBlocks)
	w.state = StateReadingRecord
	return nil
}

func (w *Walker) checkExtent(e *Entry) error {
	if w.imageSize <= 0 {
		return nil
	}
	off, err := sizing.ToInt64(e.Offset, ErrSizeOverflow)
	if err != nil || off >= w.imageSize {
		return fmt.Errorf("%w: %s extent %d at byte offset %d is outside the %d-byte image",
			ErrCorruptDirectoryEntry, e.Position, e.Extent, e.Offset, w.imageSize)
	}
	return nil
}

// blockLimit returns the number of directory bytes in block index (1-based)
// of a directory of size bytes spanning total blocks.
func blockLimit(size, index, total uint32) int {
	if index < total {
		return BlockSize
	}
	rem := uint64(size) - uint64(total-1)*BlockSize
	if rem == 0 || rem > BlockSize {
		return BlockSize
	}
	return int(rem)
}

// Entries returns an iterator over the remaining directory entries.
// Iteration stops after the last entry or after yielding an error.
func (w *Walker) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			entry, err := w.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Walk locates the root directory of src and calls fn for each entry in order.
// It stops at the first error from the image or from fn.
func Walk(ctx context.Context, src ByteSource, fn func(Entry) error, opts ...Option) error {
	opts = append(opts[:len(opts):len(opts)], WithContext(ctx))
	vol, err := LocateRoot(src, opts...)
	if err != nil {
		return err
	}
	w, err := NewWalker(src, vol, opts...)
	if err != nil {
		return err
	}
	for entry, err := range w.Entries() {
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
