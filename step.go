package isoroot

import (
	"bytes"
	"fmt"

	"github.com/meigma/isoroot/internal/layout"
)

// State is a directory walker state.
type State int

const (
	// StateReadingRecord means the cursor points at a record to inspect.
	StateReadingRecord State = iota

	// StateNeedNextBlock means the rest of the current block is padding and
	// another block of the directory follows.
	StateNeedNextBlock

	// StateDone means the directory is exhausted.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReadingRecord:
		return "reading-record"
	case StateNeedNextBlock:
		return "need-next-block"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cursor is the walker's position within the directory stream.
type Cursor struct {
	// Offset is the byte offset of the next record within the current block.
	Offset int

	// Limit is the number of directory bytes in the current block. It is
	// BlockSize except for a trailing partial block.
	Limit int

	// BlockIndex counts blocks consumed so far, starting at 1 once the
	// first block has been read.
	BlockIndex uint32

	// TotalBlocks is the number of blocks in the directory.
	TotalBlocks uint32

	// Position is the position the next emitted record will carry.
	Position Position
}

// Transition is the result of one Step.
type Transition struct {
	// Next is the state after the step.
	Next State

	// Cursor is the cursor after the step. For StateNeedNextBlock it is
	// unchanged; the walker resets it when the next block is loaded.
	Cursor Cursor

	// Entry is the record decoded by this step, or nil if none was emitted.
	Entry *Entry
}

// Step inspects the record at c.Offset in block and returns the next state.
//
// Step performs no I/O. A zero record length, or a cursor at the end of the
// block's directory data, ends the block: the result is StateDone on the last
// block and StateNeedNextBlock otherwise. A record shorter than its 33-byte
// header or extending past the block's data fails with
// ErrCorruptDirectoryEntry.
func Step(block []byte, c Cursor) (Transition, error) {
	if c.TotalBlocks == 0 || c.BlockIndex > c.TotalBlocks {
		return Transition{Next: StateDone, Cursor: c}, nil
	}

	limit := min(c.Limit, len(block))
	var length uint8
	if c.Offset < limit {
		var err error
		if length, err = layout.Uint8(block, c.Offset+layout.RecordLengthOffset); err != nil {
			return Transition{}, err
		}
	}
	if length == 0 {
		if c.BlockIndex == c.TotalBlocks {
			return Transition{Next: StateDone, Cursor: c}, nil
		}
		return Transition{Next: StateNeedNextBlock, Cursor: c}, nil
	}

	recLen := int(length)
	if recLen < layout.RecordHeaderLen {
		return Transition{}, fmt.Errorf("%w: record length %d at block %d offset %d is shorter than the %d-byte header",
			ErrCorruptDirectoryEntry, recLen, c.BlockIndex, c.Offset, layout.RecordHeaderLen)
	}
	if recLen > limit-c.Offset {
		return Transition{}, fmt.Errorf("%w: record length %d at block %d offset %d crosses the block boundary",
			ErrCorruptDirectoryEntry, recLen, c.BlockIndex, c.Offset)
	}

	extent, err := layout.Uint32LE(block, c.Offset+layout.ExtentOffset)
	if err != nil {
		return Transition{}, err
	}
	name, err := layout.Bytes(block, c.Offset+layout.NameOffset, recLen-layout.RecordHeaderLen)
	if err != nil {
		return Transition{}, err
	}

	entry := &Entry{
		Position:     c.Position,
		RecordLength: length,
		Extent:       extent,
		Offset:       uint64(extent) * BlockSize,
		Name:         bytes.Clone(name),
	}

	next := c
	next.Offset += recLen
	next.Position = c.Position.Next()
	return Transition{Next: StateReadingRecord, Cursor: next, Entry: entry}, nil
}
