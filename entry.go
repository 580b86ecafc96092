package isoroot

import (
	"bytes"
	"fmt"
)

// RootDirectoryLabel is printed in place of the self and parent entries'
// names, which are single non-printable bytes.
const RootDirectoryLabel = "Root directory"

// Position identifies a record's place in the directory stream.
//
// The first two records of every directory refer to the directory itself
// and to its parent; for the root directory both resolve to the root.
type Position uint32

const (
	// PositionSelf is the first record, the directory itself.
	PositionSelf Position = 0

	// PositionParent is the second record, the parent directory.
	PositionParent Position = 1
)

// Nth returns the position of the n-th record, counting from zero.
func Nth(n uint32) Position {
	return Position(n)
}

// Synthetic reports whether the record at p is a self or parent reference.
func (p Position) Synthetic() bool {
	return p == PositionSelf || p == PositionParent
}

// Next returns the position of the following record.
func (p Position) Next() Position {
	return p + 1
}

func (p Position) String() string {
	switch p {
	case PositionSelf:
		return "self"
	case PositionParent:
		return "parent"
	default:
		return fmt.Sprintf("entry %d", uint32(p))
	}
}

// Entry is one directory record of the root directory.
type Entry struct {
	// Position is the record's place in the directory stream.
	Position Position

	// RecordLength is the total record length including the 33-byte header.
	RecordLength uint8

	// Extent is the block index where the entry's content begins.
	Extent uint32

	// Offset is the byte offset of the entry's content (Extent × BlockSize).
	Offset uint64

	// Name holds the RecordLength-33 bytes following the record header: the
	// identifier, such as "README.TXT;1", plus any padding byte. It is a copy
	// and does not alias any block buffer.
	Name []byte
}

// Label returns RootDirectoryLabel for the self and parent records and the
// name for every other record, without the zero padding byte that follows
// even-length identifiers.
func (e Entry) Label() string {
	if e.Position.Synthetic() {
		return RootDirectoryLabel
	}
	return string(bytes.TrimRight(e.Name, "\x00"))
}
