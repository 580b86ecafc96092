package isoroot

import (
	"errors"
	"fmt"

	"github.com/meigma/isoroot/internal/layout"
)

// Sentinel errors.
var (
	// ErrInvalidVolumeDescriptor is returned when the first volume descriptor
	// is not a primary volume descriptor. Later descriptors are not scanned.
	ErrInvalidVolumeDescriptor = errors.New("isoroot: first volume descriptor is not a primary volume descriptor")

	// ErrCorruptDirectoryEntry is returned when a directory record is malformed
	// or, with extent validation enabled, points outside the image.
	ErrCorruptDirectoryEntry = errors.New("isoroot: corrupt directory entry")

	// ErrSizeOverflow is returned when an offset or size exceeds supported limits.
	ErrSizeOverflow = errors.New("isoroot: size overflow")

	// ErrShortBuffer is returned when a field extends past the end of a block.
	ErrShortBuffer = layout.ErrShortBuffer
)

// IOError reports a failed read from the underlying image.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("isoroot: %s at byte offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
