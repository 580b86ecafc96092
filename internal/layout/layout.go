package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockSize is the logical block (sector) size of an ISO9660 image.
const BlockSize = 2048

// SystemAreaBlocks is the number of reserved blocks before the first
// volume descriptor.
const SystemAreaBlocks = 16

// Volume descriptor field offsets.
const (
	DescriptorTypeOffset  = 0
	StandardIDOffset      = 1
	StandardIDLen         = 5
	VolumeIDOffset        = 40
	VolumeIDLen           = 32
	RootLocationOffset    = 158
	RootSizeOffset        = 166
	DescriptorTypePrimary = 1
	StandardIdentifier    = "CD001"
)

// Directory record field offsets.
const (
	RecordLengthOffset = 0
	ExtentOffset       = 2
	RecordHeaderLen    = 33
	NameOffset         = RecordHeaderLen
)

// ErrShortBuffer is returned when a field extends past the end of a buffer.
var ErrShortBuffer = errors.New("isoroot: field exceeds buffer")

// Uint8 returns the byte at off.
func Uint8(buf []byte, off int) (uint8, error) {
	if off < 0 || off >= len(buf) {
		return 0, fmt.Errorf("%w: byte at %d, buffer length %d", ErrShortBuffer, off, len(buf))
	}
	return buf[off], nil
}

// Uint32LE decodes a little-endian uint32 starting at off.
func Uint32LE(buf []byte, off int) (uint32, error) {
	b, err := Bytes(buf, off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Bytes returns buf[off:off+n] after checking bounds.
// The result aliases buf; callers that retain it must copy.
func Bytes(buf []byte, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > len(buf) || n > len(buf)-off {
		return nil, fmt.Errorf("%w: %d bytes at %d, buffer length %d", ErrShortBuffer, n, off, len(buf))
	}
	return buf[off : off+n], nil
}
