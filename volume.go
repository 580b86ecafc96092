package isoroot

import (
	"bytes"
	"fmt"

	"github.com/meigma/isoroot/internal/layout"
	"github.com/meigma/isoroot/internal/sizing"
)

// Volume holds the fields copied out of the Primary Volume Descriptor.
type Volume struct {
	// Type is the descriptor type byte; 1 for a primary descriptor.
	Type uint8

	// StandardID is the five-byte standard identifier, normally "CD001".
	StandardID [layout.StandardIDLen]byte

	// ID is the raw, space-padded volume identifier.
	ID [layout.VolumeIDLen]byte

	// RootLocation is the block index of the root directory extent.
	RootLocation uint32

	// RootSize is the length of the root directory in bytes.
	RootSize uint32
}

// RootOffset returns the byte offset of the root directory.
func (v *Volume) RootOffset() uint64 {
	return uint64(v.RootLocation) * BlockSize
}

// RootBlocks returns the number of blocks holding the root directory,
// rounding a partial trailing block up.
func (v *Volume) RootBlocks() uint32 {
	return uint32(sizing.CeilDiv(uint64(v.RootSize), BlockSize)) //nolint:gosec // at most MaxUint32/BlockSize+1
}

// VolumeID returns the volume identifier without trailing padding.
func (v *Volume) VolumeID() string {
	return string(bytes.TrimRight(v.ID[:], " \x00"))
}

// LocateRoot reads the Primary Volume Descriptor from src and returns the
// root directory location and size.
//
// Only the first volume descriptor is inspected. If it is not a primary
// descriptor, LocateRoot fails with ErrInvalidVolumeDescriptor rather than
// scanning the descriptor set.
//
// LocateRoot writes no output. The volume ID and root directory offset are
// reported only through the debug logger; use Lister to print the
// "Volume ID is ..." and root directory lines.
func LocateRoot(src ByteSource, opts ...Option) (*Volume, error) {
	cfg := newConfig(opts)
	if err := cfg.ctx.Err(); err != nil {
		return nil, err
	}

	r := NewBlockReader(src, cfg.log())
	if err := r.SeekBlock(layout.SystemAreaBlocks); err != nil {
		return nil, err
	}
	block, err := r.ReadBlock()
	if err != nil {
		return nil, err
	}

	vol, err := ParseVolumeDescriptor(block)
	if err != nil {
		return nil, err
	}

	log := cfg.log()
	if string(vol.StandardID[:]) != layout.StandardIdentifier {
		log.Warn("unexpected standard identifier", "identifier", string(vol.StandardID[:]))
	}
	log.Debug("located root directory",
		"volume_id", vol.VolumeID(),
		"location", vol.RootLocation,
		"offset", vol.RootOffset(),
		"size", vol.RootSize,
	)
	return vol, nil
}

// ParseVolumeDescriptor decodes a volume descriptor block.
// It fails with ErrInvalidVolumeDescriptor unless the block is a primary
// volume descriptor.
func ParseVolumeDescriptor(block []byte) (*Volume, error) {
	typ, err := layout.Uint8(block, layout.DescriptorTypeOffset)
	if err != nil {
		return nil, err
	}
	if typ != layout.DescriptorTypePrimary {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidVolumeDescriptor, typ)
	}

	vol := &Volume{Type: typ}
	stdID, err := layout.Bytes(block, layout.StandardIDOffset, layout.StandardIDLen)
	if err != nil {
		return nil, err
	}
	copy(vol.StandardID[:], stdID)

	id, err := layout.Bytes(block, layout.VolumeIDOffset, layout.VolumeIDLen)
	if err != nil {
		return nil, err
	}
	copy(vol.ID[:], id)

	if vol.RootLocation, err = layout.Uint32LE(block, layout.RootLocationOffset); err != nil {
		return nil, err
	}
	if vol.RootSize, err = layout.Uint32LE(block, layout.RootSizeOffset); err != nil {
		return nil, err
	}
	return vol, nil
}
