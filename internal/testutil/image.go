package testutil

import (
	"encoding/binary"
	"testing"

	"github.com/meigma/isoroot/internal/layout"
)

// Record describes a directory record to place in a synthetic image.
type Record struct {
	// Name is the identifier; self and parent records use "\x00" and "\x01".
	Name string

	// Extent is the block index stored at record offset 2.
	Extent uint32

	// Length overrides the record length byte when non-zero.
	Length uint8
}

// Len returns the record length byte that will be written.
func (r Record) Len() int {
	if r.Length != 0 {
		return int(r.Length)
	}
	return layout.RecordHeaderLen + len(r.Name)
}

// Self returns the "." record of a directory at extent.
func Self(extent uint32) Record {
	return Record{Name: "\x00", Extent: extent}
}

// Parent returns the ".." record of a directory at extent.
func Parent(extent uint32) Record {
	return Record{Name: "\x01", Extent: extent}
}

// Image assembles a minimal ISO9660 image: a system area, a primary volume
// descriptor, and a root directory whose blocks are filled record by record.
type Image struct {
	// VolumeID is written space-padded at descriptor offset 40.
	VolumeID string

	// DescriptorType is written at descriptor offset 0. Zero means primary.
	DescriptorType uint8

	// RootLocation is the root directory block index. Zero means 20.
	RootLocation uint32

	// RootSize overrides the recorded root directory size when non-zero.
	RootSize uint32

	// Blocks holds the records of each root directory block, in order.
	Blocks [][]Record

	// TotalBlocks pads the image to at least this many blocks.
	TotalBlocks int
}

// Build returns the encoded image.
func (img Image) Build(tb testing.TB) []byte {
	tb.Helper()

	rootLoc := img.RootLocation
	if rootLoc == 0 {
		rootLoc = 20
	}
	nBlocks := int(rootLoc) + len(img.Blocks)
	if img.TotalBlocks > nBlocks {
		nBlocks = img.TotalBlocks
	}
	data := make([]byte, nBlocks*layout.BlockSize)

	pvd := data[layout.SystemAreaBlocks*layout.BlockSize:]
	pvd[layout.DescriptorTypeOffset] = layout.DescriptorTypePrimary
	if img.DescriptorType != 0 {
		pvd[layout.DescriptorTypeOffset] = img.DescriptorType
	}
	copy(pvd[layout.StandardIDOffset:], layout.StandardIdentifier)
	pvd[6] = 1
	volID := pvd[layout.VolumeIDOffset : layout.VolumeIDOffset+layout.VolumeIDLen]
	for i := range volID {
		volID[i] = ' '
	}
	copy(volID, img.VolumeID)

	rootSize := img.RootSize
	if rootSize == 0 {
		rootSize = uint32(len(img.Blocks) * layout.BlockSize) //nolint:gosec // test images are small
	}
	binary.LittleEndian.PutUint32(pvd[layout.RootLocationOffset:], rootLoc)
	binary.LittleEndian.PutUint32(pvd[layout.RootSizeOffset:], rootSize)

	for i, records := range img.Blocks {
		block := data[(int(rootLoc)+i)*layout.BlockSize : (int(rootLoc)+i+1)*layout.BlockSize]
		off := 0
		for _, r := range records {
			n := r.Len()
			if off+layout.RecordHeaderLen > len(block) {
				tb.Fatalf("testutil: record %q does not fit in block %d", r.Name, i)
			}
			block[off+layout.RecordLengthOffset] = uint8(n) //nolint:gosec // bounded by test input
			binary.LittleEndian.PutUint32(block[off+layout.ExtentOffset:], r.Extent)
			copy(block[off+layout.NameOffset:min(off+max(n, layout.RecordHeaderLen), len(block))], r.Name)
			off += n
		}
	}
	return data
}
