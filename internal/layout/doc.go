// Package layout describes the bit-exact ISO9660 structures read by isoroot
// and provides bounds-checked little-endian decoders over block buffers.
//
// Offsets follow ECMA-119: the Primary Volume Descriptor lives at block 16,
// directory records carry a 33-byte fixed header followed by the name.
// Integer decoders return values; Bytes returns a subslice of the block, so
// callers copy anything they keep past the next read.
package layout
