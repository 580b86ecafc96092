// Package isoroot lists the root directory of an ISO9660 disk image.
//
// Listing happens in two steps. [LocateRoot] reads the Primary Volume
// Descriptor at block 16 and extracts the root directory's location and
// size. A [Walker] then streams the root directory's records, which are
// packed into 2048-byte blocks, never split across a block boundary, and
// followed by zero padding.
//
// # Quick Start
//
//	src, err := isoroot.Open("image.iso")
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//
//	vol, err := isoroot.LocateRoot(src)
//	if err != nil {
//	    return err
//	}
//	w, err := isoroot.NewWalker(src, vol)
//	if err != nil {
//	    return err
//	}
//	for entry, err := range w.Entries() {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s is at byte offset %d\n", entry.Label(), entry.Offset)
//	}
//
// # Sources
//
// Any [ByteSource] works: local files and zstd-compressed images via [Open],
// in-memory images via [NewMemorySource], and remote images via the http
// subpackage. Remote sources can be wrapped with the block cache from the
// cache/disk subpackage.
//
// # Walker states
//
// The walker is an explicit state machine. [Step] is the pure transition
// function over one block and a [Cursor]; it never performs I/O, so each
// transition can be tested without building an image.
package isoroot
