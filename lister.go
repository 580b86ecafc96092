package isoroot

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Lister prints the root directory listing of an image.
//
// The volume ID and one line per entry go to the primary writer; the root
// directory location and size go to the diagnostic writer.
type Lister struct {
	out  io.Writer
	diag io.Writer
	opts []Option
}

// NewLister returns a Lister writing to out and diag.
// The options are passed to LocateRoot and NewWalker.
func NewLister(out, diag io.Writer, opts ...Option) *Lister {
	if diag == nil {
		diag = io.Discard
	}
	return &Lister{out: out, diag: diag, opts: opts}
}

// List prints the listing of src.
//
// Output for a given image is byte-identical across runs. Any error aborts
// the listing; lines already printed are flushed before List returns.
func (l *Lister) List(ctx context.Context, src ByteSource) (err error) {
	opts := append(l.opts[:len(l.opts):len(l.opts)], WithContext(ctx))

	out := bufio.NewWriter(l.out)
	defer func() {
		if flushErr := out.Flush(); err == nil {
			err = flushErr
		}
	}()

	vol, err := LocateRoot(src, opts...)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Volume ID is %s\n", vol.ID[:]); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(l.diag, "Root directory is at location %xh = byte offset %d\n",
		vol.RootLocation, vol.RootOffset()); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(l.diag, "Root directory size is %xh = %d bytes\n",
		vol.RootSize, vol.RootSize); err != nil {
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
		if _, err := fmt.Fprintf(out, "%s is at byte offset %d\n", entry.Label(), entry.Offset); err != nil {
			return err
		}
	}
	return nil
}
