package testutil

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"

	"github.com/meigma/isoroot/internal/layout"
)

const diskfsImageSize = 4 << 20

// BuildISO writes a real ISO9660 image containing files at the root and
// returns its path. Files map names to contents; names should be 8.3 style.
func BuildISO(tb testing.TB, volumeID string, files map[string]string) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "image.iso")
	d, err := diskfs.Create(path, diskfsImageSize, diskfs.Raw)
	if err != nil {
		tb.Fatalf("diskfs.Create() error = %v", err)
	}
	defer d.File.Close()

	d.LogicalBlocksize = layout.BlockSize
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: volumeID,
		WorkDir:     tb.TempDir(),
	})
	if err != nil {
		tb.Fatalf("CreateFilesystem() error = %v", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := fs.OpenFile("/"+name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			tb.Fatalf("OpenFile(%q) error = %v", name, err)
		}
		if _, err := f.Write([]byte(files[name])); err != nil {
			tb.Fatalf("Write(%q) error = %v", name, err)
		}
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil {
				tb.Fatalf("Close(%q) error = %v", name, err)
			}
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		tb.Fatalf("filesystem is %T, want *iso9660.FileSystem", fs)
	}
	if err := iso.Finalize(iso9660.FinalizeOptions{VolumeIdentifier: volumeID}); err != nil {
		tb.Fatalf("Finalize() error = %v", err)
	}
	return path
}

// ReadRootNames lists the root directory of the image at path with go-diskfs,
// excluding the self and parent entries.
func ReadRootNames(tb testing.TB, path string) []string {
	tb.Helper()

	f, err := os.Open(path) //nolint:gosec // test fixture path
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		tb.Fatalf("stat %s: %v", path, err)
	}

	fs, err := iso9660.Read(f, info.Size(), 0, layout.BlockSize)
	if err != nil {
		tb.Fatalf("iso9660.Read() error = %v", err)
	}
	infos, err := fs.ReadDir("/")
	if err != nil {
		tb.Fatalf("ReadDir() error = %v", err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names
}
