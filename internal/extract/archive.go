// Package extract materializes the acceptable image entries of an uploaded
// archive into a private directory.
package extract

import (
	"archive/zip"
	"io"
)

// EntryType classifies archive entries.
type EntryType int

const (
	Regular EntryType = iota
	Directory
	Other
)

// Entry is one member of an archive. Open is only called for entries that
// are kept, so skipped entries are never decompressed.
type Entry struct {
	Name string
	Type EntryType
	Open func() (io.ReadCloser, error)
}

// Archive iterates entries in archive order. Next returns io.EOF after the
// last entry.
type Archive interface {
	Next() (*Entry, error)
	Close() error
}

// ZipArchive reads a zip file from disk.
type ZipArchive struct {
	rc   *zip.ReadCloser
	next int
}

// OpenZip opens the zip file at path.
func OpenZip(path string) (*ZipArchive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &ZipArchive{rc: rc}, nil
}

func (z *ZipArchive) Next() (*Entry, error) {
	if z.next >= len(z.rc.File) {
		return nil, io.EOF
	}
	f := z.rc.File[z.next]
	z.next++

	mode := f.FileInfo().Mode()
	typ := Other
	switch {
	case mode.IsDir():
		typ = Directory
	case mode.IsRegular():
		typ = Regular
	}
	return &Entry{Name: f.Name, Type: typ, Open: f.Open}, nil
}

func (z *ZipArchive) Close() error {
	return z.rc.Close()
}
