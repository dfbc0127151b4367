package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a batch whose id is taken.
var ErrDuplicate = errors.New("duplicate id")

// ErrStaleWrite is returned when a batch was modified since it was loaded.
var ErrStaleWrite = errors.New("stale write")

// Image is a stored image belonging to a data source.
type Image struct {
	ID        string // source/hash
	Source    string
	BatchID   string
	FileName  string
	Hash      string
	Width     int
	Height    int
	BlobKey   string
	Signature uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fixed-width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way every timestamp column is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
