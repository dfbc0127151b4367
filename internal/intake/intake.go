// Package intake turns uploaded files into new import batches.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/records"
	"github.com/kalambet/stager/internal/storage"
)

// maxIDAttempts bounds how many later timestamps insert tries when two
// uploads for one source land in the same millisecond.
const maxIDAttempts = 16

var (
	// ErrInvalidSource is returned for empty source names or names containing a slash.
	ErrInvalidSource = errors.New("invalid source name")
	// ErrUnknownType is returned when no schema exists for a record type.
	ErrUnknownType = errors.New("unknown record type")
)

// Store persists new batches.
type Store interface {
	InsertBatch(ctx context.Context, b *batch.Batch) error
}

// Service creates batches. Uploaded archives are copied below uploadDir and
// referenced by the batch until an external janitor removes them.
type Service struct {
	store     Store
	schemas   *records.Registry
	uploadDir string
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Service.
func New(store Store, schemas *records.Registry, uploadDir string) *Service {
	return &Service{
		store:     store,
		schemas:   schemas,
		uploadDir: uploadDir,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// insert stores b, moving its creation time forward a millisecond at a
// time while the derived id is taken.
func (s *Service) insert(ctx context.Context, b *batch.Batch) error {
	for attempt := 1; ; attempt++ {
		err := s.store.InsertBatch(ctx, b)
		if !errors.Is(err, storage.ErrDuplicate) || attempt == maxIDAttempts {
			return err
		}
		b.Created = b.Created.Add(time.Millisecond)
		b.Modified = b.Created
		b.ID = batch.NewID(b.Source, b.Created)
	}
}

func validSource(source string) error {
	if source == "" || strings.Contains(source, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return nil
}

// CreateRecordBatch parses r as JSON rows and stores a new record batch.
// Undecodable input still creates the batch, already failed with
// ERROR_READING_DATA, so the upload shows up with its error.
func (s *Service) CreateRecordBatch(ctx context.Context, source, recordType, fileName string, r io.Reader) (*batch.Batch, error) {
	if err := validSource(source); err != nil {
		return nil, err
	}
	if _, ok := s.schemas.Lookup(recordType); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, recordType)
	}

	rows, parseErr := records.ParseRows(r)
	b := batch.NewRecordBatch(source, recordType, fileName, rows, s.now())
	if parseErr != nil {
		s.logger.Warn("record upload unreadable", "batch_id", b.ID, "file", fileName, "error", parseErr)
		b.Results = nil
		b.Fail(batch.ErrReadingData)
	}
	if err := s.insert(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("record batch created", "batch_id", b.ID, "rows", len(b.Results))
	return b, nil
}

// CreateImageBatch stores the uploaded archive and a new image batch
// pointing at it.
func (s *Service) CreateImageBatch(ctx context.Context, source, fileName string, r io.Reader) (*batch.Batch, error) {
	if err := validSource(source); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	archive := filepath.Join(s.uploadDir, uuid.NewString()+".zip")
	f, err := os.Create(archive)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(archive)
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(archive)
		return nil, err
	}

	b := batch.NewImageBatch(source, fileName, archive, s.now())
	if err := s.insert(ctx, b); err != nil {
		os.Remove(archive)
		return nil, err
	}
	s.logger.Info("image batch created", "batch_id", b.ID, "archive", archive)
	return b, nil
}
