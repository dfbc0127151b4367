package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const imageColumns = `id, source, batch_id, file_name, hash, width, height, blob_key, signature, created_at, modified_at`

// SaveImage inserts img or replaces an existing image with the same id.
func (s *Store) SaveImage(ctx context.Context, img *Image) error {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			batch_id = excluded.batch_id, file_name = excluded.file_name,
			width = excluded.width, height = excluded.height, blob_key = excluded.blob_key,
			signature = excluded.signature, modified_at = excluded.modified_at`,
		img.ID, img.Source, img.BatchID, img.FileName, img.Hash, img.Width, img.Height,
		img.BlobKey, int64(img.Signature), FormatTime(img.CreatedAt), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving image %s: %w", img.ID, err)
	}
	img.UpdatedAt = now
	return nil
}

// GetImage loads an image by id.
func (s *Store) GetImage(ctx context.Context, id string) (*Image, error) {
	return s.scanImage(s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
}

// FindImageByFileName returns the most recently stored image of source
// uploaded under fileName.
func (s *Store) FindImageByFileName(ctx context.Context, source, fileName string) (*Image, error) {
	return s.scanImage(s.db.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM images WHERE source = ? AND file_name = ?
		ORDER BY modified_at DESC LIMIT 1`, source, fileName))
}

func (s *Store) scanImage(row *sql.Row) (*Image, error) {
	var (
		img                   Image
		sig                   int64
		createdAt, modifiedAt string
	)
	err := row.Scan(&img.ID, &img.Source, &img.BatchID, &img.FileName, &img.Hash, &img.Width, &img.Height,
		&img.BlobKey, &sig, &createdAt, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	img.Signature = uint64(sig)
	if img.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if img.UpdatedAt, err = parseTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	return &img, nil
}
