package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/stager/internal/records"
)

// GetRecord loads a record by its stored identity.
func (s *Store) GetRecord(ctx context.Context, id string) (*records.Record, error) {
	var (
		r                     records.Record
		data                  string
		createdAt, modifiedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, type, data, created_at, modified_at FROM records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Source, &r.Type, &data, &createdAt, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	if r.Created, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.Modified, err = parseTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	return &r, nil
}

// RecordIDsBySource returns the identities of every record of source.
func (s *Store) RecordIDsBySource(ctx context.Context, source string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE source = ? ORDER BY id`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertRecord inserts r or replaces the data of an existing record.
func (s *Store) UpsertRecord(ctx context.Context, r *records.Record) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.ID, err)
	}
	now := time.Now().UTC()
	if r.Created.IsZero() {
		r.Created = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, source, type, data, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, type = excluded.type, modified_at = excluded.modified_at`,
		r.ID, r.Source, r.Type, string(data), FormatTime(r.Created), FormatTime(now),
	)
	if err != nil {
		return err
	}
	r.Modified = now
	return nil
}

// DeleteRecord removes a record together with its image links and
// similarity rows.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting record %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_images WHERE record_id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM record_similarity WHERE record_id = ? OR similar_id = ?`, id, id)
		return err
	})
}

// MarkAllSourceCachesStale flags the cache of every stored source, and of
// source itself, for rebuilding. Record imports change cross-source
// summaries, so one source's import invalidates them all.
func (s *Store) MarkAllSourceCachesStale(ctx context.Context, source string) error {
	now := FormatTime(time.Now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// WHERE true keeps SQLite from reading ON CONFLICT as a join clause.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_cache (source, stale, updated_at)
			SELECT DISTINCT source, 1, ? FROM records WHERE true
			ON CONFLICT(source) DO UPDATE SET stale = 1, updated_at = excluded.updated_at`, now); err != nil {
			return fmt.Errorf("marking record sources stale: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE source_cache SET stale = 1, updated_at = ?`, now); err != nil {
			return fmt.Errorf("marking cached sources stale: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO source_cache (source, stale, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(source) DO UPDATE SET stale = 1, updated_at = excluded.updated_at`,
			source, now,
		)
		return err
	})
}

// SourceCacheStale reports whether source's cache was marked stale.
func (s *Store) SourceCacheStale(ctx context.Context, source string) (bool, error) {
	var stale int
	err := s.db.QueryRowContext(ctx, `SELECT stale FROM source_cache WHERE source = ?`, source).Scan(&stale)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return stale == 1, err
}

// LinkImageToRecords attaches imageID to every record of source whose images
// field lists fileName. Returns the number of records linked.
func (s *Store) LinkImageToRecords(ctx context.Context, source, fileName, imageID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO record_images (record_id, image_id)
		SELECT r.id, ? FROM records r, json_each(r.data, '$.images') j
		WHERE r.source = ? AND j.value = ?`,
		imageID, source, fileName,
	)
	if err != nil {
		return 0, fmt.Errorf("linking image %s: %w", imageID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordImages returns the ids of images linked to a record.
func (s *Store) RecordImages(ctx context.Context, recordID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT image_id FROM record_images WHERE record_id = ? ORDER BY image_id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
