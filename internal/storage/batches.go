package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/stager/internal/batch"
)

const batchColumns = `id, kind, source, state, error, results, record_type, file_name, archive_path, version, created_at, modified_at`

// InsertBatch stores a new batch at version 1. An existing batch with the
// same id is left untouched and ErrDuplicate returned.
func (s *Store) InsertBatch(ctx context.Context, b *batch.Batch) error {
	results, err := json.Marshal(b.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	now := time.Now().UTC()
	if b.Created.IsZero() {
		b.Created = now
	}
	recordType, fileName, archivePath := payloadColumns(b)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, string(b.Kind), b.Source, string(b.State), string(b.Error), string(results),
		recordType, fileName, archivePath, FormatTime(b.Created), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting batch %s: %w", b.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("inserting batch %s: %w", b.ID, ErrDuplicate)
	}
	b.Version = 1
	b.Modified = now
	return nil
}

// PutBatch persists b if nobody else has written it since it was loaded.
// On success the batch's Version and Modified fields are advanced.
func (s *Store) PutBatch(ctx context.Context, b *batch.Batch) error {
	results, err := json.Marshal(b.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET state = ?, error = ?, results = ?, version = version + 1, modified_at = ?
		WHERE id = ? AND version = ?`,
		string(b.State), string(b.Error), string(results), FormatTime(now), b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("updating batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE id = ?`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	b.Version++
	b.Modified = now
	return nil
}

// GetBatch loads a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindBatchesInStates returns the ids of batches of kind k currently in any
// of the given states, oldest first.
func (s *Store) FindBatchesInStates(ctx context.Context, k batch.Kind, states []batch.State) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(states)+1)
	args = append(args, string(k))
	for _, st := range states {
		args = append(args, string(st))
	}
	placeholders := strings.Repeat(",?", len(states)-1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM batches WHERE kind = ? AND state IN (?`+placeholders+`)
		ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
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

// ListBatches returns the most recent batches of kind k, optionally limited
// to one source.
func (s *Store) ListBatches(ctx context.Context, k batch.Kind, source string, limit int) ([]*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE kind = ?`
	args := []any{string(k)}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []*batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*batch.Batch, error) {
	var (
		b                                 batch.Batch
		kind, state, errCode, results     string
		recordType, fileName, archivePath string
		createdAt, modifiedAt             string
	)
	if err := row.Scan(&b.ID, &kind, &b.Source, &state, &errCode, &results,
		&recordType, &fileName, &archivePath, &b.Version, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}
	b.Kind = batch.Kind(kind)
	b.State = batch.State(state)
	b.Error = batch.ErrorCode(errCode)
	if err := json.Unmarshal([]byte(results), &b.Results); err != nil {
		return nil, fmt.Errorf("decoding results of batch %s: %w", b.ID, err)
	}
	var err error
	if b.Created, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.Modified, err = parseTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	switch b.Kind {
	case batch.KindRecord:
		b.Records = &batch.RecordPayload{Type: recordType, FileName: fileName}
	case batch.KindImage:
		b.Images = &batch.ImagePayload{ArchivePath: archivePath, FileName: fileName}
	}
	return &b, nil
}

func payloadColumns(b *batch.Batch) (recordType, fileName, archivePath string) {
	if b.Records != nil {
		return b.Records.Type, b.Records.FileName, ""
	}
	if b.Images != nil {
		return "", b.Images.FileName, b.Images.ArchivePath
	}
	return "", "", ""
}
