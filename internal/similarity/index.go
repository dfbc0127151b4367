// Package similarity maintains image and record similarity tables in the
// same SQLite database as the batches. Work is flagged by the import
// pipelines and consumed one unit at a time by the scheduler.
package similarity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/stager/internal/storage"
)

const (
	defaultMaxDistance = 10
	defaultMaxMatches  = 25
)

// Index implements the similarity work queue over a SQLite database.
type Index struct {
	db          *sql.DB
	maxDistance int
	maxMatches  int
	logger      *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithMaxDistance sets the largest signature Hamming distance still
// considered similar.
func WithMaxDistance(d int) Option {
	return func(ix *Index) {
		if d >= 0 {
			ix.maxDistance = d
		}
	}
}

// WithMaxMatches caps how many neighbours are stored per image or record.
func WithMaxMatches(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.maxMatches = n
		}
	}
}

// New returns an Index backed by db.
func New(db *sql.DB, opts ...Option) *Index {
	ix := &Index{
		db:          db,
		maxDistance: defaultMaxDistance,
		maxMatches:  defaultMaxMatches,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// FlagSourceForResync marks every record of source as needing its similar
// records recomputed.
func (ix *Index) FlagSourceForResync(ctx context.Context, source string) error {
	res, err := ix.db.ExecContext(ctx, `UPDATE records SET needs_similar_update = 1 WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("flagging records of %s: %w", source, err)
	}
	n, _ := res.RowsAffected()
	ix.logger.Info("source flagged for similarity resync", "source", source, "records", n)
	return nil
}

// EnqueueSimilarityUpdate marks one record as needing recomputation.
func (ix *Index) EnqueueSimilarityUpdate(ctx context.Context, recordID string) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE records SET needs_similar_update = 1 WHERE id = ?`, recordID)
	return err
}

// EnqueueImages queues images for indexing.
func (ix *Index) EnqueueImages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := ix.db.ExecContext(ctx,
		`UPDATE images SET needs_index = 1 WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("enqueueing images: %w", err)
	}
	return nil
}

// TryIndexImage makes one queued image available for matching. Reports
// whether an image was found.
func (ix *Index) TryIndexImage(ctx context.Context) (bool, error) {
	var id string
	err := ix.db.QueryRowContext(ctx, `SELECT id FROM images WHERE needs_index = 1 ORDER BY created_at LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding image to index: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, `
		UPDATE images SET needs_index = 0, indexed = 1, needs_similar_update = 1, modified_at = ?
		WHERE id = ?`, storage.FormatTime(time.Now()), id); err != nil {
		return false, fmt.Errorf("indexing image %s: %w", id, err)
	}
	ix.logger.Debug("image indexed", "image_id", id)
	return true, nil
}

type neighbour struct {
	id       string
	distance int
}

// TryRecomputeImage recomputes the similar images of one flagged image and
// flags the records it belongs to. Reports whether an image was found.
func (ix *Index) TryRecomputeImage(ctx context.Context) (bool, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var (
		id  string
		sig int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, signature FROM images WHERE needs_similar_update = 1 AND indexed = 1
		ORDER BY modified_at LIMIT 1`).Scan(&id, &sig)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding image to update: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, signature FROM images WHERE indexed = 1 AND id != ?`, id)
	if err != nil {
		return false, err
	}
	var matches []neighbour
	for rows.Next() {
		var (
			other    string
			otherSig int64
		)
		if err := rows.Scan(&other, &otherSig); err != nil {
			rows.Close()
			return false, err
		}
		if d := Distance(uint64(sig), uint64(otherSig)); d <= ix.maxDistance {
			matches = append(matches, neighbour{id: other, distance: d})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].distance != matches[j].distance {
			return matches[i].distance < matches[j].distance
		}
		return matches[i].id < matches[j].id
	})
	if len(matches) > ix.maxMatches {
		matches = matches[:ix.maxMatches]
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_similarity WHERE image_id = ?`, id); err != nil {
		return false, err
	}
	for _, m := range matches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO image_similarity (image_id, similar_id, distance) VALUES (?, ?, ?)`,
			id, m.id, m.distance); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE images SET needs_similar_update = 0 WHERE id = ?`, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET needs_similar_update = 1
		WHERE id IN (SELECT record_id FROM record_images WHERE image_id = ?)`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing image similarity: %w", err)
	}
	ix.logger.Debug("image similarity updated", "image_id", id, "matches", len(matches))
	return true, nil
}

// TryRecomputeRecords recomputes the similar records of one flagged record
// of recordType. Two records are similar when any of their images are, and
// are ranked by how many image pairs match. Reports whether a record was found.
func (ix *Index) TryRecomputeRecords(ctx context.Context, recordType string) (bool, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM records WHERE type = ? AND needs_similar_update = 1
		ORDER BY modified_at LIMIT 1`, recordType).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding %s record to update: %w", recordType, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ri2.record_id, COUNT(*) AS score
		FROM record_images ri1
		JOIN image_similarity s ON s.image_id = ri1.image_id
		JOIN record_images ri2 ON ri2.image_id = s.similar_id
		JOIN records r2 ON r2.id = ri2.record_id
		WHERE ri1.record_id = ? AND ri2.record_id != ? AND r2.type = ?
		GROUP BY ri2.record_id
		ORDER BY score DESC, ri2.record_id
		LIMIT ?`, id, id, recordType, ix.maxMatches)
	if err != nil {
		return false, err
	}
	type scored struct {
		id    string
		score int
	}
	var matches []scored
	for rows.Next() {
		var m scored
		if err := rows.Scan(&m.id, &m.score); err != nil {
			rows.Close()
			return false, err
		}
		matches = append(matches, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_similarity WHERE record_id = ?`, id); err != nil {
		return false, err
	}
	for _, m := range matches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_similarity (record_id, similar_id, score) VALUES (?, ?, ?)`,
			id, m.id, m.score); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE records SET needs_similar_update = 0 WHERE id = ?`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing record similarity: %w", err)
	}
	ix.logger.Debug("record similarity updated", "record_id", id, "matches", len(matches))
	return true, nil
}

// Similar returns the stored neighbours of an image, closest first.
func (ix *Index) Similar(ctx context.Context, imageID string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT similar_id FROM image_similarity WHERE image_id = ? ORDER BY distance, similar_id`, imageID)
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

// SimilarRecords returns the stored neighbours of a record, best first.
func (ix *Index) SimilarRecords(ctx context.Context, recordID string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT similar_id FROM record_similarity WHERE record_id = ? ORDER BY score DESC, similar_id`, recordID)
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

// Distance is the Hamming distance between two image signatures.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
