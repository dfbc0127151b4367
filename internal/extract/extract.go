package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/stager/internal/batch"
)

// DefaultExtensions are the accepted image file extensions.
var DefaultExtensions = []string{".jpg", ".jpeg"}

// Extractor copies accepted entries into a fresh directory per run. The
// directories are not removed here.
type Extractor struct {
	baseDir    string
	extensions []string
	logger     *slog.Logger
}

// New returns an Extractor writing below baseDir. Empty extensions selects
// DefaultExtensions. Extensions match case-insensitively.
func New(baseDir string, extensions []string) *Extractor {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	norm := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		norm[i] = ext
	}
	return &Extractor{baseDir: baseDir, extensions: norm, logger: slog.Default()}
}

// Accepts reports whether an entry base name passes the name filters.
func (x *Extractor) Accepts(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range x.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ExtractFile opens the zip at archivePath and extracts it.
func (x *Extractor) ExtractFile(ctx context.Context, archivePath string) (string, []string, error) {
	a, err := OpenZip(archivePath)
	if err != nil {
		return "", nil, batch.Fail(batch.ErrReadingZip, err)
	}
	defer a.Close()
	return x.Extract(ctx, a)
}

// Extract writes every accepted entry of a into a new directory and returns
// the directory and the written paths in archive order. Directories, links,
// hidden names, other extensions and repeated base names are skipped. A
// broken archive fails with ERROR_READING_ZIP, an archive with nothing
// acceptable with ZIP_FILE_EMPTY.
func (x *Extractor) Extract(ctx context.Context, a Archive) (string, []string, error) {
	dir := filepath.Join(x.baseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating extraction directory: %w", err)
	}

	var (
		paths   []string
		seen    = make(map[string]bool)
		skipped int
	)
	for {
		if err := ctx.Err(); err != nil {
			return dir, nil, err
		}
		e, err := a.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dir, nil, batch.Fail(batch.ErrReadingZip, err)
		}

		name := path.Base(filepath.ToSlash(e.Name))
		out := filepath.Join(dir, name)
		if e.Type != Regular || !x.Accepts(name) || seen[out] {
			skipped++
			continue
		}
		seen[out] = true

		if err := copyEntry(e, out); err != nil {
			return dir, nil, err
		}
		paths = append(paths, out)
		x.logger.Debug("entry extracted", "name", e.Name, "path", out)
	}

	x.logger.Info("archive extracted", "dir", dir, "extracted", len(paths), "skipped", skipped)
	if len(paths) == 0 {
		return dir, nil, batch.Fail(batch.ErrZipFileEmpty, nil)
	}
	return dir, paths, nil
}

func copyEntry(e *Entry, out string) error {
	rc, err := e.Open()
	if err != nil {
		return batch.Fail(batch.ErrReadingZip, fmt.Errorf("open %s: %w", e.Name, err))
	}
	defer rc.Close()

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create file %s: %w", out, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(out)
		return batch.Fail(batch.ErrReadingZip, fmt.Errorf("copy %s: %w", e.Name, err))
	}
	return f.Close()
}
