package extract

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/stager/internal/batch"
)

type zipEntry struct {
	name string
	body string
}

func writeZip(t *testing.T, entries ...zipEntry) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if e.body != "" {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func baseNames(paths []string) []string {
	var out []string
	for _, p := range paths {
		out = append(out, filepath.Base(p))
	}
	return out
}

func TestExtractFiltersEntries(t *testing.T) {
	archive := writeZip(t,
		zipEntry{"photo.jpg", "jpeg bytes"},
		zipEntry{"notes.txt", "text"},
		zipEntry{".hidden.jpg", "hidden"},
		zipEntry{"folder/", ""},
	)
	x := New(t.TempDir(), nil)

	dir, paths, err := x.ExtractFile(context.Background(), archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"photo.jpg"}, baseNames(paths))
	assert.Equal(t, dir, filepath.Dir(paths[0]))

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(body))
}

func TestExtractDropsDuplicateNames(t *testing.T) {
	archive := writeZip(t,
		zipEntry{"a/x.jpg", "first"},
		zipEntry{"b/x.jpg", "second"},
		zipEntry{"b/Y.JPEG", "upper"},
	)
	x := New(t.TempDir(), nil)

	_, paths, err := x.ExtractFile(context.Background(), archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.jpg", "Y.JPEG"}, baseNames(paths))

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))
}

func TestExtractOrderIndependent(t *testing.T) {
	entries := []zipEntry{{"a.jpg", "a"}, {"b.jpg", "b"}, {"c.txt", "c"}}
	reversed := []zipEntry{entries[2], entries[1], entries[0]}
	x := New(t.TempDir(), nil)

	_, p1, err := x.ExtractFile(context.Background(), writeZip(t, entries...))
	require.NoError(t, err)
	_, p2, err := x.ExtractFile(context.Background(), writeZip(t, reversed...))
	require.NoError(t, err)

	n1, n2 := baseNames(p1), baseNames(p2)
	sort.Strings(n1)
	sort.Strings(n2)
	assert.Equal(t, n1, n2)
}

func TestExtractEmptyArchive(t *testing.T) {
	archive := writeZip(t, zipEntry{"readme.txt", "x"}, zipEntry{"._photo.jpg", "mac"})
	x := New(t.TempDir(), nil)

	_, _, err := x.ExtractFile(context.Background(), archive)
	assert.Equal(t, batch.ErrZipFileEmpty, batch.CodeOf(err))
}

func TestExtractCorruptArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(p, []byte("definitely not a zip"), 0o644))
	x := New(t.TempDir(), nil)

	_, _, err := x.ExtractFile(context.Background(), p)
	assert.Equal(t, batch.ErrReadingZip, batch.CodeOf(err))
}

type brokenArchive struct{ served bool }

func (b *brokenArchive) Next() (*Entry, error) {
	if b.served {
		return nil, errors.New("unexpected EOF")
	}
	b.served = true
	return &Entry{Name: "ok.jpg", Type: Regular, Open: func() (rc io.ReadCloser, err error) {
		return io.NopCloser(strings.NewReader("data")), nil
	}}, nil
}

func (b *brokenArchive) Close() error { return nil }

func TestExtractFailsMidStream(t *testing.T) {
	x := New(t.TempDir(), nil)
	_, _, err := x.Extract(context.Background(), &brokenArchive{})
	assert.Equal(t, batch.ErrReadingZip, batch.CodeOf(err))
}

func TestCustomExtensions(t *testing.T) {
	x := New(t.TempDir(), []string{"png", ".JPG"})
	assert.True(t, x.Accepts("a.PNG"))
	assert.True(t, x.Accepts("a.jpg"))
	assert.False(t, x.Accepts("a.jpeg"))
	assert.False(t, x.Accepts(".a.png"))
}
