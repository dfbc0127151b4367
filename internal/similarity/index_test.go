package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/stager/internal/records"
	"github.com/kalambet/stager/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Store) {
	t.Helper()
	ctx := context.Background()
	for id, img := range map[string]string{"1": "a.jpg", "2": "b.jpg", "3": "c.jpg"} {
		require.NoError(t, s.UpsertRecord(ctx, &records.Record{
			ID:     records.IdentityOf("met", id),
			Source: "met",
			Type:   "artworks",
			Data:   map[string]any{"id": id, "title": id, "images": []any{img}},
		}))
	}
	for _, img := range []*storage.Image{
		{ID: "met/a", Source: "met", FileName: "a.jpg", Hash: "a", Signature: 0b1111},
		{ID: "met/b", Source: "met", FileName: "b.jpg", Hash: "b", Signature: 0b0111},
		{ID: "met/c", Source: "met", FileName: "c.jpg", Hash: "c", Signature: ^uint64(0)},
	} {
		require.NoError(t, s.SaveImage(ctx, img))
		_, err := s.LinkImageToRecords(ctx, "met", img.FileName, img.ID)
		require.NoError(t, err)
	}
}

func drain(t *testing.T, fn func(context.Context) (bool, error)) int {
	t.Helper()
	n := 0
	for {
		ok, err := fn(context.Background())
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

func TestImageAndRecordSimilarity(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ix := New(s.DB(), WithMaxDistance(4))
	ctx := context.Background()

	// Nothing is queued yet.
	assert.Equal(t, 0, drain(t, ix.TryIndexImage))
	assert.Equal(t, 0, drain(t, ix.TryRecomputeImage))

	require.NoError(t, ix.EnqueueImages(ctx, []string{"met/a", "met/b", "met/c"}))
	assert.Equal(t, 3, drain(t, ix.TryIndexImage))
	assert.Equal(t, 3, drain(t, ix.TryRecomputeImage))

	similar, err := ix.Similar(ctx, "met/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"met/b"}, similar)

	similar, err = ix.Similar(ctx, "met/c")
	require.NoError(t, err)
	assert.Empty(t, similar)

	recompute := func(ctx context.Context) (bool, error) { return ix.TryRecomputeRecords(ctx, "artworks") }
	assert.Equal(t, 3, drain(t, recompute))

	recs, err := ix.SimilarRecords(ctx, "met/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"met/2"}, recs)
}

func TestFlagSourceForResync(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ix := New(s.DB())
	ctx := context.Background()

	require.NoError(t, ix.FlagSourceForResync(ctx, "moma"))
	ok, err := ix.TryRecomputeRecords(ctx, "artworks")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ix.FlagSourceForResync(ctx, "met"))
	recompute := func(ctx context.Context) (bool, error) { return ix.TryRecomputeRecords(ctx, "artworks") }
	assert.Equal(t, 3, drain(t, recompute))
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0, Distance(5, 5))
	assert.Equal(t, 1, Distance(0b1111, 0b0111))
	assert.Equal(t, 64, Distance(0, ^uint64(0)))
}
