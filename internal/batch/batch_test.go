package batch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDUsesSourceAndMillis(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, "met/1700000000123", NewID("met", ts))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		kind     Kind
		from, to State
		want     bool
	}{
		{KindRecord, StateStarted, StateProcessCompleted, true},
		{KindRecord, StateProcessCompleted, StateImportStarted, true},
		{KindRecord, StateProcessCompleted, StateCompleted, false},
		{KindRecord, StateImportCompleted, StateCompleted, true},
		{KindRecord, StateSimilaritySyncStarted, StateError, true},
		{KindRecord, StateCompleted, StateError, false},
		{KindRecord, StateError, StateError, false},
		{KindImage, StateStarted, StateProcessStarted, true},
		{KindImage, StateProcessCompleted, StateCompleted, true},
		{KindImage, StateProcessCompleted, StateImportStarted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s->%s", tt.kind, tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestRegistryTables(t *testing.T) {
	r := NewRegistry(nil)

	var ids []State
	for _, def := range r.StatesFor(KindRecord) {
		ids = append(ids, def.ID)
	}
	assert.Equal(t, []State{
		StateStarted, StateProcessStarted, StateProcessCompleted, StateImportStarted,
		StateImportCompleted, StateSimilaritySyncStarted, StateSimilaritySyncCompleted, StateCompleted,
	}, ids)

	assert.Equal(t, []State{
		StateStarted, StateImportStarted, StateImportCompleted, StateSimilaritySyncStarted, StateSimilaritySyncCompleted,
	}, r.Advanceable(KindRecord))
	assert.Equal(t, []State{StateStarted, StateProcessStarted, StateProcessCompleted}, r.Advanceable(KindImage))

	assert.True(t, r.Valid(KindImage, StateError))
	assert.False(t, r.Valid(KindImage, StateImportStarted))
}

func TestRegistryDisplayName(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, "Confirmation required.", r.DisplayName(KindRecord, StateProcessCompleted, "en"))
	assert.Panics(t, func() { r.DisplayName(KindImage, StateImportStarted, "en") })
}

type upper struct{}

func (upper) Translate(locale, msg string) string { return locale + ":" + msg }

func TestRegistryErrorMessage(t *testing.T) {
	r := NewRegistry(upper{})
	assert.Equal(t, "de:Zip file has no images in it.", r.ErrorMessage(KindImage, ErrZipFileEmpty, "de"))
	assert.Equal(t, "disk full", string(r.ErrorMessage(KindRecord, ErrorCode("disk full"), "de")))
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("saving: %w", Fail(ErrSaving, errors.New("constraint")))
	assert.Equal(t, ErrSaving, CodeOf(wrapped))
	assert.Equal(t, ErrorCode("boom"), CodeOf(errors.New("boom")))
	assert.Equal(t, "ZIP_FILE_EMPTY", Fail(ErrZipFileEmpty, nil).Error())
}

func TestNewRecordBatch(t *testing.T) {
	b := NewRecordBatch("met", "artworks", "a.json", []map[string]any{{"id": "1"}, {"title": "no id"}}, time.Now())
	require.Len(t, b.Results, 2)
	assert.Equal(t, "1", b.Results[0].ID)
	assert.Equal(t, ResultUnknown, b.Results[1].Result)
	assert.Equal(t, StateStarted, b.State)
	assert.Equal(t, "a.json", b.FileName())
}

func TestFilteredResults(t *testing.T) {
	b := &Batch{Kind: KindRecord, Results: []Result{
		{ID: "1", Result: ResultCreated},
		{ID: "2", Result: ResultChanged, Warnings: []string{"w"}},
		{ID: "3", Result: ResultDeleted},
		{ID: "4", Result: ResultError, Error: "bad"},
		{ID: "5", Result: ResultUnknown},
	}}
	f := b.FilteredResults()
	assert.Len(t, f.Created, 1)
	assert.Len(t, f.Changed, 1)
	assert.Len(t, f.Deleted, 1)
	assert.Len(t, f.Unprocessed, 1)
	assert.Len(t, f.Errors, 1)
	assert.Len(t, f.Warnings, 1)
	assert.Nil(t, f.Models)

	img := &Batch{Kind: KindImage, Results: []Result{
		{FileName: "a.jpg", Model: "met/abc", Result: ResultCreated},
		{FileName: "b.jpg", Error: string(ErrTooSmall)},
	}}
	fi := img.FilteredResults()
	assert.Len(t, fi.Models, 1)
	assert.Len(t, fi.Errors, 1)
	assert.Nil(t, fi.Created)
}
