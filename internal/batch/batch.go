package batch

import (
	"fmt"
	"time"

	"github.com/kalambet/stager/internal/records"
)

// Classification is the outcome of reconciling one item.
type Classification string

const (
	ResultUnknown   Classification = "unknown"
	ResultCreated   Classification = "created"
	ResultChanged   Classification = "changed"
	ResultUnchanged Classification = "unchanged"
	ResultDeleted   Classification = "deleted"
	ResultError     Classification = "error"
)

// Result is one entry of a batch's ledger.
type Result struct {
	ID       string         `json:"id,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	Model    string         `json:"model,omitempty"`
	Result   Classification `json:"result,omitempty"`
	State    State          `json:"state,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Diff     records.Diff   `json:"diff,omitempty"`
	Error    string         `json:"error,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// RecordPayload is carried by record batches only.
type RecordPayload struct {
	Type     string
	FileName string
}

// ImagePayload is carried by image batches only.
type ImagePayload struct {
	ArchivePath string
	FileName    string
}

// Batch is one import job. Exactly one of Records and Images is set,
// matching Kind.
type Batch struct {
	ID       string
	Kind     Kind
	Source   string
	State    State
	Error    ErrorCode
	Results  []Result
	Created  time.Time
	Modified time.Time
	Version  int

	Records *RecordPayload
	Images  *ImagePayload
}

// NewID derives a batch id from its source and creation time.
func NewID(source string, created time.Time) string {
	return fmt.Sprintf("%s/%d", source, created.UnixMilli())
}

// NewRecordBatch creates a batch in StateStarted with one unknown result per row.
func NewRecordBatch(source, recordType, fileName string, rows []map[string]any, now time.Time) *Batch {
	results := make([]Result, len(rows))
	for i, row := range rows {
		results[i] = Result{Data: row, Result: ResultUnknown}
		if id, ok := row["id"].(string); ok {
			results[i].ID = id
		}
	}
	return &Batch{
		ID:       NewID(source, now),
		Kind:     KindRecord,
		Source:   source,
		State:    StateStarted,
		Results:  results,
		Created:  now,
		Modified: now,
		Records:  &RecordPayload{Type: recordType, FileName: fileName},
	}
}

// NewImageBatch creates a batch in StateStarted for an uploaded archive.
func NewImageBatch(source, fileName, archivePath string, now time.Time) *Batch {
	return &Batch{
		ID:       NewID(source, now),
		Kind:     KindImage,
		Source:   source,
		State:    StateStarted,
		Created:  now,
		Modified: now,
		Images:   &ImagePayload{ArchivePath: archivePath, FileName: fileName},
	}
}

// FileName returns the original upload's file name.
func (b *Batch) FileName() string {
	switch {
	case b.Records != nil:
		return b.Records.FileName
	case b.Images != nil:
		return b.Images.FileName
	}
	return ""
}

// Fail forces the batch into the error state with code.
func (b *Batch) Fail(code ErrorCode) {
	b.Error = code
	b.State = StateError
}
