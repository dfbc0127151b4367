package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/intake"
	"github.com/kalambet/stager/internal/records"
	"github.com/kalambet/stager/internal/storage"
)

const testToken = "test-token-12345"

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	machine *engine.Machine
	intake  *intake.Service
}

func setupAdminHandler(t *testing.T) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := batch.NewRegistry(nil)
	m, err := engine.New(store, reg, nil)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(m.Close)

	in := intake.New(store, records.DefaultRegistry(), t.TempDir())
	h := NewAdminHandler(AdminDeps{
		Store:    store,
		Machine:  m,
		Intake:   in,
		Registry: reg,
		Token:    testToken,
	})
	return testEnv{handler: h, store: store, machine: m, intake: in}
}

func uploadReq(t *testing.T, url string, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func authReq(method, url string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) BatchView {
	t.Helper()
	var v BatchView
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
	return v
}

func createRecordBatch(t *testing.T, env testEnv, source string) *batch.Batch {
	t.Helper()
	rows := `[{"id":"1","title":"Sunflowers"},{"id":"2","title":"Irises","bogus":true}]`
	b, err := env.intake.CreateRecordBatch(context.Background(), source, "artworks", "art.json", bytes.NewBufferString(rows))
	if err != nil {
		t.Fatalf("CreateRecordBatch: %v", err)
	}
	return b
}

func TestHealthNeedsNoToken(t *testing.T) {
	env := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupAdminHandler(t)

	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/batches/record", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rr.Code)
		}
	}
}

func TestCreateRecordBatch(t *testing.T) {
	env := setupAdminHandler(t)

	rows := []byte(`{"id":"1","title":"Sunflowers"}
{"id":"2","title":"Irises"}`)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, uploadReq(t, "/batches/records", map[string]string{"source": "museum", "type": "artworks"}, "art.jsonl", rows))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	v := decodeView(t, rr)
	if v.Kind != batch.KindRecord || v.Source != "museum" || v.FileName != "art.jsonl" {
		t.Errorf("view = %+v", v)
	}
	if v.State != batch.StateStarted || v.StateName != "Awaiting processing..." {
		t.Errorf("state = %s (%q)", v.State, v.StateName)
	}
	if v.Counts["unknown"] != 2 {
		t.Errorf("counts = %v, want 2 unknown", v.Counts)
	}

	stored, err := env.store.GetBatch(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(stored.Results) != 2 {
		t.Errorf("stored results = %d, want 2", len(stored.Results))
	}
}

func TestCreateRecordBatchUnreadableFile(t *testing.T) {
	env := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, uploadReq(t, "/batches/records", map[string]string{"source": "museum", "type": "artworks"}, "art.json", []byte("not json")))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	v := decodeView(t, rr)
	if v.State != batch.StateError || v.Error != batch.ErrReadingData {
		t.Errorf("state = %s, error = %s", v.State, v.Error)
	}
	if v.ErrorMessage != "Error reading data from provided data files." {
		t.Errorf("error message = %q", v.ErrorMessage)
	}
}

func TestCreateRecordBatchBadInput(t *testing.T) {
	env := setupAdminHandler(t)

	tests := []struct {
		name   string
		fields map[string]string
		file   string
	}{
		{"missing file", map[string]string{"source": "museum", "type": "artworks"}, ""},
		{"unknown type", map[string]string{"source": "museum", "type": "coins"}, "a.json"},
		{"bad source", map[string]string{"source": "a/b", "type": "artworks"}, "a.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, uploadReq(t, "/batches/records", tt.fields, tt.file, []byte(`[]`)))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateImageBatch(t *testing.T) {
	env := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, uploadReq(t, "/batches/images", map[string]string{"source": "museum"}, "photos.zip", []byte("PK\x05\x06")))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	v := decodeView(t, rr)
	if v.Kind != batch.KindImage || v.FileName != "photos.zip" {
		t.Errorf("view = %+v", v)
	}
}

func TestListBatches(t *testing.T) {
	env := setupAdminHandler(t)
	createRecordBatch(t, env, "museum")
	createRecordBatch(t, env, "gallery")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/batches/record", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var views []BatchView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d batches, want 2", len(views))
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/batches/record?source=gallery", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Source != "gallery" {
		t.Errorf("filtered = %+v", views)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/batches/image", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 0 {
		t.Errorf("image batches = %d, want 0", len(views))
	}
}

func TestListBatchesUnknownKind(t *testing.T) {
	env := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/batches/video", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetBatchGroupsResults(t *testing.T) {
	env := setupAdminHandler(t)
	b := createRecordBatch(t, env, "museum")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/batches/record/"+b.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	v := decodeView(t, rr)
	if v.ID != b.ID {
		t.Errorf("id = %q, want %q", v.ID, b.ID)
	}
	if v.Results == nil || len(v.Results.Unprocessed) != 2 {
		t.Fatalf("results = %+v, want 2 unprocessed", v.Results)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	env := setupAdminHandler(t)
	b := createRecordBatch(t, env, "museum")

	for _, url := range []string{"/batches/record/museum/1", "/batches/image/" + b.ID} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, url, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", url, rr.Code)
		}
	}
}

func TestApproveBatch(t *testing.T) {
	env := setupAdminHandler(t)
	b := createRecordBatch(t, env, "museum")

	// Not yet processed.
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/batches/record/"+b.ID+"/approve", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}

	b.State = batch.StateProcessCompleted
	if err := env.store.PutBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/batches/record/"+b.ID+"/approve", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if v := decodeView(t, rr); v.State != batch.StateImportStarted {
		t.Errorf("state = %s, want %s", v.State, batch.StateImportStarted)
	}
}

func TestAbandonBatch(t *testing.T) {
	env := setupAdminHandler(t)
	b := createRecordBatch(t, env, "museum")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/batches/record/"+b.ID+"/abandon", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	v := decodeView(t, rr)
	if v.State != batch.StateError || v.Error != batch.ErrAbandoned {
		t.Errorf("state = %s, error = %s", v.State, v.Error)
	}
	if v.StateName != "Error." || v.ErrorMessage != "Data import abandoned." {
		t.Errorf("names = %q / %q", v.StateName, v.ErrorMessage)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/batches/record/"+b.ID+"/abandon", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("second abandon status = %d, want 409", rr.Code)
	}
}

func TestRequestLocale(t *testing.T) {
	tests := []struct {
		url, header, want string
	}{
		{"/x", "", "en"},
		{"/x", "fr-CH, fr;q=0.9, en;q=0.8", "fr-CH"},
		{"/x", "*", "en"},
		{"/x?lang=de", "fr", "de"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if tt.header != "" {
			req.Header.Set("Accept-Language", tt.header)
		}
		if got := requestLocale(req); got != tt.want {
			t.Errorf("requestLocale(%q, %q) = %q, want %q", tt.url, tt.header, got, tt.want)
		}
	}
}

type upperTranslator struct{}

func (upperTranslator) Translate(locale, msg string) string {
	if locale == "xx" {
		return "XX:" + msg
	}
	return msg
}

func TestNewBatchViewLocalizesResults(t *testing.T) {
	reg := batch.NewRegistry(upperTranslator{})
	b := batch.NewImageBatch("museum", "photos.zip", "/tmp/photos.zip", time.Now())
	b.Results = []batch.Result{
		{FileName: "a.jpg", Result: batch.ResultError, Error: string(batch.ErrTooSmall)},
		{FileName: "b.jpg", Model: "museum/abc", Result: batch.ResultCreated, Warnings: []string{string(batch.ErrNewVersion)}},
	}
	b.State = "mystery"

	v := NewBatchView(reg, b, "xx", true)
	if v.StateName != "mystery" {
		t.Errorf("state name = %q, want raw state", v.StateName)
	}
	if v.Results == nil || len(v.Results.Errors) != 1 || len(v.Results.Models) != 1 {
		t.Fatalf("results = %+v", v.Results)
	}
	if got := v.Results.Errors[0].Error; got[:3] != "XX:" {
		t.Errorf("error not localized: %q", got)
	}
	if got := v.Results.Warnings[0].Warnings[0]; got[:3] != "XX:" {
		t.Errorf("warning not localized: %q", got)
	}
	if b.Results[0].Error != string(batch.ErrTooSmall) {
		t.Errorf("ledger mutated: %q", b.Results[0].Error)
	}
	if v.Counts["error"] != 1 || v.Counts["created"] != 1 {
		t.Errorf("counts = %v", v.Counts)
	}
}

func TestWriteIntakeErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{intake.ErrInvalidSource, http.StatusBadRequest},
		{intake.ErrUnknownType, http.StatusBadRequest},
		{fmt.Errorf("inserting batch met/1: %w", storage.ErrDuplicate), http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeIntakeError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("writeIntakeError(%v) status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
