package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/intake"
	"github.com/kalambet/stager/internal/storage"
)

const (
	maxUploadSize      = 512 << 20 // 512MB
	maxMultipartMemory = 32 << 20
)

// Intake creates batches from uploads.
type Intake interface {
	CreateRecordBatch(ctx context.Context, source, recordType, fileName string, r io.Reader) (*batch.Batch, error)
	CreateImageBatch(ctx context.Context, source, fileName string, r io.Reader) (*batch.Batch, error)
}

// AdminDeps holds dependencies for the admin API handler.
type AdminDeps struct {
	Store    BatchStore
	Machine  Machine
	Intake   Intake
	Registry *batch.Registry
	Token    string
	Logger   *slog.Logger // optional; defaults to slog.Default()
}

// NewAdminHandler serves the batch admin API. Everything except /health
// requires the bearer token.
func NewAdminHandler(deps AdminDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/batches/records", handleCreateRecordBatch(deps))
		r.Post("/batches/images", handleCreateImageBatch(deps))
		r.Get("/batches/{kind}", handleListBatches(deps))
		// Batch ids are "<source>/<stamp>", so they span two path segments.
		r.Get("/batches/{kind}/{source}/{stamp}", handleGetBatch(deps))
		r.Post("/batches/{kind}/{source}/{stamp}/approve", handleApprove(deps))
		r.Post("/batches/{kind}/{source}/{stamp}/abandon", handleAbandon(deps))
	})

	return r
}

func handleCreateRecordBatch(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		b, err := deps.Intake.CreateRecordBatch(r.Context(), r.FormValue("source"), r.FormValue("type"), header.Filename, file)
		if err != nil {
			writeIntakeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, NewBatchView(deps.Registry, b, requestLocale(r), false))
	}
}

func handleCreateImageBatch(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		b, err := deps.Intake.CreateImageBatch(r.Context(), r.FormValue("source"), header.Filename, file)
		if err != nil {
			writeIntakeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, NewBatchView(deps.Registry, b, requestLocale(r), false))
	}
}

func writeIntakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrInvalidSource), errors.Is(err, intake.ErrUnknownType):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrDuplicate):
		httpError(w, http.StatusConflict, "conflict", "another upload for this source is being created, retry")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to create batch: %v", err)
	}
}

func handleListBatches(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := batch.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		limit := queryLimit(r, 20, 100)

		list, err := deps.Store.ListBatches(r.Context(), k, r.URL.Query().Get("source"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list batches: %v", err)
			return
		}

		locale := requestLocale(r)
		views := make([]BatchView, 0, len(list))
		for _, b := range list {
			views = append(views, NewBatchView(deps.Registry, b, locale, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// loadBatch resolves the batch addressed by the request path, writing the
// error response itself when it cannot.
func loadBatch(deps AdminDeps, w http.ResponseWriter, r *http.Request) (*batch.Batch, bool) {
	k, err := batch.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return nil, false
	}
	id := chi.URLParam(r, "source") + "/" + chi.URLParam(r, "stamp")

	b, err := deps.Store.GetBatch(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && b.Kind != k) {
		httpError(w, http.StatusNotFound, "not_found", "batch not found")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get batch: %v", err)
		return nil, false
	}
	return b, true
}

func handleGetBatch(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := loadBatch(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, NewBatchView(deps.Registry, b, requestLocale(r), true))
	}
}

func handleApprove(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := loadBatch(deps, w, r)
		if !ok {
			return
		}
		updated, err := deps.Machine.Approve(r.Context(), b.ID)
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		deps.Logger.Info("batch approved via api", "batch_id", b.ID)
		writeJSON(w, http.StatusOK, NewBatchView(deps.Registry, updated, requestLocale(r), false))
	}
}

func handleAbandon(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := loadBatch(deps, w, r)
		if !ok {
			return
		}
		updated, err := deps.Machine.Abandon(r.Context(), b.ID)
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		deps.Logger.Info("batch abandoned via api", "batch_id", b.ID)
		writeJSON(w, http.StatusOK, NewBatchView(deps.Registry, updated, requestLocale(r), false))
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotApprovable), errors.Is(err, engine.ErrTerminal):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, storage.ErrStaleWrite):
		httpError(w, http.StatusConflict, "conflict", "batch changed concurrently, retry")
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "batch not found")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
