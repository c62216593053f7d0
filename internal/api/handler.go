// Package api exposes the media library over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pakfur/metascan/internal/library"
	apperrors "github.com/pakfur/metascan/pkg/errors"
	"github.com/pakfur/metascan/pkg/health"
)

// Handler serves the JSON API backed by the library coordinator.
type Handler struct {
	lib     *library.Library
	checker *health.Checker
	logger  *slog.Logger
}

func NewHandler(lib *library.Library, checker *health.Checker) *Handler {
	return &Handler{
		lib:     lib,
		checker: checker,
		logger:  slog.Default().With("component", "api"),
	}
}

// Routes builds the service mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/media", h.handleIngest)
	mux.HandleFunc("POST /api/v1/media/reingest", h.handleReingest)
	mux.HandleFunc("DELETE /api/v1/media", h.handleDelete)
	mux.HandleFunc("GET /api/v1/media", h.handleGet)
	mux.HandleFunc("GET /api/v1/search", h.handleSearch)
	mux.HandleFunc("GET /api/v1/library", h.handleLibrary)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("GET /health/live", h.checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.checker.ReadyHandler())
	return mux
}

type ingestRequest struct {
	Path  string   `json:"path,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// handleIngest ingests one file or a batch. A batch always answers 200 with
// per-item outcomes; a single ingest answers 201 with the record.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "malformed request body"))
		return
	}
	if len(req.Paths) > 0 {
		items := h.lib.IngestBatch(r.Context(), req.Paths)
		h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	rec, err := h.lib.Ingest(r.Context(), req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleReingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "malformed request body"))
		return
	}
	rec, err := h.lib.Reingest(r.Context(), req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "path query parameter is required"))
		return
	}
	if err := h.lib.Delete(r.Context(), path); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "path query parameter is required"))
		return
	}
	rec, err := h.lib.Get(path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	res, err := h.lib.Search(r.Context(), q.Get("q"), limit, q.Get("cursor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleLibrary(w http.ResponseWriter, r *http.Request) {
	records := h.lib.ListAll()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.lib.Stats())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("writing response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	} else {
		h.logger.Debug("request rejected", "status", status, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
