// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers provides HTTP handlers for the reading-state sync API
type HTTPHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of sync handlers
func NewHTTPHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register wires the sync routes onto the mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /reading/progress/{bookId}", h.HandleGetProgress)
	mux.HandleFunc("PUT /reading/progress/{bookId}", h.HandlePutProgress)
	mux.HandleFunc("POST /highlights/batch", h.HandleHighlightBatch)
	mux.HandleFunc("GET /highlights/{bookId}", h.HandleListHighlights)
}

func (h *HTTPHandlers) identity(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

// HandleGetProgress returns the current reading position for a book
func (h *HTTPHandlers) HandleGetProgress(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	bookID := r.PathValue("bookId")

	rec, err := h.service.GetProgress(r.Context(), userID, bookID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "No reading progress for this book")
			return
		}
		h.logger.Error("Failed to read progress", "error", err, "user_id", userID, "book_id", bookID)
		h.writeError(w, http.StatusInternalServerError, "progress_read_failed", "Failed to read progress")
		return
	}

	h.writeJSON(w, http.StatusOK, rec.ToResponse())
}

// HandlePutProgress applies a compare-and-swap progress write. A stale base
// version yields 409 with the authoritative current record in the body.
func (h *HTTPHandlers) HandlePutProgress(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	bookID := r.PathValue("bookId")

	var req ProgressUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse progress update")
		return
	}

	result, err := h.service.PutProgress(r.Context(), userID, deviceID, bookID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, ErrUnknownBook):
			h.writeError(w, http.StatusNotFound, "unknown_book", err.Error())
		default:
			h.logger.Error("Failed to write progress", "error", err, "user_id", userID, "book_id", bookID)
			h.writeError(w, http.StatusInternalServerError, "progress_write_failed", "Failed to write progress")
		}
		return
	}

	if !result.Accepted {
		conflict := ProgressConflictResponse{Error: "version_conflict"}
		if result.Record != nil {
			conflict.Current = result.Record.ToResponse()
		}
		h.writeJSON(w, http.StatusConflict, conflict)
		return
	}

	h.writeJSON(w, http.StatusOK, result.Record.ToResponse())
}

// HandleHighlightBatch applies a batch of highlight writes with per-item statuses
func (h *HTTPHandlers) HandleHighlightBatch(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req HighlightBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse highlight batch")
		return
	}

	statuses := h.service.ApplyHighlightBatch(r.Context(), userID, deviceID, req.Items)
	h.writeJSON(w, http.StatusOK, HighlightBatchResponse{Statuses: statuses})
}

// HandleListHighlights returns highlights changed after the ?since= cursor,
// tombstones included.
func (h *HTTPHandlers) HandleListHighlights(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	bookID := r.PathValue("bookId")

	after := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		v, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer")
			return
		}
		after = v
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = v
	}

	resp, err := h.service.ListHighlights(r.Context(), userID, bookID, after, limit)
	if err != nil {
		if errors.Is(err, ErrUnknownBook) {
			h.writeError(w, http.StatusNotFound, "unknown_book", err.Error())
			return
		}
		h.logger.Error("Failed to list highlights", "error", err, "user_id", userID, "book_id", bookID)
		h.writeError(w, http.StatusInternalServerError, "highlight_list_failed", "Failed to list highlights")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
