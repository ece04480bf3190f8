// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"encoding/json"
	"strconv"
	"time"
)

// REST/JSON models for the sync gateway API.
// Device identity is derived from the JWT did claim, never from request bodies.

// ProgressUpdateRequest is the body of PUT /reading/progress/{bookId}.
// Value is a JSON number for kind "percentage" and a JSON string for "locator".
type ProgressUpdateRequest struct {
	BaseVersion  int64           `json:"base_version"`
	Kind         string          `json:"kind"`
	Value        json.RawMessage `json:"value"`
	ChapterTitle string          `json:"chapter_title,omitempty"`
}

// ProgressResponse is the wire form of a reading-progress record.
type ProgressResponse struct {
	BookID       string          `json:"book_id"`
	Kind         string          `json:"kind"`
	Value        json.RawMessage `json:"value"`
	ChapterTitle string          `json:"chapter_title,omitempty"`
	DeviceID     string          `json:"device_id"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ProgressConflictResponse is the 409 body for a stale base version. Current
// carries the authoritative server record so the caller can render a prompt
// without a second round trip. Current is null when no record exists yet.
type ProgressConflictResponse struct {
	Error   string            `json:"error"` // always "version_conflict"
	Current *ProgressResponse `json:"current"`
}

// HighlightUpload is a single item in POST /highlights/batch. When ID is
// empty the server derives it from (user, book_id, anchor_range). Deleted
// items are tombstone writes competing on the same client_updated_at axis.
type HighlightUpload struct {
	ID              string    `json:"id,omitempty"`
	BookID          string    `json:"book_id"`
	AnchorRange     string    `json:"anchor_range,omitempty"`
	Color           string    `json:"color,omitempty"`
	Note            string    `json:"note,omitempty"`
	ClientUpdatedAt time.Time `json:"client_updated_at"`
	Deleted         bool      `json:"deleted,omitempty"`
}

// HighlightBatchRequest is the body of POST /highlights/batch.
type HighlightBatchRequest struct {
	Items []HighlightUpload `json:"items"`
}

// HighlightUploadStatus is the per-item result of a batch write. Applied is
// false for accepted items that were superseded replays (older
// client_updated_at than the stored record) and absorbed as no-ops.
type HighlightUploadStatus struct {
	ID      string `json:"id"`
	Status  string `json:"status"` // StAccepted or StRejected
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// HighlightBatchResponse reports per-item statuses in request order.
type HighlightBatchResponse struct {
	Statuses []HighlightUploadStatus `json:"statuses"`
}

// HighlightResponse is the wire form of a highlight, tombstones included.
type HighlightResponse struct {
	ID              string     `json:"id"`
	BookID          string     `json:"book_id"`
	AnchorRange     string     `json:"anchor_range,omitempty"`
	Color           string     `json:"color,omitempty"`
	Note            string     `json:"note,omitempty"`
	ClientUpdatedAt time.Time  `json:"client_updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	ServerUpdatedAt time.Time  `json:"server_updated_at"`
}

// HighlightListResponse is the body of GET /highlights/{bookId}. Cursor is
// the value to pass as ?since= on the next incremental fetch.
type HighlightListResponse struct {
	Items   []HighlightResponse `json:"items"`
	Cursor  int64               `json:"cursor"`
	HasMore bool                `json:"has_more"`
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// progressValueJSON renders the polymorphic value field: percentages as a
// two-decimal JSON number, locators as a JSON string.
func progressValueJSON(kind string, percent float64, locator string) json.RawMessage {
	if kind == KindPercentage {
		return json.RawMessage(strconv.FormatFloat(percent, 'f', 2, 64))
	}
	b, _ := json.Marshal(locator)
	return b
}

// ToResponse converts a stored record to its wire form.
func (p *ReadingProgress) ToResponse() *ProgressResponse {
	return &ProgressResponse{
		BookID:       p.BookID,
		Kind:         p.Kind,
		Value:        progressValueJSON(p.Kind, p.Percent, p.Locator),
		ChapterTitle: p.ChapterTitle,
		DeviceID:     p.DeviceID,
		Version:      p.Version,
		UpdatedAt:    p.UpdatedAt,
	}
}

// ToResponse converts a stored highlight to its wire form.
func (h *Highlight) ToResponse() *HighlightResponse {
	return &HighlightResponse{
		ID:              h.ID.String(),
		BookID:          h.BookID,
		AnchorRange:     h.AnchorRange,
		Color:           h.Color,
		Note:            h.Note,
		ClientUpdatedAt: h.ClientUpdatedAt,
		DeletedAt:       h.DeletedAt,
		ServerUpdatedAt: h.ServerUpdatedAt,
	}
}
