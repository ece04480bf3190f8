// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"time"

	"github.com/google/uuid"
)

// ReadingProgress is the authoritative per-(user, book) reading position.
// Exactly one live record exists per (UserID, BookID); Version increases by
// one per accepted write and never decreases.
type ReadingProgress struct {
	UserID       string
	BookID       string
	Kind         string  // KindPercentage or KindLocator
	Percent      float64 // meaningful when Kind == KindPercentage
	Locator      string  // meaningful when Kind == KindLocator
	ChapterTitle string
	DeviceID     string // last writer's device
	Version      int64
	UpdatedAt    time.Time
}

// ProgressWrite is a compare-and-swap write request against the progress store.
// BaseVersion must equal the stored version at write time (0 for a new record).
type ProgressWrite struct {
	UserID       string
	BookID       string
	BaseVersion  int64
	Kind         string
	Percent      float64
	Locator      string
	DeviceID     string
	ChapterTitle string
}

// ProgressWriteResult reports the outcome of a CAS write.
// When Accepted is true, Record is the stored record after the write.
// When false, Record is the authoritative current record (nil if the caller
// supplied a non-zero base version for a record that does not exist).
type ProgressWriteResult struct {
	Accepted bool
	Record   *ReadingProgress
}

// Highlight is a per-(user, book) annotation record. A non-nil DeletedAt
// marks a tombstone, which is retained so deletes propagate to other devices.
// ServerSeq is a monotonic per-write sequence used as the fetch-since cursor.
type Highlight struct {
	ID              uuid.UUID
	UserID          string
	BookID          string
	AnchorRange     string // opaque to this engine, interpreted by the renderer
	Color           string
	Note            string
	ClientUpdatedAt time.Time // assigned by the originating device, LWW merge key
	DeletedAt       *time.Time
	ServerSeq       int64
	ServerUpdatedAt time.Time
}

// Deleted reports whether the record is a tombstone.
func (h *Highlight) Deleted() bool { return h.DeletedAt != nil }

// Namespace for deterministic highlight ids. Never change this value:
// existing highlight ids depend on it.
var highlightNamespace = uuid.MustParse("5b2a9f4e-7c31-4b8a-9d6e-21c0a4f8e3d7")

// HighlightID derives the stable identifier for a highlight from its identity
// (user, book, anchor range). The same logical highlight maps to the same id
// on every device, which is what makes upsert replay idempotent.
func HighlightID(userID, bookID, anchorRange string) uuid.UUID {
	name := make([]byte, 0, len(userID)+len(bookID)+len(anchorRange)+2)
	name = append(name, userID...)
	name = append(name, 0)
	name = append(name, bookID...)
	name = append(name, 0)
	name = append(name, anchorRange...)
	return uuid.NewSHA1(highlightNamespace, name)
}
