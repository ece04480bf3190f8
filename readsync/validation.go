// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error sentinels for gateway error mapping
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrUnknownBook = errors.New("unknown book")
)

// NormalizePercent validates and canonicalizes a percentage progress value:
// it must be a finite number in [0,100] and is rounded to two decimal places.
// The clamp after rounding absorbs float artifacts like 99.999 -> 100.00.
func NormalizePercent(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: percent must be a finite number", ErrValidation)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: percent %v out of range [0,100]", ErrValidation, v)
	}
	v = math.Round(v*100) / 100
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, nil
}

// parseProgressWrite validates a progress update request and converts it to a
// store write. A bad kind or value is a validation error, never a conflict.
func parseProgressWrite(userID, bookID, deviceID string, req *ProgressUpdateRequest) (ProgressWrite, error) {
	w := ProgressWrite{
		UserID:       userID,
		BookID:       bookID,
		BaseVersion:  req.BaseVersion,
		Kind:         strings.TrimSpace(req.Kind),
		DeviceID:     deviceID,
		ChapterTitle: req.ChapterTitle,
	}

	if bookID == "" {
		return w, fmt.Errorf("%w: book id required", ErrValidation)
	}
	if req.BaseVersion < 0 {
		return w, fmt.Errorf("%w: base_version must be >= 0", ErrValidation)
	}

	switch w.Kind {
	case KindPercentage:
		var pct float64
		if err := json.Unmarshal(req.Value, &pct); err != nil {
			return w, fmt.Errorf("%w: percentage value must be a JSON number", ErrValidation)
		}
		norm, err := NormalizePercent(pct)
		if err != nil {
			return w, err
		}
		w.Percent = norm
	case KindLocator:
		var loc string
		if err := json.Unmarshal(req.Value, &loc); err != nil {
			return w, fmt.Errorf("%w: locator value must be a JSON string", ErrValidation)
		}
		if loc == "" {
			return w, fmt.Errorf("%w: locator must not be empty", ErrValidation)
		}
		w.Locator = loc
	default:
		return w, fmt.Errorf("%w: unknown progress kind %q", ErrValidation, req.Kind)
	}

	return w, nil
}

// validateHighlightUpload checks a single batch item and resolves its id.
// The id is either taken verbatim (must be a UUID) or derived from the
// anchor range, so the same logical highlight converges from any device.
func validateHighlightUpload(userID string, item *HighlightUpload, maxPayloadBytes int) (uuid.UUID, error) {
	if item.BookID == "" {
		return uuid.Nil, fmt.Errorf("%w: book_id required", ErrValidation)
	}
	if item.ClientUpdatedAt.IsZero() {
		return uuid.Nil, fmt.Errorf("%w: client_updated_at required", ErrValidation)
	}
	if maxPayloadBytes > 0 && len(item.AnchorRange)+len(item.Note) > maxPayloadBytes {
		return uuid.Nil, fmt.Errorf("%w: payload too large", ErrValidation)
	}

	if item.ID != "" {
		id, err := uuid.Parse(item.ID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: invalid highlight id %q", ErrValidation, item.ID)
		}
		return id, nil
	}
	if item.AnchorRange == "" {
		return uuid.Nil, fmt.Errorf("%w: anchor_range required when id is omitted", ErrValidation)
	}
	return HighlightID(userID, item.BookID, item.AnchorRange), nil
}

// tombstoneTime reuses the client edit time for the DeletedAt marker so that
// deletes and edits compete on one timestamp axis.
func tombstoneTime(clientUpdatedAt time.Time) *time.Time {
	t := clientUpdatedAt
	return &t
}
