// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// ErrNoLocalProgress is returned when no local reading position exists yet
var ErrNoLocalProgress = errors.New("no local progress")

// LocalProgress is the locally cached reading position. Version is the last
// server-acknowledged version (0 before first sync); the value columns may be
// ahead of the server while a write is queued.
type LocalProgress struct {
	BookID       string
	Kind         string
	Percent      float64
	Locator      string
	ChapterTitle string
	DeviceID     string
	Version      int64
	UpdatedAt    time.Time
}

// GetLocalProgress returns the cached reading position for a book
func (c *Client) GetLocalProgress(ctx context.Context, bookID string) (*LocalProgress, error) {
	p := &LocalProgress{BookID: bookID}
	var percent sql.NullFloat64
	var locator sql.NullString
	var updatedAt string
	err := c.DB.QueryRowContext(ctx, `
		SELECT kind, percent, locator, chapter_title, device_id, version, updated_at
		FROM reading_progress WHERE book_id = ?
	`, bookID).Scan(&p.Kind, &percent, &locator, &p.ChapterTitle, &p.DeviceID, &p.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLocalProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local progress: %w", err)
	}
	p.Percent = percent.Float64
	p.Locator = locator.String
	p.UpdatedAt = parseLocalTime(updatedAt)
	return p, nil
}

// saveLocalProgressValueInTx updates the cached position's value columns
// while preserving the acknowledged version counter.
func saveLocalProgressValueInTx(ctx context.Context, tx *sql.Tx, bookID string, u ProgressUpdate, deviceID string) error {
	var percent any
	var locator any
	if u.Kind == readsync.KindPercentage {
		percent = u.Percent
	} else {
		locator = u.Locator
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reading_progress (book_id, kind, percent, locator, chapter_title, device_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (book_id) DO UPDATE SET
			kind = excluded.kind,
			percent = excluded.percent,
			locator = excluded.locator,
			chapter_title = excluded.chapter_title,
			device_id = excluded.device_id,
			updated_at = excluded.updated_at
	`, bookID, u.Kind, percent, locator, u.ChapterTitle, deviceID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save local progress: %w", err)
	}
	return nil
}

// localProgressVersion returns the acknowledged version for a book (0 when
// the book has never synced).
func (c *Client) localProgressVersion(ctx context.Context, bookID string) (int64, error) {
	var version int64
	err := c.DB.QueryRowContext(ctx, `
		SELECT version FROM reading_progress WHERE book_id = ?
	`, bookID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read local progress version: %w", err)
	}
	return version, nil
}

// setLocalVersion advances only the acknowledged version, leaving the local
// position value untouched. Used on conflict so the next local write competes
// against the server's current version instead of repeating the stale base.
func (c *Client) setLocalVersion(ctx context.Context, bookID string, version int64) error {
	if _, err := c.DB.ExecContext(ctx, `
		UPDATE reading_progress SET version = ? WHERE book_id = ? AND version < ?
	`, version, bookID, version); err != nil {
		return fmt.Errorf("failed to set local progress version: %w", err)
	}
	return nil
}

// acknowledgeProgress records a server-accepted write in the local cache
func (c *Client) acknowledgeProgress(ctx context.Context, bookID string, resp *readsync.ProgressResponse) error {
	if resp == nil {
		return nil
	}
	if err := c.setLocalVersion(ctx, bookID, resp.Version); err != nil {
		return err
	}
	if _, err := c.DB.ExecContext(ctx, `
		INSERT INTO _reader_book_state (book_id, last_synced_version) VALUES (?, ?)
		ON CONFLICT (book_id) DO UPDATE SET last_synced_version = excluded.last_synced_version
	`, bookID, resp.Version); err != nil {
		return fmt.Errorf("failed to record synced version: %w", err)
	}
	return nil
}

// applyServerProgress overwrites the local cache with the server record.
// Used when the server is known to be authoritative (no queued local write,
// or the user accepted the server position).
func (c *Client) applyServerProgress(ctx context.Context, resp *readsync.ProgressResponse) error {
	var percent any
	var locator any
	if resp.Kind == readsync.KindPercentage {
		var pct float64
		if err := json.Unmarshal(resp.Value, &pct); err != nil {
			return fmt.Errorf("failed to decode progress value: %w", err)
		}
		percent = pct
	} else {
		var loc string
		if err := json.Unmarshal(resp.Value, &loc); err != nil {
			return fmt.Errorf("failed to decode progress value: %w", err)
		}
		locator = loc
	}

	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO reading_progress (book_id, kind, percent, locator, chapter_title, device_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (book_id) DO UPDATE SET
			kind = excluded.kind,
			percent = excluded.percent,
			locator = excluded.locator,
			chapter_title = excluded.chapter_title,
			device_id = excluded.device_id,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, resp.BookID, resp.Kind, percent, locator, resp.ChapterTitle, resp.DeviceID,
		resp.Version, resp.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to apply server progress: %w", err)
	}
	return nil
}

// LocalHighlight is a locally cached highlight, tombstones included
type LocalHighlight struct {
	ID              string
	BookID          string
	AnchorRange     string
	Color           string
	Note            string
	ClientUpdatedAt time.Time
	Deleted         bool
}

// ListLocalHighlights returns the live (non-tombstoned) highlights for a book
func (c *Client) ListLocalHighlights(ctx context.Context, bookID string) ([]LocalHighlight, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, anchor_range, color, note, client_updated_at, deleted_at
		FROM highlight
		WHERE book_id = ? AND deleted_at IS NULL
		ORDER BY client_updated_at
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local highlights: %w", err)
	}
	defer rows.Close()

	var items []LocalHighlight
	for rows.Next() {
		h := LocalHighlight{BookID: bookID}
		var anchor, color, note, deletedAt sql.NullString
		var clientUpdatedAt string
		if err := rows.Scan(&h.ID, &anchor, &color, &note, &clientUpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan local highlight: %w", err)
		}
		h.AnchorRange = anchor.String
		h.Color = color.String
		h.Note = note.String
		h.ClientUpdatedAt = parseLocalTime(clientUpdatedAt)
		h.Deleted = deletedAt.Valid
		items = append(items, h)
	}
	return items, rows.Err()
}

// applyServerHighlightInTx writes a downloaded highlight (or tombstone) into
// the local cache.
func applyServerHighlightInTx(ctx context.Context, tx *sql.Tx, item *readsync.HighlightResponse) error {
	var deletedAt any
	if item.DeletedAt != nil {
		deletedAt = item.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO highlight (id, book_id, anchor_range, color, note, client_updated_at, deleted_at, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			book_id = excluded.book_id,
			anchor_range = excluded.anchor_range,
			color = excluded.color,
			note = excluded.note,
			client_updated_at = excluded.client_updated_at,
			deleted_at = excluded.deleted_at,
			server_updated_at = excluded.server_updated_at
	`, item.ID, item.BookID, item.AnchorRange, item.Color, item.Note,
		item.ClientUpdatedAt.UTC().Format(time.RFC3339Nano), deletedAt,
		item.ServerUpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to apply server highlight %s: %w", item.ID, err)
	}
	return nil
}

// hasPendingEntry reports whether a queue entry exists for (book, entity)
func (c *Client) hasPendingEntry(ctx context.Context, bookID, entityKey string) (bool, error) {
	var exists bool
	err := c.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _reader_pending WHERE book_id = ? AND entity_key = ?)
	`, bookID, entityKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending entry: %w", err)
	}
	return exists, nil
}

func parseLocalTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
