// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgProgressStore is the Postgres implementation of ProgressStore.
type PgProgressStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgProgressStore creates a progress store over an existing pool. The
// schema must already exist (see InitializeSchema / NewPgStores).
func NewPgProgressStore(pool *pgxpool.Pool, logger *slog.Logger) *PgProgressStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgProgressStore{pool: pool, logger: logger}
}

func (s *PgProgressStore) Read(ctx context.Context, userID, bookID string) (*ReadingProgress, error) {
	rec := &ReadingProgress{UserID: userID, BookID: bookID}
	var percent *float64
	var locator *string
	err := s.pool.QueryRow(ctx, `
		SELECT kind, percent, locator, chapter_title, device_id, version, updated_at
		FROM readsync.reading_progress
		WHERE user_id = @user_id AND book_id = @book_id`,
		pgx.NamedArgs{"user_id": userID, "book_id": bookID},
	).Scan(&rec.Kind, &percent, &locator, &rec.ChapterTitle, &rec.DeviceID, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read progress %s/%s: %w", userID, bookID, err)
	}
	if percent != nil {
		rec.Percent = *percent
	}
	if locator != nil {
		rec.Locator = *locator
	}
	return rec, nil
}

// Write applies a compare-and-swap write in a single statement. The insert
// arm only fires for base version 0 (new record, stored as version 1); the
// update arm only fires when the stored version equals the caller's base.
// Two concurrent writers with the same base therefore get exactly one winner;
// the loser receives the authoritative current record unchanged.
func (s *PgProgressStore) Write(ctx context.Context, w ProgressWrite) (*ProgressWriteResult, error) {
	rec := &ReadingProgress{
		UserID:       w.UserID,
		BookID:       w.BookID,
		Kind:         w.Kind,
		Percent:      w.Percent,
		Locator:      w.Locator,
		ChapterTitle: w.ChapterTitle,
		DeviceID:     w.DeviceID,
	}
	var err error

	if w.BaseVersion == 0 {
		// Stored versions start at 1, so the DO NOTHING arm fires exactly
		// when a concurrent writer already created the record.
		err = s.pool.QueryRow(ctx, `
			INSERT INTO readsync.reading_progress
				(user_id, book_id, kind, percent, locator, chapter_title, device_id, version, updated_at)
			VALUES (@user_id, @book_id, @kind, @percent, @locator, @chapter_title, @device_id, 1, now())
			ON CONFLICT (user_id, book_id) DO NOTHING
			RETURNING version, updated_at`,
			s.writeArgs(w),
		).Scan(&rec.Version, &rec.UpdatedAt)
	} else {
		err = s.pool.QueryRow(ctx, `
			UPDATE readsync.reading_progress AS p SET
				kind = @kind,
				percent = @percent,
				locator = @locator,
				chapter_title = @chapter_title,
				device_id = @device_id,
				version = p.version + 1,
				updated_at = now()
			WHERE p.user_id = @user_id AND p.book_id = @book_id AND p.version = @base_version
			RETURNING version, updated_at`,
			s.writeArgs(w),
		).Scan(&rec.Version, &rec.UpdatedAt)
	}

	if err == nil {
		return &ProgressWriteResult{Accepted: true, Record: rec}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("write progress %s/%s: %w", w.UserID, w.BookID, err)
	}

	// Stale base version. Return the current record so the caller can render
	// a meaningful prompt without a second round trip.
	current, readErr := s.Read(ctx, w.UserID, w.BookID)
	if readErr != nil {
		if errors.Is(readErr, ErrNotFound) {
			// Non-zero base against a record that does not exist.
			return &ProgressWriteResult{Accepted: false, Record: nil}, nil
		}
		return nil, fmt.Errorf("read current record for conflict: %w", readErr)
	}
	return &ProgressWriteResult{Accepted: false, Record: current}, nil
}

func (s *PgProgressStore) writeArgs(w ProgressWrite) pgx.NamedArgs {
	var percent *float64
	var locator *string
	if w.Kind == KindPercentage {
		percent = &w.Percent
	} else {
		locator = &w.Locator
	}
	return pgx.NamedArgs{
		"user_id":       w.UserID,
		"book_id":       w.BookID,
		"kind":          w.Kind,
		"percent":       percent,
		"locator":       locator,
		"chapter_title": w.ChapterTitle,
		"device_id":     w.DeviceID,
		"base_version":  w.BaseVersion,
	}
}
