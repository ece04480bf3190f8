// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgHighlightStore is the Postgres implementation of HighlightStore.
type PgHighlightStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgHighlightStore creates a highlight store over an existing pool. The
// schema must already exist (see InitializeSchema / NewPgStores).
func NewPgHighlightStore(pool *pgxpool.Pool, logger *slog.Logger) *PgHighlightStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgHighlightStore{pool: pool, logger: logger}
}

// Upsert applies the last-write-wins merge in a single statement: insert when
// absent, replace only when the incoming client_updated_at is strictly
// greater than the stored one. Replaying the same write any number of times
// converges to the same stored state.
func (s *PgHighlightStore) Upsert(ctx context.Context, h Highlight) (*Highlight, bool, error) {
	stored := h
	err := s.pool.QueryRow(ctx, `
		INSERT INTO readsync.highlight AS hl
			(user_id, id, book_id, anchor_range, color, note, client_updated_at, deleted_at)
		VALUES (@user_id, @id, @book_id, @anchor_range, @color, @note, @client_updated_at, NULL)
		ON CONFLICT (user_id, id) DO UPDATE SET
			book_id = EXCLUDED.book_id,
			anchor_range = EXCLUDED.anchor_range,
			color = EXCLUDED.color,
			note = EXCLUDED.note,
			client_updated_at = EXCLUDED.client_updated_at,
			deleted_at = NULL,
			server_seq = nextval('readsync.highlight_write_seq'),
			server_updated_at = now()
		WHERE EXCLUDED.client_updated_at > hl.client_updated_at
		RETURNING server_seq, server_updated_at`,
		pgx.NamedArgs{
			"user_id":           h.UserID,
			"id":                h.ID,
			"book_id":           h.BookID,
			"anchor_range":      h.AnchorRange,
			"color":             h.Color,
			"note":              h.Note,
			"client_updated_at": h.ClientUpdatedAt,
		},
	).Scan(&stored.ServerSeq, &stored.ServerUpdatedAt)

	if err == nil {
		stored.DeletedAt = nil
		return &stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("upsert highlight %s: %w", h.ID, err)
	}

	// Superseded replay: the stored record is newer. Absorb as a no-op.
	current, err := s.read(ctx, h.UserID, h.ID)
	if err != nil {
		return nil, false, fmt.Errorf("read superseding highlight %s: %w", h.ID, err)
	}
	return current, false, nil
}

// SoftDelete writes a tombstone under the same LWW rule as Upsert: a delete
// older than a later edit must not erase it. A delete for an id never seen
// inserts a bare tombstone so the delete propagates even when it outruns the
// create it refers to.
func (s *PgHighlightStore) SoftDelete(ctx context.Context, userID, bookID string, id uuid.UUID, clientUpdatedAt time.Time) (*Highlight, bool, error) {
	stored := Highlight{
		ID:              id,
		UserID:          userID,
		BookID:          bookID,
		ClientUpdatedAt: clientUpdatedAt,
		DeletedAt:       tombstoneTime(clientUpdatedAt),
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO readsync.highlight AS hl
			(user_id, id, book_id, client_updated_at, deleted_at)
		VALUES (@user_id, @id, @book_id, @client_updated_at, @client_updated_at)
		ON CONFLICT (user_id, id) DO UPDATE SET
			client_updated_at = EXCLUDED.client_updated_at,
			deleted_at = EXCLUDED.client_updated_at,
			server_seq = nextval('readsync.highlight_write_seq'),
			server_updated_at = now()
		WHERE EXCLUDED.client_updated_at > hl.client_updated_at
		RETURNING server_seq, server_updated_at`,
		pgx.NamedArgs{
			"user_id":           userID,
			"id":                id,
			"book_id":           bookID,
			"client_updated_at": clientUpdatedAt,
		},
	).Scan(&stored.ServerSeq, &stored.ServerUpdatedAt)

	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("soft delete highlight %s: %w", id, err)
	}

	current, err := s.read(ctx, userID, id)
	if err != nil {
		return nil, false, fmt.Errorf("read superseding highlight %s: %w", id, err)
	}
	return current, false, nil
}

// ListSince pages highlights (tombstones included) by write sequence. The
// returned cursor is the sequence of the last item, or after when the page
// is empty, so callers can always feed it back unchanged.
func (s *PgHighlightStore) ListSince(ctx context.Context, userID, bookID string, after int64, limit int) ([]Highlight, int64, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, anchor_range, color, note, client_updated_at, deleted_at, server_seq, server_updated_at
		FROM readsync.highlight
		WHERE user_id = @user_id AND book_id = @book_id AND server_seq > @after
		ORDER BY server_seq
		LIMIT @limit`,
		pgx.NamedArgs{
			"user_id": userID,
			"book_id": bookID,
			"after":   after,
			"limit":   limit + 1,
		},
	)
	if err != nil {
		return nil, 0, false, fmt.Errorf("list highlights %s/%s: %w", userID, bookID, err)
	}
	defer rows.Close()

	var items []Highlight
	for rows.Next() {
		h := Highlight{UserID: userID, BookID: bookID}
		var anchor, color, note *string
		if err := rows.Scan(&h.ID, &anchor, &color, &note, &h.ClientUpdatedAt, &h.DeletedAt, &h.ServerSeq, &h.ServerUpdatedAt); err != nil {
			return nil, 0, false, fmt.Errorf("scan highlight: %w", err)
		}
		if anchor != nil {
			h.AnchorRange = *anchor
		}
		if color != nil {
			h.Color = *color
		}
		if note != nil {
			h.Note = *note
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("iterate highlights: %w", err)
	}

	hasMore := false
	if len(items) > limit {
		hasMore = true
		items = items[:limit]
	}
	cursor := after
	if len(items) > 0 {
		cursor = items[len(items)-1].ServerSeq
	}
	return items, cursor, hasMore, nil
}

func (s *PgHighlightStore) read(ctx context.Context, userID string, id uuid.UUID) (*Highlight, error) {
	h := Highlight{ID: id, UserID: userID}
	var anchor, color, note *string
	err := s.pool.QueryRow(ctx, `
		SELECT book_id, anchor_range, color, note, client_updated_at, deleted_at, server_seq, server_updated_at
		FROM readsync.highlight
		WHERE user_id = @user_id AND id = @id`,
		pgx.NamedArgs{"user_id": userID, "id": id},
	).Scan(&h.BookID, &anchor, &color, &note, &h.ClientUpdatedAt, &h.DeletedAt, &h.ServerSeq, &h.ServerUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if anchor != nil {
		h.AnchorRange = *anchor
	}
	if color != nil {
		h.Color = *color
	}
	if note != nil {
		h.Note = *note
	}
	return &h, nil
}
