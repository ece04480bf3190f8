// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the sync tables if they don't exist. It is
// idempotent and runs all DDL in a single transaction.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS readsync`,

		// One row per (user, book); version is the CAS counter and is only
		// ever incremented by the single-statement write in PgProgressStore.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS readsync.reading_progress (
			user_id       TEXT        NOT NULL,
			book_id       TEXT        NOT NULL,
			kind          TEXT        NOT NULL CHECK (kind IN ('percentage','locator')),
			percent       DOUBLE PRECISION,
			locator       TEXT,
			chapter_title TEXT        NOT NULL DEFAULT '',
			device_id     TEXT        NOT NULL,
			version       BIGINT      NOT NULL DEFAULT 1,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, book_id),
			CONSTRAINT reading_progress_value_by_kind_chk
			CHECK ((kind = 'percentage' AND percent IS NOT NULL) OR (kind = 'locator' AND locator IS NOT NULL))
		)`,

		// Monotonic write sequence shared by all highlight writes; it is the
		// fetch-since cursor axis (wall-clock timestamps can collide or skew).
		/*language=postgresql*/ `CREATE SEQUENCE IF NOT EXISTS readsync.highlight_write_seq`,

		// One row per highlight id, never physically deleted, only
		// tombstoned. Payload columns are nullable because a tombstone may
		// arrive before the create it deletes.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS readsync.highlight (
			user_id           TEXT        NOT NULL,
			id                UUID        NOT NULL,
			book_id           TEXT        NOT NULL,
			anchor_range      TEXT,
			color             TEXT,
			note              TEXT,
			client_updated_at TIMESTAMPTZ NOT NULL,
			deleted_at        TIMESTAMPTZ,
			server_seq        BIGINT      NOT NULL DEFAULT nextval('readsync.highlight_write_seq'),
			server_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, id)
		)`,

		// Optimizes per-book incremental fetches
		`CREATE INDEX IF NOT EXISTS hl_user_book_seq_idx ON readsync.highlight(user_id, book_id, server_seq)`,
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("schema migration failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to initialize readsync schema", "error", err)
		return err
	}

	logger.Debug("readsync schema initialized")
	return nil
}

// NewPgStores initializes the schema and returns Postgres-backed stores over
// the given pool. This is the main entry point for server setups.
func NewPgStores(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgProgressStore, *PgHighlightStore, error) {
	if err := InitializeSchema(ctx, pool, logger); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return NewPgProgressStore(pool, logger), NewPgHighlightStore(pool, logger), nil
}
