// Package readsqlite provides the SQLite-backed device client for ReadKnows
// reading-state sync: a durable offline queue for progress and highlight
// writes, incremental highlight fetch, and the conflict notifier that turns
// rejected progress writes into user prompts.
//
// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client manages the local SQLite database and sync against the gateway
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	UserID   string
	DeviceID string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	notifier *ConflictNotifier

	// Serialize local write operations (enqueues and flushes) so a flush
	// always sees a stable queue and SQLite never contends on writes.
	writeMu sync.Mutex

	paused int32
}

// Config holds configuration for the SQLite sync client
type Config struct {
	FlushInterval     time.Duration // background queue flush cadence
	BatchLimit        int           // highlight items per upload batch
	ListLimit         int           // highlight page size for downloads
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int           // entries past this are surfaced via NotSynced
	RequestTimeout    time.Duration // per-request HTTP timeout
	FocusCheckTimeout time.Duration // budget for the foreground progress check
	ProgressEpsilon   float64       // percentage points considered "the same place"
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:     15 * time.Second,
		BatchLimit:        100,
		ListLimit:         500,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		MaxAttempts:       10,
		RequestTimeout:    30 * time.Second,
		FocusCheckTimeout: 3 * time.Second,
		ProgressEpsilon:   0.5,
	}
}

// NewClient creates a new SQLite sync client. The database is initialized
// (metadata tables, local caches, pragmas) before the client is returned.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok func(ctx context.Context) (string, error), config *Config, sink PromptSink, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	// Seed client identity so the op id counter exists before the first
	// enqueue. A row persisted by EnsureDeviceID wins.
	if _, err := db.Exec(`
		INSERT INTO _reader_client_info (user_id, device_id, next_op_id)
		VALUES (?, ?, 1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, deviceID); err != nil {
		return nil, fmt.Errorf("failed to seed client info: %w", err)
	}

	client := &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		UserID:   userID,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: config.RequestTimeout},
		config:   config,
		logger:   logger,
	}
	client.notifier = newConflictNotifier(client, sink)

	return client, nil
}

// Notifier returns the conflict notifier for this client
func (c *Client) Notifier() *ConflictNotifier { return c.notifier }

// Pause suspends queue flushing (background loop and FlushOnce become no-ops)
func (c *Client) Pause() { atomic.StoreInt32(&c.paused, 1) }

// Resume resumes queue flushing
func (c *Client) Resume() { atomic.StoreInt32(&c.paused, 0) }

// EnsureDeviceID returns the persisted device ID for the user, generating and
// storing a new one on first use. The ID survives restarts; a device keeps
// its identity for the lifetime of the database file.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _reader_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _reader_client_info (user_id, device_id, next_op_id)
			VALUES (?, ?, 1)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the sync metadata and local cache tables
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device identity (one signed-in user per DB file)
		`CREATE TABLE IF NOT EXISTS _reader_client_info (
			user_id    TEXT NOT NULL,
			device_id  TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			next_op_id INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id)
		)`,

		// Durable offline queue. One row per logical entity: a later local
		// write for the same (book, entity) replaces the queued payload
		// instead of appending, keeping the original seq and op_id so order
		// and replay idempotency are preserved.
		`CREATE TABLE IF NOT EXISTS _reader_pending (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id         INTEGER NOT NULL,
			op_kind       TEXT NOT NULL CHECK (op_kind IN ('progress','hl_upsert','hl_delete')),
			book_id       TEXT NOT NULL,
			entity_key    TEXT NOT NULL,       -- 'progress' or the highlight id
			payload       TEXT NOT NULL,       -- JSON captured at enqueue time
			enqueued_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			UNIQUE (book_id, entity_key)
		)`,

		// Per-book sync state: highlight fetch cursor, conflict prompt
		// suppression, and the last server-acknowledged progress version.
		`CREATE TABLE IF NOT EXISTS _reader_book_state (
			book_id             TEXT NOT NULL,
			highlights_cursor   INTEGER NOT NULL DEFAULT 0,
			prompt_suppressed   INTEGER NOT NULL DEFAULT 0,
			last_synced_version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (book_id)
		)`,

		// Local cache of the reading position. version is the version of the
		// last server-acknowledged record (0 before first sync); the value
		// columns may be ahead of the server while writes are queued.
		`CREATE TABLE IF NOT EXISTS reading_progress (
			book_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			percent       REAL,
			locator       TEXT,
			chapter_title TEXT NOT NULL DEFAULT '',
			device_id     TEXT NOT NULL DEFAULT '',
			version       INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL,
			PRIMARY KEY (book_id)
		)`,

		// Local cache of highlights, tombstones included
		`CREATE TABLE IF NOT EXISTS highlight (
			id                TEXT NOT NULL,
			book_id           TEXT NOT NULL,
			anchor_range      TEXT,
			color             TEXT,
			note              TEXT,
			client_updated_at TEXT NOT NULL,
			deleted_at        TEXT,
			server_updated_at TEXT,
			PRIMARY KEY (id)
		)`,

		`CREATE INDEX IF NOT EXISTS highlight_book_idx ON highlight(book_id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create client table: %w", err)
		}
	}

	return nil
}

// Start runs the background flush loop until the context is cancelled
func (c *Client) Start(ctx context.Context) error {
	go c.flushLoop(ctx)
	return nil
}

// flushLoop flushes the queue on an interval with exponential backoff on error
func (c *Client) flushLoop(ctx context.Context) {
	backoff := c.config.FlushInterval
	for {
		if !sleepWithContext(ctx, backoff) {
			return
		}
		if atomic.LoadInt32(&c.paused) == 1 {
			continue
		}

		if err := c.FlushOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Queue flush failed, backing off", "error", err)
			backoff = backoff * 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		} else {
			backoff = c.config.FlushInterval
		}
	}
}

// sleepWithContext waits for d or until ctx is done; returns false on cancel
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// PendingCount returns the number of queued local writes not yet acknowledged
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _reader_pending`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// StuckEntry describes a queued write that has exhausted its retry budget.
// It stays in the queue (a later successful flush still delivers it) but the
// app should surface the book as "not synced".
type StuckEntry struct {
	BookID       string
	OpKind       string
	AttemptCount int
	LastError    string
}

// NotSynced lists queue entries whose attempt count reached MaxAttempts
func (c *Client) NotSynced(ctx context.Context) ([]StuckEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT book_id, op_kind, attempt_count, COALESCE(last_error, '')
		FROM _reader_pending
		WHERE attempt_count >= ?
		ORDER BY seq
	`, c.config.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck entries: %w", err)
	}
	defer rows.Close()

	var entries []StuckEntry
	for rows.Next() {
		var e StuckEntry
		if err := rows.Scan(&e.BookID, &e.OpKind, &e.AttemptCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan stuck entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
