// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// Queue operation kinds
const (
	opProgress        = "progress"
	opHighlightUpsert = "hl_upsert"
	opHighlightDelete = "hl_delete"
)

// entity_key for the single coalesced progress entry per book
const progressEntityKey = "progress"

// ErrRejected marks a server response that must not be retried; the queue
// entry is dropped with a logged diagnostic.
var ErrRejected = errors.New("rejected by server")

// ProgressUpdate is a local reading-position change to be queued for upload
type ProgressUpdate struct {
	Kind         string // readsync.KindPercentage or readsync.KindLocator
	Percent      float64
	Locator      string
	ChapterTitle string
}

// HighlightUpsert is a local highlight create/edit to be queued for upload.
// ID may be empty, in which case it is derived from (user, book, anchor).
type HighlightUpsert struct {
	ID          string
	BookID      string
	AnchorRange string
	Color       string
	Note        string
}

// progressPayload is the queued JSON form of a progress change. The base
// version is intentionally absent: it is taken from the local cache at flush
// time so a coalesced entry always carries the freshest acknowledged version.
type progressPayload struct {
	Kind         string  `json:"kind"`
	Percent      float64 `json:"percent,omitempty"`
	Locator      string  `json:"locator,omitempty"`
	ChapterTitle string  `json:"chapter_title,omitempty"`
}

type pendingEntry struct {
	seq          int64
	opID         int64
	opKind       string
	bookID       string
	entityKey    string
	payload      string
	attemptCount int
}

// EnqueueProgress records a local progress change: the local cache is updated
// and a durable queue entry is written before any network activity. A second
// change for the same book replaces the queued payload in place.
func (c *Client) EnqueueProgress(ctx context.Context, bookID string, u ProgressUpdate) error {
	if u.Kind == readsync.KindPercentage {
		norm, err := readsync.NormalizePercent(u.Percent)
		if err != nil {
			return err
		}
		u.Percent = norm
	}

	payload, err := json.Marshal(progressPayload{
		Kind:         u.Kind,
		Percent:      u.Percent,
		Locator:      u.Locator,
		ChapterTitle: u.ChapterTitle,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal progress payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveLocalProgressValueInTx(ctx, tx, bookID, u, c.DeviceID); err != nil {
		return err
	}
	if err := c.insertPendingInTx(ctx, tx, opProgress, bookID, progressEntityKey, string(payload)); err != nil {
		return err
	}
	// A fresh locally-accepted position ends any suppressed divergence episode
	if _, err := tx.ExecContext(ctx, `
		UPDATE _reader_book_state SET prompt_suppressed = 0 WHERE book_id = ?
	`, bookID); err != nil {
		return fmt.Errorf("failed to clear prompt suppression: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	c.notifier.onLocalProgressWrite(bookID)
	return nil
}

// EnqueueHighlightUpsert records a local highlight create/edit and returns
// the highlight id (derived when not supplied).
func (c *Client) EnqueueHighlightUpsert(ctx context.Context, h HighlightUpsert) (string, error) {
	id := h.ID
	if id == "" {
		if h.AnchorRange == "" {
			return "", errors.New("anchor range required when highlight id is omitted")
		}
		id = readsync.HighlightID(c.UserID, h.BookID, h.AnchorRange).String()
	}
	now := time.Now().UTC()

	upload := readsync.HighlightUpload{
		ID:              id,
		BookID:          h.BookID,
		AnchorRange:     h.AnchorRange,
		Color:           h.Color,
		Note:            h.Note,
		ClientUpdatedAt: now,
	}
	payload, err := json.Marshal(upload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal highlight payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO highlight (id, book_id, anchor_range, color, note, client_updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET
			anchor_range = excluded.anchor_range,
			color = excluded.color,
			note = excluded.note,
			client_updated_at = excluded.client_updated_at,
			deleted_at = NULL
	`, id, h.BookID, h.AnchorRange, h.Color, h.Note, now.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("failed to update local highlight: %w", err)
	}
	if err := c.insertPendingInTx(ctx, tx, opHighlightUpsert, h.BookID, id, string(payload)); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return id, nil
}

// EnqueueHighlightDelete records a local highlight deletion. The local row is
// tombstoned immediately; the delete is uploaded as a batch item.
func (c *Client) EnqueueHighlightDelete(ctx context.Context, bookID, id string) error {
	now := time.Now().UTC()

	upload := readsync.HighlightUpload{
		ID:              id,
		BookID:          bookID,
		ClientUpdatedAt: now,
		Deleted:         true,
	}
	payload, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal highlight delete payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO highlight (id, book_id, client_updated_at, deleted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client_updated_at = excluded.client_updated_at,
			deleted_at = excluded.deleted_at
	`, id, bookID, ts, ts); err != nil {
		return fmt.Errorf("failed to tombstone local highlight: %w", err)
	}
	if err := c.insertPendingInTx(ctx, tx, opHighlightDelete, bookID, id, string(payload)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// insertPendingInTx writes or coalesces a queue entry. On coalesce the seq
// and op_id stay untouched so queue order and replay identity are preserved;
// the retry counters reset because the payload is new.
func (c *Client) insertPendingInTx(ctx context.Context, tx *sql.Tx, opKind, bookID, entityKey, payload string) error {
	var opID int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_op_id FROM _reader_client_info WHERE user_id = ?
	`, c.UserID).Scan(&opID); err != nil {
		return fmt.Errorf("failed to read next op id: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO _reader_pending (op_id, op_kind, book_id, entity_key, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (book_id, entity_key) DO UPDATE SET
			op_kind = excluded.op_kind,
			payload = excluded.payload,
			enqueued_at = excluded.enqueued_at,
			attempt_count = 0,
			last_error = NULL
	`, opID, opKind, bookID, entityKey, payload)
	if err != nil {
		return fmt.Errorf("failed to queue pending entry: %w", err)
	}

	// Only a fresh insert consumes the op id
	if n, _ := res.RowsAffected(); n > 0 {
		var consumed bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM _reader_pending WHERE book_id = ? AND entity_key = ? AND op_id = ?)
		`, bookID, entityKey, opID).Scan(&consumed); err != nil {
			return fmt.Errorf("failed to check op id consumption: %w", err)
		}
		if consumed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _reader_client_info SET next_op_id = next_op_id + 1 WHERE user_id = ?
			`, c.UserID); err != nil {
				return fmt.Errorf("failed to advance op id: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _reader_book_state (book_id) VALUES (?)
		ON CONFLICT (book_id) DO NOTHING
	`, bookID); err != nil {
		return fmt.Errorf("failed to ensure book state: %w", err)
	}
	return nil
}

// FlushOnce delivers queued writes to the gateway. Books flush concurrently;
// within a book entries go strictly in queue order. Entries leave the queue
// only on a server verdict (accepted, conflict, or non-retryable rejection);
// transient failures bump the attempt counter and stop that book's flush.
func (c *Client) FlushOnce(ctx context.Context) error {
	if atomic.LoadInt32(&c.paused) == 1 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.DB.QueryContext(ctx, `
		SELECT seq, op_id, op_kind, book_id, entity_key, payload, attempt_count
		FROM _reader_pending
		ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("failed to query pending entries: %w", err)
	}

	perBook := make(map[string][]pendingEntry)
	var bookOrder []string
	for rows.Next() {
		var e pendingEntry
		if err := rows.Scan(&e.seq, &e.opID, &e.opKind, &e.bookID, &e.entityKey, &e.payload, &e.attemptCount); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan pending entry: %w", err)
		}
		if _, ok := perBook[e.bookID]; !ok {
			bookOrder = append(bookOrder, e.bookID)
		}
		perBook[e.bookID] = append(perBook[e.bookID], e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate pending entries: %w", err)
	}
	if len(perBook) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(bookOrder))
	for i, bookID := range bookOrder {
		wg.Add(1)
		go func(i int, bookID string, entries []pendingEntry) {
			defer wg.Done()
			errs[i] = c.flushBook(ctx, bookID, entries)
		}(i, bookID, perBook[bookID])
	}
	wg.Wait()

	return errors.Join(errs...)
}

// flushBook delivers one book's entries in seq order, batching consecutive
// highlight entries into a single upload.
func (c *Client) flushBook(ctx context.Context, bookID string, entries []pendingEntry) error {
	i := 0
	for i < len(entries) {
		e := entries[i]
		if e.opKind == opProgress {
			if err := c.flushProgressEntry(ctx, e); err != nil {
				return err
			}
			i++
			continue
		}

		// Collect the run of consecutive highlight entries
		j := i
		for j < len(entries) && entries[j].opKind != opProgress && j-i < c.config.BatchLimit {
			j++
		}
		if err := c.flushHighlightEntries(ctx, entries[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (c *Client) flushProgressEntry(ctx context.Context, e pendingEntry) error {
	var p progressPayload
	if err := json.Unmarshal([]byte(e.payload), &p); err != nil {
		// Malformed queue entry: drop with a diagnostic, it can never succeed
		c.logger.Error("Dropping malformed progress entry", "book_id", e.bookID, "error", err)
		return c.dequeue(ctx, e.seq)
	}

	baseVersion, err := c.localProgressVersion(ctx, e.bookID)
	if err != nil {
		return err
	}

	var value json.RawMessage
	if p.Kind == readsync.KindPercentage {
		value = json.RawMessage(strconv.FormatFloat(p.Percent, 'f', 2, 64))
	} else {
		value, _ = json.Marshal(p.Locator)
	}
	req := readsync.ProgressUpdateRequest{
		BaseVersion:  baseVersion,
		Kind:         p.Kind,
		Value:        value,
		ChapterTitle: p.ChapterTitle,
	}

	accepted, conflict, err := c.sendProgressUpdate(ctx, e.bookID, &req)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			c.logger.Warn("Progress write rejected, dropping", "book_id", e.bookID, "error", err)
			return c.dequeue(ctx, e.seq)
		}
		if mErr := c.markAttempt(ctx, e.seq, err); mErr != nil {
			return mErr
		}
		return fmt.Errorf("progress upload for %s: %w", e.bookID, err)
	}

	if conflict != nil {
		// Terminal protocol outcome: the entry leaves the queue and the
		// notifier takes over. The local position is kept; only the
		// acknowledged version advances so the next write competes fairly.
		if err := c.dequeue(ctx, e.seq); err != nil {
			return err
		}
		if conflict.Current != nil {
			if err := c.setLocalVersion(ctx, e.bookID, conflict.Current.Version); err != nil {
				return err
			}
		}
		c.notifier.onConflict(ctx, e.bookID, conflict.Current)
		return nil
	}

	if err := c.dequeue(ctx, e.seq); err != nil {
		return err
	}
	return c.acknowledgeProgress(ctx, e.bookID, accepted)
}

func (c *Client) flushHighlightEntries(ctx context.Context, entries []pendingEntry) error {
	items := make([]readsync.HighlightUpload, 0, len(entries))
	valid := make([]pendingEntry, 0, len(entries))
	for _, e := range entries {
		var item readsync.HighlightUpload
		if err := json.Unmarshal([]byte(e.payload), &item); err != nil {
			c.logger.Error("Dropping malformed highlight entry", "book_id", e.bookID, "error", err)
			if dErr := c.dequeue(ctx, e.seq); dErr != nil {
				return dErr
			}
			continue
		}
		items = append(items, item)
		valid = append(valid, e)
	}
	if len(items) == 0 {
		return nil
	}

	resp, err := c.sendHighlightBatch(ctx, items)
	if err != nil {
		for _, e := range valid {
			if mErr := c.markAttempt(ctx, e.seq, err); mErr != nil {
				return mErr
			}
		}
		return fmt.Errorf("highlight upload: %w", err)
	}
	if len(resp.Statuses) != len(valid) {
		return fmt.Errorf("highlight batch returned %d statuses for %d items", len(resp.Statuses), len(valid))
	}

	// The server caps batch size below our BatchLimit: every item comes back
	// batch_too_large. Halve until the batches fit; the entries stay queued.
	if resp.Statuses[0].Reason == readsync.ReasonBatchTooLarge {
		if len(valid) == 1 {
			err := fmt.Errorf("highlight batch of 1 rejected: %s", resp.Statuses[0].Message)
			if mErr := c.markAttempt(ctx, valid[0].seq, err); mErr != nil {
				return mErr
			}
			return err
		}
		mid := len(valid) / 2
		if err := c.flushHighlightEntries(ctx, valid[:mid]); err != nil {
			return err
		}
		return c.flushHighlightEntries(ctx, valid[mid:])
	}

	var retryErr error
	for k, st := range resp.Statuses {
		e := valid[k]
		switch st.Status {
		case readsync.StAccepted:
			if !st.Applied {
				c.logger.Debug("Highlight write superseded by newer server record",
					"book_id", e.bookID, "id", st.ID)
			}
			if err := c.dequeue(ctx, e.seq); err != nil {
				return err
			}
		case readsync.StRejected:
			switch st.Reason {
			case readsync.ReasonBadPayload, readsync.ReasonUnknownBook:
				// Definitive: resending the same payload can never succeed
				c.logger.Warn("Highlight write rejected, dropping",
					"book_id", e.bookID, "id", st.ID, "reason", st.Reason, "message", st.Message)
				if err := c.dequeue(ctx, e.seq); err != nil {
					return err
				}
			default:
				// internal_error and anything unrecognized count as transient:
				// the entry stays queued for the backoff retry
				cause := fmt.Errorf("highlight write rejected: %s: %s", st.Reason, st.Message)
				c.logger.Warn("Highlight write failed server-side, keeping for retry",
					"book_id", e.bookID, "id", st.ID, "reason", st.Reason, "message", st.Message)
				if err := c.markAttempt(ctx, e.seq, cause); err != nil {
					return err
				}
				retryErr = cause
			}
		default:
			return fmt.Errorf("unknown highlight status %q for %s", st.Status, st.ID)
		}
	}
	return retryErr
}

func (c *Client) dequeue(ctx context.Context, seq int64) error {
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM _reader_pending WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to dequeue entry %d: %w", seq, err)
	}
	return nil
}

func (c *Client) markAttempt(ctx context.Context, seq int64, cause error) error {
	if _, err := c.DB.ExecContext(ctx, `
		UPDATE _reader_pending SET attempt_count = attempt_count + 1, last_error = ? WHERE seq = ?
	`, cause.Error(), seq); err != nil {
		return fmt.Errorf("failed to record attempt for entry %d: %w", seq, err)
	}
	return nil
}
