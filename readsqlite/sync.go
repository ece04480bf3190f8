// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// sendProgressUpdate PUTs one progress write. A 409 comes back as a decoded
// conflict body; 4xx (other than 409/401) wraps ErrRejected so the caller
// drops the entry; everything else is transient.
func (c *Client) sendProgressUpdate(ctx context.Context, bookID string, req *readsync.ProgressUpdateRequest) (*readsync.ProgressResponse, *readsync.ProgressConflictResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal progress request: %w", err)
	}

	endpoint := c.BaseURL + "/reading/progress/" + url.PathEscape(bookID)
	httpReq, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("progress request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec readsync.ProgressResponse
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("failed to decode progress response: %w", err)
		}
		return &rec, nil, nil
	case http.StatusConflict:
		var conflict readsync.ProgressConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return nil, &conflict, nil
	case http.StatusBadRequest, http.StatusNotFound:
		body, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
}

// sendHighlightBatch POSTs a batch of highlight writes
func (c *Client) sendHighlightBatch(ctx context.Context, items []readsync.HighlightUpload) (*readsync.HighlightBatchResponse, error) {
	body, err := json.Marshal(readsync.HighlightBatchRequest{Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal highlight batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/highlights/batch", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("highlight batch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var batchResp readsync.HighlightBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	return &batchResp, nil
}

// fetchHighlights GETs one page of highlight changes after the cursor
func (c *Client) fetchHighlights(ctx context.Context, bookID string, since int64, limit int) (*readsync.HighlightListResponse, error) {
	endpoint := fmt.Sprintf("%s/highlights/%s?since=%d&limit=%d",
		c.BaseURL, url.PathEscape(bookID), since, limit)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("highlight fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var listResp readsync.HighlightListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to decode highlight list: %w", err)
	}
	return &listResp, nil
}

// fetchProgress GETs the server's reading position; nil means no record yet
func (c *Client) fetchProgress(ctx context.Context, bookID string) (*readsync.ProgressResponse, error) {
	endpoint := c.BaseURL + "/reading/progress/" + url.PathEscape(bookID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("progress fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var rec readsync.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode progress response: %w", err)
	}
	return &rec, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// SyncHighlights pulls highlight changes since the book's cursor and applies
// them (tombstones included) to the local cache. Ids with a queued local
// write are skipped; the local edit wins locally until it uploads. Each page
// and its cursor advance commit in one transaction, so a crash between pages
// re-fetches at most one page.
func (c *Client) SyncHighlights(ctx context.Context, bookID string) (applied int, err error) {
	for {
		var cursor int64
		err := c.DB.QueryRowContext(ctx, `
			SELECT highlights_cursor FROM _reader_book_state WHERE book_id = ?
		`, bookID).Scan(&cursor)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return applied, fmt.Errorf("failed to read highlight cursor: %w", err)
		}

		// Network fetch outside any SQLite transaction
		page, err := c.fetchHighlights(ctx, bookID, cursor, c.config.ListLimit)
		if err != nil {
			return applied, err
		}

		c.writeMu.Lock()
		n, err := c.applyHighlightPage(ctx, bookID, page)
		c.writeMu.Unlock()
		if err != nil {
			return applied, err
		}
		applied += n

		if !page.HasMore {
			return applied, nil
		}
	}
}

func (c *Client) applyHighlightPage(ctx context.Context, bookID string, page *readsync.HighlightListResponse) (int, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i := range page.Items {
		item := &page.Items[i]

		var pendingLocal bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM _reader_pending WHERE book_id = ? AND entity_key = ?)
		`, bookID, item.ID).Scan(&pendingLocal); err != nil {
			return 0, fmt.Errorf("failed to check pending highlight: %w", err)
		}
		if pendingLocal {
			continue
		}

		if err := applyServerHighlightInTx(ctx, tx, item); err != nil {
			return 0, err
		}
		applied++
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _reader_book_state (book_id, highlights_cursor) VALUES (?, ?)
		ON CONFLICT (book_id) DO UPDATE SET highlights_cursor = excluded.highlights_cursor
	`, bookID, page.Cursor); err != nil {
		return 0, fmt.Errorf("failed to persist highlight cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	return applied, nil
}

// RefreshProgress performs the time-boxed read-only server check used when a
// book regains focus. It returns the server record (nil when none exists).
// The local cache is only overwritten when no local position exists yet
// (first open on a new device); any other divergence is the notifier's call,
// never a silent jump.
func (c *Client) RefreshProgress(ctx context.Context, bookID string) (*readsync.ProgressResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.FocusCheckTimeout)
	defer cancel()

	server, err := c.fetchProgress(ctx, bookID)
	if err != nil || server == nil {
		return server, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.GetLocalProgress(ctx, bookID); errors.Is(err, ErrNoLocalProgress) {
		if err := c.applyServerProgress(ctx, server); err != nil {
			return server, err
		}
	} else if err != nil {
		return server, err
	}
	return server, nil
}
