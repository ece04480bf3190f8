// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// ConflictPrompt asks the user whether to jump to the position recorded by
// another device or keep reading where they are.
type ConflictPrompt struct {
	BookID string
	Local  *LocalProgress             // nil when no local position exists
	Server *readsync.ProgressResponse // the authoritative server record
}

// PromptSink receives conflict prompts. Implementations are UI glue; the
// notifier guarantees at most one prompt per divergence episode per book.
type PromptSink interface {
	Prompt(prompt ConflictPrompt)
}

// PromptFunc adapts a function to the PromptSink interface
type PromptFunc func(prompt ConflictPrompt)

func (f PromptFunc) Prompt(prompt ConflictPrompt) { f(prompt) }

// ConflictNotifier turns progress conflicts and foreground divergence checks
// into user prompts. Per-book it is a small state machine: Idle until a
// divergence is detected, PendingPrompt while the prompt is outstanding, back
// to Idle on accept/decline/dismiss. Decline and dismiss also set a persisted
// suppression flag so reopening the book does not re-prompt; the flag clears
// on the next locally accepted progress write.
type ConflictNotifier struct {
	client *Client
	sink   PromptSink

	mu      sync.Mutex
	pending map[string]*readsync.ProgressResponse // bookID -> server record of the open prompt
}

func newConflictNotifier(client *Client, sink PromptSink) *ConflictNotifier {
	return &ConflictNotifier{
		client:  client,
		sink:    sink,
		pending: make(map[string]*readsync.ProgressResponse),
	}
}

// onConflict handles a rejected progress write surfaced by the flush path
func (n *ConflictNotifier) onConflict(ctx context.Context, bookID string, server *readsync.ProgressResponse) {
	if server == nil {
		return
	}
	n.maybePrompt(ctx, bookID, server)
}

// onLocalProgressWrite ends any open prompt episode for the book; the user
// has picked a position by reading on.
func (n *ConflictNotifier) onLocalProgressWrite(bookID string) {
	n.mu.Lock()
	delete(n.pending, bookID)
	n.mu.Unlock()
}

// OnForeground runs the divergence check when a book regains focus. Network
// problems are swallowed: the focus check is best-effort and the reader
// opens at the local position regardless.
func (n *ConflictNotifier) OnForeground(ctx context.Context, bookID string) {
	server, err := n.client.RefreshProgress(ctx, bookID)
	if err != nil {
		n.client.logger.Debug("Focus check skipped", "book_id", bookID, "error", err)
		return
	}
	if server == nil || server.DeviceID == n.client.DeviceID {
		return
	}

	// A queued local write is in flight; the flush path settles who wins and
	// surfaces any conflict itself.
	pending, err := n.client.hasPendingEntry(ctx, bookID, progressEntityKey)
	if err != nil || pending {
		return
	}

	local, err := n.client.GetLocalProgress(ctx, bookID)
	if err != nil && !errors.Is(err, ErrNoLocalProgress) {
		n.client.logger.Debug("Focus check skipped", "book_id", bookID, "error", err)
		return
	}
	if !n.materiallyDifferent(local, server) {
		return
	}
	n.maybePrompt(ctx, bookID, server)
}

// maybePrompt delivers at most one prompt per divergence episode, honoring
// the persisted suppression flag.
func (n *ConflictNotifier) maybePrompt(ctx context.Context, bookID string, server *readsync.ProgressResponse) {
	suppressed, err := n.suppressed(ctx, bookID)
	if err != nil {
		n.client.logger.Error("Failed to read prompt suppression", "book_id", bookID, "error", err)
		return
	}
	if suppressed {
		return
	}

	n.mu.Lock()
	if _, open := n.pending[bookID]; open {
		n.mu.Unlock()
		return
	}
	n.pending[bookID] = server
	n.mu.Unlock()

	if n.sink == nil {
		return
	}
	local, err := n.client.GetLocalProgress(ctx, bookID)
	if err != nil && !errors.Is(err, ErrNoLocalProgress) {
		local = nil
	}
	// Delivered off the caller's goroutine: conflicts surface mid-flush while
	// the client's write lock is held, and the sink may call straight back
	// into AcceptServerPosition.
	go n.sink.Prompt(ConflictPrompt{BookID: bookID, Local: local, Server: server})
}

// AcceptServerPosition jumps the local position to the server record and
// queues a confirming write with the server's version as base, which succeeds
// under CAS unless yet another device has written in the meantime.
func (n *ConflictNotifier) AcceptServerPosition(ctx context.Context, bookID string) error {
	n.mu.Lock()
	server, open := n.pending[bookID]
	delete(n.pending, bookID)
	n.mu.Unlock()
	if !open {
		return fmt.Errorf("no open conflict prompt for book %s", bookID)
	}

	n.client.writeMu.Lock()
	err := n.client.applyServerProgress(ctx, server)
	n.client.writeMu.Unlock()
	if err != nil {
		return err
	}

	update := ProgressUpdate{Kind: server.Kind, ChapterTitle: server.ChapterTitle}
	if server.Kind == readsync.KindPercentage {
		if err := json.Unmarshal(server.Value, &update.Percent); err != nil {
			return fmt.Errorf("failed to decode server progress value: %w", err)
		}
	} else {
		if err := json.Unmarshal(server.Value, &update.Locator); err != nil {
			return fmt.Errorf("failed to decode server progress value: %w", err)
		}
	}
	return n.client.EnqueueProgress(ctx, bookID, update)
}

// DeclineServerPosition keeps the local position and suppresses further
// prompts for this divergence episode.
func (n *ConflictNotifier) DeclineServerPosition(ctx context.Context, bookID string) error {
	return n.closePromptSuppressed(ctx, bookID)
}

// DismissPrompt closes the prompt without choosing; treated like decline for
// suppression so the same episode does not re-prompt.
func (n *ConflictNotifier) DismissPrompt(ctx context.Context, bookID string) error {
	return n.closePromptSuppressed(ctx, bookID)
}

func (n *ConflictNotifier) closePromptSuppressed(ctx context.Context, bookID string) error {
	n.mu.Lock()
	delete(n.pending, bookID)
	n.mu.Unlock()

	if _, err := n.client.DB.ExecContext(ctx, `
		INSERT INTO _reader_book_state (book_id, prompt_suppressed) VALUES (?, 1)
		ON CONFLICT (book_id) DO UPDATE SET prompt_suppressed = 1
	`, bookID); err != nil {
		return fmt.Errorf("failed to persist prompt suppression: %w", err)
	}
	return nil
}

func (n *ConflictNotifier) suppressed(ctx context.Context, bookID string) (bool, error) {
	var suppressed bool
	err := n.client.DB.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT prompt_suppressed FROM _reader_book_state WHERE book_id = ?), 0)
	`, bookID).Scan(&suppressed)
	return suppressed, err
}

// materiallyDifferent reports whether the server position is far enough from
// the local one to bother the reader. Percentage positions within
// ProgressEpsilon points are the same place; any locator or kind difference
// counts.
func (n *ConflictNotifier) materiallyDifferent(local *LocalProgress, server *readsync.ProgressResponse) bool {
	if local == nil {
		return true
	}
	if local.Kind != server.Kind {
		return true
	}
	if server.Kind == readsync.KindPercentage {
		var pct float64
		if err := json.Unmarshal(server.Value, &pct); err != nil {
			return true
		}
		return math.Abs(pct-local.Percent) > n.client.config.ProgressEpsilon
	}
	var loc string
	if err := json.Unmarshal(server.Value, &loc); err != nil {
		return true
	}
	return loc != local.Locator
}
