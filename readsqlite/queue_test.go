package readsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

func newQueueClient(t *testing.T, path string) *Client {
	t.Helper()
	db := openTestDBAt(t, path)

	tokenFunc := func(ctx context.Context) (string, error) { return "unused", nil }
	client, err := NewClient(db, "http://localhost:0", "test-user", "test-device", tokenFunc, nil, nil, nil)
	require.NoError(t, err)
	return client
}

func queueDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "reader.db")
}

func TestEnqueueProgressCoalesces(t *testing.T) {
	ctx := context.Background()
	c := newQueueClient(t, queueDBPath(t))

	err := c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 10})
	require.NoError(t, err)
	err = c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 25.5, ChapterTitle: "Ch 2"})
	require.NoError(t, err)

	// One row per book; the payload is the latest write
	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var payload string
	var opID int64
	err = c.DB.QueryRow(`
		SELECT payload, op_id FROM _reader_pending WHERE book_id = ? AND entity_key = ?
	`, "book-1", progressEntityKey).Scan(&payload, &opID)
	require.NoError(t, err)
	require.Equal(t, int64(1), opID, "coalescing keeps the original op id")

	var p progressPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	require.Equal(t, 25.5, p.Percent)
	require.Equal(t, "Ch 2", p.ChapterTitle)

	// A second book gets its own entry and op id
	err = c.EnqueueProgress(ctx, "book-2", ProgressUpdate{Kind: readsync.KindLocator, Locator: "page=3"})
	require.NoError(t, err)
	count, err = c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Local cache reflects the latest value with no acknowledged version yet
	local, err := c.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 25.5, local.Percent)
	require.Equal(t, int64(0), local.Version)
}

func TestEnqueueProgressRejectsBadPercent(t *testing.T) {
	ctx := context.Background()
	c := newQueueClient(t, queueDBPath(t))

	err := c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 150})
	require.ErrorIs(t, err, readsync.ErrValidation)

	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count, "invalid writes never enter the queue")
}

func TestEnqueueHighlightCoalescesPerHighlight(t *testing.T) {
	ctx := context.Background()
	c := newQueueClient(t, queueDBPath(t))

	id, err := c.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: "r1", Color: "yellow"})
	require.NoError(t, err)
	require.Equal(t, readsync.HighlightID("test-user", "book-1", "r1").String(), id)

	// Edit before upload replaces the queued payload
	_, err = c.EnqueueHighlightUpsert(ctx, HighlightUpsert{ID: id, BookID: "book-1", AnchorRange: "r1", Color: "blue"})
	require.NoError(t, err)
	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Delete before upload turns the entry into a delete
	err = c.EnqueueHighlightDelete(ctx, "book-1", id)
	require.NoError(t, err)
	count, err = c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var opKind, payload string
	err = c.DB.QueryRow(`
		SELECT op_kind, payload FROM _reader_pending WHERE book_id = ? AND entity_key = ?
	`, "book-1", id).Scan(&opKind, &payload)
	require.NoError(t, err)
	require.Equal(t, opHighlightDelete, opKind)

	var item readsync.HighlightUpload
	require.NoError(t, json.Unmarshal([]byte(payload), &item))
	require.True(t, item.Deleted)

	// The local cache row is tombstoned immediately
	live, err := c.ListLocalHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Empty(t, live)

	// Distinct highlights queue independently
	_, err = c.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: "r2"})
	require.NoError(t, err)
	count, err = c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

// Queued writes survive process restarts: reopen the same database file and
// the queue is intact.
func TestQueueDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "reader.db")

	c := newQueueClient(t, dsn)
	require.NoError(t, c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 33.33}))
	_, err := c.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: "r1", Note: "keep me"})
	require.NoError(t, err)
	require.NoError(t, c.DB.Close())

	reopened := newQueueClient(t, dsn)
	count, err := reopened.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	local, err := reopened.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 33.33, local.Percent)

	live, err := reopened.ListLocalHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "keep me", live[0].Note)
}

func TestFlushTransientFailureKeepsEntries(t *testing.T) {
	ctx := context.Background()
	// Port 0 is never reachable: every request is a transport error
	c := newQueueClient(t, queueDBPath(t))

	require.NoError(t, c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 10}))

	err := c.FlushOnce(ctx)
	require.Error(t, err)

	// Entry stays queued with the failure recorded
	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var attempts int
	var lastError sql.NullString
	err = c.DB.QueryRow(`SELECT attempt_count, last_error FROM _reader_pending`).Scan(&attempts, &lastError)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.True(t, lastError.Valid)

	// Entries reaching the attempt cap surface through NotSynced
	for i := 0; i < c.config.MaxAttempts-1; i++ {
		_ = c.FlushOnce(ctx)
	}
	stuck, err := c.NotSynced(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "book-1", stuck[0].BookID)
	require.Equal(t, opProgress, stuck[0].OpKind)
}

// flakyHighlightStore fails highlight writes on demand, simulating a server
// whose storage is temporarily down.
type flakyHighlightStore struct {
	*readsync.MemHighlightStore
	mu   sync.Mutex
	fail bool
}

func (s *flakyHighlightStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *flakyHighlightStore) Upsert(ctx context.Context, h readsync.Highlight) (*readsync.Highlight, bool, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, false, errors.New("storage unavailable")
	}
	return s.MemHighlightStore.Upsert(ctx, h)
}

// A server-side write failure is transient: the entry stays queued with an
// attempt recorded, and the next flush delivers it.
func TestFlushKeepsHighlightOnServerError(t *testing.T) {
	ctx := context.Background()
	store := &flakyHighlightStore{MemHighlightStore: readsync.NewMemHighlightStore()}
	store.setFail(true)
	server, auth := newSyncServerWith(t, nil, store)
	dev := newDevice(t, server.URL, auth, "u1", "dev-a", nil)

	id, err := dev.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: "r1", Color: "yellow"})
	require.NoError(t, err)

	err = dev.FlushOnce(ctx)
	require.Error(t, err)

	count, err := dev.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var attempts int
	var lastError string
	err = dev.DB.QueryRow(`SELECT attempt_count, COALESCE(last_error, '') FROM _reader_pending`).Scan(&attempts, &lastError)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Contains(t, lastError, readsync.ReasonInternalError)

	// Storage heals; the queued write goes through
	store.setFail(false)
	require.NoError(t, dev.FlushOnce(ctx))
	count, err = dev.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)
	applied, err := devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	live, err := devB.ListLocalHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, id, live[0].ID)
}

// A server with a smaller batch cap than the client's: the client splits the
// batch until it fits and nothing is lost.
func TestFlushSplitsBatchOverServerLimit(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServerWith(t, &readsync.ServiceConfig{MaxBatchSize: 1}, nil)
	dev := newDevice(t, server.URL, auth, "u1", "dev-a", nil)

	for _, anchor := range []string{"r1", "r2", "r3"} {
		_, err := dev.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: anchor})
		require.NoError(t, err)
	}

	require.NoError(t, dev.FlushOnce(ctx))
	count, err := dev.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)
	applied, err := devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 3, applied)
}

// A definitively invalid item is dropped while its batch siblings deliver.
func TestFlushDropsDefinitiveRejectionKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServer(t)
	dev := newDevice(t, server.URL, auth, "u1", "dev-a", nil)

	_, err := dev.EnqueueHighlightUpsert(ctx, HighlightUpsert{BookID: "book-1", AnchorRange: "r1"})
	require.NoError(t, err)

	// Inject a queue entry the server can only ever reject (unparseable id)
	bad, err := json.Marshal(readsync.HighlightUpload{
		ID: "bogus", BookID: "book-1", AnchorRange: "rX", ClientUpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = dev.DB.Exec(`
		INSERT INTO _reader_pending (op_id, op_kind, book_id, entity_key, payload)
		VALUES (999, ?, 'book-1', 'bogus', ?)
	`, opHighlightUpsert, string(bad))
	require.NoError(t, err)

	require.NoError(t, dev.FlushOnce(ctx))
	count, err := dev.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)
	applied, err := devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 1, applied)
}

func TestFlushPausedIsNoOp(t *testing.T) {
	ctx := context.Background()
	c := newQueueClient(t, queueDBPath(t))
	require.NoError(t, c.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 10}))

	c.Pause()
	require.NoError(t, c.FlushOnce(ctx))
	count, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	c.Resume()
	err = c.FlushOnce(ctx)
	require.Error(t, err) // unreachable server again, but it tried
}
