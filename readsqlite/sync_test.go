package readsqlite

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// newSyncServer runs an in-process gateway over in-memory stores
func newSyncServer(t *testing.T) (*httptest.Server, *readsync.JWTAuth) {
	t.Helper()
	return newSyncServerWith(t, nil, nil)
}

func newSyncServerWith(t *testing.T, config *readsync.ServiceConfig, highlights readsync.HighlightStore) (*httptest.Server, *readsync.JWTAuth) {
	t.Helper()
	if highlights == nil {
		highlights = readsync.NewMemHighlightStore()
	}
	svc, err := readsync.NewSyncService(readsync.NewMemProgressStore(), highlights, config, slog.Default())
	require.NoError(t, err)

	auth := readsync.NewJWTAuth("test-secret")
	mux := http.NewServeMux()
	readsync.NewHTTPHandlers(svc, auth, slog.Default()).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, auth
}

// newDevice creates a client with its own local database file, simulating
// one signed-in device.
func newDevice(t *testing.T, serverURL string, auth *readsync.JWTAuth, userID, deviceID string, sink PromptSink) *Client {
	t.Helper()
	db := openTestDBAt(t, filepath.Join(t.TempDir(), deviceID+".db"))

	tokenFunc := func(ctx context.Context) (string, error) {
		return auth.GenerateToken(userID, deviceID, time.Hour)
	}
	client, err := NewClient(db, serverURL, userID, deviceID, tokenFunc, nil, sink, slog.Default())
	require.NoError(t, err)
	return client
}

func TestFlushDeliversQueuedProgress(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServer(t)
	devA := newDevice(t, server.URL, auth, "u1", "dev-a", nil)

	require.NoError(t, devA.EnqueueProgress(ctx, "book-1", ProgressUpdate{
		Kind: readsync.KindPercentage, Percent: 42.5, ChapterTitle: "Ch 3",
	}))
	require.NoError(t, devA.FlushOnce(ctx))

	count, err := devA.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// The accepted version is recorded locally
	local, err := devA.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), local.Version)
	require.Equal(t, 42.5, local.Percent)

	// A second write flushes against the acknowledged version
	require.NoError(t, devA.EnqueueProgress(ctx, "book-1", ProgressUpdate{
		Kind: readsync.KindPercentage, Percent: 55,
	}))
	require.NoError(t, devA.FlushOnce(ctx))

	local, err = devA.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), local.Version)

	// The server agrees
	serverRec, err := devA.fetchProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), serverRec.Version)
	require.Equal(t, "dev-a", serverRec.DeviceID)
}

// Device A creates highlights and deletes one; device B fetches the full
// change set, tombstone included, into its local cache.
func TestSecondDeviceSyncsHighlights(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServer(t)
	devA := newDevice(t, server.URL, auth, "u1", "dev-a", nil)
	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)

	var ids []string
	for _, anchor := range []string{"r1", "r2", "r3"} {
		id, err := devA.EnqueueHighlightUpsert(ctx, HighlightUpsert{
			BookID: "book-1", AnchorRange: anchor, Color: "yellow",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, devA.FlushOnce(ctx))

	// Delete must be a separate flush: a delete queued behind its own
	// unflushed create coalesces into nothing reaching the server
	require.NoError(t, devA.EnqueueHighlightDelete(ctx, "book-1", ids[1]))
	require.NoError(t, devA.FlushOnce(ctx))

	applied, err := devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 3, applied)

	live, err := devB.ListLocalHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, h := range live {
		require.NotEqual(t, ids[1], h.ID)
	}

	// Cursor advanced: nothing new on the next sync
	applied, err = devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Zero(t, applied)

	// New edit on A flows to B incrementally
	_, err = devA.EnqueueHighlightUpsert(ctx, HighlightUpsert{
		ID: ids[0], BookID: "book-1", AnchorRange: "r1", Color: "blue",
	})
	require.NoError(t, err)
	require.NoError(t, devA.FlushOnce(ctx))

	applied, err = devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 1, applied)
}

// A downloaded change never overwrites a local edit that is still queued.
func TestSyncHighlightsSkipsPendingLocalEdits(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServer(t)
	devA := newDevice(t, server.URL, auth, "u1", "dev-a", nil)
	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)

	id, err := devA.EnqueueHighlightUpsert(ctx, HighlightUpsert{
		BookID: "book-1", AnchorRange: "r1", Color: "yellow",
	})
	require.NoError(t, err)
	require.NoError(t, devA.FlushOnce(ctx))

	// B edits the same highlight offline, then syncs
	_, err = devB.EnqueueHighlightUpsert(ctx, HighlightUpsert{
		ID: id, BookID: "book-1", AnchorRange: "r1", Color: "red",
	})
	require.NoError(t, err)

	_, err = devB.SyncHighlights(ctx, "book-1")
	require.NoError(t, err)

	live, err := devB.ListLocalHighlights(ctx, "book-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "red", live[0].Color, "queued local edit wins locally")

	// After the queue drains, the next sync can apply server state again
	require.NoError(t, devB.FlushOnce(ctx))
	count, err := devB.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRefreshProgressAdoptsServerOnFirstOpen(t *testing.T) {
	ctx := context.Background()
	server, auth := newSyncServer(t)
	devA := newDevice(t, server.URL, auth, "u1", "dev-a", nil)
	devB := newDevice(t, server.URL, auth, "u1", "dev-b", nil)

	require.NoError(t, devA.EnqueueProgress(ctx, "book-1", ProgressUpdate{
		Kind: readsync.KindPercentage, Percent: 30,
	}))
	require.NoError(t, devA.FlushOnce(ctx))

	// B has no local position: the server record is adopted silently
	serverRec, err := devB.RefreshProgress(ctx, "book-1")
	require.NoError(t, err)
	require.NotNil(t, serverRec)

	local, err := devB.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 30.0, local.Percent)
	require.Equal(t, int64(1), local.Version)

	// With a local position present, refresh leaves it alone
	require.NoError(t, devA.EnqueueProgress(ctx, "book-1", ProgressUpdate{
		Kind: readsync.KindPercentage, Percent: 80,
	}))
	require.NoError(t, devA.FlushOnce(ctx))

	_, err = devB.RefreshProgress(ctx, "book-1")
	require.NoError(t, err)
	local, err = devB.GetLocalProgress(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, 30.0, local.Percent, "divergence is the notifier's call, not a silent jump")

	// No server record for an unknown book
	serverRec, err = devB.RefreshProgress(ctx, "book-9")
	require.NoError(t, err)
	require.Nil(t, serverRec)
}
