package readsqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ttbye/ReadKnows-sub010/readsync"
)

// openTestDB opens a database file under the test's temp dir. A file (rather
// than :memory:) matters: the pool opens extra connections under concurrent
// flushes, and each plain :memory: connection is a separate empty database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return openTestDBAt(t, filepath.Join(t.TempDir(), "reader.db"))
}

func openTestDBAt(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitializeDatabase(t *testing.T) {
	db := openTestDB(t)

	err := initializeDatabase(db)
	require.NoError(t, err)

	expectedTables := []string{
		"_reader_client_info", "_reader_pending", "_reader_book_state",
		"reading_progress", "highlight",
	}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestEnsureDeviceID(t *testing.T) {
	db := openTestDB(t)

	err := initializeDatabase(db)
	require.NoError(t, err)

	userID := "test-user"

	deviceID1, err := EnsureDeviceID(db, userID)
	require.NoError(t, err)
	require.NotEmpty(t, deviceID1)

	// Second call returns the same device ID
	deviceID2, err := EnsureDeviceID(db, userID)
	require.NoError(t, err)
	require.Equal(t, deviceID1, deviceID2)

	// A different user gets a different device ID
	deviceID3, err := EnsureDeviceID(db, "different-user")
	require.NoError(t, err)
	require.NotEqual(t, deviceID1, deviceID3)

	var storedDeviceID string
	var nextOpID int64
	err = db.QueryRow(`
		SELECT device_id, next_op_id FROM _reader_client_info WHERE user_id = ?
	`, userID).Scan(&storedDeviceID, &nextOpID)
	require.NoError(t, err)
	require.Equal(t, deviceID1, storedDeviceID)
	require.Equal(t, int64(1), nextOpID)
}

func TestNewClient(t *testing.T) {
	db := openTestDB(t)

	tokenFunc := func(ctx context.Context) (string, error) {
		return "test-token", nil
	}

	client, err := NewClient(db, "http://localhost:8080", "test-user", "test-device", tokenFunc, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, client)
	require.Equal(t, db, client.DB)
	require.Equal(t, "http://localhost:8080", client.BaseURL)
	require.Equal(t, "test-user", client.UserID)
	require.Equal(t, "test-device", client.DeviceID)
	require.NotNil(t, client.HTTP)
	require.NotNil(t, client.Notifier())

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "test-token", token)

	// Defaults applied when config is nil
	require.Equal(t, DefaultConfig().ProgressEpsilon, client.config.ProgressEpsilon)
	require.Equal(t, DefaultConfig().MaxAttempts, client.config.MaxAttempts)

	count, err := client.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

// The constructor seeds the client identity row so a brand-new database can
// accept its first write immediately.
func TestNewClientSeedsClientInfo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tokenFunc := func(ctx context.Context) (string, error) { return "t", nil }
	client, err := NewClient(db, "http://localhost:8080", "test-user", "test-device", tokenFunc, nil, nil, nil)
	require.NoError(t, err)

	var deviceID string
	var nextOpID int64
	err = db.QueryRow(`
		SELECT device_id, next_op_id FROM _reader_client_info WHERE user_id = ?
	`, "test-user").Scan(&deviceID, &nextOpID)
	require.NoError(t, err)
	require.Equal(t, "test-device", deviceID)
	require.Equal(t, int64(1), nextOpID)

	// The very first enqueue on a fresh database works
	err = client.EnqueueProgress(ctx, "book-1", ProgressUpdate{Kind: readsync.KindPercentage, Percent: 5})
	require.NoError(t, err)
	count, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// An identity persisted by EnsureDeviceID is not overwritten by the
// constructor seed.
func TestNewClientKeepsPersistedDeviceID(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initializeDatabase(db))

	persisted, err := EnsureDeviceID(db, "test-user")
	require.NoError(t, err)

	tokenFunc := func(ctx context.Context) (string, error) { return "t", nil }
	_, err = NewClient(db, "http://localhost:8080", "test-user", persisted, tokenFunc, nil, nil, nil)
	require.NoError(t, err)

	var deviceID string
	err = db.QueryRow(`SELECT device_id FROM _reader_client_info WHERE user_id = ?`, "test-user").Scan(&deviceID)
	require.NoError(t, err)
	require.Equal(t, persisted, deviceID)
}
