package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "bridge_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// migrating an up-to-date schema is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)

	started := time.Now()
	require.NoError(t, db.RecordSessionStart("sess-1", "10.0.0.7:52114", started))

	sessions, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].SessionID)
	assert.Equal(t, "10.0.0.7:52114", sessions[0].RemoteAddr)
	assert.Nil(t, sessions[0].EndedAt)

	require.NoError(t, db.RecordSessionEnd("sess-1", started.Add(time.Minute), 5, 7, "client disconnected"))

	sessions, err = db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 5, sessions[0].LinesSent)
	assert.EqualValues(t, 7, sessions[0].LinesReceived)
	require.NotNil(t, sessions[0].CloseReason)
	assert.Equal(t, "client disconnected", *sessions[0].CloseReason)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestRecentSessions_Order(t *testing.T) {
	db := newTestDB(t)

	base := time.Now()
	require.NoError(t, db.RecordSessionStart("older", "a:1", base.Add(-time.Hour)))
	require.NoError(t, db.RecordSessionStart("newer", "b:2", base))

	sessions, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "newer", sessions[0].SessionID)
	assert.Equal(t, "older", sessions[1].SessionID)

	sessions, err = db.RecentSessions(1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestCommandLog(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordSessionStart("sess-1", "a:1", time.Now()))
	require.NoError(t, db.RecordLine("sess-1", "command", "G1 X10", "unknown"))
	require.NoError(t, db.RecordLine("sess-1", "response", "ok", "ok"))
	require.NoError(t, db.RecordLine("sess-1", "command", "G1 Y5", "unknown"))

	// session traffic comes back in relay order
	commands, err := db.SessionCommands("sess-1")
	require.NoError(t, err)
	require.Len(t, commands, 3)
	assert.Equal(t, "G1 X10", commands[0].Line)
	assert.Equal(t, "ok", commands[1].Line)
	assert.Equal(t, "G1 Y5", commands[2].Line)
	assert.Equal(t, "response", commands[1].Direction)

	// recent commands are most recent first
	recent, err := db.RecentCommands(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "G1 Y5", recent[0].Line)
}

func TestSessionCommands_Empty(t *testing.T) {
	db := newTestDB(t)

	commands, err := db.SessionCommands("missing")
	require.NoError(t, err)
	assert.Empty(t, commands)
}
