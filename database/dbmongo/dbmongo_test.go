package dbmongo_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/database/dbmongo"
	"github.com/presenced/presenced/database/dbtime"
	"github.com/presenced/presenced/testutil"
)

// connect skips unless PRESENCED_TEST_MONGODB_URI points at a reachable
// deployment. Each test gets its own database, dropped on cleanup.
func connect(t *testing.T) database.Store {
	t.Helper()

	uri := os.Getenv("PRESENCED_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("set PRESENCED_TEST_MONGODB_URI to run document store tests")
	}

	ctx := testutil.Context(t, testutil.WaitLong)
	name := fmt.Sprintf("presence_test_%s", uuid.NewString()[:8])
	db, err := dbmongo.New(ctx, dbmongo.Options{
		URI:      uri,
		Database: name,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := testutil.Context(t, testutil.WaitLong)
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			_ = client.Database(name).Drop(ctx)
			_ = client.Disconnect(ctx)
		}
		_ = db.Close(ctx)
	})
	return db
}

func TestServers(t *testing.T) {
	t.Parallel()

	var (
		db  = connect(t)
		ctx = testutil.Context(t, testutil.WaitLong)
		id  = uuid.New()
		now = dbtime.Now()
	)

	server, err := db.UpsertServer(ctx, database.UpsertServerParams{ID: id, LastSeenAt: now})
	require.NoError(t, err)
	require.Equal(t, id, server.ID)

	// A second upsert refreshes the same document.
	refreshedAt := now.Add(30 * time.Second)
	_, err = db.UpsertServer(ctx, database.UpsertServerParams{ID: id, LastSeenAt: refreshedAt})
	require.NoError(t, err)

	stale, err := db.GetServersLastSeenBefore(ctx, refreshedAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, id, stale[0].ID)
	require.True(t, stale[0].LastSeenAt.Equal(refreshedAt))

	stale, err = db.GetServersLastSeenBefore(ctx, refreshedAt)
	require.NoError(t, err)
	require.Empty(t, stale)

	require.NoError(t, db.DeleteServer(ctx, id))
	stale, err = db.GetServersLastSeenBefore(ctx, refreshedAt.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	var (
		db       = connect(t)
		ctx      = testutil.Context(t, testutil.WaitLong)
		serverID = uuid.New()
		now      = dbtime.Now()
	)

	for _, connID := range []string{"c1", "c2"} {
		_, err := db.InsertSession(ctx, database.InsertSessionParams{
			ServerID:     serverID,
			UserID:       "alice",
			ConnectionID: connID,
			CreatedAt:    now,
		})
		require.NoError(t, err)
	}
	_, err := db.InsertSession(ctx, database.InsertSessionParams{
		ServerID:     serverID,
		UserID:       "bob",
		ConnectionID: "c3",
		CreatedAt:    now,
	})
	require.NoError(t, err)

	count, err := db.CountSessionsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, db.DeleteSessions(ctx, database.DeleteSessionsParams{
		UserID:       "alice",
		ConnectionID: "c1",
	}))
	count, err = db.CountSessionsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	affected, err := db.DeleteSessionsByServerID(ctx, serverID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, affected)

	count, err = db.CountSessionsByUserID(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUserPresence(t *testing.T) {
	t.Parallel()

	var (
		db       = connect(t)
		ctx      = testutil.Context(t, testutil.WaitLong)
		serverID = uuid.New()
		now      = dbtime.Now()
	)

	_, err := db.GetUserPresence(ctx, "alice")
	require.True(t, database.IsNotFoundError(err))

	require.NoError(t, db.UpdateUserPresence(ctx, database.UpdateUserPresenceParams{
		UserID:        "alice",
		Status:        database.UserStatusOnline,
		UpdatedAt:     now,
		ServerID:      serverID,
		SetConnection: true,
		ClientAddress: "203.0.113.7",
		HTTPHeaders:   map[string]string{"user-agent": "test-client"},
	}))

	got, err := db.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, database.UserStatusOnline, got.Status)
	require.Equal(t, serverID, got.ServerID)
	require.True(t, got.UpdatedAt.Equal(now))
	require.Equal(t, "203.0.113.7", got.ClientAddress)
	require.Equal(t, map[string]string{"user-agent": "test-client"}, got.HTTPHeaders)

	// A status-only update leaves stored connection metadata in place.
	require.NoError(t, db.UpdateUserPresence(ctx, database.UpdateUserPresenceParams{
		UserID:    "alice",
		Status:    database.UserStatusOffline,
		UpdatedAt: now.Add(time.Second),
		ServerID:  serverID,
	}))
	got, err = db.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, database.UserStatusOffline, got.Status)
	require.Equal(t, "203.0.113.7", got.ClientAddress)

	// An empty connection unsets the metadata fields.
	require.NoError(t, db.UpdateUserPresence(ctx, database.UpdateUserPresenceParams{
		UserID:        "alice",
		Status:        database.UserStatusOffline,
		UpdatedAt:     now.Add(2 * time.Second),
		ServerID:      serverID,
		SetConnection: true,
	}))
	got, err = db.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, got.ClientAddress)
	require.Empty(t, got.HTTPHeaders)
}
