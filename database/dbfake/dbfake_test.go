package dbfake_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/database/dbfake"
	"github.com/presenced/presenced/database/dbgen"
	"github.com/presenced/presenced/database/dbtime"
	"github.com/presenced/presenced/testutil"
)

func TestServers(t *testing.T) {
	t.Parallel()

	var (
		ctx = testutil.Context(t, testutil.WaitShort)
		db  = dbfake.New()
		now = dbtime.Now()
	)

	server := dbgen.Server(t, db, database.Server{LastSeenAt: now})

	// Upserting the same ID refreshes the row in place.
	refreshed, err := db.UpsertServer(ctx, database.UpsertServerParams{
		ID:         server.ID,
		LastSeenAt: now.Add(30 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, server.ID, refreshed.ID)
	require.Equal(t, now.Add(30*time.Second), refreshed.LastSeenAt)

	stale, err := db.GetServersLastSeenBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, stale)

	stale, err = db.GetServersLastSeenBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []database.Server{refreshed}, stale)

	require.NoError(t, db.DeleteServer(ctx, server.ID))
	// Deleting a row that is already gone is not an error.
	require.NoError(t, db.DeleteServer(ctx, server.ID))

	stale, err = db.GetServersLastSeenBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	var (
		ctx     = testutil.Context(t, testutil.WaitShort)
		db      = dbfake.New()
		serverA = uuid.New()
		serverB = uuid.New()
	)

	dbgen.Session(t, db, database.Session{ServerID: serverA, UserID: "alice", ConnectionID: "c1"})
	dbgen.Session(t, db, database.Session{ServerID: serverA, UserID: "alice", ConnectionID: "c2"})
	dbgen.Session(t, db, database.Session{ServerID: serverB, UserID: "bob", ConnectionID: "c3"})

	count, err := db.CountSessionsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Deletion matches the (user, connection) pair, not just the user.
	require.NoError(t, db.DeleteSessions(ctx, database.DeleteSessionsParams{
		UserID:       "alice",
		ConnectionID: "c1",
	}))
	count, err = db.CountSessionsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	affected, err := db.DeleteSessionsByServerID(ctx, serverA)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, affected)

	count, err = db.CountSessionsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
	count, err = db.CountSessionsByUserID(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestUserPresence(t *testing.T) {
	t.Parallel()

	var (
		ctx      = testutil.Context(t, testutil.WaitShort)
		db       = dbfake.New()
		serverID = uuid.New()
		now      = dbtime.Now()
	)

	_, err := db.GetUserPresence(ctx, "alice")
	require.True(t, database.IsNotFoundError(err))

	headers := map[string]string{"user-agent": "test-client"}
	require.NoError(t, db.UpdateUserPresence(ctx, database.UpdateUserPresenceParams{
		UserID:        "alice",
		Status:        database.UserStatusOnline,
		UpdatedAt:     now,
		ServerID:      serverID,
		SetConnection: true,
		ClientAddress: "203.0.113.7",
		HTTPHeaders:   headers,
	}))

	got, err := db.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, database.UserStatusOnline, got.Status)
	require.Equal(t, "203.0.113.7", got.ClientAddress)
	require.Equal(t, headers, got.HTTPHeaders)

	// The store holds its own copy of the headers.
	got.HTTPHeaders["user-agent"] = "mutated"
	again, err := db.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "test-client", again.HTTPHeaders["user-agent"])

	// Without SetConnection the stored metadata survives a status update.
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

	// With SetConnection an empty connection clears it.
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
