// Package dbgen seeds stores with test fixtures. Zero fields in the seed are
// filled with sensible defaults.
package dbgen

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/database/dbtime"
)

// Server inserts a liveness row built from the seed.
func Server(t testing.TB, db database.Store, seed database.Server) database.Server {
	t.Helper()

	id := seed.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	lastSeenAt := seed.LastSeenAt
	if lastSeenAt.IsZero() {
		lastSeenAt = dbtime.Now()
	}
	server, err := db.UpsertServer(context.Background(), database.UpsertServerParams{
		ID:         id,
		LastSeenAt: lastSeenAt,
	})
	require.NoError(t, err, "insert server")
	return server
}

// Session inserts a session row built from the seed.
func Session(t testing.TB, db database.Store, seed database.Session) database.Session {
	t.Helper()

	serverID := seed.ServerID
	if serverID == uuid.Nil {
		serverID = uuid.New()
	}
	userID := seed.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	connectionID := seed.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	createdAt := seed.CreatedAt
	if createdAt.IsZero() {
		createdAt = dbtime.Now()
	}
	session, err := db.InsertSession(context.Background(), database.InsertSessionParams{
		ServerID:     serverID,
		UserID:       userID,
		ConnectionID: connectionID,
		CreatedAt:    createdAt,
	})
	require.NoError(t, err, "insert session")
	return session
}
