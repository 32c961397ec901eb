// Package database abstracts the shared document store that every server
// process in the fleet writes presence state into. All cross-process
// coordination happens through these operations; there is no locking layer on
// top, so every operation is expected to be individually atomic and safe to
// repeat.
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the full set of queries the presence subsystem performs. It is
// implemented by dbmongo for production and dbfake for tests, and can be
// wrapped (see dbmetrics).
type Store interface {
	// UpsertServer inserts or refreshes the liveness row for a server. It is
	// keyed by server ID, so calling it repeatedly leaves exactly one row with
	// the most recent timestamp.
	UpsertServer(ctx context.Context, arg UpsertServerParams) (Server, error)
	// GetServersLastSeenBefore returns every server whose last heartbeat is
	// older than before.
	GetServersLastSeenBefore(ctx context.Context, before time.Time) ([]Server, error)
	// DeleteServer removes a server's liveness row. Deleting an absent row is
	// not an error.
	DeleteServer(ctx context.Context, id uuid.UUID) error

	// InsertSession records one live connection. It is intentionally not
	// idempotent: the caller invokes it exactly once per accepted connection.
	InsertSession(ctx context.Context, arg InsertSessionParams) (Session, error)
	// DeleteSessions removes the session row(s) matching a user/connection
	// pair. Matching no rows is not an error.
	DeleteSessions(ctx context.Context, arg DeleteSessionsParams) error
	// DeleteSessionsByServerID removes every session owned by the given server
	// and returns the distinct user IDs that lost at least one row.
	DeleteSessionsByServerID(ctx context.Context, id uuid.UUID) ([]string, error)
	// CountSessionsByUserID returns how many live sessions a user has across
	// the whole fleet.
	CountSessionsByUserID(ctx context.Context, userID string) (int64, error)

	// UpdateUserPresence overwrites the presence summary embedded on the user
	// record. When SetConnection is false the stored client address and
	// headers are left untouched.
	UpdateUserPresence(ctx context.Context, arg UpdateUserPresenceParams) error
	// GetUserPresence returns the stored presence summary. A user that has
	// never been aggregated returns a not-found error, which is distinct from
	// an offline summary.
	GetUserPresence(ctx context.Context, userID string) (Presence, error)
}

type UpsertServerParams struct {
	ID         uuid.UUID
	LastSeenAt time.Time
}

type InsertSessionParams struct {
	ServerID     uuid.UUID
	UserID       string
	ConnectionID string
	CreatedAt    time.Time
}

type DeleteSessionsParams struct {
	UserID       string
	ConnectionID string
}

type UpdateUserPresenceParams struct {
	UserID    string
	Status    UserStatus
	UpdatedAt time.Time
	ServerID  uuid.UUID
	// SetConnection controls whether ClientAddress and HTTPHeaders below are
	// written. When both are empty the stored values are cleared.
	SetConnection bool
	ClientAddress string
	HTTPHeaders   map[string]string
}
