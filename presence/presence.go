// Package presence tracks which users are connected anywhere in a fleet of
// servers sharing one document store. Each process owns a Tracker carrying its
// own server ID; the connection-accept layer calls Connected and Disconnected
// exactly once per authenticated connection, and the tracker keeps the user's
// persisted online/offline summary converged with the fleet-wide session set.
//
// Aggregation is a plain read-then-write with no cross-server coordination.
// Two servers aggregating the same user concurrently race, last writer wins,
// and the summary converges on the next aggregation or sweep.
package presence

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/database/dbtime"
)

// Connection is the metadata the connection-accept layer captured for one
// accepted connection. ID must be unique within the accepting server.
type Connection struct {
	ID            string
	ClientAddress string
	HTTPHeaders   map[string]string
}

type Options struct {
	// ServerID identifies this process. Defaults to a fresh random ID; IDs are
	// never reused across restarts.
	ServerID uuid.UUID
	Logger   slog.Logger
	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Tracker is one process's handle on the fleet-wide presence state.
type Tracker struct {
	serverID uuid.UUID
	db       database.Store
	log      slog.Logger
	clock    quartz.Clock
}

func New(db database.Store, opts Options) *Tracker {
	if opts.ServerID == uuid.Nil {
		opts.ServerID = uuid.New()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Tracker{
		serverID: opts.ServerID,
		db:       db,
		log:      opts.Logger,
		clock:    opts.Clock,
	}
}

// ServerID returns this process's identifier.
func (t *Tracker) ServerID() uuid.UUID {
	return t.serverID
}

// Connected records a new session for the user and recomputes their presence
// summary, stamping the connecting client's address and headers. It must be
// called exactly once per accepted connection; repeated calls insert duplicate
// session rows.
func (t *Tracker) Connected(ctx context.Context, userID string, conn Connection) error {
	if userID == "" {
		return xerrors.New("user id is required")
	}
	_, err := t.db.InsertSession(ctx, database.InsertSessionParams{
		ServerID:     t.serverID,
		UserID:       userID,
		ConnectionID: conn.ID,
		CreatedAt:    dbtime.Time(t.clock.Now()),
	})
	if err != nil {
		return xerrors.Errorf("insert session: %w", err)
	}
	if _, err := t.UpdateUserStatus(ctx, userID, &conn); err != nil {
		return xerrors.Errorf("aggregate after connect: %w", err)
	}
	return nil
}

// Disconnected removes the session for the user/connection pair and
// recomputes their presence summary. The stored client address and headers
// are cleared: the connection they described no longer exists, even when
// another session keeps the user online. Removing an already-removed session
// is a no-op, so Disconnected is safe to call on any teardown path.
func (t *Tracker) Disconnected(ctx context.Context, userID string, conn Connection) error {
	if userID == "" {
		return xerrors.New("user id is required")
	}
	err := t.db.DeleteSessions(ctx, database.DeleteSessionsParams{
		UserID:       userID,
		ConnectionID: conn.ID,
	})
	if err != nil {
		return xerrors.Errorf("delete sessions: %w", err)
	}
	if _, err := t.UpdateUserStatus(ctx, userID, &Connection{}); err != nil {
		return xerrors.Errorf("aggregate after disconnect: %w", err)
	}
	return nil
}

// UpdateUserStatus recomputes a user's presence summary from the current
// session set and persists it. The summary is online exactly when the user
// has at least one session row anywhere in the fleet at the moment of the
// read; the write stamps this server's ID and the current time.
//
// conn controls the metadata policy: nil leaves the stored client
// address/headers untouched (the sweep path, which has no client context), a
// non-nil value overwrites them with its contents, clearing them when empty.
func (t *Tracker) UpdateUserStatus(ctx context.Context, userID string, conn *Connection) (database.Presence, error) {
	count, err := t.db.CountSessionsByUserID(ctx, userID)
	if err != nil {
		return database.Presence{}, xerrors.Errorf("count sessions: %w", err)
	}

	status := database.UserStatusOffline
	if count > 0 {
		status = database.UserStatusOnline
	}
	presence := database.Presence{
		Status:    status,
		UpdatedAt: dbtime.Time(t.clock.Now()),
		ServerID:  t.serverID,
	}
	arg := database.UpdateUserPresenceParams{
		UserID:    userID,
		Status:    presence.Status,
		UpdatedAt: presence.UpdatedAt,
		ServerID:  presence.ServerID,
	}
	if conn != nil {
		arg.SetConnection = true
		arg.ClientAddress = conn.ClientAddress
		arg.HTTPHeaders = conn.HTTPHeaders
		presence.ClientAddress = conn.ClientAddress
		presence.HTTPHeaders = conn.HTTPHeaders
	}
	if err := t.db.UpdateUserPresence(ctx, arg); err != nil {
		return database.Presence{}, xerrors.Errorf("update presence: %w", err)
	}

	t.log.Debug(ctx, "aggregated user status",
		slog.F("user_id", userID),
		slog.F("status", status),
		slog.F("sessions", count),
	)
	return presence, nil
}

// IsOnline reports whether the user has at least one live session anywhere in
// the fleet.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := t.db.CountSessionsByUserID(ctx, userID)
	if err != nil {
		return false, xerrors.Errorf("count sessions: %w", err)
	}
	return count > 0, nil
}
