// Package dbfake is an in-memory database.Store used by tests. It mirrors the
// visible semantics of dbmongo without requiring a running document store.
package dbfake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/presenced/presenced/database"
)

// New returns an in-memory fake of the store.
func New() database.Store {
	return &fakeStore{
		servers:   make([]database.Server, 0),
		sessions:  make([]database.Session, 0),
		presences: make(map[string]database.Presence),
	}
}

type fakeStore struct {
	mu sync.Mutex

	servers   []database.Server
	sessions  []database.Session
	presences map[string]database.Presence
}

func (q *fakeStore) UpsertServer(_ context.Context, arg database.UpsertServerParams) (database.Server, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, server := range q.servers {
		if server.ID == arg.ID {
			q.servers[i].LastSeenAt = arg.LastSeenAt
			return q.servers[i], nil
		}
	}
	server := database.Server{
		ID:         arg.ID,
		LastSeenAt: arg.LastSeenAt,
	}
	q.servers = append(q.servers, server)
	return server, nil
}

func (q *fakeStore) GetServersLastSeenBefore(_ context.Context, before time.Time) ([]database.Server, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stale := make([]database.Server, 0)
	for _, server := range q.servers {
		if server.LastSeenAt.Before(before) {
			stale = append(stale, server)
		}
	}
	return stale, nil
}

func (q *fakeStore) DeleteServer(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, server := range q.servers {
		if server.ID == id {
			q.servers = append(q.servers[:i], q.servers[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *fakeStore) InsertSession(_ context.Context, arg database.InsertSessionParams) (database.Session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	session := database.Session{
		ID:           uuid.New(),
		ServerID:     arg.ServerID,
		UserID:       arg.UserID,
		ConnectionID: arg.ConnectionID,
		CreatedAt:    arg.CreatedAt,
	}
	q.sessions = append(q.sessions, session)
	return session, nil
}

func (q *fakeStore) DeleteSessions(_ context.Context, arg database.DeleteSessionsParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.sessions[:0]
	for _, session := range q.sessions {
		if session.UserID == arg.UserID && session.ConnectionID == arg.ConnectionID {
			continue
		}
		remaining = append(remaining, session)
	}
	q.sessions = remaining
	return nil
}

func (q *fakeStore) DeleteSessionsByServerID(_ context.Context, id uuid.UUID) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	affected := make(map[string]struct{})
	remaining := q.sessions[:0]
	for _, session := range q.sessions {
		if session.ServerID == id {
			affected[session.UserID] = struct{}{}
			continue
		}
		remaining = append(remaining, session)
	}
	q.sessions = remaining

	userIDs := make([]string, 0, len(affected))
	for userID := range affected {
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (q *fakeStore) CountSessionsByUserID(_ context.Context, userID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	for _, session := range q.sessions {
		if session.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (q *fakeStore) UpdateUserPresence(_ context.Context, arg database.UpdateUserPresenceParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	presence, ok := q.presences[arg.UserID]
	presence.Status = arg.Status
	presence.UpdatedAt = arg.UpdatedAt
	presence.ServerID = arg.ServerID
	if arg.SetConnection || !ok {
		presence.ClientAddress = arg.ClientAddress
		presence.HTTPHeaders = copyHeaders(arg.HTTPHeaders)
	}
	q.presences[arg.UserID] = presence
	return nil
}

func (q *fakeStore) GetUserPresence(_ context.Context, userID string) (database.Presence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	presence, ok := q.presences[userID]
	if !ok {
		return database.Presence{}, database.ErrNotFound
	}
	presence.HTTPHeaders = copyHeaders(presence.HTTPHeaders)
	return presence, nil
}

func copyHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
