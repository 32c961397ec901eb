package database

import (
	"time"

	"github.com/google/uuid"
)

// Server is one process's liveness row. The ID is freshly generated at
// process start and never reused, so a row's absence means the server is
// dead or was evicted.
type Server struct {
	ID         uuid.UUID `json:"server_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Session is one live connection between a client and a server. Multiple rows
// may exist for the same user, on the same or different servers.
type Session struct {
	ID           uuid.UUID `json:"id"`
	ServerID     uuid.UUID `json:"server_id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
)

// Presence is the summary embedded on a user record, overwritten in place on
// every aggregation. ClientAddress and HTTPHeaders describe the connection
// that triggered the most recent connect aggregation and may lag the status
// field after a sweep.
type Presence struct {
	Status        UserStatus        `json:"status"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ServerID      uuid.UUID         `json:"server_id"`
	ClientAddress string            `json:"client_address,omitempty"`
	HTTPHeaders   map[string]string `json:"http_headers,omitempty"`
}
