// Package heartbeat advertises a process's liveness to the rest of the fleet
// by periodically upserting its server row in the shared store. There is no
// graceful-shutdown deregistration: a server that stops beating is evicted by
// the sweep, which is the only path that works for crashed processes too.
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/database/dbtime"
	"github.com/presenced/presenced/ticker"
)

// DefaultPeriod is how often a server refreshes its liveness row.
const DefaultPeriod = 30 * time.Second

type Options struct {
	// Period defaults to DefaultPeriod.
	Period time.Duration
	Logger slog.Logger
	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Heart periodically writes the owning process's liveness row.
type Heart struct {
	db       database.Store
	serverID uuid.UUID
	log      slog.Logger
	clock    quartz.Clock
	tick     *ticker.Ticker
}

func New(ctx context.Context, db database.Store, serverID uuid.UUID, opts Options) (*Heart, error) {
	if serverID == uuid.Nil {
		return nil, xerrors.New("server id is required")
	}
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	h := &Heart{
		db:       db,
		serverID: serverID,
		log:      opts.Logger,
		clock:    opts.Clock,
	}
	tick, err := ticker.New(ctx, ticker.Options{
		Name:   "heartbeat",
		Period: opts.Period,
		Func:   h.Beat,
		Logger: opts.Logger,
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, xerrors.Errorf("create heartbeat ticker: %w", err)
	}
	h.tick = tick
	return h, nil
}

// Start begins beating. The first beat fires one period after Start; the row
// for this server does not exist until then unless Beat is called directly.
func (h *Heart) Start() {
	h.tick.Start()
}

// Beat upserts this server's liveness row once. It is the body of each tick
// and may be called directly to register the server immediately.
func (h *Heart) Beat(ctx context.Context) error {
	_, err := h.db.UpsertServer(ctx, database.UpsertServerParams{
		ID:         h.serverID,
		LastSeenAt: dbtime.Time(h.clock.Now()),
	})
	if err != nil {
		return xerrors.Errorf("upsert server %s: %w", h.serverID, err)
	}
	return nil
}

// Period returns the configured heartbeat period.
func (h *Heart) Period() time.Duration {
	return h.tick.Period()
}

// Handle returns the identifier of the current timer registration.
func (h *Heart) Handle() ticker.Handle {
	return h.tick.Handle()
}

// Reconfigure replaces the heartbeat timer with one at the given period. A
// non-positive period is rejected and the running timer is left unchanged.
func (h *Heart) Reconfigure(period time.Duration) (ticker.Handle, error) {
	return h.tick.Reconfigure(period)
}

// Close stops the heartbeat. The server row is left in place; the sweep
// evicts it once it goes stale.
func (h *Heart) Close() {
	h.tick.Close()
}
