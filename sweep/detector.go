// Package sweep evicts servers that stopped heartbeating and reconciles the
// sessions they orphaned. Every process runs its own detector against the
// shared store; the operations involved are idempotent, so concurrent sweeps
// and partially failed ticks converge on later ticks without coordination.
package sweep

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/presenced/presenced/database"
	"github.com/presenced/presenced/presence"
	"github.com/presenced/presenced/ticker"
)

const (
	// DefaultPeriod is how often each process scans for stale servers.
	DefaultPeriod = 10 * time.Second
	// DefaultCutoff is how long a server may go without a heartbeat before it
	// is considered dead.
	DefaultCutoff = 5 * time.Minute
)

// Aggregator recomputes one user's persisted presence summary. It is
// implemented by presence.Tracker.
type Aggregator interface {
	UpdateUserStatus(ctx context.Context, userID string, conn *presence.Connection) (database.Presence, error)
}

type Options struct {
	// Period defaults to DefaultPeriod.
	Period time.Duration
	// Cutoff defaults to DefaultCutoff.
	Cutoff time.Duration
	Logger slog.Logger
	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Stats describes one sweep tick.
type Stats struct {
	// EvictedServerIDs are the servers whose registry rows were removed.
	EvictedServerIDs []uuid.UUID
	// AffectedUserIDs are the distinct users that lost at least one session
	// and were re-aggregated, across all evicted servers.
	AffectedUserIDs []string
	// Error is the last error encountered during the tick, if any. A failed
	// tick leaves the remaining stale servers for the next tick.
	Error error
}

// Detector periodically evicts stale servers, deletes their sessions and
// re-aggregates the affected users.
type Detector struct {
	db         database.Store
	aggregator Aggregator
	log        slog.Logger
	clock      quartz.Clock
	tick       *ticker.Ticker

	cutoff atomicDuration
	stats  chan<- Stats
}

func New(ctx context.Context, db database.Store, aggregator Aggregator, opts Options) (*Detector, error) {
	if aggregator == nil {
		return nil, xerrors.New("aggregator is required")
	}
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Cutoff == 0 {
		opts.Cutoff = DefaultCutoff
	}
	if opts.Cutoff < 0 {
		return nil, xerrors.Errorf("cutoff must be positive, got %v", opts.Cutoff)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	d := &Detector{
		db:         db,
		aggregator: aggregator,
		log:        opts.Logger,
		clock:      opts.Clock,
	}
	d.cutoff.set(opts.Cutoff)
	tick, err := ticker.New(ctx, ticker.Options{
		Name:   "sweep",
		Period: opts.Period,
		Func:   d.sweep,
		Logger: opts.Logger,
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, xerrors.Errorf("create sweep ticker: %w", err)
	}
	d.tick = tick
	return d, nil
}

// WithStatsChannel causes the detector to push a Stats to ch after every
// tick. The push blocks the sweep loop, so this should only be used in tests.
// It must be called before Start.
func (d *Detector) WithStatsChannel(ch chan<- Stats) *Detector {
	d.stats = ch
	return d
}

// Start begins sweeping. The first tick fires one period after Start.
func (d *Detector) Start() {
	d.tick.Start()
}

func (d *Detector) sweep(ctx context.Context) error {
	stats := d.run(ctx)
	if d.stats != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d.stats <- stats:
		}
	}
	return stats.Error
}

func (d *Detector) run(ctx context.Context) Stats {
	stats := Stats{
		EvictedServerIDs: []uuid.UUID{},
		AffectedUserIDs:  []string{},
	}

	before := d.clock.Now().Add(-d.cutoff.get())
	staleServers, err := d.db.GetServersLastSeenBefore(ctx, before)
	if err != nil {
		stats.Error = xerrors.Errorf("list stale servers: %w", err)
		return stats
	}

	// Evict the registry row before deleting its sessions. The reverse order
	// risks a registry row outliving its session cleanup and masking a dead
	// server for a full extra cutoff; a session row outliving its registry
	// row is only a transient over-report of online.
	affected := make(map[string]struct{})
	for _, server := range staleServers {
		log := d.log.With(slog.F("server_id", server.ID), slog.F("last_seen_at", server.LastSeenAt))

		if err := d.db.DeleteServer(ctx, server.ID); err != nil {
			log.Error(ctx, "evict stale server", slog.Error(err))
			stats.Error = xerrors.Errorf("evict server %s: %w", server.ID, err)
			continue
		}
		userIDs, err := d.db.DeleteSessionsByServerID(ctx, server.ID)
		if err != nil {
			log.Error(ctx, "delete sessions of evicted server", slog.Error(err))
			stats.Error = xerrors.Errorf("delete sessions for server %s: %w", server.ID, err)
			continue
		}
		for _, userID := range userIDs {
			affected[userID] = struct{}{}
		}
		stats.EvictedServerIDs = append(stats.EvictedServerIDs, server.ID)
		log.Info(ctx, "evicted stale server", slog.F("orphaned_users", len(userIDs)))
	}

	for userID := range affected {
		stats.AffectedUserIDs = append(stats.AffectedUserIDs, userID)
	}
	sort.Strings(stats.AffectedUserIDs)

	// No connection context: the sessions being reconciled belonged to a dead
	// server, so there is no client metadata to stamp.
	for _, userID := range stats.AffectedUserIDs {
		if _, err := d.aggregator.UpdateUserStatus(ctx, userID, nil); err != nil {
			d.log.Error(ctx, "aggregate orphaned user", slog.F("user_id", userID), slog.Error(err))
			stats.Error = xerrors.Errorf("aggregate user %q: %w", userID, err)
		}
	}
	return stats
}

// Period returns the configured sweep period.
func (d *Detector) Period() time.Duration {
	return d.tick.Period()
}

// Handle returns the identifier of the current timer registration.
func (d *Detector) Handle() ticker.Handle {
	return d.tick.Handle()
}

// Reconfigure replaces the sweep timer with one at the given period. A
// non-positive period is rejected and the running timer is left unchanged.
func (d *Detector) Reconfigure(period time.Duration) (ticker.Handle, error) {
	return d.tick.Reconfigure(period)
}

// Cutoff returns the configured staleness cutoff.
func (d *Detector) Cutoff() time.Duration {
	return d.cutoff.get()
}

// SetCutoff changes the staleness cutoff, taking effect on the next tick. A
// non-positive cutoff is rejected and the previous value kept.
func (d *Detector) SetCutoff(cutoff time.Duration) error {
	if cutoff <= 0 {
		return xerrors.Errorf("cutoff must be positive, got %v", cutoff)
	}
	d.cutoff.set(cutoff)
	return nil
}

// Close stops the detector and waits for an in-flight tick to finish.
func (d *Detector) Close() {
	d.tick.Close()
}

type atomicDuration struct {
	v atomic.Int64
}

func (d *atomicDuration) get() time.Duration {
	return time.Duration(d.v.Load())
}

func (d *atomicDuration) set(val time.Duration) {
	d.v.Store(int64(val))
}
