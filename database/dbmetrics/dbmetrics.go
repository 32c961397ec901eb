// Package dbmetrics wraps a database.Store and records the latency of every
// query it performs.
package dbmetrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/presenced/presenced/database"
)

// New returns a database.Store that emits a latency observation, labeled by
// query name, for every call made against the wrapped store.
func New(s database.Store, reg prometheus.Registerer) database.Store {
	queryLatencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presenced",
		Subsystem: "db",
		Name:      "query_latencies_seconds",
		Help:      "Latency distribution of queries in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	reg.MustRegister(queryLatencies)

	return &metricsStore{
		s:              s,
		queryLatencies: queryLatencies,
	}
}

type metricsStore struct {
	s              database.Store
	queryLatencies *prometheus.HistogramVec
}

func (m *metricsStore) observe(query string, start time.Time) {
	m.queryLatencies.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) UpsertServer(ctx context.Context, arg database.UpsertServerParams) (database.Server, error) {
	start := time.Now()
	server, err := m.s.UpsertServer(ctx, arg)
	m.observe("UpsertServer", start)
	return server, err
}

func (m *metricsStore) GetServersLastSeenBefore(ctx context.Context, before time.Time) ([]database.Server, error) {
	start := time.Now()
	servers, err := m.s.GetServersLastSeenBefore(ctx, before)
	m.observe("GetServersLastSeenBefore", start)
	return servers, err
}

func (m *metricsStore) DeleteServer(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := m.s.DeleteServer(ctx, id)
	m.observe("DeleteServer", start)
	return err
}

func (m *metricsStore) InsertSession(ctx context.Context, arg database.InsertSessionParams) (database.Session, error) {
	start := time.Now()
	session, err := m.s.InsertSession(ctx, arg)
	m.observe("InsertSession", start)
	return session, err
}

func (m *metricsStore) DeleteSessions(ctx context.Context, arg database.DeleteSessionsParams) error {
	start := time.Now()
	err := m.s.DeleteSessions(ctx, arg)
	m.observe("DeleteSessions", start)
	return err
}

func (m *metricsStore) DeleteSessionsByServerID(ctx context.Context, id uuid.UUID) ([]string, error) {
	start := time.Now()
	userIDs, err := m.s.DeleteSessionsByServerID(ctx, id)
	m.observe("DeleteSessionsByServerID", start)
	return userIDs, err
}

func (m *metricsStore) CountSessionsByUserID(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	count, err := m.s.CountSessionsByUserID(ctx, userID)
	m.observe("CountSessionsByUserID", start)
	return count, err
}

func (m *metricsStore) UpdateUserPresence(ctx context.Context, arg database.UpdateUserPresenceParams) error {
	start := time.Now()
	err := m.s.UpdateUserPresence(ctx, arg)
	m.observe("UpdateUserPresence", start)
	return err
}

func (m *metricsStore) GetUserPresence(ctx context.Context, userID string) (database.Presence, error) {
	start := time.Now()
	presence, err := m.s.GetUserPresence(ctx, userID)
	m.observe("GetUserPresence", start)
	return presence, err
}
