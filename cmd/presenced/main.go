// Command presenced runs a standalone presence node: it registers itself in
// the shared store, heartbeats, sweeps stale peers and exposes store metrics.
// Applications normally embed the library instead; this binary exists for
// operating the sweep/heartbeat loops next to servers that cannot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/coder/serpent"

	"github.com/presenced/presenced/database/dbmetrics"
	"github.com/presenced/presenced/database/dbmongo"
	"github.com/presenced/presenced/heartbeat"
	"github.com/presenced/presenced/presence"
	"github.com/presenced/presenced/sweep"
)

func main() {
	var (
		mongoURI        string
		mongoDatabase   string
		heartbeatPeriod time.Duration
		sweepPeriod     time.Duration
		cutoff          time.Duration
		metricsAddress  string
		verbose         bool
	)
	cmd := &serpent.Command{
		Use:   "presenced",
		Short: "Track user online status across a fleet of servers sharing one document store.",
		Options: serpent.OptionSet{
			{
				Flag:        "mongodb-uri",
				Env:         "PRESENCED_MONGODB_URI",
				Description: "Connection string of the shared document store.",
				Default:     "mongodb://localhost:27017",
				Value:       serpent.StringOf(&mongoURI),
			},
			{
				Flag:        "mongodb-database",
				Env:         "PRESENCED_MONGODB_DATABASE",
				Description: "Database holding the presence collections.",
				Default:     "presence",
				Value:       serpent.StringOf(&mongoDatabase),
			},
			{
				Flag:        "heartbeat-period",
				Env:         "PRESENCED_HEARTBEAT_PERIOD",
				Description: "How often this process refreshes its liveness row.",
				Default:     heartbeat.DefaultPeriod.String(),
				Value:       serpent.DurationOf(&heartbeatPeriod),
			},
			{
				Flag:        "sweep-period",
				Env:         "PRESENCED_SWEEP_PERIOD",
				Description: "How often this process scans for stale servers.",
				Default:     sweep.DefaultPeriod.String(),
				Value:       serpent.DurationOf(&sweepPeriod),
			},
			{
				Flag:        "staleness-cutoff",
				Env:         "PRESENCED_STALENESS_CUTOFF",
				Description: "How long a server may go without a heartbeat before eviction.",
				Default:     sweep.DefaultCutoff.String(),
				Value:       serpent.DurationOf(&cutoff),
			},
			{
				Flag:        "metrics-address",
				Env:         "PRESENCED_METRICS_ADDRESS",
				Description: "Address to serve prometheus metrics on. Empty disables the endpoint.",
				Default:     "127.0.0.1:2585",
				Value:       serpent.StringOf(&metricsAddress),
			},
			{
				Flag:        "verbose",
				Env:         "PRESENCED_VERBOSE",
				Description: "Enable debug logging.",
				Default:     "false",
				Value:       serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(slog.LevelInfo)
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()

			db, err := dbmongo.New(ctx, dbmongo.Options{
				URI:      mongoURI,
				Database: mongoDatabase,
			})
			if err != nil {
				return xerrors.Errorf("connect store: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = db.Close(shutdownCtx)
			}()
			store := dbmetrics.New(db, registry)

			tracker := presence.New(store, presence.Options{Logger: logger})
			logger.Info(ctx, "starting presence node", slog.F("server_id", tracker.ServerID()))

			heart, err := heartbeat.New(ctx, store, tracker.ServerID(), heartbeat.Options{
				Period: heartbeatPeriod,
				Logger: logger,
			})
			if err != nil {
				return xerrors.Errorf("create heartbeat: %w", err)
			}
			defer heart.Close()
			// Register immediately rather than waiting out the first period.
			if err := heart.Beat(ctx); err != nil {
				return xerrors.Errorf("initial heartbeat: %w", err)
			}
			heart.Start()

			detector, err := sweep.New(ctx, store, tracker, sweep.Options{
				Period: sweepPeriod,
				Cutoff: cutoff,
				Logger: logger,
			})
			if err != nil {
				return xerrors.Errorf("create sweep: %w", err)
			}
			defer detector.Close()
			detector.Start()

			if metricsAddress != "" {
				srv := &http.Server{
					Addr:              metricsAddress,
					Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					logger.Info(ctx, "serving metrics", slog.F("address", metricsAddress))
					if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
						logger.Error(ctx, "metrics server", slog.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			logger.Info(context.Background(), "shutting down")
			return nil
		},
	}

	if err := cmd.Invoke().WithOS().Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "presenced: %v\n", err)
		os.Exit(1)
	}
}
