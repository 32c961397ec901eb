package testutil

import (
	"context"
	"testing"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
)

// Logger returns a debug-level test logger that tolerates the context
// cancellation errors shutdown paths log while a test is winding down.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{
		IgnoreErrorFn: func(entry slog.SinkEntry) bool {
			err, ok := slogtest.FindFirstError(entry)
			if !ok {
				return false
			}
			return xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded)
		},
	}).Leveled(slog.LevelDebug)
}
