package dbtime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presenced/presenced/database/dbtime"
)

func TestTime(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, base, dbtime.Time(base))
	// Sub-millisecond precision is rounded away, matching what a BSON
	// datetime can represent.
	require.Equal(t, base.Add(2*time.Millisecond), dbtime.Time(base.Add(1500*time.Microsecond)))
	require.Equal(t, base, dbtime.Time(base.Add(499*time.Microsecond)))
}
