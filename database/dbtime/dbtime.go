package dbtime

import "time"

// Now returns a standardized timestamp for stored documents.
func Now() time.Time {
	return Time(time.Now().UTC())
}

// Time returns a time compatible with the document store. BSON datetimes only
// carry millisecond precision, so round before storing to keep written and
// read-back values comparable.
func Time(t time.Time) time.Time {
	return t.Round(time.Millisecond)
}
