// Package jst provides Japan Standard Time helpers.
//
// The runner treats the JST calendar day as the canonical processing day;
// the backing store keeps UTC timestamps, so day boundaries are converted
// here in exactly one place.
package jst

import (
	"fmt"
	"time"
)

// Location is UTC+9. JST has no daylight saving, so a fixed zone is exact
// and avoids a tzdata dependency in minimal containers.
var Location = time.FixedZone("JST", 9*60*60)

const dateLayout = "2006-01-02"

// Now returns the current wall-clock time in JST.
func Now() time.Time {
	return time.Now().In(Location)
}

// Today returns the current JST calendar date as YYYY-MM-DD.
func Today() string {
	return Now().Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD string as a JST calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=jst.parse_date: %w", err)
	}
	return t, nil
}

// DayBoundsUTC returns the UTC half-open interval [start, end) covering the
// given JST calendar date.
func DayBoundsUTC(date string) (time.Time, time.Time, error) {
	day, err := ParseDate(date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := day.UTC()
	return start, start.Add(24 * time.Hour), nil
}
