package planner

import (
	"testing"
	"time"
)

// Bucket arithmetic is location-sensitive, so these cases pin the
// location to UTC and use days counted from the Unix epoch directly.
func TestFullCadenceCrossed(t *testing.T) {
	day := func(n int) time.Time {
		return time.Date(1970, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	}

	tests := []struct {
		name      string
		lastFull  time.Time
		now       time.Time
		everyDays int
		expected  bool
	}{
		{"Same Day", day(13), day(13), 7, false},
		{"Same Weekly Bucket", day(8), day(13), 7, false},
		{"Weekly Bucket Boundary", day(13), day(14), 7, true},
		{"Daily Cadence Next Day", day(13), day(14), 1, true},
		{"Daily Cadence Same Day Late Hour", day(13), day(13).Add(11 * time.Hour), 1, false},
		{"Long Gap", day(13), day(200), 7, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := fullCadenceCrossed(tc.lastFull, tc.now, tc.everyDays, time.UTC); got != tc.expected {
				t.Errorf("fullCadenceCrossed(%v, %v, %d) = %v, want %v",
					tc.lastFull, tc.now, tc.everyDays, got, tc.expected)
			}
		})
	}
}

func TestEpochDays(t *testing.T) {
	tests := []struct {
		name     string
		t        time.Time
		expected int64
	}{
		{"Epoch Day Zero", time.Date(1970, 1, 1, 15, 0, 0, 0, time.UTC), 0},
		{"Next Midnight", time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC), 1},
		{"Modern Date", time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), 19723},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := epochDays(tc.t, time.UTC); got != tc.expected {
				t.Errorf("epochDays(%v) = %d, want %d", tc.t, got, tc.expected)
			}
		})
	}
}
