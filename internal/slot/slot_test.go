package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestForTokyoExample(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	ts := time.Date(2025, 1, 15, 14, 37, 0, 0, tokyo)

	id := For(ts, tokyo, "dev-1")
	assert.Equal(t, "2025-01-15", id.Date)
	assert.Equal(t, "14-30", id.Slot)
	assert.Equal(t, "2025-01-15/raw/14-30.wav", id.FileName())
	assert.Equal(t, "dev-1/2025-01-15/raw/14-30.wav", id.ObjectKey())
}

func TestForUsesOwnerTimezoneNotInstantZone(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	// 2025-01-15 05:37 UTC is 14:37 in Tokyo.
	ts := time.Date(2025, 1, 15, 5, 37, 0, 0, time.UTC)

	id := For(ts, tokyo, "dev-1")
	assert.Equal(t, "2025-01-15", id.Date)
	assert.Equal(t, "14-30", id.Slot)

	// Late evening in New York is already the next day in Tokyo.
	ny := mustLoad(t, "America/New_York")
	evening := time.Date(2025, 1, 14, 23, 10, 0, 0, ny)
	assert.Equal(t, "2025-01-15", For(evening, tokyo, "dev-1").Date)
	assert.Equal(t, "2025-01-14", For(evening, ny, "dev-1").Date)
}

func TestForIdempotentWithinWindow(t *testing.T) {
	loc := mustLoad(t, "Europe/Berlin")
	base := time.Date(2025, 3, 10, 9, 30, 0, 0, loc)
	want := For(base, loc, "d")

	for offset := time.Duration(0); offset < Length; offset += 7 * time.Second {
		got := For(base.Add(offset), loc, "d")
		require.Equal(t, want, got, "offset %s", offset)
	}
	assert.NotEqual(t, want, For(base.Add(Length), loc, "d"))
}

func TestForMidnightBoundary(t *testing.T) {
	loc := time.UTC
	before := For(time.Date(2025, 1, 15, 23, 59, 59, 0, loc), loc, "d")
	after := For(time.Date(2025, 1, 16, 0, 0, 0, 0, loc), loc, "d")

	assert.Equal(t, "2025-01-15", before.Date)
	assert.Equal(t, "23-30", before.Slot)
	assert.Equal(t, "2025-01-16", after.Date)
	assert.Equal(t, "00-00", after.Slot)
}

func TestSecondsUntilNextSlot(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"exact hour boundary", time.Date(2025, 1, 15, 14, 0, 0, 0, loc), 30 * time.Minute},
		{"exact half boundary", time.Date(2025, 1, 15, 14, 30, 0, 0, loc), 30 * time.Minute},
		{"mid first half", time.Date(2025, 1, 15, 14, 10, 0, 0, loc), 20 * time.Minute},
		{"one second before", time.Date(2025, 1, 15, 14, 59, 59, 0, loc), time.Second},
		{"just after boundary", time.Date(2025, 1, 15, 14, 30, 0, 1, loc), 30*time.Minute - time.Nanosecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SecondsUntilNextSlot(tc.now))
		})
	}
}

func TestNextSlotStartRollsCalendar(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2025, 1, 31, 23, 45, 0, 0, loc), time.Date(2025, 2, 1, 0, 0, 0, 0, loc)},
		{time.Date(2024, 2, 28, 23, 30, 0, 0, loc), time.Date(2024, 2, 29, 0, 0, 0, 0, loc)},
		{time.Date(2025, 12, 31, 23, 59, 59, 0, loc), time.Date(2026, 1, 1, 0, 0, 0, 0, loc)},
		{time.Date(2025, 6, 1, 10, 5, 0, 0, loc), time.Date(2025, 6, 1, 10, 30, 0, 0, loc)},
	}
	for _, tc := range cases {
		assert.True(t, tc.want.Equal(NextSlotStart(tc.now)), "now=%s", tc.now)
	}
}

func TestNextSlotStartNeverRegressesAcrossDST(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// Sweep both 2025 transitions minute by minute.
	for _, start := range []time.Time{
		time.Date(2025, 3, 9, 0, 0, 0, 0, ny),
		time.Date(2025, 11, 2, 0, 0, 0, 0, ny),
	} {
		for now := start; now.Before(start.Add(4 * time.Hour)); now = now.Add(time.Minute) {
			next := NextSlotStart(now)
			require.True(t, next.After(now), "now=%s next=%s", now, next)
			require.Zero(t, next.Second(), "now=%s next=%s", now, next)
			require.Contains(t, []int{0, 30}, next.Minute(), "now=%s next=%s", now, next)
			require.LessOrEqual(t, SecondsUntilNextSlot(now), Length, "now=%s", now)
		}
	}
}

func TestRepeatedHourRollsIntoRepeatedSlot(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 01:30 EDT on the fall-back day; the following half hour ends at 01:00 EST.
	now := time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC).In(ny)

	assert.Equal(t, 30*time.Minute, SecondsUntilNextSlot(now))
	next := NextSlotStart(now)
	assert.Equal(t, time.Date(2025, 11, 2, 6, 0, 0, 0, time.UTC), next.UTC())
	assert.Equal(t, "01-00", For(next, ny, "dev").Slot)
	assert.Equal(t, For(now.Add(-30*time.Minute), ny, "dev"), For(next, ny, "dev"))
}

func TestParseRoundTrip(t *testing.T) {
	id := ID{DeviceID: "dev", Date: "2025-01-15", Slot: "14-30"}

	parsed, err := Parse(id.FileName())
	require.NoError(t, err)
	assert.Equal(t, id.WithDevice(""), parsed)

	start, err := parsed.Start(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC), start)
}

func TestParseRejects(t *testing.T) {
	for _, name := range []string{
		"2025-01-15/raw/14-15.wav",
		"2025-01-15/raw/14-30.wav.partial",
		"2025-01-15/raw/24-00.wav",
		"2025-13-15/raw/14-30.wav",
		"2025-01-15/cooked/14-30.wav",
		"raw/14-30.wav",
		"2025-01-15/raw/4-30.wav",
	} {
		_, err := Parse(name)
		assert.Error(t, err, name)
	}
}
