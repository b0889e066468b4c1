package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalUTC(seed int64) *Evaluator {
	e := NewEvaluatorWithSeed(seed)
	e.loc = time.UTC
	return e
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"9.5h", 9*time.Hour + 30*time.Minute},
		{"90", 90 * time.Second},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "abc", "-5m", "0s"} {
		_, err := ParseInterval(bad)
		assert.Error(t, err, bad)
	}
}

func TestTriggerValidate(t *testing.T) {
	valid := []TriggerSpec{
		{Kind: TriggerCron, Expression: "*/5 * * * *"},
		{Kind: TriggerInterval, Every: "90s"},
		{Kind: TriggerScheduled, StartTime: "08:30"},
		{Kind: TriggerRandom, StartTime: "22:00", EndTime: "02:00"},
		{Kind: TriggerWeekly, DaysOfWeek: []int{1, 5}, StartTime: "09:00"},
		{Kind: TriggerMonthly, DaysOfMonth: []int{1, 15}, StartTime: "00:30"},
		{Kind: TriggerDate, Dates: []string{"2026-12-24 18:00"}},
	}
	for _, spec := range valid {
		assert.NoError(t, spec.Validate(), string(spec.Kind))
	}

	invalid := []TriggerSpec{
		{Kind: TriggerCron, Expression: "not a cron"},
		{Kind: TriggerInterval, Every: "soon"},
		{Kind: TriggerScheduled, StartTime: "25:00"},
		{Kind: TriggerRandom, StartTime: "08:00"},
		{Kind: TriggerWeekly, StartTime: "09:00"},
		{Kind: TriggerWeekly, DaysOfWeek: []int{7}, StartTime: "09:00"},
		{Kind: TriggerMonthly, DaysOfMonth: []int{0}, StartTime: "09:00"},
		{Kind: TriggerDate},
		{Kind: "never"},
	}
	for _, spec := range invalid {
		err := spec.Validate()
		require.Error(t, err, string(spec.Kind))
		assert.ErrorIs(t, err, ErrInvalidTrigger)
	}
}

func TestNextInterval(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerInterval, Every: "5m"}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// First fire is one interval after the reference.
	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, ref.Add(5*time.Minute), next)

	// Subsequent fires anchor on the last fire, not the reference.
	next, ok = e.Next(spec, ref.Add(7*time.Minute), ref.Add(5*time.Minute))
	require.True(t, ok)
	assert.Equal(t, ref.Add(10*time.Minute), next)
}

func TestNextCron(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerCron, Expression: "30 9 * * *"}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), next)
}

func TestNextScheduledDaily(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerScheduled, StartTime: "09:00", EndTime: "17:00"}

	// Before the window: fires at start.
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)

	// Mid-window with no fire yet: still due today (engine started late).
	ref = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next, ok = e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)

	// Already fired in today's window: next fire is tomorrow.
	last := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	next, ok = e.Next(spec, ref, last)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next)

	// Past the window without a fire: the day is lost.
	ref = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	next, ok = e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRandomStaysInWindow(t *testing.T) {
	spec := TriggerSpec{Kind: TriggerRandom, StartTime: "10:00", EndTime: "12:00"}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for seed := int64(0); seed < 20; seed++ {
		next, ok := evalUTC(seed).Next(spec, ref, time.Time{})
		require.True(t, ok)
		assert.False(t, next.Before(start), "seed %d: %s", seed, next)
		assert.False(t, next.After(end), "seed %d: %s", seed, next)
	}

	// Deterministic for a fixed seed.
	a, _ := evalUTC(42).Next(spec, ref, time.Time{})
	b, _ := evalUTC(42).Next(spec, ref, time.Time{})
	assert.Equal(t, a, b)
}

func TestNextRandomAfterFireMovesToNextDay(t *testing.T) {
	spec := TriggerSpec{Kind: TriggerRandom, StartTime: "10:00", EndTime: "12:00"}
	ref := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	last := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

	next, ok := evalUTC(1).Next(spec, ref, last)
	require.True(t, ok)
	assert.Equal(t, 3, next.Day())
}

func TestNextRandomMidnightCrossingWindow(t *testing.T) {
	spec := TriggerSpec{Kind: TriggerRandom, StartTime: "23:00", EndTime: "01:00"}
	ref := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	next, ok := evalUTC(3).Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.False(t, next.Before(ref))
	assert.False(t, next.After(time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)))
}

func TestNextWeekly(t *testing.T) {
	e := evalUTC(1)
	// March 2 2026 is a Monday.
	spec := TriggerSpec{Kind: TriggerWeekly, DaysOfWeek: []int{3}, StartTime: "07:00"}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Wednesday, next.Weekday())

	// Served this Wednesday: the following one is next.
	next, ok = e.Next(spec, next.Add(time.Minute), next)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), next)
}

func TestNextMonthly(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerMonthly, DaysOfMonth: []int{31}, StartTime: "06:00"}
	ref := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	// April has no 31st; May does.
	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 31, 6, 0, 0, 0, time.UTC), next)
}

func TestNextDate(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerDate, Dates: []string{
		"2026-06-01 12:00",
		"2026-05-01 12:00",
	}}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), next)

	// After the last date the trigger never fires again.
	_, ok = e.Next(spec, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	assert.False(t, ok)
}

func TestWindowForFire(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerScheduled, StartTime: "09:00", EndTime: "17:00"}

	fire := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	start, end, ok := e.Window(spec, fire)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), end)

	// A fire after midnight belongs to the window opened the previous evening.
	night := TriggerSpec{Kind: TriggerRandom, StartTime: "22:00", EndTime: "03:00"}
	fire = time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	start, end, ok = e.Window(night, fire)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC), end)

	// Non-windowed triggers have no window.
	_, _, ok = e.Window(TriggerSpec{Kind: TriggerInterval, Every: "5m"}, fire)
	assert.False(t, ok)
}

func TestTriggerLocationOverride(t *testing.T) {
	e := evalUTC(1)
	spec := TriggerSpec{Kind: TriggerScheduled, StartTime: "09:00", Location: "America/New_York"}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // 03:00 in New York

	next, ok := e.Next(spec, ref, time.Time{})
	require.True(t, ok)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, loc).Unix(), next.Unix())
}

func TestAtLocalTimeDSTGap(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-03-08 02:30 does not exist in New York; the spring-forward gap
	// resolves to the first valid instant at or after it.
	got := atLocalTime(2026, time.March, 8, 2, 30, loc)
	assert.Equal(t, 8, got.Day())
	assert.GreaterOrEqual(t, got.Hour(), 3)
}
