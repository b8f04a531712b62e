package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskguard/taskguard/errors"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		form Form
	}{
		{"five field cron", "cron(0 12 * * *)", FormCron},
		{"cron with question mark", "cron(0 12 * * ?)", FormCron},
		{"six field cron with year", "cron(0 12 * * ? 2026)", FormCron},
		{"rate minutes", "rate(30 minutes)", FormRate},
		{"rate singular unit", "rate(1 hour)", FormRate},
		{"rate months", "rate(3 months)", FormRate},
		{"whitespace tolerated", "  cron(*/5 * * * *)  ", FormCron},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.form, expr.Form)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	invalid := []string{
		"",
		"every 5 minutes",
		"cron(* *)",
		"cron(0 12 * * * * *)",
		"cron(0 12 * * ? twenty)",
		"rate(5)",
		"rate(0 minutes)",
		"rate(-1 hours)",
		"rate(5 fortnights)",
		"0 12 * * *",
	}
	for _, raw := range invalid {
		_, err := Parse(raw)
		require.Error(t, err, "expected %q to be rejected", raw)
		assert.True(t, errors.IsInvalidScheduleError(err), "expected invalid-schedule error for %q, got %v", raw, err)
	}
}

func TestLastFireAgoDaily(t *testing.T) {
	expr, err := Parse("cron(0 12 * * *)")
	require.NoError(t, err)

	asOf := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	ago, ok := expr.LastFireAgo(asOf)
	require.True(t, ok)
	assert.Equal(t, 3*time.Hour, ago)
}

func TestLastFireAgoMinutely(t *testing.T) {
	expr, err := Parse("cron(*/5 * * * *)")
	require.NoError(t, err)

	asOf := time.Date(2026, 3, 10, 12, 3, 30, 0, time.UTC)
	ago, ok := expr.LastFireAgo(asOf)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute+30*time.Second, ago)
}

func TestLastFireAgoYearFilter(t *testing.T) {
	expr, err := Parse("cron(0 12 * * ? 2025)")
	require.NoError(t, err)

	asOf := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	ago, ok := expr.LastFireAgo(asOf)
	require.True(t, ok)

	lastFire := time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, asOf.Sub(lastFire), ago)
}

func TestLastFireAgoNeverFired(t *testing.T) {
	// A year filter far in the future never matches within the search horizon.
	expr, err := Parse("cron(0 12 * * ? 2099)")
	require.NoError(t, err)

	_, ok := expr.LastFireAgo(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestLastFireAgoYearRange(t *testing.T) {
	expr, err := Parse("cron(0 0 1 1 ? 2024-2026)")
	require.NoError(t, err)

	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ago, ok := expr.LastFireAgo(asOf)
	require.True(t, ok)
	assert.Equal(t, asOf.Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), ago)
}

func TestRelativeOffsetStart(t *testing.T) {
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"rate(90 seconds)", asOf.Add(-90 * time.Second)},
		{"rate(30 minutes)", asOf.Add(-30 * time.Minute)},
		{"rate(6 hours)", asOf.Add(-6 * time.Hour)},
		{"rate(2 days)", time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)},
		{"rate(1 month)", time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)},
		{"rate(1 year)", time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, expr.RelativeOffsetStart(asOf), tt.raw)
	}
}

func TestMonthArithmeticClamps(t *testing.T) {
	expr, err := Parse("rate(1 month)")
	require.NoError(t, err)

	// Going back a month from March 31 lands on the last day of February,
	// not on March 3.
	start := expr.RelativeOffsetStart(time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), start)

	// Leap year keeps the 29th.
	start = expr.RelativeOffsetStart(time.Date(2028, 3, 31, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2028, 2, 29, 10, 0, 0, 0, time.UTC), start)

	// Forward from January 31 clamps the same way.
	next := expr.Advance(time.Date(2026, 1, 31, 8, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC), next)
}

func TestAdvanceChains(t *testing.T) {
	expr, err := Parse("rate(1 hour)")
	require.NoError(t, err)

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(time.Hour), expr.Advance(start))
	assert.Equal(t, start.Add(2*time.Hour), expr.Advance(expr.Advance(start)))
}
