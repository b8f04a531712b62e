package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	tgtesting "github.com/taskguard/taskguard/internal/testing"
	"github.com/taskguard/taskguard/internal/util"
)

func newTestLimiter(t *testing.T) (*Limiter, *TargetStore) {
	t.Helper()
	conn := tgtesting.CreateTestDB(t)
	store := NewTargetStore(conn)
	logger := zap.NewNop().Sugar()
	registry := NewRegistry()
	registry.Register(TargetKindLog, NewLogNotifier(logger))
	return NewLimiter(store, registry, logger), store
}

func makeTarget(t *testing.T, store *TargetStore, id string, tiers ...Tier) *Target {
	t.Helper()
	target := &Target{
		ID:      id,
		Name:    id,
		Kind:    TargetKindLog,
		Enabled: true,
		Tiers:   tiers,
	}
	require.NoError(t, store.CreateTarget(target))
	loaded, err := store.GetTarget(id)
	require.NoError(t, err)
	return loaded
}

func testEvent(severity Severity) Event {
	return Event{
		Kind:        "failure",
		Severity:    severity,
		GroupingKey: "failure:job-1:2026-03-10T12:00:00Z",
		Summary:     "job-1 failed",
		EntityKind:  "task",
		EntityID:    "job-1",
		OccurredAt:  time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC),
	}
}

func TestLimiterSuppressesOverLimit(t *testing.T) {
	limiter, store := newTestLimiter(t)
	target := makeTarget(t, store, "tgt-basic", Tier{
		MaxRequestsPerPeriod: 2,
		PeriodSeconds:        3600,
	})

	ctx := context.Background()
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf))
	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf.Add(time.Minute)))

	err := limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf.Add(2*time.Minute))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "tgt-basic", rle.TargetID)
	assert.Equal(t, 0, rle.TierIndex)
}

func TestLimiterSeverityCeilingBypass(t *testing.T) {
	limiter, store := newTestLimiter(t)
	target := makeTarget(t, store, "tgt-ceiling", Tier{
		MaxRequestsPerPeriod: 1,
		PeriodSeconds:        3600,
		MaxSeverity:          util.Ptr(SeverityWarning),
	})

	ctx := context.Background()
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Critical events pass the tier's gate without being counted.
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityCritical), asOf.Add(time.Duration(i)*time.Minute)))
	}

	loaded, err := store.GetTarget("tgt-ceiling")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Tiers[0].RequestCountInPeriod, "bypassing events must not charge the tier")

	// A gated event still goes through once, then the tier suppresses.
	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityWarning), asOf))
	err = limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf.Add(time.Minute))
	assert.True(t, IsRateLimited(err))

	// And bypassing events keep flowing even while the tier is saturated.
	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityError), asOf.Add(2*time.Minute)))
}

func TestLimiterChargesEveryMatchingTier(t *testing.T) {
	limiter, store := newTestLimiter(t)
	target := makeTarget(t, store, "tgt-multi",
		Tier{MaxRequestsPerPeriod: 10, PeriodSeconds: 60},
		Tier{MaxRequestsPerPeriod: 100, PeriodSeconds: 3600},
		Tier{MaxRequestsPerPeriod: 5, PeriodSeconds: 3600, MaxSeverity: util.Ptr(SeverityInfo)},
	)

	ctx := context.Background()
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityWarning), asOf))

	loaded, err := store.GetTarget("tgt-multi")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Tiers[0].RequestCountInPeriod)
	assert.Equal(t, 1, loaded.Tiers[1].RequestCountInPeriod)
	// Warning is more urgent than the third tier's info ceiling.
	assert.Equal(t, 0, loaded.Tiers[2].RequestCountInPeriod)
}

func TestLimiterCheckDoesNotMutate(t *testing.T) {
	limiter, store := newTestLimiter(t)
	makeTarget(t, store, "tgt-check", Tier{
		MaxRequestsPerPeriod: 1,
		PeriodSeconds:        60,
	})

	// Saturate the tier in a period that has since elapsed.
	periodStart := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveTierState("tgt-check", 0, periodStart, 1))
	loaded, err := store.GetTarget("tgt-check")
	require.NoError(t, err)

	// The elapsed period counts as fresh, so the check says the send would
	// go through, but checking must not reset the stored counter.
	asOf := periodStart.Add(10 * time.Minute)
	limited, _ := limiter.WillBeRateLimited(loaded, testEvent(SeverityInfo), asOf)
	assert.False(t, limited)

	reloaded, err := store.GetTarget("tgt-check")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Tiers[0].RequestCountInPeriod)
	assert.Equal(t, periodStart, reloaded.Tiers[0].PeriodStartedAt.UTC())
}

func TestLimiterExpiredPeriodResetsAtSend(t *testing.T) {
	limiter, store := newTestLimiter(t)
	target := makeTarget(t, store, "tgt-reset", Tier{
		MaxRequestsPerPeriod: 1,
		PeriodSeconds:        60,
	})

	ctx := context.Background()
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf))
	err := limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), asOf.Add(30*time.Second))
	assert.True(t, IsRateLimited(err))

	// One period later the tier starts fresh and the send is charged anew.
	later := asOf.Add(90 * time.Second)
	require.NoError(t, limiter.SendIfNotRateLimited(ctx, target, testEvent(SeverityInfo), later))

	loaded, err := store.GetTarget("tgt-reset")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Tiers[0].RequestCountInPeriod)
	assert.Equal(t, later, loaded.Tiers[0].PeriodStartedAt.UTC())
}
