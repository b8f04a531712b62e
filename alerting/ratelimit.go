package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/errors"
)

// RateLimitError reports that a send was suppressed by a rate-limit tier.
// It identifies the specific tier, the target, and the event so the caller
// can decide whether to retry later. It is a control-flow signal, not a bug.
type RateLimitError struct {
	TargetID  string
	TierIndex int
	Event     Event
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by tier %d of target %s (event %s, severity %s)",
		e.TierIndex, e.TargetID, e.Event.GroupingKey, e.Event.Severity)
}

// IsRateLimited reports whether err is or wraps a RateLimitError
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// Limiter decides whether a send is allowed by a target's rate-limit tiers
// and updates tier counters at send time. It is the only mutator of tier
// state and the only caller of a target's send capability.
type Limiter struct {
	store    *TargetStore
	registry *Registry
	logger   *zap.SugaredLogger
	mu       sync.Mutex
}

// NewLimiter creates a rate limiter over the given target store and notifiers
func NewLimiter(store *TargetStore, registry *Registry, logger *zap.SugaredLogger) *Limiter {
	return &Limiter{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// WillBeRateLimited checks, without mutating any tier, whether a send for
// the event would be suppressed. A tier whose period has elapsed counts as
// fresh, but the reset itself only happens at send time.
func (l *Limiter) WillBeRateLimited(target *Target, event Event, asOf time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitingTier(target, event, asOf)
}

// limitingTier returns the first tier that suppresses the event.
// Must be called with the lock held.
func (l *Limiter) limitingTier(target *Target, event Event, asOf time.Time) (bool, int) {
	for i, tier := range target.Tiers {
		if !TierApplies(tier.MaxSeverity, event.Severity) {
			continue
		}
		if tier.Expired(asOf) {
			continue // fresh period, not limiting
		}
		if tier.RequestCountInPeriod >= tier.MaxRequestsPerPeriod {
			return true, i
		}
	}
	return false, -1
}

// SendIfNotRateLimited re-checks the tiers and, if no tier suppresses the
// event, charges every tier whose gate matches the event (resetting expired
// periods first), persists the tier state, and invokes the target's send
// capability. Tiers whose gate does not match are left completely untouched.
//
// Returns a *RateLimitError when suppressed; the underlying send is never
// invoked in that case. A send failure is returned as-is for the caller to
// record.
func (l *Limiter) SendIfNotRateLimited(ctx context.Context, target *Target, event Event, asOf time.Time) error {
	l.mu.Lock()

	if limited, tierIndex := l.limitingTier(target, event, asOf); limited {
		l.mu.Unlock()
		l.logger.Debugw("Send suppressed by rate limit",
			"target_id", target.ID,
			"tier_index", tierIndex,
			"severity", event.Severity,
			"grouping_key", event.GroupingKey)
		return &RateLimitError{TargetID: target.ID, TierIndex: tierIndex, Event: event}
	}

	// Charge every matching tier, not just the first.
	for i := range target.Tiers {
		tier := &target.Tiers[i]
		if !TierApplies(tier.MaxSeverity, event.Severity) {
			continue
		}
		if tier.Expired(asOf) {
			tier.PeriodStartedAt = asOf
			tier.RequestCountInPeriod = 0
		}
		tier.RequestCountInPeriod++
		if err := l.store.SaveTierState(target.ID, i, tier.PeriodStartedAt, tier.RequestCountInPeriod); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.mu.Unlock()

	notifier, err := l.registry.Get(target.Kind)
	if err != nil {
		return err
	}

	return notifier.Send(ctx, target, event)
}
