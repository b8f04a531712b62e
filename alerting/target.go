package alerting

import "time"

// MaxTiers is the fixed maximum number of rate-limit tiers per target
const MaxTiers = 8

// Target kind constants
const (
	TargetKindLog     = "log"
	TargetKindWebhook = "webhook"
)

// Target is a configured alert delivery target
type Target struct {
	ID         string
	Name       string
	Kind       string // "log" or "webhook"
	WebhookURL string
	Enabled    bool
	Tiers      []Tier // ordered, at most MaxTiers
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Tier is one independent rate-limit bucket on a delivery target.
// Mutated only by the Limiter at send time.
type Tier struct {
	MaxRequestsPerPeriod int
	PeriodSeconds        int
	MaxSeverity          *Severity // nil = applies to all severities
	PeriodStartedAt      time.Time
	RequestCountInPeriod int
}

// Period returns the tier's period as a duration
func (t Tier) Period() time.Duration {
	return time.Duration(t.PeriodSeconds) * time.Second
}

// Expired reports whether the tier's current period has elapsed as of asOf
func (t Tier) Expired(asOf time.Time) bool {
	return asOf.Sub(t.PeriodStartedAt) >= t.Period()
}

// EntityTarget is a target as associated with one schedulable entity,
// carrying the per-entity severity for missing-execution alerts.
// An empty severity means "do not alert this entity's missing executions".
type EntityTarget struct {
	Target
	Position                 int
	MissingExecutionSeverity Severity
}

// Event is the unit handed to a delivery target's send capability
type Event struct {
	Kind        string // detection kind or status-change track
	Severity    Severity
	GroupingKey string
	Summary     string
	EntityKind  string
	EntityID    string
	OccurredAt  time.Time
}
