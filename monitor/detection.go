package monitor

import "time"

// Detection kind tags. Each kind carries only the fields relevant to it;
// dispatch is on the tag, never on runtime type identity.
const (
	KindMissingExecution        = "missing_execution"
	KindInsufficientConcurrency = "insufficient_concurrency"
	KindDelayedStart            = "delayed_start"
	KindMissingHeartbeat        = "missing_heartbeat"
)

// Detection is a persisted record asserting that an expected event (a run,
// sufficient concurrency, a start, a heartbeat) did not occur as expected.
// Created by the checkers; never updated except to set resolution fields.
type Detection struct {
	ID         string
	Kind       string
	EntityKind string
	EntityID   string

	// Missing-execution fields. ExpectedAt is exact for cron schedules and
	// a lower bound for rate schedules.
	ExpectedAt   *time.Time
	MissingCount *int

	// Insufficient-concurrency fields
	DetectedConcurrency *int
	RequiredConcurrency *int
	IntervalStart       *time.Time
	IntervalEnd         *time.Time

	// Delayed-start / missing-heartbeat detections reference the execution
	ExecutionID string

	ResolvedAt *time.Time
	ResolvedBy string // ID of the detection that cleared this one

	CreatedAt time.Time
}

// Resolved reports whether the detection has been cleared
func (d *Detection) Resolved() bool {
	return d.ResolvedAt != nil
}
