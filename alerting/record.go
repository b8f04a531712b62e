package alerting

import "time"

// Alert tracks: which terminal-status condition a postponed event belongs to
const (
	TrackFailure = "failure"
	TrackTimeout = "timeout"
	TrackSuccess = "success"
)

// Send outcome constants
const (
	SendOutcomeSucceeded = "succeeded"
	SendOutcomeFailed    = "failed"
)

// MaxDiagnosticLength caps the recorded send diagnostic message
const MaxDiagnosticLength = 512

// StatusChangeAlert is one attempted notification for one detection or
// execution-status-change and one alert target.
//
// Lifecycle: created either postponed (PostponedUntil set, TriggeredAt nil)
// or already triggered. A postponed record progresses to exactly one of
// triggered (repeat failures accelerated it, or its window elapsed) or
// resolved (recovery cleared it), never both.
type StatusChangeAlert struct {
	ID          string
	EntityKind  string
	EntityID    string
	DetectionID string // set for detection-driven alerts
	ExecutionID string // set for execution-status-change alerts
	TargetID    string // empty while an event is only postponed, not yet dispatched
	Track       string
	Severity    Severity
	GroupingKey string
	Summary     string

	PostponedUntil       *time.Time
	PostponedRepeatCount int
	TriggeredAt          *time.Time
	ResolvedAt           *time.Time

	SendOutcome    string
	SendDiagnostic string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outstanding reports whether the alert is postponed and still undecided
func (a *StatusChangeAlert) Outstanding() bool {
	return a.PostponedUntil != nil && a.TriggeredAt == nil && a.ResolvedAt == nil
}

// TruncateDiagnostic caps a diagnostic message at MaxDiagnosticLength
func TruncateDiagnostic(msg string) string {
	if len(msg) <= MaxDiagnosticLength {
		return msg
	}
	return msg[:MaxDiagnosticLength]
}
