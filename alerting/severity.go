// Package alerting turns detections into notifications: severity ordering,
// per-target rate limiting, delivery transports, and alert records.
package alerting

// Severity is a total order over alert urgency, most urgent first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityDebug    Severity = "debug"
)

// severityRank maps each severity to its position in the urgency order.
// Lower rank = more urgent.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityError:    1,
	SeverityWarning:  2,
	SeverityInfo:     3,
	SeverityDebug:    4,
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MoreUrgentThan reports whether s is strictly more urgent than other
func (s Severity) MoreUrgentThan(other Severity) bool {
	return severityRank[s] < severityRank[other]
}

// TierApplies reports whether a rate-limit tier with the given severity
// ceiling governs an event of the given severity. A nil ceiling applies to
// all events. Otherwise the tier applies only to events no more urgent than
// the ceiling, so urgent alerts are never silently dropped by a coarse limit
// meant for noisy low-priority events.
func TierApplies(maxSeverity *Severity, eventSeverity Severity) bool {
	if maxSeverity == nil {
		return true
	}
	return !eventSeverity.MoreUrgentThan(*maxSeverity)
}
