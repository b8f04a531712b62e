// Package monitor implements the monitoring and alerting core: detecting
// missing scheduled runs, stalled or heartbeat-silent executions, and
// under-provisioned service tasks, and coordinating the resulting alerts.
package monitor

import (
	"time"

	"github.com/taskguard/taskguard/alerting"
)

// Entity kind constants
const (
	EntityKindTask     = "task"
	EntityKindWorkflow = "workflow"
)

// Execution status constants.
// Non-terminal: started-manually, running, stopping.
// Terminal transitions are one-way.
const (
	StatusStartedManually = "started-manually"
	StatusRunning         = "running"
	StatusStopping        = "stopping"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusTimedOut        = "timed-out"
	StatusAborted         = "aborted"
	StatusAbandoned       = "abandoned"
)

// Stop reason constants
const (
	StopReasonFailedToStart    = "failed-to-start"
	StopReasonMaxTimeExceeded  = "max-time-exceeded"
	StopReasonMissingHeartbeat = "missing-heartbeat"
)

// IsTerminalStatus reports whether a status is terminal
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted, StatusAbandoned:
		return true
	}
	return false
}

// PostponePolicy configures failure-notification postponement for a
// schedulable. Postponement is configured only when both the window and the
// max repeat count are set.
type PostponePolicy struct {
	WindowSeconds        *int
	MaxFailureCount      *int
	RequiredSuccessCount int // consecutive successes that clear a postponed failure
}

// Configured reports whether postponement applies
func (p PostponePolicy) Configured() bool {
	return p.WindowSeconds != nil && p.MaxFailureCount != nil
}

// Window returns the postponement window as a duration
func (p PostponePolicy) Window() time.Duration {
	if p.WindowSeconds == nil {
		return 0
	}
	return time.Duration(*p.WindowSeconds) * time.Second
}

// Schedulable holds the schedule-monitoring fields shared by tasks and
// workflows. A blank Schedule means unscheduled and is never checked.
// ScheduleUpdatedAt is bumped on every schedule edit so checks never fire
// for occurrences predating the current schedule.
type Schedulable struct {
	ID                     string
	Name                   string
	Enabled                bool
	Schedule               string
	ScheduleUpdatedAt      *time.Time
	MaxConcurrency         *int
	ScheduledInstanceCount int

	Postpone        PostponePolicy
	FailureSeverity alerting.Severity // empty = no failure events
	TimeoutSeverity alerting.Severity // empty = no timeout events
	SuccessSeverity alerting.Severity // empty = no success events

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is a schedulable unit of work. Tasks configured with a
// MinInstanceCount are long-running services monitored for concurrency.
type Task struct {
	Schedulable

	MinInstanceCount *int
	LastDeployedAt   *time.Time
	MaxAgeSeconds    *int

	StartAlertThresholdSeconds           int
	StartAbandonmentThresholdSeconds     int
	HeartbeatAlertThresholdSeconds       int
	HeartbeatAbandonmentThresholdSeconds int
}

// IsService reports whether the task is a long-running service
func (t *Task) IsService() bool {
	return t.MinInstanceCount != nil
}

// Workflow is a schedulable composition of tasks. Only its schedule and
// postponement policy are monitored here; per-execution thresholds use the
// process defaults.
type Workflow struct {
	Schedulable
}

// Execution is one run of a task or workflow. Owned and mutated by the
// running process and by the health checker; terminal transitions one-way.
type Execution struct {
	ID         string
	EntityKind string
	EntityID   string
	Status     string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time // set by the runner when the process actually ends

	// MarkedDoneAt is set when the health checker decides the run is over,
	// distinct from FinishedAt which the runner sets.
	MarkedDoneAt *time.Time

	LastHeartbeatAt          *time.Time
	HeartbeatIntervalSeconds *int

	StopReason string

	// SkipEventGeneration suppresses status-change events for this
	// execution, e.g. when an abandonment is attributable to a redeploy.
	SkipEventGeneration bool

	UpdatedAt time.Time
}

// HeartbeatInterval returns the configured heartbeat interval, or 0
func (e *Execution) HeartbeatInterval() time.Duration {
	if e.HeartbeatIntervalSeconds == nil {
		return 0
	}
	return time.Duration(*e.HeartbeatIntervalSeconds) * time.Second
}
