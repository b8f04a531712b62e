package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/errors"
)

// PostponementCoordinator turns terminal execution statuses into alert
// events, applying the entity's postponement policy.
//
// With postponement configured, the first failure on a track opens a
// postponed record instead of notifying. The record then progresses exactly
// one way: enough consecutive successes resolve it silently, enough repeat
// failures accelerate it to an immediate notification, or its window elapses
// and the runner fires it. Without postponement every failure notifies
// immediately.
//
// Replays of a terminal status are absorbed: every handled status leaves a
// row keyed by execution and track, and a second call finds it and stops.
type PostponementCoordinator struct {
	alerts     *alerting.AlertStore
	executions *ExecutionStore
	tasks      *TaskStore
	workflows  *WorkflowStore
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger
}

// NewPostponementCoordinator creates a postponement coordinator
func NewPostponementCoordinator(alerts *alerting.AlertStore, executions *ExecutionStore, tasks *TaskStore, workflows *WorkflowStore, dispatcher *Dispatcher, logger *zap.SugaredLogger) *PostponementCoordinator {
	return &PostponementCoordinator{
		alerts:     alerts,
		executions: executions,
		tasks:      tasks,
		workflows:  workflows,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleTerminalStatus processes one execution's terminal status. Safe to
// call again with the same execution and status.
func (c *PostponementCoordinator) HandleTerminalStatus(ctx context.Context, exec *Execution, now time.Time) error {
	if exec.SkipEventGeneration {
		return nil
	}
	if !IsTerminalStatus(exec.Status) {
		return nil
	}

	sched, lastDeployedAt, err := c.schedulable(exec)
	if err != nil {
		return err
	}
	if !sched.Enabled {
		return nil // disabled entities produce no events
	}

	switch exec.Status {
	case StatusSucceeded:
		return c.handleSuccess(ctx, sched, exec, now)
	case StatusFailed:
		return c.handleFailure(ctx, sched, exec, alerting.TrackFailure, sched.FailureSeverity, now)
	case StatusTimedOut:
		return c.handleFailure(ctx, sched, exec, alerting.TrackTimeout, sched.TimeoutSeverity, now)
	case StatusAborted:
		if redeployExplainsAbort(lastDeployedAt, exec.StartedAt) {
			return nil
		}
		return c.handleFailure(ctx, sched, exec, alerting.TrackFailure, sched.FailureSeverity, now)
	case StatusAbandoned:
		return c.handleFailure(ctx, sched, exec, alerting.TrackFailure, sched.FailureSeverity, now)
	}
	return nil
}

// redeployExplainsAbort reports whether an aborted execution is attributable
// to a redeploy: the entity was deployed strictly after the execution
// started, so the abort was operational, not a failure.
func redeployExplainsAbort(deployedAt, startedAt *time.Time) bool {
	return deployedAt != nil && startedAt != nil && deployedAt.After(*startedAt)
}

func (c *PostponementCoordinator) schedulable(exec *Execution) (*Schedulable, *time.Time, error) {
	switch exec.EntityKind {
	case EntityKindTask:
		task, err := c.tasks.GetTask(exec.EntityID)
		if err != nil {
			return nil, nil, err
		}
		return &task.Schedulable, task.LastDeployedAt, nil
	case EntityKindWorkflow:
		wf, err := c.workflows.GetWorkflow(exec.EntityID)
		if err != nil {
			return nil, nil, err
		}
		return &wf.Schedulable, nil, nil
	}
	return nil, nil, errors.Newf("unknown entity kind %q", exec.EntityKind)
}

func (c *PostponementCoordinator) handleFailure(ctx context.Context, sched *Schedulable, exec *Execution, track string, severity alerting.Severity, now time.Time) error {
	if severity == "" {
		return nil // entity configured for no events on this track
	}

	existing, err := c.alerts.FindByExecutionAndTrack(exec.ID, track)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	summary := statusSummary(sched, exec)

	if !sched.Postpone.Configured() {
		return c.dispatcher.DispatchStatusChange(ctx, exec.EntityKind, exec.EntityID, exec.ID, track, severity, summary, now)
	}

	outstanding, err := c.alerts.FindOutstandingPostponed(exec.EntityKind, exec.EntityID, track)
	if err != nil {
		return err
	}

	if outstanding == nil {
		until := now.UTC().Add(sched.Postpone.Window())
		record := &alerting.StatusChangeAlert{
			EntityKind:           exec.EntityKind,
			EntityID:             exec.EntityID,
			ExecutionID:          exec.ID,
			Track:                track,
			Severity:             severity,
			GroupingKey:          GroupingKey(track, exec.EntityID, now),
			Summary:              summary,
			PostponedUntil:       &until,
			PostponedRepeatCount: 1,
		}
		if err := c.alerts.CreateAlert(record); err != nil {
			return err
		}
		c.logger.Infow("Postponed failure notification",
			"entity_kind", exec.EntityKind,
			"entity_id", exec.EntityID,
			"track", track,
			"postponed_until", until)
		return nil
	}

	// A repeat failure while one is outstanding: leave a marker row for
	// idempotence, bump the counter, and accelerate once the cap is hit.
	marker := &alerting.StatusChangeAlert{
		EntityKind:  exec.EntityKind,
		EntityID:    exec.EntityID,
		ExecutionID: exec.ID,
		Track:       track,
		Severity:    severity,
		GroupingKey: GroupingKey(track, exec.EntityID, now),
		Summary:     summary,
	}
	if err := c.alerts.CreateAlert(marker); err != nil {
		return err
	}

	count, err := c.alerts.IncrementPostponedRepeat(outstanding.ID)
	if err != nil {
		return err
	}

	if sched.Postpone.MaxFailureCount != nil && count >= *sched.Postpone.MaxFailureCount {
		if err := c.alerts.MarkTriggered(outstanding.ID, now); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				return nil // another path already decided it
			}
			return err
		}
		c.logger.Infow("Accelerated postponed notification after repeat failures",
			"entity_kind", exec.EntityKind,
			"entity_id", exec.EntityID,
			"track", track,
			"repeat_count", count)
		return c.dispatcher.DispatchStatusChange(ctx, exec.EntityKind, exec.EntityID, exec.ID, track, outstanding.Severity, summary, now)
	}
	return nil
}

func (c *PostponementCoordinator) handleSuccess(ctx context.Context, sched *Schedulable, exec *Execution, now time.Time) error {
	for _, track := range []string{alerting.TrackFailure, alerting.TrackTimeout} {
		outstanding, err := c.alerts.FindOutstandingPostponed(exec.EntityKind, exec.EntityID, track)
		if err != nil {
			return err
		}
		if outstanding == nil {
			continue
		}

		successes, err := c.executions.CountConsecutiveSuccesses(exec.EntityKind, exec.EntityID)
		if err != nil {
			return err
		}
		if successes < sched.Postpone.RequiredSuccessCount {
			continue
		}

		if err := c.alerts.MarkResolved(outstanding.ID, now); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			return err
		}
		c.logger.Infow("Resolved postponed notification after recovery",
			"entity_kind", exec.EntityKind,
			"entity_id", exec.EntityID,
			"track", track,
			"consecutive_successes", successes)
	}

	if sched.SuccessSeverity == "" {
		return nil
	}
	existing, err := c.alerts.FindByExecutionAndTrack(exec.ID, alerting.TrackSuccess)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return c.dispatcher.DispatchStatusChange(ctx, exec.EntityKind, exec.EntityID, exec.ID,
		alerting.TrackSuccess, sched.SuccessSeverity, statusSummary(sched, exec), now)
}

// FirePostponedDue triggers and dispatches every postponed notification
// whose window has elapsed. Called once per polling cycle.
func (c *PostponementCoordinator) FirePostponedDue(ctx context.Context, now time.Time) error {
	due, err := c.alerts.ListPostponedDue(now)
	if err != nil {
		return err
	}

	for _, a := range due {
		if err := c.alerts.MarkTriggered(a.ID, now); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			c.logger.Warnw("Failed to trigger due postponed notification",
				"alert_id", a.ID,
				"error", err)
			continue
		}
		c.logger.Infow("Postponement window elapsed, notifying",
			"entity_kind", a.EntityKind,
			"entity_id", a.EntityID,
			"track", a.Track)
		if err := c.dispatcher.DispatchStatusChange(ctx, a.EntityKind, a.EntityID, a.ExecutionID, a.Track, a.Severity, a.Summary, now); err != nil {
			c.logger.Warnw("Failed to dispatch due postponed notification",
				"alert_id", a.ID,
				"error", err)
		}
	}
	return nil
}

func statusSummary(sched *Schedulable, exec *Execution) string {
	return fmt.Sprintf("%s %s: execution %s %s", exec.EntityKind, sched.Name, exec.ID, exec.Status)
}
