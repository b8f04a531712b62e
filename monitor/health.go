package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/config"
)

// Per-execution thresholds for workflow executions, which carry no
// per-entity configuration. Task executions use the task's own columns.
const (
	defaultStartAlertThresholdSeconds           = 600
	defaultStartAbandonmentThresholdSeconds     = 3600
	defaultHeartbeatAlertThresholdSeconds       = 300
	defaultHeartbeatAbandonmentThresholdSeconds = 1800
)

// healthThresholds are the effective per-execution limits for one check
type healthThresholds struct {
	startAlert       time.Duration
	startAbandonment time.Duration
	hbAlert          time.Duration
	hbAbandonment    time.Duration
	maxAge           *time.Duration
	lastDeployedAt   *time.Time
}

// HealthChecker walks every non-terminal execution and enforces its
// lifecycle limits: executions that never started, outlived their maximum
// age, got stuck stopping, or went heartbeat-silent.
//
// Each limit has two stages. The alert stage creates a detection and
// notifies; the abandonment stage gives up on the execution and marks it
// abandoned, which then flows through the postponement coordinator like any
// other terminal status. A heartbeat abandonment explained by a redeploy is
// marked with event generation suppressed instead.
type HealthChecker struct {
	executions *ExecutionStore
	tasks      *TaskStore
	detections *DetectionStore
	dispatcher *Dispatcher
	postpone   *PostponementCoordinator
	policy     config.PolicyConfig
	logger     *zap.SugaredLogger
}

// NewHealthChecker creates an execution health checker
func NewHealthChecker(executions *ExecutionStore, tasks *TaskStore, detections *DetectionStore, dispatcher *Dispatcher, postpone *PostponementCoordinator, policy config.PolicyConfig, logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		executions: executions,
		tasks:      tasks,
		detections: detections,
		dispatcher: dispatcher,
		postpone:   postpone,
		policy:     policy,
		logger:     logger,
	}
}

// Name identifies the checker in runner logs
func (c *HealthChecker) Name() string { return "execution-health" }

// Check runs one health pass over every non-terminal execution as of now
func (c *HealthChecker) Check(ctx context.Context, now time.Time) error {
	execs, err := c.executions.ListNonTerminal()
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := c.checkExecution(ctx, exec, now); err != nil {
			c.logger.Warnw("Execution health check failed",
				"execution_id", exec.ID,
				"entity_kind", exec.EntityKind,
				"entity_id", exec.EntityID,
				"error", err)
		}
	}
	return nil
}

func (c *HealthChecker) checkExecution(ctx context.Context, exec *Execution, now time.Time) error {
	limits, err := c.thresholds(exec)
	if err != nil {
		return err
	}

	if exec.StartedAt == nil {
		return c.checkUnstarted(ctx, exec, limits, now)
	}
	if err := c.resolveExecutionDetection(KindDelayedStart, exec, now); err != nil {
		return err
	}
	if c.pastMaxAge(exec, limits, now) {
		c.logger.Infow("Execution exceeded max age, stopping",
			"execution_id", exec.ID,
			"entity_id", exec.EntityID)
		return c.executions.MarkStopping(exec.ID, StopReasonMaxTimeExceeded, now)
	}
	if exec.Status == StatusStopping {
		return c.checkStuckStopping(ctx, exec, now)
	}
	return c.checkHeartbeat(ctx, exec, limits, now)
}

func (c *HealthChecker) thresholds(exec *Execution) (healthThresholds, error) {
	limits := healthThresholds{
		startAlert:       defaultStartAlertThresholdSeconds * time.Second,
		startAbandonment: defaultStartAbandonmentThresholdSeconds * time.Second,
		hbAlert:          defaultHeartbeatAlertThresholdSeconds * time.Second,
		hbAbandonment:    defaultHeartbeatAbandonmentThresholdSeconds * time.Second,
	}
	if exec.EntityKind != EntityKindTask {
		return limits, nil
	}

	task, err := c.tasks.GetTask(exec.EntityID)
	if err != nil {
		return limits, err
	}
	if task.StartAlertThresholdSeconds > 0 {
		limits.startAlert = time.Duration(task.StartAlertThresholdSeconds) * time.Second
	}
	if task.StartAbandonmentThresholdSeconds > 0 {
		limits.startAbandonment = time.Duration(task.StartAbandonmentThresholdSeconds) * time.Second
	}
	if task.HeartbeatAlertThresholdSeconds > 0 {
		limits.hbAlert = time.Duration(task.HeartbeatAlertThresholdSeconds) * time.Second
	}
	if task.HeartbeatAbandonmentThresholdSeconds > 0 {
		limits.hbAbandonment = time.Duration(task.HeartbeatAbandonmentThresholdSeconds) * time.Second
	}
	if task.MaxAgeSeconds != nil {
		maxAge := time.Duration(*task.MaxAgeSeconds) * time.Second
		limits.maxAge = &maxAge
	}
	limits.lastDeployedAt = task.LastDeployedAt
	return limits, nil
}

// checkUnstarted handles executions that were created but never reported a
// start. Past the alert threshold a delayed-start detection fires; past the
// abandonment threshold the execution is written off as failed-to-start.
func (c *HealthChecker) checkUnstarted(ctx context.Context, exec *Execution, limits healthThresholds, now time.Time) error {
	waited := now.Sub(exec.CreatedAt)

	if waited >= limits.startAbandonment {
		finished := now.UTC()
		if err := c.executions.MarkAbandoned(exec.ID, StopReasonFailedToStart, now, &finished, false); err != nil {
			return err
		}
		c.logger.Warnw("Abandoned execution that never started",
			"execution_id", exec.ID,
			"entity_id", exec.EntityID,
			"waited", waited)
		exec.Status = StatusAbandoned
		exec.StopReason = StopReasonFailedToStart
		return c.postpone.HandleTerminalStatus(ctx, exec, now)
	}

	if waited >= limits.startAlert {
		det, created, err := c.detections.CreateExecutionConditionIfAbsent(KindDelayedStart, exec.EntityKind, exec.EntityID, exec.ID)
		if err != nil || !created {
			return err
		}
		c.logger.Infow("Detected delayed execution start",
			"execution_id", exec.ID,
			"entity_id", exec.EntityID,
			"waited", waited)
		summary := fmt.Sprintf("%s %s: execution %s has not started after %s",
			exec.EntityKind, exec.EntityID, exec.ID, waited.Round(time.Second))
		return c.dispatcher.DispatchDetection(ctx, det, summary, now)
	}
	return nil
}

func (c *HealthChecker) pastMaxAge(exec *Execution, limits healthThresholds, now time.Time) bool {
	if limits.maxAge == nil || exec.Status == StatusStopping {
		return false
	}
	return now.Sub(*exec.StartedAt) >= *limits.maxAge
}

// checkStuckStopping abandons executions that were told to stop but whose
// process never went away
func (c *HealthChecker) checkStuckStopping(ctx context.Context, exec *Execution, now time.Time) error {
	since := exec.UpdatedAt
	if exec.MarkedDoneAt != nil {
		since = *exec.MarkedDoneAt
	}
	if now.Sub(since) < c.policy.MaxStoppingDuration() {
		return nil
	}

	finished := now.UTC()
	if err := c.executions.MarkAbandoned(exec.ID, exec.StopReason, now, &finished, false); err != nil {
		return err
	}
	c.logger.Warnw("Abandoned execution stuck in stopping",
		"execution_id", exec.ID,
		"entity_id", exec.EntityID,
		"stop_reason", exec.StopReason)
	exec.Status = StatusAbandoned
	return c.postpone.HandleTerminalStatus(ctx, exec, now)
}

// checkHeartbeat enforces heartbeat silence limits on running executions
// that report heartbeats. The silence clock starts from the most recent of
// the execution's start, its last heartbeat, and the entity's last deploy:
// a redeploy resets expectations rather than inheriting stale silence.
func (c *HealthChecker) checkHeartbeat(ctx context.Context, exec *Execution, limits healthThresholds, now time.Time) error {
	interval := exec.HeartbeatInterval()
	if interval == 0 {
		return nil
	}

	floor := *exec.StartedAt
	if exec.LastHeartbeatAt != nil && exec.LastHeartbeatAt.After(floor) {
		floor = *exec.LastHeartbeatAt
	}
	if limits.lastDeployedAt != nil && limits.lastDeployedAt.After(floor) {
		floor = *limits.lastDeployedAt
	}

	deadline := floor.Add(interval)
	silence := now.Sub(deadline)
	if silence < 0 {
		return c.resolveExecutionDetection(KindMissingHeartbeat, exec, now)
	}

	if silence >= limits.hbAbandonment {
		// An execution started before the last deploy was presumably torn
		// down by it; its abandonment is bookkeeping, not a failure.
		skipEvents := limits.lastDeployedAt != nil && exec.StartedAt.Before(*limits.lastDeployedAt)
		if err := c.executions.MarkAbandoned(exec.ID, StopReasonMissingHeartbeat, now, nil, skipEvents); err != nil {
			return err
		}
		c.logger.Warnw("Abandoned heartbeat-silent execution",
			"execution_id", exec.ID,
			"entity_id", exec.EntityID,
			"silence", silence,
			"redeploy_explains", skipEvents)
		if skipEvents {
			return nil
		}
		exec.Status = StatusAbandoned
		exec.StopReason = StopReasonMissingHeartbeat
		return c.postpone.HandleTerminalStatus(ctx, exec, now)
	}

	if silence >= limits.hbAlert {
		det, created, err := c.detections.CreateExecutionConditionIfAbsent(KindMissingHeartbeat, exec.EntityKind, exec.EntityID, exec.ID)
		if err != nil || !created {
			return err
		}
		c.logger.Infow("Detected missing heartbeat",
			"execution_id", exec.ID,
			"entity_id", exec.EntityID,
			"silence", silence)
		summary := fmt.Sprintf("%s %s: execution %s silent for %s past its heartbeat interval",
			exec.EntityKind, exec.EntityID, exec.ID, silence.Round(time.Second))
		return c.dispatcher.DispatchDetection(ctx, det, summary, now)
	}
	return nil
}

// resolveExecutionDetection clears an open per-execution detection once the
// condition that raised it has passed (the execution started, heartbeats
// resumed). The resolving detection records the recovery observation and is
// itself created resolved so it never reads as an active condition.
func (c *HealthChecker) resolveExecutionDetection(kind string, exec *Execution, now time.Time) error {
	open, err := c.detections.FindUnresolvedForExecution(kind, exec.ID)
	if err != nil || open == nil {
		return err
	}

	at := now.UTC()
	resolving := &Detection{
		Kind:        kind,
		EntityKind:  exec.EntityKind,
		EntityID:    exec.EntityID,
		ExecutionID: exec.ID,
		ResolvedAt:  &at,
		CreatedAt:   at,
	}
	if err := c.detections.Resolve(open.ID, resolving); err != nil {
		return err
	}
	c.logger.Infow("Execution condition cleared, resolved detection",
		"kind", kind,
		"execution_id", exec.ID,
		"entity_id", exec.EntityID)
	return nil
}
