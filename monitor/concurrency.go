package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/config"
	"github.com/taskguard/taskguard/internal/util"
)

// ConcurrencyChecker watches service tasks, tasks that declare a minimum
// number of live instances, and raises a detection when the count of live
// instances started inside the trailing lookback window drops below it. The
// detection stays open until a later pass observes enough instances again,
// at which point a resolving detection records the recovered count.
//
// A service still inside its startup grace (younger than its start-alert
// threshold) or deployed more recently than the lookback window is skipped:
// its instances are still coming up and an undercount is expected.
type ConcurrencyChecker struct {
	tasks      *TaskStore
	executions *ExecutionStore
	detections *DetectionStore
	dispatcher *Dispatcher
	policy     config.PolicyConfig
	logger     *zap.SugaredLogger
}

// NewConcurrencyChecker creates a service concurrency checker
func NewConcurrencyChecker(tasks *TaskStore, executions *ExecutionStore, detections *DetectionStore, dispatcher *Dispatcher, policy config.PolicyConfig, logger *zap.SugaredLogger) *ConcurrencyChecker {
	return &ConcurrencyChecker{
		tasks:      tasks,
		executions: executions,
		detections: detections,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
	}
}

// Name identifies the checker in runner logs
func (c *ConcurrencyChecker) Name() string { return "service-concurrency" }

// Check runs one concurrency pass over every enabled service task as of now
func (c *ConcurrencyChecker) Check(ctx context.Context, now time.Time) error {
	services, err := c.tasks.ListEnabledServices()
	if err != nil {
		return err
	}
	for _, task := range services {
		if err := c.checkService(ctx, task, now); err != nil {
			c.logger.Warnw("Service concurrency check failed",
				"task_id", task.ID,
				"error", err)
		}
	}
	return nil
}

func (c *ConcurrencyChecker) checkService(ctx context.Context, task *Task, now time.Time) error {
	required := *task.MinInstanceCount

	startupGrace := time.Duration(defaultStartAlertThresholdSeconds) * time.Second
	if task.StartAlertThresholdSeconds > 0 {
		startupGrace = time.Duration(task.StartAlertThresholdSeconds) * time.Second
	}
	if now.Sub(task.CreatedAt) < startupGrace {
		return nil // service still starting up
	}
	if task.LastDeployedAt != nil && now.Sub(*task.LastDeployedAt) < c.policy.ServiceLookback() {
		return nil // instances still launching after the redeploy
	}

	windowEnd := now.UTC().Truncate(time.Second)
	windowStart := windowEnd.Add(-c.policy.ServiceLookback())
	detected, err := c.executions.CountLiveStartedBetween(EntityKindTask, task.ID, windowStart, windowEnd)
	if err != nil {
		return err
	}

	if detected >= required {
		return c.resolveIfOpen(task, detected, required, now)
	}

	det, created, err := c.detections.CreateConcurrencyIfAbsent(EntityKindTask, task.ID, detected, required, windowStart, windowEnd)
	if err != nil || !created {
		return err
	}

	c.logger.Infow("Detected insufficient service concurrency",
		"task_id", task.ID,
		"detected", detected,
		"required", required)
	summary := fmt.Sprintf("%s: %d of %d required instances running", task.Name, detected, required)
	return c.dispatcher.DispatchDetection(ctx, det, summary, now)
}

// resolveIfOpen closes an open concurrency detection once the instance count
// has recovered. The resolving detection carries the recovered count and is
// created already resolved.
func (c *ConcurrencyChecker) resolveIfOpen(task *Task, detected, required int, now time.Time) error {
	open, err := c.detections.FindUnresolved(EntityKindTask, task.ID, KindInsufficientConcurrency)
	if err != nil || open == nil {
		return err
	}

	at := now.UTC()
	resolving := &Detection{
		Kind:                KindInsufficientConcurrency,
		EntityKind:          EntityKindTask,
		EntityID:            task.ID,
		DetectedConcurrency: util.Ptr(detected),
		RequiredConcurrency: util.Ptr(required),
		ResolvedAt:          &at,
		CreatedAt:           at,
	}
	if err := c.detections.Resolve(open.ID, resolving); err != nil {
		return err
	}
	c.logger.Infow("Service concurrency recovered",
		"task_id", task.ID,
		"detected", detected,
		"required", required)
	return nil
}
