package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/config"
	"github.com/taskguard/taskguard/schedule"
)

// ComplianceChecker detects scheduled runs that never happened.
//
// For cron schedules the most recent fire before now is the expected
// occurrence; an execution counts as that occurrence if it started inside
// [expected - early window, expected + late window]. For rate schedules the
// expected occurrence chains forward by one period from the previous
// detection, so one outage produces one detection per missed period rather
// than one per polling cycle.
//
// Entities are checked independently; a bad schedule or a store error on one
// entity is logged and never aborts the pass.
type ComplianceChecker struct {
	executions *ExecutionStore
	detections *DetectionStore
	dispatcher *Dispatcher
	sources    []CheckableSource
	policy     config.PolicyConfig
	logger     *zap.SugaredLogger
}

// NewComplianceChecker creates a schedule compliance checker over the given
// sources
func NewComplianceChecker(executions *ExecutionStore, detections *DetectionStore, dispatcher *Dispatcher, policy config.PolicyConfig, logger *zap.SugaredLogger, sources ...CheckableSource) *ComplianceChecker {
	return &ComplianceChecker{
		executions: executions,
		detections: detections,
		dispatcher: dispatcher,
		sources:    sources,
		policy:     policy,
		logger:     logger,
	}
}

// Name identifies the checker in runner logs
func (c *ComplianceChecker) Name() string { return "schedule-compliance" }

// Check runs one compliance pass over every source as of now
func (c *ComplianceChecker) Check(ctx context.Context, now time.Time) error {
	for _, src := range c.sources {
		items, err := src.EnumerateCheckable()
		if err != nil {
			c.logger.Warnw("Failed to enumerate schedulables",
				"entity_kind", src.Kind(),
				"error", err)
			continue
		}
		for _, item := range items {
			if err := c.checkOne(ctx, src.Kind(), item, now); err != nil {
				c.logger.Warnw("Schedule compliance check failed",
					"entity_kind", src.Kind(),
					"entity_id", item.ID,
					"error", err)
			}
		}
	}
	return nil
}

func (c *ComplianceChecker) checkOne(ctx context.Context, entityKind string, item Checkable, now time.Time) error {
	expr, err := schedule.Parse(item.Schedule)
	if err != nil {
		c.logger.Warnw("Skipping entity with invalid schedule",
			"entity_kind", entityKind,
			"entity_id", item.ID,
			"schedule", item.Schedule,
			"error", err)
		return nil
	}

	switch expr.Form {
	case schedule.FormCron:
		return c.checkCron(ctx, entityKind, item, expr, now)
	case schedule.FormRate:
		return c.checkRate(ctx, entityKind, item, expr, now)
	}
	return nil
}

func (c *ComplianceChecker) checkCron(ctx context.Context, entityKind string, item Checkable, expr *schedule.Expression, now time.Time) error {
	ago, ok := expr.LastFireAgo(now)
	if !ok {
		return nil // schedule has never fired
	}
	if ago < c.policy.MinConfirmDelay() {
		return nil // give the execution time to appear
	}

	expectedAt := now.UTC().Add(-ago).Truncate(time.Second)

	// Occurrences predating the current schedule belong to the old one.
	if item.ScheduleUpdatedAt != nil && expectedAt.Before(item.ScheduleUpdatedAt.UTC()) {
		return nil
	}

	windowStart := expectedAt.Add(-c.policy.EarlyWindow())
	windowEnd := expectedAt.Add(c.policy.LateWindow())
	count, err := c.executions.CountStartedBetween(entityKind, item.ID, windowStart, windowEnd)
	if err != nil {
		return err
	}
	if count >= item.ScheduledInstanceCount {
		return nil
	}

	suppressed, err := c.concurrencySuppressed(entityKind, item, expectedAt)
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	missing := item.ScheduledInstanceCount - count
	if missing < 1 {
		missing = 1
	}

	det, created, err := c.detections.CreateMissingExecutionIfAbsent(entityKind, item.ID, expectedAt, missing)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	c.logger.Infow("Detected missing scheduled execution",
		"entity_kind", entityKind,
		"entity_id", item.ID,
		"expected_at", expectedAt,
		"missing_count", missing)
	return c.dispatcher.DispatchDetection(ctx, det, missingSummary(item, expectedAt, missing), now)
}

func (c *ComplianceChecker) checkRate(ctx context.Context, entityKind string, item Checkable, expr *schedule.Expression, now time.Time) error {
	// The checked period ends MinConfirmDelay ago: a run due inside it has
	// had the full grace window to appear. Runs that started after the
	// period end but before now are late arrivals and still satisfy it.
	periodEnd := now.UTC().Add(-c.policy.MinConfirmDelay()).Truncate(time.Second)
	periodStart := expr.RelativeOffsetStart(periodEnd)

	// A freshly edited schedule has not aged a full period yet.
	if item.ScheduleUpdatedAt != nil && periodStart.Before(item.ScheduleUpdatedAt.UTC()) {
		return nil
	}

	// Chain from the previous detection: the next reportable period starts
	// one rate offset after the last one, so one outage produces one
	// detection per missed period rather than one per polling cycle.
	last, err := c.detections.LatestMissingExecution(entityKind, item.ID)
	if err != nil {
		return err
	}
	if last != nil && last.ExpectedAt != nil && periodEnd.Before(expr.Advance(*last.ExpectedAt)) {
		return nil
	}

	count, err := c.executions.CountStartedBetween(entityKind, item.ID, periodStart, now)
	if err != nil {
		return err
	}
	if count >= item.ScheduledInstanceCount {
		return nil
	}

	expectedAt := periodEnd

	suppressed, err := c.concurrencySuppressed(entityKind, item, expectedAt)
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	missing := item.ScheduledInstanceCount - count
	if missing < 1 {
		missing = 1
	}

	det, created, err := c.detections.CreateMissingExecutionIfAbsent(entityKind, item.ID, expectedAt, missing)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	c.logger.Infow("Detected missing rate-scheduled execution",
		"entity_kind", entityKind,
		"entity_id", item.ID,
		"expected_at", expectedAt,
		"missing_count", missing)
	return c.dispatcher.DispatchDetection(ctx, det, missingSummary(item, expectedAt, missing), now)
}

// concurrencySuppressed reports whether the expected run was legitimately
// held back because the entity was already at its concurrency cap
func (c *ComplianceChecker) concurrencySuppressed(entityKind string, item Checkable, expectedAt time.Time) (bool, error) {
	if item.MaxConcurrency == nil {
		return false, nil
	}
	overlapping, err := c.executions.CountOverlappingAt(entityKind, item.ID, expectedAt)
	if err != nil {
		return false, err
	}
	return overlapping >= *item.MaxConcurrency, nil
}

func missingSummary(item Checkable, expectedAt time.Time, missing int) string {
	if missing > 1 {
		return fmt.Sprintf("%s: %d scheduled executions missing, expected at %s",
			item.Name, missing, expectedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: scheduled execution missing, expected at %s",
		item.Name, expectedAt.Format(time.RFC3339))
}
