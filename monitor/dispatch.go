package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/alerting"
)

// GroupingKey builds the deduplication key for an event: the event kind, the
// entity, and the occurrence time truncated to the minute. Two events for the
// same condition within the same minute share a key.
func GroupingKey(kind, entityID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", kind, entityID, at.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

// Dispatcher fans an event out to every enabled target associated with the
// event's entity, recording one alert row per target with the delivery
// outcome. Delivery failures are isolated per target: one unreachable
// webhook never blocks the remaining targets.
type Dispatcher struct {
	targets *alerting.TargetStore
	alerts  *alerting.AlertStore
	limiter *alerting.Limiter
	logger  *zap.SugaredLogger
}

// NewDispatcher creates an alert dispatcher
func NewDispatcher(targets *alerting.TargetStore, alerts *alerting.AlertStore, limiter *alerting.Limiter, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		alerts:  alerts,
		limiter: limiter,
		logger:  logger,
	}
}

// DispatchDetection sends a detection to the entity's targets. The severity
// comes from each target association; a target whose association carries no
// severity is skipped for detections entirely.
func (d *Dispatcher) DispatchDetection(ctx context.Context, det *Detection, summary string, asOf time.Time) error {
	targets, err := d.targets.ListTargetsForEntity(det.EntityKind, det.EntityID)
	if err != nil {
		return err
	}

	// Thread on the occurrence the detection is about, not the pass that
	// noticed it; passes in different minutes still share the key.
	keyAt := asOf
	if det.ExpectedAt != nil {
		keyAt = *det.ExpectedAt
	}
	key := GroupingKey(det.Kind, det.EntityID, keyAt)
	for _, et := range targets {
		if et.MissingExecutionSeverity == "" {
			continue
		}
		event := alerting.Event{
			Kind:        det.Kind,
			Severity:    et.MissingExecutionSeverity,
			GroupingKey: key,
			Summary:     summary,
			EntityKind:  det.EntityKind,
			EntityID:    det.EntityID,
			OccurredAt:  asOf,
		}
		d.deliver(ctx, &et.Target, event, det.ID, det.ExecutionID, det.Kind, asOf)
	}
	return nil
}

// DispatchStatusChange sends an execution status-change event to the
// entity's targets at the given severity
func (d *Dispatcher) DispatchStatusChange(ctx context.Context, entityKind, entityID, executionID, track string, severity alerting.Severity, summary string, asOf time.Time) error {
	targets, err := d.targets.ListTargetsForEntity(entityKind, entityID)
	if err != nil {
		return err
	}

	key := GroupingKey(track, entityID, asOf)
	for _, et := range targets {
		event := alerting.Event{
			Kind:        track,
			Severity:    severity,
			GroupingKey: key,
			Summary:     summary,
			EntityKind:  entityKind,
			EntityID:    entityID,
			OccurredAt:  asOf,
		}
		d.deliver(ctx, &et.Target, event, "", executionID, track, asOf)
	}
	return nil
}

// deliver creates the per-target alert row, attempts the send through the
// rate limiter, and records the outcome. Never returns: failures are logged
// and recorded so the caller moves on to the next target.
func (d *Dispatcher) deliver(ctx context.Context, target *alerting.Target, event alerting.Event, detectionID, executionID, track string, asOf time.Time) {
	at := asOf.UTC()
	record := &alerting.StatusChangeAlert{
		EntityKind:  event.EntityKind,
		EntityID:    event.EntityID,
		DetectionID: detectionID,
		ExecutionID: executionID,
		TargetID:    target.ID,
		Track:       track,
		Severity:    event.Severity,
		GroupingKey: event.GroupingKey,
		Summary:     event.Summary,
		TriggeredAt: &at,
	}
	if err := d.alerts.CreateAlert(record); err != nil {
		d.logger.Warnw("Failed to create alert record",
			"target_id", target.ID,
			"entity_kind", event.EntityKind,
			"entity_id", event.EntityID,
			"error", err)
		return
	}

	err := d.limiter.SendIfNotRateLimited(ctx, target, event, asOf)
	outcome := alerting.SendOutcomeSucceeded
	diagnostic := ""
	if err != nil {
		outcome = alerting.SendOutcomeFailed
		diagnostic = err.Error()
		if alerting.IsRateLimited(err) {
			d.logger.Debugw("Alert suppressed by rate limit",
				"target_id", target.ID,
				"grouping_key", event.GroupingKey)
		} else {
			d.logger.Warnw("Alert delivery failed",
				"target_id", target.ID,
				"grouping_key", event.GroupingKey,
				"error", err)
		}
	}

	if err := d.alerts.RecordSendOutcome(record.ID, outcome, diagnostic); err != nil {
		d.logger.Warnw("Failed to record send outcome",
			"alert_id", record.ID,
			"error", err)
	}
}
