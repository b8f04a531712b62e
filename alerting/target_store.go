package alerting

import (
	"database/sql"
	"time"

	"github.com/taskguard/taskguard/errors"
)

// TargetStore handles persistence of alert targets and their rate-limit tiers
type TargetStore struct {
	db *sql.DB
}

// NewTargetStore creates a new target store
func NewTargetStore(db *sql.DB) *TargetStore {
	return &TargetStore{db: db}
}

// CreateTarget creates an alert target together with its tier sequence
func (s *TargetStore) CreateTarget(target *Target) error {
	if len(target.Tiers) > MaxTiers {
		return errors.Newf("target %s has %d tiers, max is %d", target.ID, len(target.Tiers), MaxTiers)
	}

	now := time.Now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin create target")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO alert_targets (id, name, kind, webhook_url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		target.ID,
		target.Name,
		target.Kind,
		target.WebhookURL,
		target.Enabled,
		target.CreatedAt.Format(time.RFC3339),
		target.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create alert target %s", target.ID)
	}

	for i, tier := range target.Tiers {
		var maxSeverity interface{}
		if tier.MaxSeverity != nil {
			maxSeverity = string(*tier.MaxSeverity)
		}
		startedAt := tier.PeriodStartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		_, err = tx.Exec(`
			INSERT INTO rate_limit_tiers (
				target_id, tier_index, max_requests_per_period,
				period_seconds, max_severity, period_started_at, request_count_in_period
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			target.ID,
			i,
			tier.MaxRequestsPerPeriod,
			tier.PeriodSeconds,
			maxSeverity,
			startedAt.Format(time.RFC3339),
			tier.RequestCountInPeriod,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to create tier %d for target %s", i, target.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit create target")
}

// GetTarget retrieves an alert target with its tiers
func (s *TargetStore) GetTarget(id string) (*Target, error) {
	var target Target
	var createdAt, updatedAt string

	err := s.db.QueryRow(`
		SELECT id, name, kind, webhook_url, enabled, created_at, updated_at
		FROM alert_targets
		WHERE id = ?
	`, id).Scan(
		&target.ID,
		&target.Name,
		&target.Kind,
		&target.WebhookURL,
		&target.Enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "alert target %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get alert target %s", id)
	}

	target.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for target %s", id)
	}
	target.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for target %s", id)
	}

	target.Tiers, err = s.loadTiers(id)
	if err != nil {
		return nil, err
	}

	return &target, nil
}

func (s *TargetStore) loadTiers(targetID string) ([]Tier, error) {
	rows, err := s.db.Query(`
		SELECT tier_index, max_requests_per_period, period_seconds,
		       max_severity, period_started_at, request_count_in_period
		FROM rate_limit_tiers
		WHERE target_id = ?
		ORDER BY tier_index ASC
	`, targetID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tiers for target %s", targetID)
	}
	defer rows.Close()

	var tiers []Tier
	for rows.Next() {
		var tier Tier
		var tierIndex int
		var maxSeverity sql.NullString
		var periodStartedAt string

		if err := rows.Scan(
			&tierIndex,
			&tier.MaxRequestsPerPeriod,
			&tier.PeriodSeconds,
			&maxSeverity,
			&periodStartedAt,
			&tier.RequestCountInPeriod,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to scan tier for target %s", targetID)
		}

		if maxSeverity.Valid {
			sev := Severity(maxSeverity.String)
			tier.MaxSeverity = &sev
		}
		tier.PeriodStartedAt, err = time.Parse(time.RFC3339, periodStartedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse period_started_at for target %s tier %d", targetID, tierIndex)
		}

		tiers = append(tiers, tier)
	}

	return tiers, rows.Err()
}

// AttachTarget associates a target with a schedulable entity at the given
// position, with the entity's severity for missing-execution alerts
func (s *TargetStore) AttachTarget(entityKind, entityID, targetID string, position int, missingExecutionSeverity Severity) error {
	_, err := s.db.Exec(`
		INSERT INTO entity_alert_targets (entity_kind, entity_id, target_id, position, missing_execution_severity)
		VALUES (?, ?, ?, ?, ?)
	`, entityKind, entityID, targetID, position, string(missingExecutionSeverity))
	return errors.Wrapf(err, "failed to attach target %s to %s %s", targetID, entityKind, entityID)
}

// ListTargetsForEntity returns the enabled targets associated with an entity,
// in position order, each with its per-entity missing-execution severity
func (s *TargetStore) ListTargetsForEntity(entityKind, entityID string) ([]*EntityTarget, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.kind, t.webhook_url, t.enabled, t.created_at, t.updated_at,
		       e.position, e.missing_execution_severity
		FROM entity_alert_targets e
		JOIN alert_targets t ON t.id = e.target_id
		WHERE e.entity_kind = ? AND e.entity_id = ? AND t.enabled = 1
		ORDER BY e.position ASC
	`, entityKind, entityID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list targets for %s %s", entityKind, entityID)
	}
	defer rows.Close()

	// Collect first, load tiers after: the tier query must not run while the
	// target cursor still holds a connection.
	var targets []*EntityTarget
	for rows.Next() {
		var et EntityTarget
		var createdAt, updatedAt, severity string

		if err := rows.Scan(
			&et.ID,
			&et.Name,
			&et.Kind,
			&et.WebhookURL,
			&et.Enabled,
			&createdAt,
			&updatedAt,
			&et.Position,
			&severity,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to scan target for %s %s", entityKind, entityID)
		}

		et.MissingExecutionSeverity = Severity(severity)
		et.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at for target %s", et.ID)
		}
		et.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse updated_at for target %s", et.ID)
		}

		targets = append(targets, &et)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to list targets for %s %s", entityKind, entityID)
	}
	rows.Close()

	for _, et := range targets {
		if et.Tiers, err = s.loadTiers(et.ID); err != nil {
			return nil, err
		}
	}

	return targets, nil
}

// SaveTierState persists a tier's counter state after the Limiter mutates it
func (s *TargetStore) SaveTierState(targetID string, tierIndex int, periodStartedAt time.Time, requestCount int) error {
	result, err := s.db.Exec(`
		UPDATE rate_limit_tiers
		SET period_started_at = ?, request_count_in_period = ?
		WHERE target_id = ? AND tier_index = ?
	`, periodStartedAt.Format(time.RFC3339), requestCount, targetID, tierIndex)
	if err != nil {
		return errors.Wrapf(err, "failed to save tier %d state for target %s", tierIndex, targetID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "tier %d for target %s", tierIndex, targetID)
	}

	return nil
}
