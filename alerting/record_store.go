package alerting

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/taskguard/taskguard/errors"
)

// AlertStore handles persistence of status-change alert records
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates a new alert record store
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertSelectColumns = `id, entity_kind, entity_id, detection_id, execution_id, target_id,
	track, severity, grouping_key, summary,
	postponed_until, postponed_repeat_count, triggered_at, resolved_at,
	send_outcome, send_diagnostic, created_at, updated_at`

// CreateAlert inserts a new alert record, assigning an ID if unset
func (s *AlertStore) CreateAlert(a *StatusChangeAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO status_change_alerts (
			id, entity_kind, entity_id, detection_id, execution_id, target_id,
			track, severity, grouping_key, summary,
			postponed_until, postponed_repeat_count, triggered_at, resolved_at,
			send_outcome, send_diagnostic, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.EntityKind,
		a.EntityID,
		nullableString(a.DetectionID),
		nullableString(a.ExecutionID),
		nullableString(a.TargetID),
		a.Track,
		string(a.Severity),
		a.GroupingKey,
		a.Summary,
		nullableTime(a.PostponedUntil),
		a.PostponedRepeatCount,
		nullableTime(a.TriggeredAt),
		nullableTime(a.ResolvedAt),
		a.SendOutcome,
		a.SendDiagnostic,
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	return errors.Wrapf(err, "failed to create alert record %s", a.ID)
}

// GetAlert retrieves an alert record by ID
func (s *AlertStore) GetAlert(id string) (*StatusChangeAlert, error) {
	row := s.db.QueryRow(`SELECT `+alertSelectColumns+` FROM status_change_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "alert record %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get alert record %s", id)
	}
	return a, nil
}

// FindOutstandingPostponed returns the postponed, not-yet-decided alert for
// an entity and track, or nil when none is outstanding
func (s *AlertStore) FindOutstandingPostponed(entityKind, entityID, track string) (*StatusChangeAlert, error) {
	row := s.db.QueryRow(`
		SELECT `+alertSelectColumns+`
		FROM status_change_alerts
		WHERE entity_kind = ? AND entity_id = ? AND track = ?
		  AND postponed_until IS NOT NULL AND triggered_at IS NULL AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, entityKind, entityID, track)

	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to find outstanding postponed alert for %s %s", entityKind, entityID)
	}
	return a, nil
}

// FindByExecutionAndTrack returns the alert already recorded for an
// execution's terminal status, or nil. Used for idempotence: re-persisting
// the same terminal status must not create a second event.
func (s *AlertStore) FindByExecutionAndTrack(executionID, track string) (*StatusChangeAlert, error) {
	row := s.db.QueryRow(`
		SELECT `+alertSelectColumns+`
		FROM status_change_alerts
		WHERE execution_id = ? AND track = ?
		LIMIT 1
	`, executionID, track)

	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to find alert for execution %s", executionID)
	}
	return a, nil
}

// ListPostponedDue returns all outstanding postponed alerts whose window
// has elapsed as of asOf, oldest first
func (s *AlertStore) ListPostponedDue(asOf time.Time) ([]*StatusChangeAlert, error) {
	rows, err := s.db.Query(`
		SELECT `+alertSelectColumns+`
		FROM status_change_alerts
		WHERE postponed_until IS NOT NULL AND postponed_until <= ?
		  AND triggered_at IS NULL AND resolved_at IS NULL
		ORDER BY postponed_until ASC
	`, asOf.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due postponed alerts")
	}
	defer rows.Close()

	var alerts []*StatusChangeAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan postponed alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// IncrementPostponedRepeat bumps the repeat counter of an outstanding
// postponed alert and returns the new count. Runs in its own transaction so
// two concurrent status writes cannot read the same counter value.
func (s *AlertStore) IncrementPostponedRepeat(id string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin increment repeat")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE status_change_alerts
		SET postponed_repeat_count = postponed_repeat_count + 1, updated_at = ?
		WHERE id = ? AND triggered_at IS NULL AND resolved_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment repeat count for alert %s", id)
	}

	var count int
	if err := tx.QueryRow(`SELECT postponed_repeat_count FROM status_change_alerts WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, errors.Wrapf(err, "failed to read repeat count for alert %s", id)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit increment repeat")
	}
	return count, nil
}

// MarkTriggered progresses a postponed alert to triggered
func (s *AlertStore) MarkTriggered(id string, at time.Time) error {
	return s.progressAlert(id, "triggered_at", at)
}

// MarkResolved progresses a postponed alert to resolved
func (s *AlertStore) MarkResolved(id string, at time.Time) error {
	return s.progressAlert(id, "resolved_at", at)
}

// progressAlert sets exactly one of triggered_at/resolved_at, refusing to
// overwrite a decision that was already made
func (s *AlertStore) progressAlert(id, column string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE status_change_alerts
		SET `+column+` = ?, updated_at = ?
		WHERE id = ? AND triggered_at IS NULL AND resolved_at IS NULL
	`, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update alert %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "alert %s already decided", id)
	}
	return nil
}

// RecordSendOutcome stores the success/failure of a delivery attempt
func (s *AlertStore) RecordSendOutcome(id, outcome, diagnostic string) error {
	_, err := s.db.Exec(`
		UPDATE status_change_alerts
		SET send_outcome = ?, send_diagnostic = ?, updated_at = ?
		WHERE id = ?
	`, outcome, TruncateDiagnostic(diagnostic), time.Now().UTC().Format(time.RFC3339), id)
	return errors.Wrapf(err, "failed to record send outcome for alert %s", id)
}

// rowScanner abstracts sql.Row and sql.Rows for scanAlert
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*StatusChangeAlert, error) {
	var a StatusChangeAlert
	var detectionID, executionID, targetID sql.NullString
	var postponedUntil, triggeredAt, resolvedAt sql.NullString
	var severity, createdAt, updatedAt string

	if err := row.Scan(
		&a.ID,
		&a.EntityKind,
		&a.EntityID,
		&detectionID,
		&executionID,
		&targetID,
		&a.Track,
		&severity,
		&a.GroupingKey,
		&a.Summary,
		&postponedUntil,
		&a.PostponedRepeatCount,
		&triggeredAt,
		&resolvedAt,
		&a.SendOutcome,
		&a.SendDiagnostic,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	a.Severity = Severity(severity)
	if detectionID.Valid {
		a.DetectionID = detectionID.String
	}
	if executionID.Valid {
		a.ExecutionID = executionID.String
	}
	if targetID.Valid {
		a.TargetID = targetID.String
	}

	var err error
	if a.PostponedUntil, err = parseNullableTime(postponedUntil, "postponed_until", a.ID); err != nil {
		return nil, err
	}
	if a.TriggeredAt, err = parseNullableTime(triggeredAt, "triggered_at", a.ID); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = parseNullableTime(resolvedAt, "resolved_at", a.ID); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for alert %s", a.ID)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for alert %s", a.ID)
	}

	return &a, nil
}

func parseNullableTime(ns sql.NullString, column, id string) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s for alert %s", column, id)
	}
	return &t, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
