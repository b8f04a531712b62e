package monitor

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/taskguard/taskguard/errors"
)

// DetectionStore handles persistence of detections.
//
// The dedup decisions here are the invariant to protect: at most one
// unresolved detection per entity-and-logical-occurrence. Every
// create-if-absent runs its read and write inside one transaction scoped to
// the entity being checked, so a polling pass racing another pass (or a
// status write) cannot both conclude "no existing detection" and both
// create one.
type DetectionStore struct {
	db *sql.DB
}

// NewDetectionStore creates a new detection store
func NewDetectionStore(db *sql.DB) *DetectionStore {
	return &DetectionStore{db: db}
}

const detectionSelectColumns = `id, kind, entity_kind, entity_id, expected_at, missing_count,
	detected_concurrency, required_concurrency, interval_start, interval_end,
	execution_id, resolved_at, resolved_by, created_at`

// CreateMissingExecutionIfAbsent records a missing occurrence unless a
// detection already exists for exactly this expected time, so each missed
// occurrence yields one detection no matter how many passes observe it.
// The new detection supersedes any prior unresolved missing-execution
// detection for the entity, keeping at most one unresolved across a
// multi-period outage. Returns the detection and whether it was created by
// this call.
func (s *DetectionStore) CreateMissingExecutionIfAbsent(entityKind, entityID string, expectedAt time.Time, missingCount int) (*Detection, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, errors.Wrap(err, "begin create missing detection")
	}
	defer tx.Rollback()

	existing, err := scanDetection(tx.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE entity_kind = ? AND entity_id = ? AND kind = ? AND expected_at = ?
		LIMIT 1
	`, entityKind, entityID, KindMissingExecution, expectedAt.UTC().Format(time.RFC3339)))
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrapf(err, "failed to check existing detection for %s %s", entityKind, entityID)
	}

	det := &Detection{
		ID:           uuid.NewString(),
		Kind:         KindMissingExecution,
		EntityKind:   entityKind,
		EntityID:     entityID,
		ExpectedAt:   timePtrUTC(expectedAt),
		MissingCount: &missingCount,
		CreatedAt:    time.Now().UTC(),
	}
	if err := insertDetection(tx, det); err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(`
		UPDATE detections
		SET resolved_at = ?, resolved_by = ?
		WHERE entity_kind = ? AND entity_id = ? AND kind = ?
		  AND resolved_at IS NULL AND id != ?
	`, det.CreatedAt.Format(time.RFC3339), det.ID, entityKind, entityID, KindMissingExecution, det.ID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to supersede prior missing detections for %s %s", entityKind, entityID)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit create missing detection")
	}
	return det, true, nil
}

// CreateConcurrencyIfAbsent records an insufficient-concurrency condition
// unless one is already unresolved for the task
func (s *DetectionStore) CreateConcurrencyIfAbsent(entityKind, entityID string, detected, required int, intervalStart, intervalEnd time.Time) (*Detection, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, errors.Wrap(err, "begin create concurrency detection")
	}
	defer tx.Rollback()

	existing, err := scanDetection(tx.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE entity_kind = ? AND entity_id = ? AND kind = ? AND resolved_at IS NULL
		LIMIT 1
	`, entityKind, entityID, KindInsufficientConcurrency))
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrapf(err, "failed to check existing concurrency detection for %s %s", entityKind, entityID)
	}

	det := &Detection{
		ID:                  uuid.NewString(),
		Kind:                KindInsufficientConcurrency,
		EntityKind:          entityKind,
		EntityID:            entityID,
		DetectedConcurrency: &detected,
		RequiredConcurrency: &required,
		IntervalStart:       timePtrUTC(intervalStart),
		IntervalEnd:         timePtrUTC(intervalEnd),
		CreatedAt:           time.Now().UTC(),
	}
	if err := insertDetection(tx, det); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit create concurrency detection")
	}
	return det, true, nil
}

// CreateExecutionConditionIfAbsent records a delayed-start or
// missing-heartbeat condition for an execution unless one is already
// unresolved for that execution and kind
func (s *DetectionStore) CreateExecutionConditionIfAbsent(kind, entityKind, entityID, executionID string) (*Detection, bool, error) {
	if kind != KindDelayedStart && kind != KindMissingHeartbeat {
		return nil, false, errors.Newf("kind %q is not an execution condition", kind)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, errors.Wrap(err, "begin create execution condition")
	}
	defer tx.Rollback()

	existing, err := scanDetection(tx.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE kind = ? AND execution_id = ? AND resolved_at IS NULL
		LIMIT 1
	`, kind, executionID))
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrapf(err, "failed to check existing %s detection for execution %s", kind, executionID)
	}

	det := &Detection{
		ID:          uuid.NewString(),
		Kind:        kind,
		EntityKind:  entityKind,
		EntityID:    entityID,
		ExecutionID: executionID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertDetection(tx, det); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit create execution condition")
	}
	return det, true, nil
}

// FindUnresolved returns the unresolved detection of the given kind for an
// entity, or nil
func (s *DetectionStore) FindUnresolved(entityKind, entityID, kind string) (*Detection, error) {
	det, err := scanDetection(s.db.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE entity_kind = ? AND entity_id = ? AND kind = ? AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, entityKind, entityID, kind))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to find unresolved %s detection for %s %s", kind, entityKind, entityID)
	}
	return det, nil
}

// FindUnresolvedForExecution returns the unresolved detection of the given
// kind referencing an execution, or nil
func (s *DetectionStore) FindUnresolvedForExecution(kind, executionID string) (*Detection, error) {
	det, err := scanDetection(s.db.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE kind = ? AND execution_id = ? AND resolved_at IS NULL
		LIMIT 1
	`, kind, executionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to find unresolved %s detection for execution %s", kind, executionID)
	}
	return det, nil
}

// LatestMissingExecution returns the entity's most recent missing-execution
// detection by expected time, resolved or not, or nil. Rate schedules chain
// forward from this record rather than from now.
func (s *DetectionStore) LatestMissingExecution(entityKind, entityID string) (*Detection, error) {
	det, err := scanDetection(s.db.QueryRow(`
		SELECT `+detectionSelectColumns+`
		FROM detections
		WHERE entity_kind = ? AND entity_id = ? AND kind = ?
		ORDER BY expected_at DESC
		LIMIT 1
	`, entityKind, entityID, KindMissingExecution))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to find latest missing-execution detection for %s %s", entityKind, entityID)
	}
	return det, nil
}

// Resolve creates the resolving detection and marks the original resolved
// by it, in one transaction
func (s *DetectionStore) Resolve(originalID string, resolving *Detection) error {
	if resolving.ID == "" {
		resolving.ID = uuid.NewString()
	}
	if resolving.CreatedAt.IsZero() {
		resolving.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin resolve detection")
	}
	defer tx.Rollback()

	if err := insertDetection(tx, resolving); err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE detections
		SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL
	`, resolving.CreatedAt.Format(time.RFC3339), resolving.ID, originalID)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve detection %s", originalID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "detection %s already resolved", originalID)
	}

	return errors.Wrap(tx.Commit(), "commit resolve detection")
}

func insertDetection(tx *sql.Tx, det *Detection) error {
	_, err := tx.Exec(`
		INSERT INTO detections (
			id, kind, entity_kind, entity_id, expected_at, missing_count,
			detected_concurrency, required_concurrency, interval_start, interval_end,
			execution_id, resolved_at, resolved_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		det.ID,
		det.Kind,
		det.EntityKind,
		det.EntityID,
		timeValue(det.ExpectedAt),
		intValue(det.MissingCount),
		intValue(det.DetectedConcurrency),
		intValue(det.RequiredConcurrency),
		timeValue(det.IntervalStart),
		timeValue(det.IntervalEnd),
		nullableID(det.ExecutionID),
		timeValue(det.ResolvedAt),
		nullableID(det.ResolvedBy),
		det.CreatedAt.Format(time.RFC3339),
	)
	return errors.Wrapf(err, "failed to insert detection %s", det.ID)
}

func scanDetection(row rowScanner) (*Detection, error) {
	var det Detection
	var expectedAt, intervalStart, intervalEnd, resolvedAt sql.NullString
	var missingCount, detectedConcurrency, requiredConcurrency sql.NullInt64
	var executionID, resolvedBy sql.NullString
	var createdAt string

	if err := row.Scan(
		&det.ID,
		&det.Kind,
		&det.EntityKind,
		&det.EntityID,
		&expectedAt,
		&missingCount,
		&detectedConcurrency,
		&requiredConcurrency,
		&intervalStart,
		&intervalEnd,
		&executionID,
		&resolvedAt,
		&resolvedBy,
		&createdAt,
	); err != nil {
		return nil, err
	}

	var err error
	if det.ExpectedAt, err = nullableTimeField(expectedAt, "expected_at", det.ID); err != nil {
		return nil, err
	}
	if det.IntervalStart, err = nullableTimeField(intervalStart, "interval_start", det.ID); err != nil {
		return nil, err
	}
	if det.IntervalEnd, err = nullableTimeField(intervalEnd, "interval_end", det.ID); err != nil {
		return nil, err
	}
	if det.ResolvedAt, err = nullableTimeField(resolvedAt, "resolved_at", det.ID); err != nil {
		return nil, err
	}
	det.MissingCount = nullableIntField(missingCount)
	det.DetectedConcurrency = nullableIntField(detectedConcurrency)
	det.RequiredConcurrency = nullableIntField(requiredConcurrency)
	if executionID.Valid {
		det.ExecutionID = executionID.String
	}
	if resolvedBy.Valid {
		det.ResolvedBy = resolvedBy.String
	}

	if det.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for detection %s", det.ID)
	}

	return &det, nil
}

func timePtrUTC(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func nullableID(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
