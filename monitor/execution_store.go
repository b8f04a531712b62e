package monitor

import (
	"database/sql"
	"time"

	"github.com/taskguard/taskguard/errors"
)

// ExecutionStore handles persistence of executions
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionSelectColumns = `id, entity_kind, entity_id, status, created_at,
	started_at, finished_at, marked_done_at, last_heartbeat_at,
	heartbeat_interval_seconds, stop_reason, skip_event_generation, updated_at`

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO executions (
			id, entity_kind, entity_id, status, created_at,
			started_at, finished_at, marked_done_at, last_heartbeat_at,
			heartbeat_interval_seconds, stop_reason, skip_event_generation, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.EntityKind,
		exec.EntityID,
		exec.Status,
		exec.CreatedAt.Format(time.RFC3339),
		timeValue(exec.StartedAt),
		timeValue(exec.FinishedAt),
		timeValue(exec.MarkedDoneAt),
		timeValue(exec.LastHeartbeatAt),
		intValue(exec.HeartbeatIntervalSeconds),
		exec.StopReason,
		exec.SkipEventGeneration,
		exec.UpdatedAt.Format(time.RFC3339),
	)
	return errors.Wrapf(err, "failed to create execution %s", exec.ID)
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionSelectColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// ListNonTerminal returns all executions in a non-terminal status
func (s *ExecutionStore) ListNonTerminal() ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT `+executionSelectColumns+`
		FROM executions
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC
	`, StatusStartedManually, StatusRunning, StatusStopping)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list non-terminal executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountStartedBetween counts an entity's executions that started inside
// [from, to], inclusive
func (s *ExecutionStore) CountStartedBetween(entityKind, entityID string, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions
		WHERE entity_kind = ? AND entity_id = ?
		  AND started_at IS NOT NULL AND started_at >= ? AND started_at <= ?
	`, entityKind, entityID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&count)
	return count, errors.Wrapf(err, "failed to count executions for %s %s", entityKind, entityID)
}

// CountOverlappingAt counts an entity's executions that were in flight at
// the given instant (started before it and not finished before it)
func (s *ExecutionStore) CountOverlappingAt(entityKind, entityID string, at time.Time) (int, error) {
	instant := at.UTC().Format(time.RFC3339)
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions
		WHERE entity_kind = ? AND entity_id = ?
		  AND started_at IS NOT NULL AND started_at <= ?
		  AND (finished_at IS NULL OR finished_at >= ?)
	`, entityKind, entityID, instant, instant).Scan(&count)
	return count, errors.Wrapf(err, "failed to count overlapping executions for %s %s", entityKind, entityID)
}

// CountLiveStartedBetween counts an entity's executions that started inside
// [from, to] and have not yet finished
func (s *ExecutionStore) CountLiveStartedBetween(entityKind, entityID string, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions
		WHERE entity_kind = ? AND entity_id = ?
		  AND started_at IS NOT NULL AND started_at >= ? AND started_at <= ?
		  AND finished_at IS NULL AND status IN (?, ?, ?)
	`, entityKind, entityID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		StatusStartedManually, StatusRunning, StatusStopping).Scan(&count)
	return count, errors.Wrapf(err, "failed to count live executions for %s %s", entityKind, entityID)
}

// CountConsecutiveSuccesses returns the number of most-recent terminal
// executions of the entity that succeeded, stopping at the first
// non-success. Used to decide whether a postponed failure has recovered.
func (s *ExecutionStore) CountConsecutiveSuccesses(entityKind, entityID string) (int, error) {
	rows, err := s.db.Query(`
		SELECT status FROM executions
		WHERE entity_kind = ? AND entity_id = ?
		  AND status IN (?, ?, ?, ?, ?)
		ORDER BY COALESCE(finished_at, marked_done_at, updated_at) DESC
		LIMIT 100
	`, entityKind, entityID,
		StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted, StatusAbandoned)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query terminal executions for %s %s", entityKind, entityID)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, errors.Wrap(err, "failed to scan execution status")
		}
		if status != StatusSucceeded {
			break
		}
		count++
	}
	return count, rows.Err()
}

// MarkStopping transitions an execution to stopping with the given reason
func (s *ExecutionStore) MarkStopping(id, stopReason string, markedDoneAt time.Time) error {
	return s.transition(id, StatusStopping, stopReason, &markedDoneAt, nil, false)
}

// MarkAbandoned transitions an execution to abandoned. finishedAt is set
// only when the checker gives up waiting for the process itself.
func (s *ExecutionStore) MarkAbandoned(id, stopReason string, markedDoneAt time.Time, finishedAt *time.Time, skipEvents bool) error {
	return s.transition(id, StatusAbandoned, stopReason, &markedDoneAt, finishedAt, skipEvents)
}

func (s *ExecutionStore) transition(id, status, stopReason string, markedDoneAt, finishedAt *time.Time, skipEvents bool) error {
	query := `UPDATE executions SET status = ?, updated_at = ?`
	args := []interface{}{status, time.Now().UTC().Format(time.RFC3339)}

	if stopReason != "" {
		query += `, stop_reason = ?`
		args = append(args, stopReason)
	}
	if markedDoneAt != nil {
		query += `, marked_done_at = ?`
		args = append(args, markedDoneAt.UTC().Format(time.RFC3339))
	}
	if finishedAt != nil {
		query += `, finished_at = ?`
		args = append(args, finishedAt.UTC().Format(time.RFC3339))
	}
	if skipEvents {
		query += `, skip_event_generation = 1`
	}

	// Terminal transitions are one-way: never overwrite a terminal status.
	query += ` WHERE id = ? AND status IN (?, ?, ?)`
	args = append(args, id, StatusStartedManually, StatusRunning, StatusStopping)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to transition execution %s to %s", id, status)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s is already terminal", id)
	}
	return nil
}

// RecordTerminalStatus persists a terminal outcome from the running process
func (s *ExecutionStore) RecordTerminalStatus(id, status string, finishedAt time.Time) error {
	if !IsTerminalStatus(status) {
		return errors.Newf("status %q is not terminal", status)
	}
	result, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, status, finishedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
		id, StatusStartedManually, StatusRunning, StatusStopping)
	if err != nil {
		return errors.Wrapf(err, "failed to record terminal status for execution %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s is already terminal", id)
	}
	return nil
}

// RecordHeartbeat updates an execution's last heartbeat time
func (s *ExecutionStore) RecordHeartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE executions SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	return errors.Wrapf(err, "failed to record heartbeat for execution %s", id)
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var startedAt, finishedAt, markedDoneAt, lastHeartbeatAt sql.NullString
	var heartbeatInterval sql.NullInt64
	var createdAt, updatedAt string

	if err := row.Scan(
		&exec.ID,
		&exec.EntityKind,
		&exec.EntityID,
		&exec.Status,
		&createdAt,
		&startedAt,
		&finishedAt,
		&markedDoneAt,
		&lastHeartbeatAt,
		&heartbeatInterval,
		&exec.StopReason,
		&exec.SkipEventGeneration,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if exec.StartedAt, err = nullableTimeField(startedAt, "started_at", exec.ID); err != nil {
		return nil, err
	}
	if exec.FinishedAt, err = nullableTimeField(finishedAt, "finished_at", exec.ID); err != nil {
		return nil, err
	}
	if exec.MarkedDoneAt, err = nullableTimeField(markedDoneAt, "marked_done_at", exec.ID); err != nil {
		return nil, err
	}
	if exec.LastHeartbeatAt, err = nullableTimeField(lastHeartbeatAt, "last_heartbeat_at", exec.ID); err != nil {
		return nil, err
	}
	exec.HeartbeatIntervalSeconds = nullableIntField(heartbeatInterval)

	if exec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ID)
	}
	if exec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ID)
	}

	return &exec, nil
}
