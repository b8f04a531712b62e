package monitor

import (
	"database/sql"
	"time"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/errors"
)

// TaskStore handles persistence of tasks
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new task store
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskSelectColumns = `id, name, enabled, schedule, schedule_updated_at,
	max_concurrency, scheduled_instance_count, min_instance_count, last_deployed_at,
	max_age_seconds, start_alert_threshold_seconds, start_abandonment_threshold_seconds,
	heartbeat_alert_threshold_seconds, heartbeat_abandonment_threshold_seconds,
	postpone_window_seconds, max_postponed_failure_count, required_success_count_to_clear,
	failure_severity, timeout_severity, success_severity, created_at, updated_at`

// CreateTask creates a new task
func (s *TaskStore) CreateTask(task *Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.ScheduledInstanceCount == 0 {
		task.ScheduledInstanceCount = 1
	}
	if task.Postpone.RequiredSuccessCount == 0 {
		task.Postpone.RequiredSuccessCount = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (
			id, name, enabled, schedule, schedule_updated_at,
			max_concurrency, scheduled_instance_count, min_instance_count, last_deployed_at,
			max_age_seconds, start_alert_threshold_seconds, start_abandonment_threshold_seconds,
			heartbeat_alert_threshold_seconds, heartbeat_abandonment_threshold_seconds,
			postpone_window_seconds, max_postponed_failure_count, required_success_count_to_clear,
			failure_severity, timeout_severity, success_severity, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Name,
		task.Enabled,
		task.Schedule,
		timeValue(task.ScheduleUpdatedAt),
		intValue(task.MaxConcurrency),
		task.ScheduledInstanceCount,
		intValue(task.MinInstanceCount),
		timeValue(task.LastDeployedAt),
		intValue(task.MaxAgeSeconds),
		task.StartAlertThresholdSeconds,
		task.StartAbandonmentThresholdSeconds,
		task.HeartbeatAlertThresholdSeconds,
		task.HeartbeatAbandonmentThresholdSeconds,
		intValue(task.Postpone.WindowSeconds),
		intValue(task.Postpone.MaxFailureCount),
		task.Postpone.RequiredSuccessCount,
		string(task.FailureSeverity),
		string(task.TimeoutSeverity),
		string(task.SuccessSeverity),
		task.CreatedAt.Format(time.RFC3339),
		task.UpdatedAt.Format(time.RFC3339),
	)
	return errors.Wrapf(err, "failed to create task %s", task.ID)
}

// GetTask retrieves a task by ID
func (s *TaskStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "task %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return task, nil
}

// ListEnabledScheduled returns enabled tasks with a non-blank schedule
func (s *TaskStore) ListEnabledScheduled() ([]*Task, error) {
	return s.listWhere(`enabled = 1 AND schedule != ''`)
}

// ListEnabledServices returns enabled tasks configured as services
func (s *TaskStore) ListEnabledServices() ([]*Task, error) {
	return s.listWhere(`enabled = 1 AND min_instance_count IS NOT NULL`)
}

func (s *TaskStore) listWhere(where string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskSelectColumns + ` FROM tasks WHERE ` + where + ` ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetLastDeployedAt records a service redeploy time
func (s *TaskStore) SetLastDeployedAt(id string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE tasks SET last_deployed_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set last_deployed_at for task %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "task %s", id)
	}
	return nil
}

// UpdateSchedule changes a task's schedule and bumps schedule_updated_at so
// compliance checks never fire for occurrences predating the new schedule
func (s *TaskStore) UpdateSchedule(id, schedule string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE tasks SET schedule = ?, schedule_updated_at = ?, updated_at = ? WHERE id = ?
	`, schedule, at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule for task %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "task %s", id)
	}
	return nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var scheduleUpdatedAt, lastDeployedAt sql.NullString
	var maxConcurrency, minInstanceCount, maxAgeSeconds sql.NullInt64
	var postponeWindow, maxPostponedFailures sql.NullInt64
	var failureSeverity, timeoutSeverity, successSeverity string
	var createdAt, updatedAt string

	if err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Enabled,
		&task.Schedule,
		&scheduleUpdatedAt,
		&maxConcurrency,
		&task.ScheduledInstanceCount,
		&minInstanceCount,
		&lastDeployedAt,
		&maxAgeSeconds,
		&task.StartAlertThresholdSeconds,
		&task.StartAbandonmentThresholdSeconds,
		&task.HeartbeatAlertThresholdSeconds,
		&task.HeartbeatAbandonmentThresholdSeconds,
		&postponeWindow,
		&maxPostponedFailures,
		&task.Postpone.RequiredSuccessCount,
		&failureSeverity,
		&timeoutSeverity,
		&successSeverity,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if task.ScheduleUpdatedAt, err = nullableTimeField(scheduleUpdatedAt, "schedule_updated_at", task.ID); err != nil {
		return nil, err
	}
	if task.LastDeployedAt, err = nullableTimeField(lastDeployedAt, "last_deployed_at", task.ID); err != nil {
		return nil, err
	}
	task.MaxConcurrency = nullableIntField(maxConcurrency)
	task.MinInstanceCount = nullableIntField(minInstanceCount)
	task.MaxAgeSeconds = nullableIntField(maxAgeSeconds)
	task.Postpone.WindowSeconds = nullableIntField(postponeWindow)
	task.Postpone.MaxFailureCount = nullableIntField(maxPostponedFailures)
	task.FailureSeverity = alerting.Severity(failureSeverity)
	task.TimeoutSeverity = alerting.Severity(timeoutSeverity)
	task.SuccessSeverity = alerting.Severity(successSeverity)

	if task.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for task %s", task.ID)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for task %s", task.ID)
	}

	return &task, nil
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullableTimeField(ns sql.NullString, column, id string) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s for %s", column, id)
	}
	return &t, nil
}

func nullableIntField(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func intValue(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
