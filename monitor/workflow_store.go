package monitor

import (
	"database/sql"
	"time"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/errors"
)

// WorkflowStore handles persistence of workflows
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a new workflow store
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

const workflowSelectColumns = `id, name, enabled, schedule, schedule_updated_at,
	max_concurrency, scheduled_instance_count,
	postpone_window_seconds, max_postponed_failure_count, required_success_count_to_clear,
	failure_severity, timeout_severity, success_severity, created_at, updated_at`

// CreateWorkflow creates a new workflow
func (s *WorkflowStore) CreateWorkflow(wf *Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.ScheduledInstanceCount == 0 {
		wf.ScheduledInstanceCount = 1
	}
	if wf.Postpone.RequiredSuccessCount == 0 {
		wf.Postpone.RequiredSuccessCount = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO workflows (
			id, name, enabled, schedule, schedule_updated_at,
			max_concurrency, scheduled_instance_count,
			postpone_window_seconds, max_postponed_failure_count, required_success_count_to_clear,
			failure_severity, timeout_severity, success_severity, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		wf.ID,
		wf.Name,
		wf.Enabled,
		wf.Schedule,
		timeValue(wf.ScheduleUpdatedAt),
		intValue(wf.MaxConcurrency),
		wf.ScheduledInstanceCount,
		intValue(wf.Postpone.WindowSeconds),
		intValue(wf.Postpone.MaxFailureCount),
		wf.Postpone.RequiredSuccessCount,
		string(wf.FailureSeverity),
		string(wf.TimeoutSeverity),
		string(wf.SuccessSeverity),
		wf.CreatedAt.Format(time.RFC3339),
		wf.UpdatedAt.Format(time.RFC3339),
	)
	return errors.Wrapf(err, "failed to create workflow %s", wf.ID)
}

// GetWorkflow retrieves a workflow by ID
func (s *WorkflowStore) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowSelectColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "workflow %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get workflow %s", id)
	}
	return wf, nil
}

// ListEnabledScheduled returns enabled workflows with a non-blank schedule
func (s *WorkflowStore) ListEnabledScheduled() ([]*Workflow, error) {
	rows, err := s.db.Query(`SELECT ` + workflowSelectColumns + ` FROM workflows WHERE enabled = 1 AND schedule != '' ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var scheduleUpdatedAt sql.NullString
	var maxConcurrency, postponeWindow, maxPostponedFailures sql.NullInt64
	var failureSeverity, timeoutSeverity, successSeverity string
	var createdAt, updatedAt string

	if err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.Enabled,
		&wf.Schedule,
		&scheduleUpdatedAt,
		&maxConcurrency,
		&wf.ScheduledInstanceCount,
		&postponeWindow,
		&maxPostponedFailures,
		&wf.Postpone.RequiredSuccessCount,
		&failureSeverity,
		&timeoutSeverity,
		&successSeverity,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if wf.ScheduleUpdatedAt, err = nullableTimeField(scheduleUpdatedAt, "schedule_updated_at", wf.ID); err != nil {
		return nil, err
	}
	wf.MaxConcurrency = nullableIntField(maxConcurrency)
	wf.Postpone.WindowSeconds = nullableIntField(postponeWindow)
	wf.Postpone.MaxFailureCount = nullableIntField(maxPostponedFailures)
	wf.FailureSeverity = alerting.Severity(failureSeverity)
	wf.TimeoutSeverity = alerting.Severity(timeoutSeverity)
	wf.SuccessSeverity = alerting.Severity(successSeverity)

	if wf.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for workflow %s", wf.ID)
	}
	if wf.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for workflow %s", wf.ID)
	}

	return &wf, nil
}
