package monitor

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/config"
	tgtesting "github.com/taskguard/taskguard/internal/testing"
)

// testEnv wires the full monitoring stack over an in-memory database
type testEnv struct {
	db         *sql.DB
	tasks      *TaskStore
	workflows  *WorkflowStore
	executions *ExecutionStore
	detections *DetectionStore
	targets    *alerting.TargetStore
	alerts     *alerting.AlertStore
	dispatcher *Dispatcher
	postpone   *PostponementCoordinator
	policy     config.PolicyConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := tgtesting.CreateTestDB(t)
	logger := zap.NewNop().Sugar()

	env := &testEnv{
		db:         conn,
		tasks:      NewTaskStore(conn),
		workflows:  NewWorkflowStore(conn),
		executions: NewExecutionStore(conn),
		detections: NewDetectionStore(conn),
		targets:    alerting.NewTargetStore(conn),
		alerts:     alerting.NewAlertStore(conn),
		policy:     config.Default().Policy,
	}

	registry := alerting.NewDefaultRegistry(logger)
	limiter := alerting.NewLimiter(env.targets, registry, logger)
	env.dispatcher = NewDispatcher(env.targets, env.alerts, limiter, logger)
	env.postpone = NewPostponementCoordinator(env.alerts, env.executions, env.tasks, env.workflows, env.dispatcher, logger)
	return env
}

func (e *testEnv) createTask(t *testing.T, task *Task) *Task {
	t.Helper()
	if task.Name == "" {
		task.Name = task.ID
	}
	task.Enabled = true
	require.NoError(t, e.tasks.CreateTask(task))
	return task
}

func (e *testEnv) createExecution(t *testing.T, exec *Execution) *Execution {
	t.Helper()
	if exec.EntityKind == "" {
		exec.EntityKind = EntityKindTask
	}
	require.NoError(t, e.executions.CreateExecution(exec))
	return exec
}

// attachLogTarget attaches an always-succeeding delivery target to an entity
func (e *testEnv) attachLogTarget(t *testing.T, entityKind, entityID, targetID string, severity alerting.Severity) {
	t.Helper()
	require.NoError(t, e.targets.CreateTarget(&alerting.Target{
		ID:      targetID,
		Name:    targetID,
		Kind:    alerting.TargetKindLog,
		Enabled: true,
	}))
	require.NoError(t, e.targets.AttachTarget(entityKind, entityID, targetID, 0, severity))
}

func (e *testEnv) countDetections(t *testing.T, kind string) int {
	t.Helper()
	var count int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM detections WHERE kind = ?`, kind).Scan(&count))
	return count
}

func (e *testEnv) countAlerts(t *testing.T, entityID string) int {
	t.Helper()
	var count int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM status_change_alerts WHERE entity_id = ?`, entityID).Scan(&count))
	return count
}

// countDispatched counts alert rows that actually fanned out to a target,
// as opposed to postponed records and idempotence markers
func (e *testEnv) countDispatched(t *testing.T, entityID string) int {
	t.Helper()
	var count int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM status_change_alerts WHERE entity_id = ? AND target_id IS NOT NULL`, entityID).Scan(&count))
	return count
}

func timeAt(hour, min, sec int) time.Time {
	return time.Date(2026, 3, 10, hour, min, sec, 0, time.UTC)
}
