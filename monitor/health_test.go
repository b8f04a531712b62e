package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/internal/util"
)

func newHealthChecker(env *testEnv) *HealthChecker {
	return NewHealthChecker(env.executions, env.tasks, env.detections, env.dispatcher, env.postpone, env.policy, zap.NewNop().Sugar())
}

func TestHealthDelayedStartAlert(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                      Schedulable{ID: "job"},
		StartAlertThresholdSeconds:       60,
		StartAbandonmentThresholdSeconds: 3600,
	})

	now := timeAt(12, 0, 0)
	env.createExecution(t, &Execution{
		ID:        "slow",
		EntityID:  "job",
		Status:    StatusStartedManually,
		CreatedAt: now.Add(-2 * time.Minute),
	})
	env.createExecution(t, &Execution{
		ID:        "fresh",
		EntityID:  "job",
		Status:    StatusStartedManually,
		CreatedAt: now.Add(-30 * time.Second),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	det, err := env.detections.FindUnresolvedForExecution(KindDelayedStart, "slow")
	require.NoError(t, err)
	require.NotNil(t, det)

	fresh, err := env.detections.FindUnresolvedForExecution(KindDelayedStart, "fresh")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	// Repeated passes do not pile up detections.
	require.NoError(t, checker.Check(context.Background(), now.Add(time.Minute)))
	assert.Equal(t, 1, env.countDetections(t, KindDelayedStart))
}

func TestHealthDelayedStartResolvedOnStart(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{Schedulable: Schedulable{ID: "job"}})

	now := timeAt(12, 0, 0)
	started := now.Add(-time.Minute)
	env.createExecution(t, &Execution{
		ID:        "late-bloomer",
		EntityID:  "job",
		Status:    StatusRunning,
		CreatedAt: now.Add(-30 * time.Minute),
		StartedAt: &started,
	})
	_, _, err := env.detections.CreateExecutionConditionIfAbsent(KindDelayedStart, EntityKindTask, "job", "late-bloomer")
	require.NoError(t, err)

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	open, err := env.detections.FindUnresolvedForExecution(KindDelayedStart, "late-bloomer")
	require.NoError(t, err)
	assert.Nil(t, open, "detection should resolve once the execution starts")
}

func TestHealthStartAbandonment(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                      Schedulable{ID: "job", FailureSeverity: alerting.SeverityError},
		StartAlertThresholdSeconds:       60,
		StartAbandonmentThresholdSeconds: 3600,
	})
	env.attachLogTarget(t, EntityKindTask, "job", "ops", alerting.SeverityWarning)

	now := timeAt(12, 0, 0)
	env.createExecution(t, &Execution{
		ID:        "never-started",
		EntityID:  "job",
		Status:    StatusStartedManually,
		CreatedAt: now.Add(-2 * time.Hour),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("never-started")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, exec.Status)
	assert.Equal(t, StopReasonFailedToStart, exec.StopReason)
	assert.NotNil(t, exec.FinishedAt)

	// The abandonment flows through as a failure event.
	assert.Equal(t, 1, env.countDispatched(t, "job"))
}

func TestHealthMaxAge(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:   Schedulable{ID: "job"},
		MaxAgeSeconds: util.Ptr(3600),
	})

	now := timeAt(12, 0, 0)
	started := now.Add(-2 * time.Hour)
	env.createExecution(t, &Execution{
		ID:        "old-run",
		EntityID:  "job",
		Status:    StatusRunning,
		CreatedAt: started,
		StartedAt: &started,
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("old-run")
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, exec.Status)
	assert.Equal(t, StopReasonMaxTimeExceeded, exec.StopReason)
	assert.NotNil(t, exec.MarkedDoneAt)
}

func TestHealthStuckStopping(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{Schedulable: Schedulable{ID: "job", FailureSeverity: alerting.SeverityError}})

	now := timeAt(12, 0, 0)
	started := now.Add(-2 * time.Hour)
	markedDone := now.Add(-31 * time.Minute)
	env.createExecution(t, &Execution{
		ID:           "zombie",
		EntityID:     "job",
		Status:       StatusStopping,
		CreatedAt:    started,
		StartedAt:    &started,
		MarkedDoneAt: &markedDone,
		StopReason:   StopReasonMaxTimeExceeded,
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("zombie")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, exec.Status)
	assert.NotNil(t, exec.FinishedAt)
}

func TestHealthStoppingWithinGraceLeftAlone(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{Schedulable: Schedulable{ID: "job"}})

	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	markedDone := now.Add(-10 * time.Minute)
	env.createExecution(t, &Execution{
		ID:           "winding-down",
		EntityID:     "job",
		Status:       StatusStopping,
		CreatedAt:    started,
		StartedAt:    &started,
		MarkedDoneAt: &markedDone,
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("winding-down")
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, exec.Status)
}

func TestHealthMissingHeartbeatAlert(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                          Schedulable{ID: "svc"},
		HeartbeatAlertThresholdSeconds:       120,
		HeartbeatAbandonmentThresholdSeconds: 1800,
	})

	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	lastBeat := now.Add(-10 * time.Minute)
	env.createExecution(t, &Execution{
		ID:                       "silent",
		EntityID:                 "svc",
		Status:                   StatusRunning,
		CreatedAt:                started,
		StartedAt:                &started,
		LastHeartbeatAt:          &lastBeat,
		HeartbeatIntervalSeconds: util.Ptr(60),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	det, err := env.detections.FindUnresolvedForExecution(KindMissingHeartbeat, "silent")
	require.NoError(t, err)
	assert.NotNil(t, det)
}

func TestHealthHeartbeatRedeployFloor(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                          Schedulable{ID: "svc"},
		LastDeployedAt:                       util.Ptr(timeAt(11, 59, 30)),
		HeartbeatAlertThresholdSeconds:       120,
		HeartbeatAbandonmentThresholdSeconds: 1800,
	})

	// Heartbeats stopped long ago, but the entity was just redeployed; the
	// silence clock restarts at the deploy.
	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	lastBeat := now.Add(-10 * time.Minute)
	env.createExecution(t, &Execution{
		ID:                       "redeployed",
		EntityID:                 "svc",
		Status:                   StatusRunning,
		CreatedAt:                started,
		StartedAt:                &started,
		LastHeartbeatAt:          &lastBeat,
		HeartbeatIntervalSeconds: util.Ptr(60),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))
	assert.Equal(t, 0, env.countDetections(t, KindMissingHeartbeat))
}

func TestHealthHeartbeatResumeResolves(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{Schedulable: Schedulable{ID: "svc"}})

	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	lastBeat := now.Add(-10 * time.Second)
	env.createExecution(t, &Execution{
		ID:                       "recovered",
		EntityID:                 "svc",
		Status:                   StatusRunning,
		CreatedAt:                started,
		StartedAt:                &started,
		LastHeartbeatAt:          &lastBeat,
		HeartbeatIntervalSeconds: util.Ptr(60),
	})
	_, _, err := env.detections.CreateExecutionConditionIfAbsent(KindMissingHeartbeat, EntityKindTask, "svc", "recovered")
	require.NoError(t, err)

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	open, err := env.detections.FindUnresolvedForExecution(KindMissingHeartbeat, "recovered")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestHealthHeartbeatAbandonment(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                          Schedulable{ID: "svc", FailureSeverity: alerting.SeverityError},
		HeartbeatAlertThresholdSeconds:       120,
		HeartbeatAbandonmentThresholdSeconds: 600,
	})
	env.attachLogTarget(t, EntityKindTask, "svc", "ops", alerting.SeverityWarning)

	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	lastBeat := now.Add(-20 * time.Minute)
	env.createExecution(t, &Execution{
		ID:                       "dead",
		EntityID:                 "svc",
		Status:                   StatusRunning,
		CreatedAt:                started,
		StartedAt:                &started,
		LastHeartbeatAt:          &lastBeat,
		HeartbeatIntervalSeconds: util.Ptr(60),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("dead")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, exec.Status)
	assert.Equal(t, StopReasonMissingHeartbeat, exec.StopReason)
	assert.False(t, exec.SkipEventGeneration)
	assert.Equal(t, 1, env.countDispatched(t, "svc"))
}

func TestHealthHeartbeatAbandonmentExplainedByRedeploy(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                          Schedulable{ID: "svc", FailureSeverity: alerting.SeverityError},
		LastDeployedAt:                       util.Ptr(timeAt(11, 40, 0)),
		HeartbeatAlertThresholdSeconds:       120,
		HeartbeatAbandonmentThresholdSeconds: 600,
	})
	env.attachLogTarget(t, EntityKindTask, "svc", "ops", alerting.SeverityWarning)

	// Started before the deploy and silent ever since: the deploy tore this
	// instance down, so the abandonment is bookkeeping and stays quiet.
	now := timeAt(12, 0, 0)
	started := now.Add(-time.Hour)
	lastBeat := now.Add(-30 * time.Minute)
	env.createExecution(t, &Execution{
		ID:                       "torn-down",
		EntityID:                 "svc",
		Status:                   StatusRunning,
		CreatedAt:                started,
		StartedAt:                &started,
		LastHeartbeatAt:          &lastBeat,
		HeartbeatIntervalSeconds: util.Ptr(60),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	exec, err := env.executions.GetExecution("torn-down")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, exec.Status)
	assert.True(t, exec.SkipEventGeneration)
	assert.Equal(t, 0, env.countDispatched(t, "svc"))
}

func TestHealthWorkflowExecutionUsesDefaults(t *testing.T) {
	env := newTestEnv(t)
	wf := &Workflow{Schedulable: Schedulable{ID: "wf", Name: "wf", Enabled: true}}
	require.NoError(t, env.workflows.CreateWorkflow(wf))

	now := timeAt(12, 0, 0)
	env.createExecution(t, &Execution{
		ID:         "wf-exec",
		EntityKind: EntityKindWorkflow,
		EntityID:   "wf",
		Status:     StatusStartedManually,
		CreatedAt:  now.Add(-11 * time.Minute),
	})

	checker := newHealthChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	det, err := env.detections.FindUnresolvedForExecution(KindDelayedStart, "wf-exec")
	require.NoError(t, err)
	assert.NotNil(t, det)
}
