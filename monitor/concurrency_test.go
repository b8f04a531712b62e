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

func newConcurrencyChecker(env *testEnv) *ConcurrencyChecker {
	return NewConcurrencyChecker(env.tasks, env.executions, env.detections, env.dispatcher, env.policy, zap.NewNop().Sugar())
}

// createService creates a service task old enough to be past startup grace
func createService(t *testing.T, env *testEnv, taskID string, minInstances int) *Task {
	t.Helper()
	return env.createTask(t, &Task{
		Schedulable:      Schedulable{ID: taskID, CreatedAt: timeAt(8, 0, 0)},
		MinInstanceCount: util.Ptr(minInstances),
	})
}

func startService(t *testing.T, env *testEnv, taskID, execID string, startedAt time.Time) {
	t.Helper()
	started := startedAt
	env.createExecution(t, &Execution{
		ID:        execID,
		EntityID:  taskID,
		Status:    StatusRunning,
		CreatedAt: started,
		StartedAt: &started,
	})
}

func TestConcurrencyDetectsShortfall(t *testing.T) {
	env := newTestEnv(t)
	createService(t, env, "svc", 2)
	env.attachLogTarget(t, EntityKindTask, "svc", "ops", alerting.SeverityWarning)

	now := timeAt(12, 0, 0)
	startService(t, env, "svc", "inst-1", now.Add(-5*time.Minute))

	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	det, err := env.detections.FindUnresolved(EntityKindTask, "svc", KindInsufficientConcurrency)
	require.NoError(t, err)
	require.NotNil(t, det)
	require.NotNil(t, det.DetectedConcurrency)
	assert.Equal(t, 1, *det.DetectedConcurrency)
	require.NotNil(t, det.RequiredConcurrency)
	assert.Equal(t, 2, *det.RequiredConcurrency)
	require.NotNil(t, det.IntervalStart)
	assert.Equal(t, now.Add(-env.policy.ServiceLookback()), det.IntervalStart.UTC())
	require.NotNil(t, det.IntervalEnd)
	assert.Equal(t, now, det.IntervalEnd.UTC())

	// One detection and one notification per outage, not per pass.
	require.NoError(t, checker.Check(context.Background(), now.Add(time.Minute)))
	assert.Equal(t, 1, env.countDetections(t, KindInsufficientConcurrency))
	assert.Equal(t, 1, env.countDispatched(t, "svc"))
}

func TestConcurrencyRecoveryResolves(t *testing.T) {
	env := newTestEnv(t)
	createService(t, env, "svc", 2)

	now := timeAt(12, 0, 0)
	startService(t, env, "svc", "inst-1", now.Add(-5*time.Minute))

	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))
	open, err := env.detections.FindUnresolved(EntityKindTask, "svc", KindInsufficientConcurrency)
	require.NoError(t, err)
	require.NotNil(t, open)

	// A second instance comes up; the next pass closes the detection.
	startService(t, env, "svc", "inst-2", now.Add(time.Minute))
	require.NoError(t, checker.Check(context.Background(), now.Add(2*time.Minute)))

	stillOpen, err := env.detections.FindUnresolved(EntityKindTask, "svc", KindInsufficientConcurrency)
	require.NoError(t, err)
	assert.Nil(t, stillOpen)

	var resolvedBy string
	require.NoError(t, env.db.QueryRow(`SELECT resolved_by FROM detections WHERE id = ?`, open.ID).Scan(&resolvedBy))
	require.NotEmpty(t, resolvedBy)

	var detected int
	require.NoError(t, env.db.QueryRow(`SELECT detected_concurrency FROM detections WHERE id = ?`, resolvedBy).Scan(&detected))
	assert.Equal(t, 2, detected)
}

func TestConcurrencySatisfiedCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	createService(t, env, "svc", 2)

	now := timeAt(12, 0, 0)
	startService(t, env, "svc", "inst-1", now.Add(-5*time.Minute))
	startService(t, env, "svc", "inst-2", now.Add(-5*time.Minute))

	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))
	assert.Equal(t, 0, env.countDetections(t, KindInsufficientConcurrency))
}

func TestConcurrencyStartupGrace(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:      Schedulable{ID: "young", CreatedAt: timeAt(11, 55, 0)},
		MinInstanceCount: util.Ptr(1),
	})

	// Five minutes old with no instances yet: still inside the default
	// ten-minute startup grace, so no detection.
	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), timeAt(12, 0, 0)))
	assert.Equal(t, 0, env.countDetections(t, KindInsufficientConcurrency))

	// Past the grace the shortfall is real.
	require.NoError(t, checker.Check(context.Background(), timeAt(12, 6, 0)))
	assert.Equal(t, 1, env.countDetections(t, KindInsufficientConcurrency))
}

func TestConcurrencyStartupGraceUsesTaskThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:                Schedulable{ID: "slow-boot", CreatedAt: timeAt(11, 0, 0)},
		MinInstanceCount:           util.Ptr(1),
		StartAlertThresholdSeconds: 7200,
	})

	// An hour old, but the task declares a two-hour start threshold.
	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), timeAt(12, 0, 0)))
	assert.Equal(t, 0, env.countDetections(t, KindInsufficientConcurrency))

	require.NoError(t, checker.Check(context.Background(), timeAt(13, 0, 0)))
	assert.Equal(t, 1, env.countDetections(t, KindInsufficientConcurrency))
}

func TestConcurrencyRedeployGrace(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, &Task{
		Schedulable:      Schedulable{ID: "svc", CreatedAt: timeAt(8, 0, 0)},
		MinInstanceCount: util.Ptr(2),
		LastDeployedAt:   util.Ptr(timeAt(11, 59, 0)),
	})

	// Zero instances, but the deploy is a minute old; give it the lookback
	// window before complaining.
	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), timeAt(12, 0, 0)))
	assert.Equal(t, 0, env.countDetections(t, KindInsufficientConcurrency))

	// Past the grace window the shortfall is real.
	require.NoError(t, checker.Check(context.Background(), timeAt(12, 10, 0)))
	assert.Equal(t, 1, env.countDetections(t, KindInsufficientConcurrency))
}

func TestConcurrencyCountsOnlyWindowStarts(t *testing.T) {
	env := newTestEnv(t)
	createService(t, env, "svc", 1)

	// An instance started before the lookback window does not count toward
	// the observed concurrency, even though it is still running.
	now := timeAt(12, 0, 0)
	startService(t, env, "svc", "stale", now.Add(-20*time.Minute))

	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))

	det, err := env.detections.FindUnresolved(EntityKindTask, "svc", KindInsufficientConcurrency)
	require.NoError(t, err)
	require.NotNil(t, det)
	assert.Equal(t, 0, *det.DetectedConcurrency)
}

func TestConcurrencyFinishedInstancesDoNotCount(t *testing.T) {
	env := newTestEnv(t)
	createService(t, env, "svc", 1)

	now := timeAt(12, 0, 0)
	started := now.Add(-5 * time.Minute)
	finished := now.Add(-time.Minute)
	env.createExecution(t, &Execution{
		ID:         "done",
		EntityID:   "svc",
		Status:     StatusSucceeded,
		CreatedAt:  started,
		StartedAt:  &started,
		FinishedAt: &finished,
	})

	checker := newConcurrencyChecker(env)
	require.NoError(t, checker.Check(context.Background(), now))
	assert.Equal(t, 1, env.countDetections(t, KindInsufficientConcurrency))
}
