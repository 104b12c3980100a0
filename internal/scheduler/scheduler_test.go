package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, opts Options, exec Executor, options ...Option) *Scheduler {
	t.Helper()
	s := New(opts, exec, nil, options...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(10 * time.Second) })
	return s
}

func createTask(t *testing.T, s *Scheduler, syncType models.SyncType, priority, timeoutSeconds int) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), models.SyncRequest{
		ControllerID:   "SC-1",
		SyncType:       syncType,
		Payload:        &models.CrossCtrlInfo{CrossID: "X1", CtrlMode: models.CtrlModeFixed, PlanNo: 1},
		Priority:       priority,
		TimeoutSeconds: timeoutSeconds,
	})
	require.NoError(t, err)
	return id
}

func waitStatus(t *testing.T, s *Scheduler, taskID string, want models.SyncStatus, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := s.GetStatus(taskID)
		return err == nil && snap.Status == want
	}, within, 10*time.Millisecond, "task %s never reached %s", taskID, want)
}

func TestCreateTaskValidation(t *testing.T) {
	s := New(Options{}, nil, nil)

	tests := []struct {
		name string
		req  models.SyncRequest
	}{
		{"missing controller", models.SyncRequest{SyncType: models.SyncTypeConfig}},
		{"unknown sync type", models.SyncRequest{ControllerID: "SC-1", SyncType: "BOGUS"}},
		{"negative timeout", models.SyncRequest{ControllerID: "SC-1", SyncType: models.SyncTypePlan, TimeoutSeconds: -1}},
		{"negative retries", models.SyncRequest{ControllerID: "SC-1", SyncType: models.SyncTypePlan, MaxRetryCount: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateTask(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, gwerrors.ErrValidation)
		})
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	s := New(Options{DefaultTimeout: 42 * time.Second}, nil, nil)
	id, err := s.CreateTask(context.Background(), models.SyncRequest{ControllerID: "SC-1", SyncType: models.SyncTypeTime})
	require.NoError(t, err)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCreated, snap.Status)
	assert.Equal(t, 42, snap.TimeoutSeconds)
	assert.NotEmpty(t, snap.TaskID)
	assert.False(t, snap.CreateTime.IsZero())
}

func TestSubmitUnknownTask(t *testing.T) {
	s := New(Options{}, nil, nil)
	_, err := s.Submit("missing")
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)
}

func TestPriorityOrderingStartsHigherPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	var started []string
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		mu.Lock()
		started = append(started, task.TaskID)
		mu.Unlock()
		return nil, nil
	})

	s := New(Options{Workers: 1, MonitorInterval: time.Second}, exec, nil)
	s.Pause()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(5 * time.Second) })

	t1 := createTask(t, s, models.SyncTypeConfig, 5, 10)
	t2 := createTask(t, s, models.SyncTypeConfig, 10, 10)
	t3 := createTask(t, s, models.SyncTypeConfig, 10, 10)

	var futures []*Future
	for _, id := range []string{t1, t2, t3} {
		f, err := s.Submit(id)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	s.Resume()

	for _, f := range futures {
		res := f.Wait(context.Background(), 5*time.Second)
		require.Equal(t, models.SyncCompleted, res.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{t2, t3, t1}, started)
}

func TestCancelRunningTaskFails(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, progress ProgressFunc) (models.Payload, error) {
		progress(50)
		<-release
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec)

	id := createTask(t, s, models.SyncTypePlan, 1, 30)
	f, err := s.Submit(id)
	require.NoError(t, err)
	waitStatus(t, s, id, models.SyncRunning, 2*time.Second)

	assert.False(t, s.Cancel(id))

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunning, snap.Status)

	close(release)
	res := f.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncCompleted, res.Status)
	assert.True(t, res.Success)

	progress, err := s.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, 100, progress)
}

func TestCancelPendingTaskNeverExecutes(t *testing.T) {
	var executed atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		executed.Add(1)
		return nil, nil
	})
	s := New(Options{Workers: 2, MonitorInterval: time.Second}, exec, nil)
	s.Pause()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(5 * time.Second) })

	id := createTask(t, s, models.SyncTypeConfig, 1, 10)
	f, err := s.Submit(id)
	require.NoError(t, err)

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id), "cancel of a terminal task must fail")

	s.Resume()
	res := f.Wait(context.Background(), time.Second)
	assert.Equal(t, models.SyncCancelled, res.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, executed.Load())
	assert.Zero(t, s.GetStats().QueueDepth)
}

func TestCancelCreatedTask(t *testing.T) {
	s := New(Options{}, nil, nil)
	id := createTask(t, s, models.SyncTypeConfig, 1, 10)
	assert.True(t, s.Cancel(id))

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCancelled, snap.Status)

	// Submitting a cancelled task leaves it cancelled.
	f, err := s.Submit(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCancelled, f.Wait(context.Background(), time.Second).Status)
}

func TestMonitorTimesOutStuckTaskNeverEarly(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		<-release
		return nil, nil
	})
	interval := 100 * time.Millisecond
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: interval}, exec)
	t.Cleanup(func() { close(release) })

	id := createTask(t, s, models.SyncTypeConfig, 1, 1)
	_, err := s.Submit(id)
	require.NoError(t, err)
	waitStatus(t, s, id, models.SyncRunning, time.Second)

	time.Sleep(500 * time.Millisecond)
	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunning, snap.Status)

	waitStatus(t, s, id, models.SyncTimeout, time.Second+3*interval)

	snap, err = s.GetStatus(id)
	require.NoError(t, err)
	require.NotNil(t, snap.StartTime)
	require.NotNil(t, snap.EndTime)
	elapsed := snap.EndTime.Sub(*snap.StartTime)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, time.Second+2*interval)
	require.NotNil(t, snap.Result)
	assert.ErrorIs(t, snap.Result.Err, gwerrors.ErrTimeout)
}

func TestExecutorIgnoringDeadlineStillTimesOut(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		time.Sleep(1500 * time.Millisecond)
		return nil, nil
	})
	// The monitor never sweeps during the test, so the worker decides.
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Minute}, exec)

	id := createTask(t, s, models.SyncTypeConfig, 1, 1)
	future, err := s.Submit(id)
	require.NoError(t, err)

	res := future.Wait(context.Background(), 3*time.Second)
	assert.Equal(t, models.SyncTimeout, res.Status)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, gwerrors.ErrTimeout)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncTimeout, snap.Status)
}

func TestWorkerFinishAfterTimeoutKeepsTimeout(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		<-release
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: 50 * time.Millisecond}, exec)

	id := createTask(t, s, models.SyncTypeConfig, 1, 1)
	_, err := s.Submit(id)
	require.NoError(t, err)
	waitStatus(t, s, id, models.SyncTimeout, 3*time.Second)

	close(release)
	time.Sleep(50 * time.Millisecond)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncTimeout, snap.Status)
}

func TestConfigTaskCallerTimeoutThenTaskTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := newTestScheduler(t, Options{Workers: 2, MonitorInterval: 200 * time.Millisecond}, exec)

	id := createTask(t, s, models.SyncTypeConfig, 10, 2)
	f, err := s.Submit(id)
	require.NoError(t, err)

	res := f.Wait(context.Background(), time.Second)
	assert.Equal(t, models.SyncTimeout, res.Status)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, gwerrors.ErrTimeout)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunning, snap.Status, "caller timeout must not affect the task")

	time.Sleep(3 * time.Second)
	snap, err = s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncTimeout, snap.Status)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		<-release
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec)

	f, err := s.Submit(createTask(t, s, models.SyncTypePlan, 1, 30))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.Wait(ctx, 0)
	assert.Equal(t, models.SyncTimeout, res.Status)
	assert.Equal(t, f.TaskID(), res.TaskID)
}

func TestTaskFailureIsIsolated(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		switch task.SyncType {
		case models.SyncTypePlan:
			panic("adapter exploded")
		case models.SyncTypeCtrlMode:
			return nil, gwerrors.Business("controller offline")
		}
		return &models.SetResult{ObjName: models.ObjCrossCtrlInfo, Accepted: true}, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec)

	panicking, err := s.Submit(createTask(t, s, models.SyncTypePlan, 3, 10))
	require.NoError(t, err)
	failing, err := s.Submit(createTask(t, s, models.SyncTypeCtrlMode, 2, 10))
	require.NoError(t, err)
	healthy, err := s.Submit(createTask(t, s, models.SyncTypeConfig, 1, 10))
	require.NoError(t, err)

	res := panicking.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncFailed, res.Status)
	assert.ErrorIs(t, res.Err, gwerrors.ErrInternal)

	res = failing.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncFailed, res.Status)
	assert.Equal(t, "controller offline", res.Message)

	res = healthy.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncCompleted, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, models.ObjSetResult, res.Data.ObjectType())
}

func TestTransientFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		if calls.Add(1) < 3 {
			return nil, gwerrors.Transport(errors.New("connection reset"), "push to %s", task.ControllerID)
		}
		return nil, nil
	})
	s := newTestScheduler(t, Options{
		Workers:         1,
		MonitorInterval: time.Second,
		Retry:           RetryPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}, exec)

	id, err := s.CreateTask(context.Background(), models.SyncRequest{
		ControllerID:   "SC-1",
		SyncType:       models.SyncTypeTime,
		TimeoutSeconds: 10,
		MaxRetryCount:  3,
	})
	require.NoError(t, err)
	f, err := s.Submit(id)
	require.NoError(t, err)

	res := f.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncCompleted, res.Status)
	assert.Equal(t, int32(3), calls.Load())

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RetryCount)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		calls.Add(1)
		return nil, gwerrors.Validation("bad plan")
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec)

	id, err := s.CreateTask(context.Background(), models.SyncRequest{
		ControllerID: "SC-1", SyncType: models.SyncTypePlan, MaxRetryCount: 5,
	})
	require.NoError(t, err)
	f, err := s.Submit(id)
	require.NoError(t, err)

	res := f.Wait(context.Background(), 2*time.Second)
	assert.Equal(t, models.SyncFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPerTypeExecutorOverride(t *testing.T) {
	fallback := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		return nil, errors.New("fallback used")
	})
	timeSync := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, fallback,
		WithExecutor(models.SyncTypeTime, timeSync))

	f, err := s.Submit(createTask(t, s, models.SyncTypeTime, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, f.Wait(context.Background(), 2*time.Second).Status)
}

func TestRetentionPurgesTerminalTasks(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: 20 * time.Millisecond, Retention: 60 * time.Millisecond}, exec)

	id := createTask(t, s, models.SyncTypeConfig, 1, 10)
	f, err := s.Submit(id)
	require.NoError(t, err)
	require.Equal(t, models.SyncCompleted, f.Wait(context.Background(), time.Second).Status)

	require.Eventually(t, func() bool {
		_, err := s.GetStatus(id)
		return errors.Is(err, gwerrors.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

type fakeArchive struct {
	mu    sync.Mutex
	saved map[string]models.SyncTask
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{saved: make(map[string]models.SyncTask)}
}

func (a *fakeArchive) SaveTask(_ context.Context, task *models.SyncTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[task.TaskID] = *task
	return nil
}

func (a *fakeArchive) GetTask(_ context.Context, taskID string) (*models.SyncTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.saved[taskID]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

func (a *fakeArchive) GetTaskHistory(_ context.Context, controllerID string, limit int) ([]models.SyncTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.SyncTask
	for _, task := range a.saved {
		if controllerID == "" || task.ControllerID == controllerID {
			out = append(out, task)
		}
	}
	return out, nil
}

func TestArchiveServesPurgedTasks(t *testing.T) {
	archive := newFakeArchive()
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: 20 * time.Millisecond, Retention: 40 * time.Millisecond}, exec,
		WithArchive(archive))

	id := createTask(t, s, models.SyncTypeConfig, 1, 10)
	f, err := s.Submit(id)
	require.NoError(t, err)
	require.Equal(t, models.SyncCompleted, f.Wait(context.Background(), time.Second).Status)

	require.Eventually(t, func() bool {
		_, live := s.tasks.Load(id)
		return !live
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, snap.Status)

	history := s.GetHistory("SC-1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].TaskID)
}

func TestFailedTasksGoToDeadLetterAndEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := events.NewEventBus()
	finished := make(chan events.TaskEventPayload, 4)
	bus.Subscribe(events.EventSyncTaskFinished, func(e *events.Event) error {
		var p events.TaskEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		finished <- p
		return nil
	})

	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		return nil, gwerrors.Business("controller offline")
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec,
		WithDeadLetter(client, "test:deadletter"),
		WithEvents(bus))

	id := createTask(t, s, models.SyncTypePlan, 1, 10)
	f, err := s.Submit(id)
	require.NoError(t, err)
	require.Equal(t, models.SyncFailed, f.Wait(context.Background(), time.Second).Status)

	select {
	case p := <-finished:
		assert.Equal(t, id, p.TaskID)
		assert.Equal(t, models.SyncFailed, p.Status)
	case <-time.After(time.Second):
		t.Fatal("no sync_task_finished event")
	}

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "test:deadletter").Result()
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStatsAndActiveTasks(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task models.SyncTask, _ ProgressFunc) (models.Payload, error) {
		<-release
		return nil, nil
	})
	s := newTestScheduler(t, Options{Workers: 1, MonitorInterval: time.Second}, exec)
	t.Cleanup(func() { close(release) })

	running := createTask(t, s, models.SyncTypeConfig, 5, 30)
	_, err := s.Submit(running)
	require.NoError(t, err)
	waitStatus(t, s, running, models.SyncRunning, time.Second)

	pending := createTask(t, s, models.SyncTypeConfig, 1, 30)
	_, err = s.Submit(pending)
	require.NoError(t, err)
	created := createTask(t, s, models.SyncTypeConfig, 1, 30)
	cancelled := createTask(t, s, models.SyncTypeConfig, 1, 30)
	require.True(t, s.Cancel(cancelled))

	stats := s.GetStats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 1, stats.Workers)

	active := s.GetActiveTasks()
	ids := make([]string, 0, len(active))
	for _, a := range active {
		ids = append(ids, a.TaskID)
	}
	assert.ElementsMatch(t, []string{running, pending, created}, ids)

	history := s.GetHistory("SC-1", 2)
	assert.Len(t, history, 2)
	assert.Empty(t, s.GetHistory("SC-404", 10))
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestScheduler(t, Options{Workers: 1}, nil)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestEnqueueAfterStopCancelsTask(t *testing.T) {
	s := New(Options{Workers: 1}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(time.Second))

	id := createTask(t, s, models.SyncTypeConfig, 1, 10)
	err := s.Enqueue(id)
	assert.ErrorIs(t, err, gwerrors.ErrBusiness)

	snap, err := s.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCancelled, snap.Status)
}
