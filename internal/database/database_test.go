package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"signalgw/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, path string) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(id, controllerID string, created time.Time) *models.SyncTask {
	return &models.SyncTask{
		TaskID:         id,
		ControllerID:   controllerID,
		SyncType:       models.SyncTypePlan,
		PayloadType:    models.ObjPlanParam,
		Payload:        &models.PlanParam{CrossID: "X1", PlanNo: 3, CycleLen: 90},
		Priority:       5,
		Status:         models.SyncCreated,
		TimeoutSeconds: 30,
		MaxRetryCount:  2,
		CreateTime:     created,
	}
}

func TestNewDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tasks.db")
	db := newTestDB(t, path)
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestSaveAndGetTask(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))
	ctx := context.Background()

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	task := sampleTask("t-1", "c-1", created)
	require.NoError(t, db.SaveTask(ctx, task))

	got, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c-1", got.ControllerID)
	assert.Equal(t, models.SyncTypePlan, got.SyncType)
	assert.Equal(t, models.SyncCreated, got.Status)
	assert.Equal(t, 5, got.Priority)
	assert.Nil(t, got.StartTime)
	assert.Nil(t, got.EndTime)
	assert.True(t, created.Equal(got.CreateTime))

	raw, ok := got.Payload.(*models.RawPayload)
	require.True(t, ok)
	assert.Equal(t, models.ObjPlanParam, raw.ObjectType())
	var plan models.PlanParam
	require.NoError(t, json.Unmarshal(raw.Raw, &plan))
	assert.Equal(t, 3, plan.PlanNo)
	assert.Equal(t, 90, plan.CycleLen)
}

func TestSaveTask_Upsert(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))
	ctx := context.Background()

	task := sampleTask("t-1", "c-1", time.Now())
	require.NoError(t, db.SaveTask(ctx, task))

	start := time.Now()
	end := start.Add(2 * time.Second)
	task.Status = models.SyncCompleted
	task.Progress = 100
	task.RetryCount = 1
	task.Message = "done"
	task.StartTime = &start
	task.EndTime = &end
	require.NoError(t, db.SaveTask(ctx, task))

	got, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SyncCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "done", got.Message)
	require.NotNil(t, got.EndTime)
	assert.WithinDuration(t, end, *got.EndTime, time.Millisecond)
}

func TestGetTask_Missing(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))

	got, err := db.GetTask(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTaskHistory(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, db.SaveTask(ctx, sampleTask("a1", "A", base)))
	require.NoError(t, db.SaveTask(ctx, sampleTask("b1", "B", base.Add(time.Minute))))
	require.NoError(t, db.SaveTask(ctx, sampleTask("a2", "A", base.Add(2*time.Minute))))
	require.NoError(t, db.SaveTask(ctx, sampleTask("a3", "A", base.Add(3*time.Minute))))

	history, err := db.GetTaskHistory(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "a3", history[0].TaskID)
	assert.Equal(t, "a1", history[2].TaskID)

	limited, err := db.GetTaskHistory(ctx, "A", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "a2", limited[1].TaskID)

	all, err := db.GetTaskHistory(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPurgeTasksBefore(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))
	ctx := context.Background()

	now := time.Now()
	old := sampleTask("old", "c", now.Add(-48*time.Hour))
	oldEnd := now.Add(-47 * time.Hour)
	old.Status = models.SyncFailed
	old.EndTime = &oldEnd

	recent := sampleTask("recent", "c", now.Add(-time.Minute))
	recentEnd := now
	recent.Status = models.SyncCompleted
	recent.EndTime = &recentEnd

	running := sampleTask("running", "c", now.Add(-72*time.Hour))
	running.Status = models.SyncRunning

	for _, task := range []*models.SyncTask{old, recent, running} {
		require.NoError(t, db.SaveTask(ctx, task))
	}

	n, err := db.PurgeTasksBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetTask(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, id := range []string{"recent", "running"} {
		got, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
}

func TestRunRetention(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "tasks.db"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := sampleTask("old", "c", time.Now().Add(-2*time.Hour))
	end := time.Now().Add(-time.Hour)
	task.Status = models.SyncCompleted
	task.EndTime = &end
	require.NoError(t, db.SaveTask(ctx, task))

	done := make(chan struct{})
	go func() {
		db.RunRetention(ctx, 20*time.Millisecond, time.Minute)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := db.GetTask(context.Background(), "old")
		return err == nil && got == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
