package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signalgw/internal/config"
	"signalgw/internal/device"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
	"signalgw/internal/scheduler"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInventory = []models.ControllerSpec{
	{
		ID:    "C1",
		Brand: "sim",
		IP:    "10.0.0.1",
		Port:  5000,
		Crosses: []models.CrossSpec{
			{ID: "X1", Name: "Main & 1st"},
			{ID: "X2", Name: "Main & 2nd"},
		},
	},
	{
		ID:      "C2",
		Brand:   "sim",
		IP:      "10.0.0.2",
		Port:    5000,
		Crosses: []models.CrossSpec{{ID: "X3", Name: "Harbor"}},
	},
}

type harness struct {
	svc   *SignalService
	sched *scheduler.Scheduler
	sim   *device.SimAdapter
	bus   *events.EventBus

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()

	bus := events.NewEventBus()
	sim := device.NewSimAdapter("sim", 0)
	sim.Seed("C1", "X1", "X2")
	sim.Seed("C2", "X3")

	reg := device.NewRegistry()
	require.NoError(t, reg.Register(sim))
	require.NoError(t, reg.LoadInventory(testInventory))

	sched := scheduler.New(scheduler.Options{Workers: 2, MonitorInterval: 50 * time.Millisecond},
		scheduler.NewAdapterExecutor(reg), &logger, scheduler.WithEvents(bus))
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop(5 * time.Second) })

	svc := NewSignalService(Options{SysVersion: "1.0", TimeoutSeconds: 5}, testInventory, sched, reg, bus, &logger)
	svc.Listen(bus)

	h := &harness{svc: svc, sched: sched, sim: sim, bus: bus}
	for _, et := range []string{events.EventCrossStateChanged, events.EventControllerChanged} {
		et := et
		bus.Subscribe(et, func(*events.Event) error {
			h.mu.Lock()
			h.events = append(h.events, et)
			h.mu.Unlock()
			return nil
		})
	}
	return h
}

func (h *harness) published(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (h *harness) waitTask(t *testing.T, taskID string, want models.SyncStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.sched.GetStatus(taskID)
		return err == nil && task.Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSysInfo(t *testing.T) {
	h := newHarness(t)
	info := h.svc.SysInfo(context.Background())
	assert.Equal(t, "signalgw", info.SysName)
	assert.Equal(t, "1.0", info.SysVersion)
	assert.Equal(t, []string{"C1", "C2"}, info.SignalControllerIDs)
}

func TestQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjCrossParam, ID: "X1"})
	require.NoError(t, err)
	cross := p.(*models.CrossParam)
	assert.Equal(t, "C1", cross.SignalControllerID)
	assert.Equal(t, "Main & 1st", cross.CrossName)

	p, err = h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjCrossParam})
	require.NoError(t, err)
	list := p.(*models.ListPayload)
	assert.Equal(t, models.ObjCrossParam, list.ItemType)
	assert.Len(t, list.Items, 3)

	p, err = h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjSignalControllerParam, ID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"X1", "X2"}, p.(*models.SignalControllerParam).CrossIDs)

	p, err = h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjPlanParam, ID: "X1"})
	require.NoError(t, err)
	assert.Empty(t, p.(*models.ListPayload).Items)

	_, err = h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjSysInfo})
	assert.NoError(t, err)
}

func TestQuery_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		q    *models.QueryCommand
		kind error
	}{
		{"nil", nil, gwerrors.ErrValidation},
		{"no object", &models.QueryCommand{}, gwerrors.ErrValidation},
		{"unknown cross", &models.QueryCommand{ObjName: models.ObjCrossParam, ID: "X9"}, gwerrors.ErrNotFound},
		{"unknown controller", &models.QueryCommand{ObjName: models.ObjSignalControllerParam, ID: "C9"}, gwerrors.ErrNotFound},
		{"unknown plan", &models.QueryCommand{ObjName: models.ObjPlanParam, ID: "X1", No: 7}, gwerrors.ErrNotFound},
		{"state not reported", &models.QueryCommand{ObjName: models.ObjCrossState, ID: "X1"}, gwerrors.ErrNotFound},
		{"task without id", &models.QueryCommand{ObjName: models.ObjSyncTaskStatus}, gwerrors.ErrValidation},
		{"unknown task", &models.QueryCommand{ObjName: models.ObjSyncTaskStatus, ID: "nope"}, gwerrors.ErrNotFound},
		{"unsupported", &models.QueryCommand{ObjName: "Detector"}, gwerrors.ErrUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Query(ctx, tc.q)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestSetPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plan := &models.PlanParam{
		CrossID: "X1",
		PlanNo:  2,
		Stages: []models.StageTiming{
			{StageNo: 1, Green: 30, Yellow: 3, AllRed: 2},
			{StageNo: 2, Green: 25, Yellow: 3, AllRed: 2},
		},
	}
	res, err := h.svc.SetPlan(ctx, plan)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.ObjPlanParam, res.ObjName)
	require.NotEmpty(t, res.TaskID)

	h.waitTask(t, res.TaskID, models.SyncCompleted)

	require.Eventually(t, func() bool {
		_, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjPlanParam, ID: "X1", No: 2})
		return err == nil
	}, time.Second, 10*time.Millisecond)

	p, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjPlanParam, ID: "X1", No: 2})
	require.NoError(t, err)
	assert.Equal(t, 65, p.(*models.PlanParam).CycleLen)

	applied := h.sim.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, "C1", applied[0].ControllerID)

	status, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjSyncTaskStatus, ID: res.TaskID})
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, status.(*models.SyncTaskStatus).Status)
}

func TestSetPlan_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stages := []models.StageTiming{{StageNo: 1, Green: 10}}

	cases := []struct {
		name string
		plan *models.PlanParam
		kind error
	}{
		{"nil", nil, gwerrors.ErrValidation},
		{"no cross", &models.PlanParam{PlanNo: 1, Stages: stages}, gwerrors.ErrValidation},
		{"no number", &models.PlanParam{CrossID: "X1", Stages: stages}, gwerrors.ErrValidation},
		{"no stages", &models.PlanParam{CrossID: "X1", PlanNo: 1}, gwerrors.ErrValidation},
		{"cycle mismatch", &models.PlanParam{CrossID: "X1", PlanNo: 1, CycleLen: 99, Stages: stages}, gwerrors.ErrValidation},
		{"unknown cross", &models.PlanParam{CrossID: "X9", PlanNo: 1, Stages: stages}, gwerrors.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SetPlan(ctx, tc.plan)
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
		})
	}
	assert.Empty(t, h.sched.GetActiveTasks())
}

func TestSetCtrlMode_PublishesState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.SetCtrlMode(ctx, &models.CrossCtrlInfo{CrossID: "X3", CtrlMode: models.CtrlModeFlash})
	require.NoError(t, err)
	h.waitTask(t, res.TaskID, models.SyncCompleted)

	require.Eventually(t, func() bool {
		return h.published(events.EventCrossStateChanged) == 1
	}, time.Second, 10*time.Millisecond)

	p, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjCrossState, ID: "X3"})
	require.NoError(t, err)
	assert.Equal(t, models.CtrlModeFlash, p.(*models.CrossState).CtrlMode)
}

func TestSetCtrlMode_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SetCtrlMode(ctx, &models.CrossCtrlInfo{CrossID: "X1", CtrlMode: "TURBO"})
	assert.True(t, errors.Is(err, gwerrors.ErrValidation))

	_, err = h.svc.SetCtrlMode(ctx, &models.CrossCtrlInfo{CrossID: "X1", CtrlMode: models.CtrlModeFixed, PlanNo: 4})
	assert.True(t, errors.Is(err, gwerrors.ErrBusiness))
}

func TestSetControllerParam(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.SetControllerParam(ctx, &models.SignalControllerParam{SignalControllerID: "C2", IP: "10.0.0.20"})
	require.NoError(t, err)
	h.waitTask(t, res.TaskID, models.SyncCompleted)

	require.Eventually(t, func() bool {
		p, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjSignalControllerParam, ID: "C2"})
		return err == nil && p.(*models.SignalControllerParam).IP == "10.0.0.20"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.published(events.EventControllerChanged))

	_, err = h.svc.SetControllerParam(ctx, &models.SignalControllerParam{SignalControllerID: "C2", Brand: "acme"})
	assert.True(t, errors.Is(err, gwerrors.ErrBusiness))

	_, err = h.svc.SetControllerParam(ctx, &models.SignalControllerParam{SignalControllerID: "C9"})
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))
}

func TestFailedTaskLeavesCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.FailNext(1)

	res, err := h.svc.SetControllerParam(ctx, &models.SignalControllerParam{SignalControllerID: "C1", Port: 6000})
	require.NoError(t, err)
	h.waitTask(t, res.TaskID, models.SyncFailed)

	p, err := h.svc.Query(ctx, &models.QueryCommand{ObjName: models.ObjSignalControllerParam, ID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, 5000, p.(*models.SignalControllerParam).Port)
	assert.Zero(t, h.published(events.EventControllerChanged))
}

func TestApplyCrossState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.True(t, errors.Is(h.svc.ApplyCrossState(ctx, nil), gwerrors.ErrValidation))
	assert.True(t, errors.Is(h.svc.ApplyCrossState(ctx, &models.CrossState{CrossID: "X9"}), gwerrors.ErrNotFound))

	require.NoError(t, h.svc.ApplyCrossState(ctx, &models.CrossState{CrossID: "X2", Online: true, StageNo: 3}))
	assert.Equal(t, 1, h.published(events.EventCrossStateChanged))

	list := h.svc.CrossStates()
	require.Len(t, list.Items, 1)
	st := list.Items[0].(*models.CrossState)
	assert.Equal(t, 3, st.StageNo)
	assert.False(t, st.Timestamp.IsZero())
}

func TestRefreshStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, 3, h.svc.RefreshStates(ctx))
	assert.Equal(t, 0, h.svc.RefreshStates(ctx))

	require.NoError(t, h.sim.PushConfig(ctx, "C1", models.SyncTypePlan, &models.PlanParam{CrossID: "X2", PlanNo: 8}))
	assert.Equal(t, 1, h.svc.RefreshStates(ctx))

	p, err := h.svc.CrossStateProducer(ctx, "peer")
	require.NoError(t, err)
	assert.Len(t, p.(*models.ListPayload).Items, 3)
}

func TestUserAuthenticator(t *testing.T) {
	auth := NewUserAuthenticator([]config.GatewayUser{{Name: "center", Password: "s3cret"}})
	assert.True(t, auth.Authenticate("center", "s3cret"))
	assert.False(t, auth.Authenticate("center", "wrong"))
	assert.False(t, auth.Authenticate("nobody", "s3cret"))
}
