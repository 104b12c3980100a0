package service

import (
	"context"

	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

func (s *SignalService) SetPlan(ctx context.Context, plan *models.PlanParam) (*models.SetResult, error) {
	if plan == nil || plan.CrossID == "" {
		return nil, gwerrors.Validation("plan without cross id")
	}
	if plan.PlanNo <= 0 {
		return nil, gwerrors.Validation("plan number must be positive")
	}
	if len(plan.Stages) == 0 {
		return nil, gwerrors.Validation("plan %d has no stages", plan.PlanNo)
	}
	if plan.CycleLen > 0 && plan.CycleLen != plan.Duration() {
		return nil, gwerrors.Validation("plan %d cycle length %d does not match stage total %d",
			plan.PlanNo, plan.CycleLen, plan.Duration())
	}

	controllerID, err := s.controllerOf(plan.CrossID)
	if err != nil {
		return nil, err
	}

	cp := *plan
	cp.Stages = append([]models.StageTiming(nil), plan.Stages...)
	if cp.CycleLen == 0 {
		cp.CycleLen = cp.Duration()
	}

	taskID, err := s.submit(ctx, controllerID, models.SyncTypePlan, &cp, func() {
		s.mu.Lock()
		s.plans[cp.CrossID][cp.PlanNo] = &cp
		s.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return &models.SetResult{ObjName: models.ObjPlanParam, ID: plan.CrossID, TaskID: taskID, Accepted: true}, nil
}

func (s *SignalService) SetCtrlMode(ctx context.Context, info *models.CrossCtrlInfo) (*models.SetResult, error) {
	if info == nil || info.CrossID == "" {
		return nil, gwerrors.Validation("control mode without cross id")
	}
	if !models.ValidCtrlMode(info.CtrlMode) {
		return nil, gwerrors.Validation("unknown control mode %q", info.CtrlMode)
	}

	controllerID, err := s.controllerOf(info.CrossID)
	if err != nil {
		return nil, err
	}
	if info.PlanNo > 0 {
		s.mu.RLock()
		_, ok := s.plans[info.CrossID][info.PlanNo]
		s.mu.RUnlock()
		if !ok {
			return nil, gwerrors.Business("plan %d is not configured on cross %s", info.PlanNo, info.CrossID)
		}
	}

	cp := *info
	taskID, err := s.submit(ctx, controllerID, models.SyncTypeCtrlMode, &cp, func() {
		s.mu.Lock()
		st, ok := s.states[cp.CrossID]
		if !ok {
			st = &models.CrossState{CrossID: cp.CrossID, Online: true}
			s.states[cp.CrossID] = st
		}
		st.CtrlMode = cp.CtrlMode
		if cp.PlanNo > 0 {
			st.PlanNo = cp.PlanNo
		}
		st.Timestamp = s.now()
		snapshot := *st
		s.mu.Unlock()

		s.publish(events.EventCrossStateChanged, snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &models.SetResult{ObjName: models.ObjCrossCtrlInfo, ID: info.CrossID, TaskID: taskID, Accepted: true}, nil
}

func (s *SignalService) SetControllerParam(ctx context.Context, param *models.SignalControllerParam) (*models.SetResult, error) {
	if param == nil || param.SignalControllerID == "" {
		return nil, gwerrors.Validation("controller param without id")
	}
	if param.Port < 0 || param.Port > 65535 {
		return nil, gwerrors.Validation("port %d out of range", param.Port)
	}

	s.mu.RLock()
	current, ok := s.controllers[param.SignalControllerID]
	var merged models.SignalControllerParam
	if ok {
		merged = *current
	}
	s.mu.RUnlock()
	if !ok {
		return nil, gwerrors.NotFound("signal controller %s", param.SignalControllerID)
	}
	if param.Brand != "" && param.Brand != merged.Brand {
		return nil, gwerrors.Business("brand of controller %s cannot be changed", param.SignalControllerID)
	}

	if param.Model != "" {
		merged.Model = param.Model
	}
	if param.IP != "" {
		merged.IP = param.IP
	}
	if param.Port != 0 {
		merged.Port = param.Port
	}

	taskID, err := s.submit(ctx, merged.SignalControllerID, models.SyncTypeConfig, &merged, func() {
		s.mu.Lock()
		cp := merged
		s.controllers[cp.SignalControllerID] = &cp
		s.mu.Unlock()

		s.publish(events.EventControllerChanged, merged)
	})
	if err != nil {
		return nil, err
	}
	return &models.SetResult{
		ObjName:  models.ObjSignalControllerParam,
		ID:       param.SignalControllerID,
		TaskID:   taskID,
		Accepted: true,
	}, nil
}

func (s *SignalService) controllerOf(crossID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crosses[crossID]
	if !ok {
		return "", gwerrors.NotFound("cross %s", crossID)
	}
	return c.SignalControllerID, nil
}

// submit creates and enqueues a task; apply runs once it completes.
func (s *SignalService) submit(ctx context.Context, controllerID string, syncType models.SyncType, payload models.Payload, apply func()) (string, error) {
	taskID, err := s.scheduler.CreateTask(ctx, models.SyncRequest{
		ControllerID:   controllerID,
		SyncType:       syncType,
		Payload:        payload,
		Priority:       s.opts.Priorities[syncType],
		TimeoutSeconds: s.opts.TimeoutSeconds,
		MaxRetryCount:  s.opts.MaxRetryCount,
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending[taskID] = apply
	s.mu.Unlock()

	if err := s.scheduler.Enqueue(taskID); err != nil {
		s.mu.Lock()
		delete(s.pending, taskID)
		s.mu.Unlock()
		return "", err
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("controller_id", controllerID).
		Str("sync_type", string(syncType)).
		Msg("sync task submitted")
	return taskID, nil
}

// Listen applies catalog changes when their sync tasks finish.
func (s *SignalService) Listen(bus *events.EventBus) {
	bus.Subscribe(events.EventSyncTaskFinished, func(ev *events.Event) error {
		var p events.TaskEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.taskFinished(p.TaskID, p.Status)
		return nil
	})
}

func (s *SignalService) taskFinished(taskID string, status models.SyncStatus) {
	s.mu.Lock()
	apply, ok := s.pending[taskID]
	delete(s.pending, taskID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if status != models.SyncCompleted {
		s.logger.Warn().Str("task_id", taskID).Str("status", string(status)).Msg("sync task did not complete, catalog unchanged")
		return
	}
	apply()
}
