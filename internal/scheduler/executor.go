package scheduler

import (
	"context"

	"signalgw/internal/domain"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

// ProgressFunc records execution progress (0-100) on the running task.
type ProgressFunc func(percent int)

// Executor performs the synchronization work of one task. The context
// carries the task deadline.
type Executor interface {
	Execute(ctx context.Context, task models.SyncTask, progress ProgressFunc) (models.Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task models.SyncTask, progress ProgressFunc) (models.Payload, error)

func (f ExecutorFunc) Execute(ctx context.Context, task models.SyncTask, progress ProgressFunc) (models.Payload, error) {
	return f(ctx, task, progress)
}

// AdapterExecutor runs tasks against the device adapter that owns the
// task's controller.
type AdapterExecutor struct {
	adapters domain.AdapterRegistry
}

func NewAdapterExecutor(adapters domain.AdapterRegistry) *AdapterExecutor {
	return &AdapterExecutor{adapters: adapters}
}

func (e *AdapterExecutor) Execute(ctx context.Context, task models.SyncTask, progress ProgressFunc) (models.Payload, error) {
	adapter, ok := e.adapters.GetAdapterByControllerID(task.ControllerID)
	if !ok {
		return nil, gwerrors.NotFound("no adapter for controller %s", task.ControllerID)
	}
	progress(10)

	if task.SyncType == models.SyncTypeStatus {
		states, err := adapter.ReadStatus(ctx, task.ControllerID)
		if err != nil {
			return nil, err
		}
		progress(90)
		items := make([]models.Payload, 0, len(states))
		for _, st := range states {
			items = append(items, st)
		}
		return &models.ListPayload{ItemType: models.ObjCrossState, Items: items}, nil
	}

	if task.Payload == nil && task.SyncType != models.SyncTypeTime {
		return nil, gwerrors.Validation("%s sync for %s has no payload", task.SyncType, task.ControllerID)
	}
	if err := adapter.PushConfig(ctx, task.ControllerID, task.SyncType, task.Payload); err != nil {
		return nil, err
	}
	progress(90)
	return nil, nil
}
