package scheduler

import (
	"context"
	"fmt"
	"time"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

// Future resolves when its task reaches a terminal state.
type Future struct {
	taskID string
	task   *task
}

func (f *Future) TaskID() string { return f.taskID }

// Done is closed on the task's terminal transition.
func (f *Future) Done() <-chan struct{} { return f.task.done }

// Wait blocks until the task is terminal, timeout elapses or ctx ends. When
// the caller gives up first it receives a synthesized TIMEOUT result; the task
// keeps running and its eventual outcome stays visible to status queries.
// A non-positive timeout waits on ctx alone.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) models.SyncResult {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.task.done:
		return f.result()
	case <-expired:
		return f.synthesizeTimeout(fmt.Sprintf("wait timed out after %s", timeout))
	case <-ctx.Done():
		return f.synthesizeTimeout(fmt.Sprintf("wait abandoned: %v", ctx.Err()))
	}
}

func (f *Future) result() models.SyncResult {
	snap := f.task.snapshot()
	if snap.Result == nil {
		return models.SyncResult{TaskID: f.taskID, Status: snap.Status}
	}
	return *snap.Result
}

func (f *Future) synthesizeTimeout(message string) models.SyncResult {
	return models.SyncResult{
		TaskID:  f.taskID,
		Status:  models.SyncTimeout,
		Success: false,
		Message: message,
		Err:     gwerrors.Timeout("task %s: %s", f.taskID, message),
	}
}
