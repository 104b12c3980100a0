package scheduler

import (
	"fmt"
	"sync"
	"time"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

// task is the live, lock-guarded form of a SyncTask. Every state transition
// goes through mu, which makes cancel-vs-start atomic.
type task struct {
	mu   sync.Mutex
	data models.SyncTask
	done chan struct{}
}

func newTask(data models.SyncTask) *task {
	return &task{data: data, done: make(chan struct{})}
}

func (t *task) snapshot() models.SyncTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *task) snapshotLocked() models.SyncTask {
	s := t.data
	if t.data.StartTime != nil {
		start := *t.data.StartTime
		s.StartTime = &start
	}
	if t.data.EndTime != nil {
		end := *t.data.EndTime
		s.EndTime = &end
	}
	if t.data.Result != nil {
		res := *t.data.Result
		s.Result = &res
	}
	return s
}

// enqueue moves CREATED to PENDING. It reports whether the caller must push
// the task onto the queue.
func (t *task) enqueue() (bool, models.SyncStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data.Status != models.SyncCreated {
		return false, t.data.Status
	}
	t.data.Status = models.SyncPending
	return true, models.SyncPending
}

// start moves PENDING to RUNNING. A task cancelled after being popped stays
// cancelled and start reports false.
func (t *task) start(now time.Time) (models.SyncTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data.Status != models.SyncPending {
		return models.SyncTask{}, false
	}
	t.data.Status = models.SyncRunning
	t.data.StartTime = &now
	t.data.Progress = 0
	return t.snapshotLocked(), true
}

// cancel succeeds only before execution starts.
func (t *task) cancel(now time.Time) (models.SyncTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.data.Status.CanTransition(models.SyncCancelled) {
		return models.SyncTask{}, false
	}
	t.finishLocked(models.SyncCancelled, "cancelled before execution", nil, nil, now)
	return t.snapshotLocked(), true
}

func (t *task) setProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data.Status == models.SyncRunning && percent > t.data.Progress {
		t.data.Progress = percent
	}
}

func (t *task) incRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RetryCount++
	return t.data.RetryCount
}

// finish applies a terminal transition from RUNNING. It refuses to leave a
// terminal state, so a worker finishing after the monitor declared TIMEOUT
// does not overwrite it.
func (t *task) finish(status models.SyncStatus, message string, data models.Payload, cause error, now time.Time) (models.SyncTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.data.Status.CanTransition(status) {
		return models.SyncTask{}, false
	}
	t.finishLocked(status, message, data, cause, now)
	return t.snapshotLocked(), true
}

// expire moves a RUNNING task past its deadline to TIMEOUT.
func (t *task) expire(now time.Time) (models.SyncTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data.Status != models.SyncRunning || t.data.StartTime == nil {
		return models.SyncTask{}, false
	}
	deadline := t.data.StartTime.Add(t.data.Timeout())
	if now.Before(deadline) {
		return models.SyncTask{}, false
	}
	msg := fmt.Sprintf("execution exceeded %ds", t.data.TimeoutSeconds)
	t.finishLocked(models.SyncTimeout, msg, nil, gwerrors.Timeout("%s", msg), now)
	return t.snapshotLocked(), true
}

// expired reports whether a terminal task finished before cutoff.
func (t *task) expired(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Status.IsTerminal() && t.data.EndTime != nil && !t.data.EndTime.After(cutoff)
}

func (t *task) finishLocked(status models.SyncStatus, message string, data models.Payload, cause error, now time.Time) {
	t.data.Status = status
	t.data.Message = message
	t.data.EndTime = &now
	if status == models.SyncCompleted {
		t.data.Progress = 100
	}

	var duration time.Duration
	if t.data.StartTime != nil {
		duration = now.Sub(*t.data.StartTime)
	}
	t.data.Result = &models.SyncResult{
		TaskID:   t.data.TaskID,
		Status:   status,
		Success:  status == models.SyncCompleted,
		Message:  message,
		Data:     data,
		Duration: duration,
		Err:      cause,
	}
	close(t.done)
}
