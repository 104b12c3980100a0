package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/metrics"
	"signalgw/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopTimeout    = errors.New("scheduler stop timed out")
)

// Archive persists terminal tasks so history outlives the in-memory
// retention window.
type Archive interface {
	SaveTask(ctx context.Context, task *models.SyncTask) error
	GetTask(ctx context.Context, taskID string) (*models.SyncTask, error)
	GetTaskHistory(ctx context.Context, controllerID string, limit int) ([]models.SyncTask, error)
}

// Options configures a Scheduler. Zero values take defaults.
type Options struct {
	Workers         int
	MonitorInterval time.Duration
	DefaultTimeout  time.Duration
	Retention       time.Duration
	Retry           RetryPolicy
}

// Option wires optional collaborators.
type Option func(*Scheduler)

// WithArchive stores terminal tasks in archive.
func WithArchive(archive Archive) Option {
	return func(s *Scheduler) { s.archive = archive }
}

// WithDeadLetter pushes FAILED and TIMEOUT tasks onto a redis list.
func WithDeadLetter(client *redis.Client, key string) Option {
	return func(s *Scheduler) {
		s.redis = client
		s.deadLetterKey = key
	}
}

// WithEvents publishes a sync_task_finished event per terminal transition.
func WithEvents(pub domain.EventPublisher) Option {
	return func(s *Scheduler) { s.events = pub }
}

// WithExecutor overrides the executor for one sync type.
func WithExecutor(syncType models.SyncType, exec Executor) Option {
	return func(s *Scheduler) { s.executors[syncType] = exec }
}

// Scheduler queues sync tasks by priority and runs them on a fixed worker
// pool. A monitor goroutine enforces task timeouts and retention.
type Scheduler struct {
	opts      Options
	fallback  Executor
	executors map[models.SyncType]Executor
	logger    zerolog.Logger

	tasks sync.Map // taskID -> *task
	queue *taskQueue

	archive       Archive
	events        domain.EventPublisher
	redis         *redis.Client
	deadLetterKey string

	running atomic.Int64
	now     func() time.Time

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a scheduler whose tasks run on exec unless a per-type executor
// was supplied.
func New(opts Options, exec Executor, logger *zerolog.Logger, options ...Option) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = models.DefaultTaskTimeoutSeconds * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = models.DefaultTaskRetention
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = time.Minute
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "scheduler").Logger()
	}

	s := &Scheduler{
		opts:      opts,
		fallback:  exec,
		executors: make(map[models.SyncType]Executor),
		logger:    log,
		queue:     newTaskQueue(),
		now:       time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Start launches the workers and the monitor; they stop when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.monitor(ctx)

	go func() {
		<-ctx.Done()
		s.queue.Close()
	}()

	s.logger.Info().Int("workers", s.opts.Workers).Dur("monitor_interval", s.opts.MonitorInterval).Msg("scheduler started")
	return nil
}

// Stop cancels in-flight executions and waits for the goroutines to exit.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	cancel := s.cancel
	started := s.started
	s.lifecycleMu.Unlock()
	if !started {
		return nil
	}

	cancel()
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// CreateTask validates req and stores it in CREATED state without queuing it.
func (s *Scheduler) CreateTask(ctx context.Context, req models.SyncRequest) (string, error) {
	if req.ControllerID == "" {
		return "", gwerrors.Validation("controller id is required")
	}
	if !req.SyncType.Valid() {
		return "", gwerrors.Validation("unknown sync type %q", req.SyncType)
	}
	if req.TimeoutSeconds < 0 {
		return "", gwerrors.Validation("timeout must not be negative")
	}
	if req.MaxRetryCount < 0 {
		return "", gwerrors.Validation("max retry count must not be negative")
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = int(s.opts.DefaultTimeout / time.Second)
	}

	data := models.SyncTask{
		TaskID:         uuid.NewString(),
		ControllerID:   req.ControllerID,
		SyncType:       req.SyncType,
		Payload:        req.Payload,
		Priority:       req.Priority,
		CreateTime:     s.now(),
		TimeoutSeconds: timeout,
		MaxRetryCount:  req.MaxRetryCount,
		Status:         models.SyncCreated,
	}
	if req.Payload != nil {
		data.PayloadType = req.Payload.ObjectType()
	}

	s.tasks.Store(data.TaskID, newTask(data))
	metrics.IncTaskTransition(string(models.SyncCreated), string(req.SyncType))
	s.logger.Debug().
		Str("task_id", data.TaskID).
		Str("controller_id", data.ControllerID).
		Str("sync_type", string(data.SyncType)).
		Int("priority", data.Priority).
		Msg("task created")
	return data.TaskID, nil
}

// Enqueue moves a CREATED task to PENDING and queues it. Tasks already past
// CREATED are left alone.
func (s *Scheduler) Enqueue(taskID string) error {
	t, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	push, status := t.enqueue()
	if !push {
		s.logger.Debug().Str("task_id", taskID).Str("status", string(status)).Msg("enqueue skipped")
		return nil
	}

	snap := t.snapshot()
	if !s.queue.Push(taskID, snap.Priority, snap.CreateTime) {
		msg := "scheduler stopped before execution"
		if final, ok := t.cancel(s.now()); ok {
			final.Message = msg
			s.afterTerminal(final)
		}
		return gwerrors.Business("task %s: %s", taskID, msg)
	}
	metrics.IncTaskTransition(string(models.SyncPending), string(snap.SyncType))
	metrics.SetQueueDepth(s.queue.Len())
	return nil
}

// Submit queues the task and returns a handle that resolves on its terminal
// transition.
func (s *Scheduler) Submit(taskID string) (*Future, error) {
	if err := s.Enqueue(taskID); err != nil {
		return nil, err
	}
	t, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return &Future{taskID: taskID, task: t}, nil
}

// Cancel cancels a task that has not started running.
func (s *Scheduler) Cancel(taskID string) bool {
	t, err := s.lookup(taskID)
	if err != nil {
		return false
	}
	snap, ok := t.cancel(s.now())
	if !ok {
		return false
	}
	s.queue.Remove(taskID)
	metrics.SetQueueDepth(s.queue.Len())
	s.afterTerminal(snap)
	return true
}

// GetStatus returns a snapshot, falling back to the archive for purged tasks.
func (s *Scheduler) GetStatus(taskID string) (*models.SyncTask, error) {
	if t, err := s.lookup(taskID); err == nil {
		snap := t.snapshot()
		return &snap, nil
	}
	if s.archive != nil {
		archived, err := s.archive.GetTask(context.Background(), taskID)
		if err != nil {
			return nil, fmt.Errorf("archive lookup %s: %w", taskID, err)
		}
		if archived != nil {
			return archived, nil
		}
	}
	return nil, gwerrors.NotFound("task %s not found", taskID)
}

func (s *Scheduler) GetProgress(taskID string) (int, error) {
	snap, err := s.GetStatus(taskID)
	if err != nil {
		return 0, err
	}
	return snap.Progress, nil
}

// GetActiveTasks returns non-terminal tasks, oldest first.
func (s *Scheduler) GetActiveTasks() []models.SyncTask {
	var out []models.SyncTask
	s.tasks.Range(func(_, v any) bool {
		snap := v.(*task).snapshot()
		if !snap.Status.IsTerminal() {
			out = append(out, snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out
}

// GetHistory returns the controller's tasks, newest first, merging the live
// registry with the archive. An empty controllerID matches every controller.
func (s *Scheduler) GetHistory(controllerID string, limit int) []models.SyncTask {
	if limit <= 0 {
		limit = 50
	}

	seen := make(map[string]bool)
	var out []models.SyncTask
	s.tasks.Range(func(_, v any) bool {
		snap := v.(*task).snapshot()
		if controllerID == "" || snap.ControllerID == controllerID {
			out = append(out, snap)
			seen[snap.TaskID] = true
		}
		return true
	})

	if s.archive != nil {
		archived, err := s.archive.GetTaskHistory(context.Background(), controllerID, limit)
		if err != nil {
			s.logger.Warn().Err(err).Str("controller_id", controllerID).Msg("archive history lookup failed")
		}
		for _, a := range archived {
			if !seen[a.TaskID] {
				out = append(out, a)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Scheduler) GetStats() models.SyncStats {
	stats := models.SyncStats{
		QueueDepth: s.queue.Len(),
		Workers:    s.opts.Workers,
		Paused:     s.queue.Paused(),
	}
	s.tasks.Range(func(_, v any) bool {
		stats.Total++
		switch v.(*task).snapshot().Status {
		case models.SyncCreated:
			stats.Created++
		case models.SyncPending:
			stats.Pending++
		case models.SyncRunning:
			stats.Running++
		case models.SyncCompleted:
			stats.Completed++
		case models.SyncFailed:
			stats.Failed++
		case models.SyncCancelled:
			stats.Cancelled++
		case models.SyncTimeout:
			stats.TimedOut++
		}
		return true
	})
	return stats
}

// Pause stops workers from pulling new tasks. Running tasks are unaffected.
func (s *Scheduler) Pause() {
	s.queue.SetPaused(true)
	s.logger.Info().Msg("scheduler paused")
}

func (s *Scheduler) Resume() {
	s.queue.SetPaused(false)
	s.logger.Info().Msg("scheduler resumed")
}

func (s *Scheduler) lookup(taskID string) (*task, error) {
	v, ok := s.tasks.Load(taskID)
	if !ok {
		return nil, gwerrors.NotFound("task %s not found", taskID)
	}
	return v.(*task), nil
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With().Int("worker", id).Logger()

	for {
		taskID, ok := s.queue.Pop()
		if !ok {
			return
		}
		metrics.SetQueueDepth(s.queue.Len())

		t, err := s.lookup(taskID)
		if err != nil {
			log.Warn().Str("task_id", taskID).Msg("queued task vanished from registry")
			continue
		}
		s.run(ctx, t, log)
	}
}

func (s *Scheduler) run(ctx context.Context, t *task, log zerolog.Logger) {
	snap, ok := t.start(s.now())
	if !ok {
		return
	}
	metrics.IncTaskTransition(string(models.SyncRunning), string(snap.SyncType))
	metrics.SetRunningTasks(int(s.running.Add(1)))
	defer func() { metrics.SetRunningTasks(int(s.running.Add(-1))) }()

	log.Info().
		Str("task_id", snap.TaskID).
		Str("controller_id", snap.ControllerID).
		Str("sync_type", string(snap.SyncType)).
		Msg("task started")

	deadline := snap.StartTime.Add(snap.Timeout())
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	data, err := s.execute(execCtx, t, snap, log)

	// An executor that ignores ctx can return success after the deadline;
	// the task still timed out.
	now := s.now()
	overdue := ctx.Err() == nil && (errors.Is(execCtx.Err(), context.DeadlineExceeded) || !now.Before(deadline))

	var final models.SyncTask
	switch {
	case overdue:
		msg := fmt.Sprintf("execution exceeded %ds", snap.TimeoutSeconds)
		final, ok = t.finish(models.SyncTimeout, msg, nil, gwerrors.Timeout("%s", msg), now)
	case err == nil:
		final, ok = t.finish(models.SyncCompleted, "", data, nil, now)
	default:
		final, ok = t.finish(models.SyncFailed, gwerrors.MessageOf(err), nil, err, now)
	}
	if !ok {
		// The monitor got there first.
		return
	}
	s.afterTerminal(final)
}

// execute runs the executor, re-running it on transient failures while the
// task's retry budget and deadline allow.
func (s *Scheduler) execute(ctx context.Context, t *task, snap models.SyncTask, log zerolog.Logger) (models.Payload, error) {
	exec := s.fallback
	if e, ok := s.executors[snap.SyncType]; ok {
		exec = e
	}
	if exec == nil {
		return nil, gwerrors.Business("no executor for sync type %s", snap.SyncType)
	}

	attempt := 0
	for {
		data, err := s.safeExecute(ctx, exec, snap, t.setProgress)
		if err == nil || !gwerrors.IsTransient(err) || attempt >= snap.MaxRetryCount || ctx.Err() != nil {
			return data, err
		}

		attempt++
		retries := t.incRetry()
		delay := s.opts.Retry.NextDelay(attempt)
		log.Warn().Err(err).
			Str("task_id", snap.TaskID).
			Int("retry", retries).
			Dur("delay", delay).
			Msg("transient task failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// safeExecute isolates executor panics so one task cannot take a worker down.
func (s *Scheduler) safeExecute(ctx context.Context, exec Executor, snap models.SyncTask, progress ProgressFunc) (data models.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gwerrors.Internal(fmt.Errorf("%v", r), "executor panic")
		}
	}()
	return exec.Execute(ctx, snap, progress)
}

func (s *Scheduler) monitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep times out overdue RUNNING tasks and purges terminal tasks older than
// the retention window.
func (s *Scheduler) sweep() {
	now := s.now()
	cutoff := now.Add(-s.opts.Retention)
	var timedOut, purged int

	s.tasks.Range(func(k, v any) bool {
		t := v.(*task)
		if snap, ok := t.expire(now); ok {
			timedOut++
			s.afterTerminal(snap)
			return true
		}
		if t.expired(cutoff) {
			s.tasks.Delete(k)
			purged++
		}
		return true
	})

	if timedOut > 0 || purged > 0 {
		s.logger.Info().Int("timed_out", timedOut).Int("purged", purged).Msg("monitor sweep")
	}
}

// afterTerminal runs the side effects of a terminal transition outside the
// task lock.
func (s *Scheduler) afterTerminal(snap models.SyncTask) {
	metrics.IncTaskTransition(string(snap.Status), string(snap.SyncType))
	if snap.StartTime != nil && snap.EndTime != nil {
		metrics.ObserveTaskDuration(string(snap.Status), snap.EndTime.Sub(*snap.StartTime).Seconds())
	}

	event := s.logger.Info()
	if snap.Status == models.SyncFailed || snap.Status == models.SyncTimeout {
		event = s.logger.Warn()
	}
	event.Str("task_id", snap.TaskID).
		Str("controller_id", snap.ControllerID).
		Str("status", string(snap.Status)).
		Str("message", snap.Message).
		Msg("task finished")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.archive != nil {
		if err := s.archive.SaveTask(ctx, &snap); err != nil {
			s.logger.Error().Err(err).Str("task_id", snap.TaskID).Msg("archive task")
		}
	}
	if snap.Status == models.SyncFailed || snap.Status == models.SyncTimeout {
		s.pushDeadLetter(ctx, snap)
	}
	if s.events != nil {
		payload := events.TaskEventPayload{
			TaskID:       snap.TaskID,
			ControllerID: snap.ControllerID,
			SyncType:     snap.SyncType,
			Status:       snap.Status,
			Progress:     snap.Progress,
			Message:      snap.Message,
		}
		if err := s.events.PublishJSON(events.EventSyncTaskFinished, payload); err != nil {
			s.logger.Error().Err(err).Str("task_id", snap.TaskID).Msg("publish task event")
		}
	}
}

func (s *Scheduler) pushDeadLetter(ctx context.Context, snap models.SyncTask) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", snap.TaskID).Msg("encode deadletter")
		return
	}
	if err := s.redis.LPush(ctx, s.deadLetterKey, data).Err(); err != nil {
		s.logger.Error().Err(err).Str("task_id", snap.TaskID).Msg("deadletter push")
	}
}
