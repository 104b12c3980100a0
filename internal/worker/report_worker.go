// Package worker mirrors finished sync tasks into the report spreadsheet.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signalgw/internal/events"
	"signalgw/internal/logging"
	"signalgw/internal/metrics"
	"signalgw/internal/models"
	"signalgw/internal/scheduler"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ReportWriter writes one task row.
type ReportWriter interface {
	UpsertTask(ctx context.Context, task models.SyncTask) error
}

// TaskSource resolves a task id to its latest snapshot.
type TaskSource interface {
	GetStatus(taskID string) (*models.SyncTask, error)
}

type Options struct {
	QueueKey      string
	DeadLetterKey string
	MaxRetries    int
	Retry         scheduler.RetryPolicy
	PollInterval  time.Duration
	QueueSize     int
}

// reportJob is the queued unit of work. It is what goes on the redis lists.
type reportJob struct {
	Task    models.SyncTask `json:"task"`
	Attempt int             `json:"attempt"`
	Error   string          `json:"error,omitempty"`
}

// ReportWorker drains a queue of finished tasks into a ReportWriter. Redis
// is used when available, with an in-memory channel as fallback.
type ReportWorker struct {
	opts   Options
	writer ReportWriter
	source TaskSource
	redis  *redis.Client
	queue  chan reportJob
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) bool
}

func NewReportWorker(opts Options, writer ReportWriter, source TaskSource, redisClient *redis.Client, logger *zerolog.Logger) *ReportWorker {
	if opts.QueueKey == "" {
		opts.QueueKey = "signalgw:report:queue"
	}
	if opts.DeadLetterKey == "" {
		opts.DeadLetterKey = "signalgw:report:deadletter"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 128
	}

	return &ReportWorker{
		opts:   opts,
		writer: writer,
		source: source,
		redis:  redisClient,
		queue:  make(chan reportJob, opts.QueueSize),
		logger: logging.Component(logger, "report-worker"),
		sleep:  sleepCtx,
	}
}

// Listen queues every task that reaches a terminal state.
func (w *ReportWorker) Listen(bus *events.EventBus) {
	bus.Subscribe(events.EventSyncTaskFinished, func(ev *events.Event) error {
		var p events.TaskEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		task, err := w.source.GetStatus(p.TaskID)
		if err != nil {
			return fmt.Errorf("report lookup %s: %w", p.TaskID, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return w.Enqueue(ctx, *task)
	})
}

// Enqueue schedules a row write for task.
func (w *ReportWorker) Enqueue(ctx context.Context, task models.SyncTask) error {
	if task.TaskID == "" {
		return errors.New("task id is required")
	}
	return w.push(ctx, reportJob{Task: task})
}

func (w *ReportWorker) push(ctx context.Context, job reportJob) error {
	if w.redis != nil {
		err := w.pushRedis(ctx, w.opts.QueueKey, job)
		if err == nil {
			return nil
		}
		w.logger.Warn().Err(err).Str("task_id", job.Task.TaskID).Msg("redis push failed, falling back to memory queue")
	}

	select {
	case w.queue <- job:
		return nil
	default:
		metrics.IncReportRow("dropped")
		return fmt.Errorf("report queue full, task %s dropped", job.Task.TaskID)
	}
}

// Start processes jobs until ctx ends.
func (w *ReportWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("report worker started")
	defer w.logger.Info().Msg("report worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if job, ok := w.tryLocalQueue(); ok {
			w.process(ctx, job)
			continue
		}
		if job, ok := w.tryRedis(ctx); ok {
			w.process(ctx, job)
			continue
		}
		if w.redis == nil {
			select {
			case <-ctx.Done():
				return
			case job := <-w.queue:
				w.process(ctx, job)
			}
		}
	}
}

func (w *ReportWorker) tryLocalQueue() (reportJob, bool) {
	select {
	case job := <-w.queue:
		return job, true
	default:
		return reportJob{}, false
	}
}

func (w *ReportWorker) tryRedis(ctx context.Context) (reportJob, bool) {
	if w.redis == nil {
		return reportJob{}, false
	}
	res, err := w.redis.BRPop(ctx, w.opts.PollInterval, w.opts.QueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("redis BRPOP failed")
			w.sleep(ctx, w.opts.PollInterval)
		}
		return reportJob{}, false
	}
	if len(res) != 2 {
		return reportJob{}, false
	}
	var job reportJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		w.logger.Error().Err(err).Msg("decode report job")
		return reportJob{}, false
	}
	return job, true
}

func (w *ReportWorker) process(ctx context.Context, job reportJob) {
	err := w.writer.UpsertTask(ctx, job.Task)
	if err == nil {
		metrics.IncReportRow("written")
		w.logger.Debug().Str("task_id", job.Task.TaskID).Str("status", string(job.Task.Status)).Msg("report row written")
		return
	}
	w.retryOrFail(ctx, job, err)
}

func (w *ReportWorker) retryOrFail(ctx context.Context, job reportJob, cause error) {
	job.Attempt++
	job.Error = cause.Error()
	log := w.logger.With().Str("task_id", job.Task.TaskID).Int("attempt", job.Attempt).Logger()

	if job.Attempt >= w.opts.MaxRetries {
		metrics.IncReportRow("failed")
		log.Error().Err(cause).Msg("report row failed, moving to dead letter")
		w.pushDeadLetter(ctx, job)
		return
	}

	delay := w.opts.Retry.NextDelay(job.Attempt)
	log.Warn().Err(cause).Dur("retry_in", delay).Msg("report row failed, retrying")
	if !w.sleep(ctx, delay) {
		return
	}
	if err := w.push(ctx, job); err != nil {
		log.Error().Err(err).Msg("requeue report job")
	}
}

func (w *ReportWorker) pushRedis(ctx context.Context, key string, job reportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}

func (w *ReportWorker) pushDeadLetter(ctx context.Context, job reportJob) {
	if w.redis == nil {
		return
	}
	if err := w.pushRedis(ctx, w.opts.DeadLetterKey, job); err != nil {
		w.logger.Error().Err(err).Str("task_id", job.Task.TaskID).Msg("dead letter push failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
