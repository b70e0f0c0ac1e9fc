package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wastedesk/wastedesk/internal/declaration"
	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SessionPoller resolves pending registry sessions.
type SessionPoller interface {
	PollPending(ctx context.Context) (declaration.PollSummary, error)
}

// JobProcessor schedules and runs declaration jobs.
type JobProcessor interface {
	Schedule(ctx context.Context, jobType declaration.JobType, period declaration.Period) (declaration.Job, bool, error)
	ProcessPending(ctx context.Context) (declaration.ProcessSummary, error)
}

// Triggers owns the scheduled entry points of the declaration engine. Each
// trigger runs under its own guard so a slow run is skipped, never stacked.
type Triggers struct {
	Resolver  SessionPoller
	Processor JobProcessor
	Guard     *RunGuard
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewTriggers wires the trigger handlers.
func NewTriggers(resolver SessionPoller, processor JobProcessor, guard *RunGuard, logger *slog.Logger, metrics *jobmetrics.Metrics) *Triggers {
	if guard == nil {
		guard = NewRunGuard(nil, 0, logger)
	}
	return &Triggers{
		Resolver:  resolver,
		Processor: processor,
		Guard:     guard,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers lists the Asynq registrations for every trigger.
func (t *Triggers) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskPollSessions, Handler: t.HandlePollSessions},
		{Type: TaskDetectLate, Handler: t.HandleDetectLate},
		{Type: TaskScheduleReceivals, Handler: t.HandleScheduleReceivals},
		{Type: TaskProcessJobs, Handler: t.HandleProcessJobs},
	}
}

// HandlePollSessions polls every pending registry session once.
func (t *Triggers) HandlePollSessions(ctx context.Context, task *asynq.Task) error {
	if t == nil || t.Resolver == nil {
		return errors.New("poll sessions: resolver not configured")
	}
	return t.guarded(ctx, TaskPollSessions, func(ctx context.Context) error {
		summary, err := t.Resolver.PollPending(ctx)
		t.log(TaskPollSessions).Info("sessions polled",
			slog.Int("polled", summary.Polled),
			slog.Int("processing", summary.Processing),
			slog.Int("completed", summary.Completed),
			slog.Int("failed", summary.Failed),
			slog.Int("errors", summary.Errors),
		)
		return err
	})
}

// HandleDetectLate schedules a LATE_LINES job for the cutoff period and
// processes pending jobs when the processor is idle.
func (t *Triggers) HandleDetectLate(ctx context.Context, task *asynq.Task) error {
	if t == nil || t.Processor == nil {
		return errors.New("detect late: processor not configured")
	}
	_, pinned, err := decodeTriggerPayload(task)
	if err != nil {
		t.log(TaskDetectLate).Warn("invalid payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	return t.guarded(ctx, TaskDetectLate, func(ctx context.Context) error {
		cutoff := declaration.CutoffPeriod(t.now())
		if pinned != nil {
			cutoff = *pinned
		}
		if _, _, err := t.Processor.Schedule(ctx, declaration.JobLateLines, cutoff); err != nil {
			return err
		}
		return t.processIfIdle(ctx)
	})
}

// HandleScheduleReceivals schedules the first and monthly receival jobs for
// the previous month.
func (t *Triggers) HandleScheduleReceivals(ctx context.Context, task *asynq.Task) error {
	if t == nil || t.Processor == nil {
		return errors.New("schedule receivals: processor not configured")
	}
	_, pinned, err := decodeTriggerPayload(task)
	if err != nil {
		t.log(TaskScheduleReceivals).Warn("invalid payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	return t.guarded(ctx, TaskScheduleReceivals, func(ctx context.Context) error {
		period := declaration.PeriodOf(t.now()).AddMonths(-1)
		if pinned != nil {
			period = *pinned
		}
		for _, jobType := range []declaration.JobType{declaration.JobFirstReceivals, declaration.JobMonthlyReceivals} {
			if _, _, err := t.Processor.Schedule(ctx, jobType, period); err != nil {
				return err
			}
		}
		return t.processIfIdle(ctx)
	})
}

// HandleProcessJobs runs pending declaration jobs.
func (t *Triggers) HandleProcessJobs(ctx context.Context, task *asynq.Task) error {
	if t == nil || t.Processor == nil {
		return errors.New("process jobs: processor not configured")
	}
	return t.guarded(ctx, TaskProcessJobs, t.process)
}

func (t *Triggers) process(ctx context.Context) error {
	summary, err := t.Processor.ProcessPending(ctx)
	t.log(TaskProcessJobs).Info("jobs processed",
		slog.Int("processed", summary.Processed),
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
	)
	return err
}

// processIfIdle runs the processor under its own guard; a busy processor will
// pick the new jobs up on its next run.
func (t *Triggers) processIfIdle(ctx context.Context) error {
	release, ok := t.Guard.TryAcquire(ctx, TaskProcessJobs)
	if !ok {
		t.log(TaskProcessJobs).Info("processor busy, deferring")
		return nil
	}
	defer release()
	return t.process(ctx)
}

func (t *Triggers) guarded(ctx context.Context, name string, run func(context.Context) error) error {
	release, ok := t.Guard.TryAcquire(ctx, name)
	if !ok {
		t.metrics().Skip(name)
		t.log(name).Info("previous run still in progress, skipping")
		return nil
	}
	defer release()

	tracker := t.metrics().Track(name)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	resultErr = run(ctx)
	if resultErr != nil {
		t.log(name).Error("trigger failed", slog.Any("error", resultErr))
	}
	return resultErr
}

func (t *Triggers) metrics() *jobmetrics.Metrics {
	if t != nil && t.Metrics != nil {
		return t.Metrics
	}
	return defaultJobMetrics
}

func (t *Triggers) log(job string) *slog.Logger {
	if t != nil && t.Logger != nil {
		return t.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (t *Triggers) now() time.Time {
	if t != nil && t.clock != nil {
		return t.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (t *Triggers) WithClock(clock func() time.Time) {
	if t != nil && clock != nil {
		t.clock = clock
	}
}
