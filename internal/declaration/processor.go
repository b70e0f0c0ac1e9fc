package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultJobLimit = 50

// ProcessSummary counts the jobs handled by one processor run.
type ProcessSummary struct {
	Processed int
	Completed int
	Failed    int
}

// Processor schedules declaration jobs and runs pending ones.
type Processor struct {
	store      Store
	aggregator *Aggregator
	late       *LateDetector
	logger     *slog.Logger
	limit      int
	clock      func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(store Store, aggregator *Aggregator, late *LateDetector, logger *slog.Logger) *Processor {
	return &Processor{
		store:      store,
		aggregator: aggregator,
		late:       late,
		logger:     logger,
		limit:      defaultJobLimit,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (p *Processor) WithClock(clock func() time.Time) {
	if p != nil && clock != nil {
		p.clock = clock
	}
}

// Schedule creates a PENDING job unless one of the same type and period is
// already pending. The boolean reports whether a job was created.
func (p *Processor) Schedule(ctx context.Context, jobType JobType, period Period) (Job, bool, error) {
	if !jobType.Valid() {
		return Job{}, false, fmt.Errorf("declaration: unknown job type %q", jobType)
	}
	if period.IsZero() {
		return Job{}, false, errors.New("declaration: job period required")
	}
	var (
		job     Job
		created bool
	)
	err := p.store.InTx(ctx, func(tx Store) error {
		pending, err := tx.HasPendingJob(ctx, jobType, period)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}
		job = Job{
			ID:        uuid.New(),
			Type:      jobType,
			Period:    period,
			Status:    JobPending,
			CreatedAt: p.now(),
		}
		created = true
		return tx.InsertJob(ctx, job)
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("schedule %s %s: %w", jobType, period, err)
	}
	if created {
		p.log().Info("job scheduled", slog.String("job_id", job.ID.String()), slog.String("type", string(jobType)), slog.String("period", period.String()))
	}
	return job, created, nil
}

// ProcessPending runs pending jobs oldest first. Each job ends COMPLETED or
// FAILED exactly once; a failing job never stops the remaining ones.
func (p *Processor) ProcessPending(ctx context.Context) (ProcessSummary, error) {
	var summary ProcessSummary
	jobs, err := p.store.ListJobs(ctx, JobPending, p.limit)
	if err != nil {
		return summary, fmt.Errorf("list pending jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Processed++
		runErr := p.execute(ctx, job)
		status := JobCompleted
		message := ""
		if runErr != nil {
			status = JobFailed
			message = runErr.Error()
			summary.Failed++
			p.log().Error("job failed", slog.String("job_id", job.ID.String()), slog.String("type", string(job.Type)), slog.Any("error", runErr))
		} else {
			summary.Completed++
		}
		if err := p.store.FinishJob(ctx, job.ID, status, p.now(), message); err != nil {
			if errors.Is(err, ErrJobAlreadyFinished) {
				p.log().Warn("job finished elsewhere", slog.String("job_id", job.ID.String()))
				continue
			}
			errs = append(errs, fmt.Errorf("finish job %s: %w", job.ID, err))
		}
	}
	return summary, errors.Join(errs...)
}

func (p *Processor) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Type, r)
		}
	}()
	return p.dispatch(ctx, job)
}

func (p *Processor) dispatch(ctx context.Context, job Job) error {
	switch job.Type {
	case JobFirstReceivals:
		work, err := p.aggregator.FindFirstReceivalWork(ctx, job.Period)
		if err != nil {
			return err
		}
		return p.submit(ctx, job, work)
	case JobMonthlyReceivals:
		work, err := p.aggregator.FindMonthlyReceivalWork(ctx, job.Period)
		if err != nil {
			return err
		}
		return p.submit(ctx, job, work)
	case JobLateLines:
		created, err := p.late.Detect(ctx, job.Period)
		if err != nil {
			return err
		}
		p.log().Info("late lines detected", slog.String("job_id", job.ID.String()), slog.Int("declarations", created))
		return nil
	default:
		return fmt.Errorf("declaration: unknown job type %q", job.Type)
	}
}

func (p *Processor) submit(ctx context.Context, job Job, work []Work) error {
	if len(work) == 0 {
		p.log().Info("nothing to declare", slog.String("job_id", job.ID.String()), slog.String("type", string(job.Type)))
		return nil
	}
	summary, err := p.aggregator.Submit(ctx, work)
	if err != nil {
		return err
	}
	p.log().Info("job submitted",
		slog.String("job_id", job.ID.String()),
		slog.Int("declarations", summary.Declarations),
		slog.Int("sessions", len(summary.Sessions)),
	)
	return nil
}

func (p *Processor) log() *slog.Logger {
	if p.logger != nil {
		return p.logger.With(slog.String("component", "job_processor"))
	}
	return slog.Default().With(slog.String("component", "job_processor"))
}

func (p *Processor) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return time.Now().UTC()
}
