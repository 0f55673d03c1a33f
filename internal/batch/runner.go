package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/bulkops/internal/metrics"
	"github.com/foxzi/bulkops/internal/models"
)

// Runner executes the items of one job in index order
type Runner struct {
	store      JobStore
	processors map[models.JobKind]Processor
	logger     *slog.Logger
	pageSize   int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewRunner creates a runner. pageSize bounds how many pending items are loaded at once.
func NewRunner(store JobStore, processors []Processor, pageSize int, logger *slog.Logger) *Runner {
	if pageSize <= 0 {
		pageSize = 100
	}
	byKind := make(map[models.JobKind]Processor, len(processors))
	for _, p := range processors {
		byKind[p.Kind()] = p
	}
	return &Runner{
		store:      store,
		processors: byKind,
		logger:     logger.With("component", "runner"),
		pageSize:   pageSize,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Processor returns the processor registered for kind
func (r *Runner) Processor(kind models.JobKind) (Processor, bool) {
	p, ok := r.processors[kind]
	return p, ok
}

// Run drives a job to a terminal status. Cancelling ctx stops dispatch before the
// next item; the item in flight is still recorded and the remaining ones stay pending.
// A job that leaves processing in storage, e.g. cancelled from another process, stops
// the same way except that an item in flight is left pending.
// The returned error reports storage failures only.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	store := context.WithoutCancel(ctx)
	logger := r.logger.With("job_id", jobID)

	job, err := r.store.GetByID(store, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return ErrNotFound
	}
	if job.Status.IsTerminal() || ctx.Err() != nil {
		return nil
	}

	started := r.now().UTC()
	ok, err := r.store.MarkProcessing(store, job.ID, started)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	if !ok {
		logger.Debug("job finished before start")
		return nil
	}
	if job.StartedAt == nil {
		job.StartedAt = &started
	}
	job.Status = models.JobStatusProcessing

	metrics.JobStarted()
	defer func() {
		metrics.JobStopped(string(job.Kind), time.Since(started).Seconds())
	}()

	logger = logger.With("kind", job.Kind)
	logger.Info("job started", "total", job.TotalCount, "processed", job.ProcessedCount)

	processor, ok := r.processors[job.Kind]
	if !ok {
		return r.fail(store, logger, job, fmt.Sprintf("unsupported job kind %q", job.Kind))
	}

	task, err := processor.Prepare(store, job)
	if err != nil {
		return r.fail(store, logger, job, err.Error())
	}

	after := -1
	first := true
	for {
		items, err := r.store.NextPendingItems(store, job.ID, after, r.pageSize)
		if err != nil {
			return r.fail(store, logger, job, fmt.Sprintf("failed to load items: %v", err))
		}
		if len(items) == 0 {
			break
		}

		for i := range items {
			item := &items[i]

			if !first {
				if d := task.Pause(); d > 0 {
					if err := r.sleep(ctx, d); err != nil {
						logger.Info("job stopped", "processed", job.ProcessedCount, "total", job.TotalCount)
						return nil
					}
					metrics.AddRateLimitWait(d.Seconds())
				}
			}
			if ctx.Err() != nil {
				logger.Info("job stopped", "processed", job.ProcessedCount, "total", job.TotalCount)
				return nil
			}
			halted, err := r.halted(store, job.ID)
			if err != nil {
				return r.fail(store, logger, job, fmt.Sprintf("failed to load job: %v", err))
			}
			if halted {
				logger.Info("job stopped in storage", "processed", job.ProcessedCount, "total", job.TotalCount)
				return nil
			}
			first = false

			if err := r.runItem(store, logger, task, job, item); err != nil {
				if halted, _ := r.halted(store, job.ID); halted {
					logger.Info("job stopped in storage", "processed", job.ProcessedCount, "total", job.TotalCount)
					return nil
				}
				return r.fail(store, logger, job, err.Error())
			}
			after = item.ItemIndex
		}
	}

	job.Status = models.JobStatusCompleted
	job.ResultSummary = summarize(job)
	finished, err := r.store.Finish(store, job)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if !finished {
		logger.Info("job cancelled during its last item")
		return nil
	}
	metrics.IncJobsFinished(string(job.Kind), string(job.Status))

	logger.Info("job completed",
		"success", job.SuccessCount,
		"failed", job.FailedCount,
		"skipped", job.SkippedCount,
	)
	return nil
}

func (r *Runner) runItem(ctx context.Context, logger *slog.Logger, task Task, job *models.BatchJob, item *models.BatchItem) error {
	start := time.Now()

	outcome, err := task.Process(ctx, item)
	if err != nil {
		outcome = failed(err.Error())
	}
	if !outcome.Status.IsTerminal() {
		outcome = failed(fmt.Sprintf("processor returned status %q", outcome.Status))
	}

	processedAt := r.now().UTC()
	item.Status = outcome.Status
	item.ErrorMessage = outcome.Error
	item.ProcessedAt = &processedAt
	item.Result = nil
	if outcome.Result != nil {
		data, err := json.Marshal(outcome.Result)
		if err != nil {
			return fmt.Errorf("failed to encode item result: %w", err)
		}
		item.Result = data
	}

	next := *job
	next.Record(item.Status)
	if err := r.store.CompleteItem(ctx, item, &next); err != nil {
		return fmt.Errorf("failed to record item %d: %w", item.ItemIndex, err)
	}
	*job = next

	metrics.ObserveItem(string(job.Kind), string(item.Status), time.Since(start).Seconds())

	if item.Status != models.ItemStatusCompleted {
		logger.Debug("item not completed",
			"index", item.ItemIndex,
			"status", item.Status,
			"error", item.ErrorMessage,
		)
	}
	return nil
}

// halted reports whether the stored job is no longer processing
func (r *Runner) halted(ctx context.Context, id string) (bool, error) {
	current, err := r.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return current == nil || current.Status != models.JobStatusProcessing, nil
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job *models.BatchJob, msg string) error {
	job.Status = models.JobStatusFailed
	job.ErrorMessage = msg
	job.ResultSummary = summarize(job)

	ok, err := r.store.Finish(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if ok {
		metrics.IncJobsFinished(string(job.Kind), string(job.Status))
	}

	logger.Error("job failed", "error", msg, "processed", job.ProcessedCount, "total", job.TotalCount)
	return nil
}

func summarize(job *models.BatchJob) string {
	return fmt.Sprintf("%d of %d processed: %d succeeded, %d failed, %d skipped",
		job.ProcessedCount, job.TotalCount, job.SuccessCount, job.FailedCount, job.SkippedCount)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
