package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/bulkops/internal/metrics"
	"github.com/foxzi/bulkops/internal/models"
)

// Config holds manager configuration
type Config struct {
	PageSize             int
	SchedulePollInterval time.Duration
	ResumeOnStart        bool
}

// DefaultConfig returns default manager configuration
func DefaultConfig() Config {
	return Config{
		PageSize:             100,
		SchedulePollInterval: 10 * time.Second,
		ResumeOnStart:        true,
	}
}

// SubmitRequest is an operator request to start a job
type SubmitRequest struct {
	Kind          models.JobKind  `json:"kind"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"description,omitempty"`
	Configuration json.RawMessage `json:"configuration"`
}

// Validate implements validation.Validatable
func (r SubmitRequest) Validate() error {
	kinds := make([]any, 0, len(models.JobKinds))
	for _, k := range models.JobKinds {
		kinds = append(kinds, k)
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind,
			validation.Required.Error("kind is required"),
			validation.In(kinds...).Error("unknown job kind"),
		),
		validation.Field(&r.Title, validation.RuneLength(0, 200)),
		validation.Field(&r.Description, validation.RuneLength(0, 2000)),
	)
}

// maxReportProblems caps the problem items returned with a job. The rest are
// listed through Items.
const maxReportProblems = 100

// JobReport is a job together with its first failed and skipped items.
// ProblemsTotal counts all of them.
type JobReport struct {
	Job           *models.BatchJob   `json:"job"`
	Problems      []models.BatchItem `json:"problems"`
	ProblemsTotal int                `json:"problems_total"`
}

// Manager accepts jobs and runs each one in its own goroutine
type Manager struct {
	store  JobStore
	runner *Runner
	cfg    Config
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time

	problemLimit int
}

// NewManager creates a new job manager
func NewManager(store JobStore, processors []Processor, cfg Config, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.SchedulePollInterval <= 0 {
		cfg.SchedulePollInterval = defaults.SchedulePollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:   store,
		runner:  NewRunner(store, processors, cfg.PageSize, logger),
		cfg:     cfg,
		logger:  logger.With("component", "batch"),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
		now:     time.Now,

		problemLimit: maxReportProblems,
	}
}

// Submit validates a request, stores the job with all its items and starts it
// unless it is scheduled for later. It returns without waiting for the run.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.BatchJob, error) {
	req.Kind = models.JobKind(strings.TrimSpace(string(req.Kind)))
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)

	if err := req.Validate(); err != nil {
		metrics.IncValidationErrors(string(req.Kind))
		return nil, fromValidation(err)
	}

	processor, ok := m.runner.Processor(req.Kind)
	if !ok {
		metrics.IncValidationErrors(string(req.Kind))
		return nil, &ValidationError{
			Message: "invalid submission",
			Fields:  map[string]string{"kind": "unsupported job kind"},
		}
	}

	plan, err := processor.Plan(ctx, req.Configuration)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.IncValidationErrors(string(req.Kind))
		}
		return nil, err
	}
	if len(plan.Payloads) == 0 {
		metrics.IncValidationErrors(string(req.Kind))
		return nil, invalid("configuration", "no items to process")
	}

	configuration, err := json.Marshal(plan.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	job := &models.BatchJob{
		Kind:          req.Kind,
		Title:         req.Title,
		Description:   req.Description,
		Configuration: configuration,
		ScheduledAt:   plan.ScheduleAt,
	}
	if job.Title == "" {
		job.Title = plan.Title
	}

	if err := m.store.Create(ctx, job, plan.Payloads); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.IncJobsSubmitted(string(job.Kind))

	m.logger.Info("job submitted",
		"job_id", job.ID,
		"kind", job.Kind,
		"total", job.TotalCount,
		"scheduled_at", job.ScheduledAt,
	)

	if job.ScheduledAt == nil {
		m.launch(job.ID)
	}

	return job, nil
}

// GetStatus returns a job and the items that failed or were skipped
func (m *Manager) GetStatus(ctx context.Context, id string) (*JobReport, error) {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}

	items, total, err := m.store.ListItems(ctx, models.JobItemFilter{
		JobID:    id,
		Statuses: []models.ItemStatus{models.ItemStatusFailed, models.ItemStatusSkipped},
		Limit:    m.problemLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}

	return &JobReport{Job: job, Problems: items, ProblemsTotal: total}, nil
}

// List returns jobs newest first with the total matching count
func (m *Manager) List(ctx context.Context, filter models.JobListFilter) ([]models.BatchJob, int, error) {
	return m.store.List(ctx, filter)
}

// Items returns the items of a job
func (m *Manager) Items(ctx context.Context, filter models.JobItemFilter) ([]models.BatchItem, int, error) {
	job, err := m.store.GetByID(ctx, filter.JobID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, 0, ErrNotFound
	}
	return m.store.ListItems(ctx, filter)
}

// Cancel stops a pending or processing job. Remaining items stay pending.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if job.Status.IsTerminal() {
		return job, ErrAlreadyTerminal
	}

	ok, err := m.store.Cancel(ctx, id, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !ok {
		job, _ = m.store.GetByID(ctx, id)
		return job, ErrAlreadyTerminal
	}

	m.mu.Lock()
	stop := m.running[id]
	m.mu.Unlock()
	if stop != nil {
		stop()
	}

	metrics.IncJobsFinished(string(job.Kind), string(models.JobStatusCancelled))
	m.logger.Info("job cancelled", "job_id", id, "was_running", stop != nil)

	job, err = m.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// Wait polls a job until it reaches a terminal status. progress, if set, is
// called after every poll.
func (m *Manager) Wait(ctx context.Context, id string, interval time.Duration, progress func(*models.BatchJob)) (*models.BatchJob, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load job: %w", err)
		}
		if job == nil {
			return nil, ErrNotFound
		}
		if progress != nil {
			progress(job)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running reports whether a job is executing in this process
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Start resumes interrupted jobs and starts the scheduler loop
func (m *Manager) Start() error {
	if m.cfg.ResumeOnStart {
		jobs, _, err := m.store.List(m.ctx, models.JobListFilter{Status: models.JobStatusProcessing})
		if err != nil {
			return fmt.Errorf("failed to load interrupted jobs: %w", err)
		}
		for _, job := range jobs {
			m.logger.Info("resuming job", "job_id", job.ID, "kind", job.Kind, "processed", job.ProcessedCount)
			m.launch(job.ID)
		}
	}

	m.startDue()

	m.wg.Add(1)
	go m.schedule()

	m.logger.Info("batch manager started",
		"schedule_poll_interval", m.cfg.SchedulePollInterval,
		"resume_on_start", m.cfg.ResumeOnStart,
	)
	return nil
}

// Stop stops all running jobs and waits for them to return. Interrupted jobs
// stay in processing and resume on the next start.
func (m *Manager) Stop() {
	m.logger.Info("stopping batch manager...")

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.logger.Info("batch manager stopped")
}

func (m *Manager) schedule() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SchedulePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.startDue()
		}
	}
}

// startDue launches pending jobs whose start time has come
func (m *Manager) startDue() {
	jobs, err := m.store.ScheduledDue(m.ctx, m.now().UTC())
	if err != nil {
		m.logger.Error("failed to get due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if m.launch(job.ID) {
			m.logger.Info("starting pending job", "job_id", job.ID, "kind", job.Kind, "scheduled_at", job.ScheduledAt)
		}
	}
}

func (m *Manager) launch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.running[id]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.running[id] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
			cancel()
		}()

		if err := m.runner.Run(ctx, id); err != nil {
			m.logger.Error("job run failed", "job_id", id, "error", err)
		}
	}()

	return true
}
