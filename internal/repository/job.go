package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrItemNotPending is returned when an item has already reached a terminal status
	ErrItemNotPending = errors.New("item is not pending")

	// ErrJobNotProcessing is returned when an item completes after its job left processing
	ErrJobNotProcessing = errors.New("job is not processing")
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, status, title, description, configuration,
	total_count, processed_count, success_count, failed_count, skipped_count, progress_percent,
	result_summary, error_message, scheduled_at, started_at, completed_at, created_at, updated_at`

const itemColumns = `id, batch_id, item_index, payload, status, result, error_message, processed_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

// Create inserts the job and one pending item per payload in a single transaction
func (r *JobRepository) Create(ctx context.Context, job *models.BatchJob, payloads []json.RawMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job.ID = uuid.New().String()
	job.Status = models.JobStatusPending
	job.TotalCount = len(payloads)
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	if len(job.Configuration) == 0 {
		job.Configuration = json.RawMessage("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, kind, status, title, description, configuration, total_count, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.Status, job.Title, job.Description, string(job.Configuration),
		job.TotalCount, job.ScheduledAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_items (id, batch_id, item_index, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, payload := range payloads {
		_, err := stmt.ExecContext(ctx, uuid.New().String(), job.ID, i, string(payload), models.ItemStatusPending, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create job item %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetByID returns a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM batch_jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs with optional filtering, newest first
func (r *JobRepository) List(ctx context.Context, filter models.JobListFilter) ([]models.BatchJob, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.CreatedAfter != nil {
		where += " AND created_at > ?"
		args = append(args, filter.CreatedAfter.UTC())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + jobColumns + " FROM batch_jobs" + where + " ORDER BY created_at DESC, id"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []models.BatchJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, total, rows.Err()
}

// MarkProcessing moves a pending job to processing. Resuming a job that is already
// processing keeps its original start time. Returns false when the job is terminal.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.JobStatusProcessing, at.UTC(), at.UTC(), id, models.JobStatusPending, models.JobStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Finish moves a processing job to its terminal status. Returns false when the job
// left processing in the meantime (e.g. it was cancelled).
func (r *JobRepository) Finish(ctx context.Context, job *models.BatchJob) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs SET status = ?, result_summary = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		job.Status, job.ResultSummary, job.ErrorMessage, now, now, job.ID, models.JobStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if ok {
		job.CompletedAt = &now
		job.UpdatedAt = now
	}
	return ok, err
}

// Cancel marks a pending or processing job as cancelled. Returns false when the job
// does not exist or is already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.JobStatusCancelled, at.UTC(), at.UTC(), id, models.JobStatusPending, models.JobStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ScheduledDue returns pending jobs whose start time is unset or has passed
func (r *JobRepository) ScheduledDue(ctx context.Context, now time.Time) ([]models.BatchJob, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+jobColumns+` FROM batch_jobs
		WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY created_at`, models.JobStatusPending, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.BatchJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// NextPendingItems returns up to limit pending items with index greater than afterIndex,
// in ascending index order
func (r *JobRepository) NextPendingItems(ctx context.Context, jobID string, afterIndex, limit int) ([]models.BatchItem, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+itemColumns+` FROM batch_items
		WHERE batch_id = ? AND status = ? AND item_index > ?
		ORDER BY item_index
		LIMIT ?`, jobID, models.ItemStatusPending, afterIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.BatchItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CompleteItem stores the item's terminal status together with the job counters
// in one transaction. Nothing is written when the job is no longer processing.
func (r *JobRepository) CompleteItem(ctx context.Context, item *models.BatchItem, job *models.BatchJob) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var result any
	if len(item.Result) > 0 {
		result = string(item.Result)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_items SET status = ?, result = ?, error_message = ?, processed_at = ?
		WHERE id = ? AND status = ?`,
		item.Status, result, item.ErrorMessage, item.ProcessedAt, item.ID, models.ItemStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("item %d: %w", item.ItemIndex, ErrItemNotPending)
	}

	now := time.Now().UTC()
	res, err = tx.ExecContext(ctx, `
		UPDATE batch_jobs SET processed_count = ?, success_count = ?, failed_count = ?, skipped_count = ?,
			progress_percent = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		job.ProcessedCount, job.SuccessCount, job.FailedCount, job.SkippedCount, job.ProgressPercent, now,
		job.ID, models.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobNotProcessing)
	}
	job.UpdatedAt = now

	return tx.Commit()
}

// ListItems returns job items with filtering, in index order
func (r *JobRepository) ListItems(ctx context.Context, filter models.JobItemFilter) ([]models.BatchItem, int, error) {
	where := " WHERE batch_id = ?"
	args := []any{filter.JobID}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		where += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + itemColumns + " FROM batch_items" + where + " ORDER BY item_index"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []models.BatchItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *item)
	}

	return items, total, rows.Err()
}

// CountFinishedBefore counts terminal jobs created before cutoff
func (r *JobRepository) CountFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM batch_jobs WHERE status IN (?, ?, ?) AND created_at < ?`,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff.UTC(),
	).Scan(&count)
	return count, err
}

// DeleteFinishedBefore deletes terminal jobs created before cutoff; items cascade
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM batch_jobs WHERE status IN (?, ?, ?) AND created_at < ?`,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(s scanner) (*models.BatchJob, error) {
	job := &models.BatchJob{}
	var configuration string
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := s.Scan(&job.ID, &job.Kind, &job.Status, &job.Title, &job.Description, &configuration,
		&job.TotalCount, &job.ProcessedCount, &job.SuccessCount, &job.FailedCount, &job.SkippedCount, &job.ProgressPercent,
		&job.ResultSummary, &job.ErrorMessage, &scheduledAt, &startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Configuration = json.RawMessage(configuration)
	if scheduledAt.Valid {
		job.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return job, nil
}

func scanItem(s scanner) (*models.BatchItem, error) {
	item := &models.BatchItem{}
	var payload string
	var result sql.NullString
	var processedAt sql.NullTime

	err := s.Scan(&item.ID, &item.BatchID, &item.ItemIndex, &payload, &item.Status, &result,
		&item.ErrorMessage, &processedAt, &item.CreatedAt)
	if err != nil {
		return nil, err
	}

	item.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		item.Result = json.RawMessage(result.String)
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}

	return item, nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByStatus returns the number of jobs per status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM batch_jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
